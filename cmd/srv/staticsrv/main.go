package main

import (
	"os"

	"github.com/core-tools/hsu-testserver/pkg/staticserver"
)

func main() {
	os.Exit(staticserver.WorkerMain(os.Args[1:]))
}
