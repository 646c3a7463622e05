package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	lines []string
}

func (r *recorder) funcs() LogFuncs {
	record := func(level string) LogFunc {
		return func(format string, args ...interface{}) {
			r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
		}
	}
	return LogFuncs{
		Debugf: record("D"),
		Infof:  record("I"),
		Warnf:  record("W"),
		Errorf: record("E"),
	}
}

func TestLogger_PrefixAndLevels(t *testing.T) {
	rec := &recorder{}
	logger := NewLogger("unit: a , ", rec.funcs())

	logger.Debugf("debug %d", 1)
	logger.Infof("info")
	logger.Warnf("warn")
	logger.Errorf("error %s", "x")
	logger.LogLevelf(LogLevelInfo, "level %d", LogLevelInfo)

	assert.Equal(t, []string{
		"D unit: a , debug 1",
		"I unit: a , info",
		"W unit: a , warn",
		"E unit: a , error x",
		"I unit: a , level 1",
	}, rec.lines)
}

func TestWithPrefix_Nests(t *testing.T) {
	rec := &recorder{}
	parent := NewLogger("group: g , ", rec.funcs())

	child := WithPrefix(parent, "unit: u , ")
	child.Infof("ready on %s", "127.0.0.1:80")

	assert.Equal(t, []string{"I group: g , unit: u , ready on 127.0.0.1:80"}, rec.lines)
}

func TestNopLogger(t *testing.T) {
	logger := WithPrefix(nil, "x")
	assert.NotPanics(t, func() {
		logger.Errorf("dropped %v", 1)
		NewNopLogger().Infof("dropped")
	})
}
