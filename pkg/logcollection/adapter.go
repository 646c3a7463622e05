package logcollection

import (
	"github.com/core-tools/hsu-testserver/pkg/logging"
)

// AsLogger exposes a structured logger through the printf-style logging.Logger.
func AsLogger(structured StructuredLogger, prefix string) logging.Logger {
	return logging.NewLogger(prefix, logging.LogFuncs{
		Debugf: structured.Debugf,
		Infof:  structured.Infof,
		Warnf:  structured.Warnf,
		Errorf: structured.Errorf,
	})
}

// NewLogger builds the zap-backed logger pair used by the harness and CLIs.
func NewLogger(config ZapConfig) (StructuredLogger, logging.Logger, error) {
	structured, err := NewZapAdapter(config)
	if err != nil {
		return nil, nil, err
	}
	return structured, AsLogger(structured, ""), nil
}
