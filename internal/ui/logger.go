package ui

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
)

type sinkWriter struct{ s Sink }

func (w sinkWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.s.Log(line)
		}
	}
	return len(p), nil
}

func (sinkWriter) Sync() error { return nil }

// NewLogger returns a zap logger writing console-encoded entries into the
// log pane of s. Timestamps are left to the sink.
func NewLogger(s Sink, level string) (*zap.Logger, error) {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, chainerr.Configf("LOG_LEVEL %q: %v", level, err)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), sinkWriter{s}, lvl)
	return zap.New(core), nil
}
