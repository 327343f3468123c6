package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/warden/internal/secrets"
)

// newCore tees stderr and the otel bridge, then applies sampling.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	level, err := LevelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	cores := make([]zapcore.Core, 0, 2)
	if cfg.Output.Stderr {
		var redactor *secrets.Redactor
		if cfg.Redaction.Enabled {
			redactor = secrets.Default()
		}
		encoder := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction.Fields, redactor)
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("warden", otelzap.WithLoggerProvider(otelProvider)))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return newSampledCore(core, cfg.Sampling), nil
}
