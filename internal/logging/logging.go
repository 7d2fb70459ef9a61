// Package logging constructs the structured logger shared by Context,
// engines, endpoints, and sessions. Grounded on teranos-QNTX's
// ats/ix/zaplogger adapter, which wraps a *zap.SugaredLogger behind a
// small logging surface; here the fabric talks to zap directly since
// there is no plugin boundary to abstract across.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Development enables human-readable console output and debug level;
	// otherwise JSON output at info level is used (production default).
	Development bool
}

// New builds a *zap.SugaredLogger per Config.
func New(cfg Config) (*zap.SugaredLogger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
