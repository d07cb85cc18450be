package logsvc

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trezcool/masomo-notifier/core"
)

// NewZapLogger builds a named console logger in debug mode and a JSON logger otherwise.
func NewZapLogger(conf *core.Config, name string) (*zap.Logger, error) {
	var cfg zap.Config
	if conf.Debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if conf.TestMode {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	zl, err := cfg.Build(zap.Fields(zap.String("env", conf.Env), zap.String("build", conf.Build)))
	if err != nil {
		return nil, err
	}
	return zl.Named(name), nil
}

// New builds a named RollbarLogger; Rollbar reporting is enabled outside debug mode.
func New(conf *core.Config, name string) (*RollbarLogger, error) {
	zl, err := NewZapLogger(conf, name)
	if err != nil {
		return nil, err
	}
	logger := NewRollbarLogger(zl, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger, nil
}
