package logsvc

import (
	"fmt"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"
	"go.uber.org/zap"

	"github.com/trezcool/masomo-notifier/core"
)

// RollbarLogger reports to Rollbar (when enabled) and always writes through zap.
type RollbarLogger struct {
	zl *zap.Logger
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(zl *zap.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	return &RollbarLogger{zl: zl.WithOptions(zap.AddCallerSkip(1))}
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// Zap exposes the underlying logger, e.g. for libraries wanting a *zap.Logger.
func (l RollbarLogger) Zap() *zap.Logger { return l.zl }

// prepare builds rollbar args: msg, then errors, then a single merged extras map.
// Values that are neither errors nor maps are added to extras as "argN".
func (l RollbarLogger) prepare(msg string, args []interface{}) []interface{} {
	newArgs := make([]interface{}, 0, len(args)+2)
	newArgs = append(newArgs, msg)
	var extras map[string]interface{}
	for i, arg := range args {
		switch v := arg.(type) {
		case error:
			newArgs = append(newArgs, v)
		case map[string]interface{}:
			if extras == nil {
				extras = make(map[string]interface{}, len(v))
			}
			for k, val := range v {
				extras[k] = val
			}
		default:
			if extras == nil {
				extras = make(map[string]interface{})
			}
			extras[fmt.Sprintf("arg%d", i)] = v
		}
	}
	if extras != nil {
		newArgs = append(newArgs, extras)
	}
	return newArgs
}

func (l RollbarLogger) fields(args []interface{}) []zap.Field {
	flds := make([]zap.Field, 0, len(args))
	var errCount int
	for i, arg := range args {
		switch v := arg.(type) {
		case error:
			if errCount == 0 {
				flds = append(flds, zap.Error(v))
			} else {
				flds = append(flds, zap.NamedError(fmt.Sprintf("error%d", errCount), v))
			}
			errCount++
		case map[string]interface{}:
			for k, val := range v {
				flds = append(flds, zap.Any(k, val))
			}
		default:
			flds = append(flds, zap.Any(fmt.Sprintf("arg%d", i), v))
		}
	}
	return flds
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	rollbar.Debug(l.prepare(msg, args)...)
	l.zl.Debug(msg, l.fields(args)...)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	rollbar.Info(l.prepare(msg, args)...)
	l.zl.Info(msg, l.fields(args)...)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	rollbar.Warning(l.prepare(msg, args)...)
	l.zl.Warn(msg, l.fields(args)...)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	rollbar.Error(l.prepare(msg, args)...)
	l.zl.Error(msg, l.fields(args)...)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	rollbar.Critical(l.prepare(msg, args)...)
	rollbar.Wait()
	l.zl.Fatal(msg, l.fields(args)...)
}
