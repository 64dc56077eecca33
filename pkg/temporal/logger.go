package temporal

import "go.uber.org/zap"

// ZapAdapter bridges Temporal's keyval logger interface onto Zap.
type ZapAdapter struct {
	sugar *zap.SugaredLogger
}

// NewZapAdapter wraps a Zap logger for use as a Temporal SDK logger. The
// sugared form is required to forward Temporal's keyvals.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{sugar: logger.Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.sugar.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.sugar.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.sugar.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.sugar.Errorw(msg, keyvals...) }
