package klog

import (
	"go.uber.org/zap"
)

// Tracer logs system calls at debug level when enabled.
type Tracer struct {
	enabled bool
	log     *zap.Logger
}

// NewTracer returns a tracer writing to logger.
func NewTracer(logger *zap.Logger, enabled bool) *Tracer {
	return &Tracer{
		enabled: enabled,
		log:     OrNop(logger).Named("ktrace"),
	}
}

// Enabled reports whether tracing is on.
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled
}

// Call records a system call entry.
func (t *Tracer) Call(call string, fields ...zap.Field) {
	if !t.Enabled() {
		return
	}
	t.log.Debug("CALL "+call, fields...)
}

// Return records a system call result.
func (t *Tracer) Return(call string, err error, fields ...zap.Field) {
	if !t.Enabled() {
		return
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	t.log.Debug("RET  "+call, fields...)
}
