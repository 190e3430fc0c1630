package logger

import (
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/sym"
)

// Symbol-aware logging helpers.
// The symbol is logged as a structured field, not in the message, so logs
// stay queryable by symbol:
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)
//	t.pulseLog.Infow("Lease acquired", "resource", r)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.Pulse)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.DB)
}

// AddProseSymbol wraps a logger with the Prose symbol (▣)
func AddProseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.Prose)
}

// AddNotifySymbol wraps a logger with the Notify symbol (⟶)
func AddNotifySymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, sym.Notify)
}

// PulseOpenInfow logs an info message with the PulseOpen symbol (✿)
func PulseOpenInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.PulseOpen}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// PulseCloseInfow logs an info message with the PulseClose symbol (❀)
func PulseCloseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.PulseClose}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
