package util

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

// InitLogger initializes the global logger
func InitLogger(env string) error {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := config.Build()
	if err != nil {
		return err
	}

	SetLogger(l)
	return nil
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	l, _ := zap.NewDevelopment()
	if logger.CompareAndSwap(nil, l) {
		return l
	}
	return logger.Load()
}

// SetLogger replaces the global logger
func SetLogger(l *zap.Logger) {
	logger.Store(l)
	zap.ReplaceGlobals(l)
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if l := logger.Load(); l != nil {
		_ = l.Sync()
	}
}
