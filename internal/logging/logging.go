// Package logging provides the per-module structured logger used across the engine,
// following kopia's repo/logging module pattern: every package that can fail or make
// a scheduling decision calls Module(name) once at package init and logs through the
// returned *zap.SugaredLogger, rather than reaching for the global "log" package.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.Mutex
	base   *zap.Logger
	baseOK bool
)

// SetBase overrides the base zap.Logger used to derive per-module loggers. Call this
// once at process start (main.go) to switch between development and production
// encoder configs; defaults to a production config with console output if never
// called.
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()

	base = l
	baseOK = true
}

func baseLogger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if baseOK {
		return base
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}

	base = l
	baseOK = true

	return base
}

// Module returns a sugared logger tagged with the given module name, matching the
// call shape kopia's cli/app.go uses ("var log = logging.Module(\"kopia/cli\")").
func Module(name string) *zap.SugaredLogger {
	return baseLogger().Named(name).Sugar()
}

// Sync flushes any buffered log entries; call from main before exit.
func Sync() {
	mu.Lock()
	l := base
	mu.Unlock()

	if l != nil {
		_ = l.Sync()
	}
}
