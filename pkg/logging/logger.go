/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging builds the zap-backed loggers used by the warden binaries.
// Everything in the process logs through one zap core: application code via
// logr (zapr), and third-party libraries that want a stdlib-style logger via
// the slog bridge. LOG_LEVEL selects the configuration.
package logging

import (
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
)

// NewLogger returns the process logger as a logr.Logger plus a sync func the
// caller defers before exit. LOG_LEVEL=debug or trace switches to the zap
// development config with debug output; anything else means production JSON.
func NewLogger() (logr.Logger, func(), error) {
	z, err := NewZapLogger()
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}

// NewZapLogger builds the underlying *zap.Logger honoring LOG_LEVEL. Use it
// when a second facade (slog, sarama's stdlib logger) must share the core
// with the logr.Logger from NewLogger.
func NewZapLogger() (*zap.Logger, error) {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "trace":
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	case "warn":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		return cfg.Build()
	default:
		return zap.NewProduction()
	}
}

// SlogFromZap wraps z in an *slog.Logger writing to the same core, so bridged
// libraries emit the same JSON shape, level names and timestamps as the rest
// of the process.
func SlogFromZap(z *zap.Logger) *slog.Logger {
	return slog.New(zapslog.NewHandler(z.Core(), zapslog.WithCaller(true)))
}
