// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package logger provides a global singleton logger instance that is safe for concurrent use by multiple goroutines.
// It offers a method to retrieve the logger instance and another to set a new logger instance in a thread-safe manner.
package logger

import (
	"os"
	"sync"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/info"
	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(logrus.InfoLevel)
}

// New creates a new log entry with the specified component and version.
func New(component, version string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component": component,
		"version":   version,
	})
}

var (
	loggerInstance *logrus.Entry
	mu             sync.Mutex
)

// Logger provides a global singleton logger instance.
func Logger() *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if loggerInstance == nil {
		loggerInstance = New(info.Component, info.Version)
	}
	return loggerInstance
}

// SetLogger sets a new logger instance in a thread-safe manner.
func SetLogger(newLogger *logrus.Entry) {
	mu.Lock()
	defer mu.Unlock()
	loggerInstance = newLogger
}

// SetLevel parses a level name ("debug", "error", anything else -> info)
// and applies it to the shared logger.
func SetLevel(levelName string) {
	entry := Logger()
	switch levelName {
	case "debug":
		entry.Logger.SetLevel(logrus.DebugLevel)
	case "error":
		entry.Logger.SetLevel(logrus.ErrorLevel)
	default:
		entry.Logger.SetLevel(logrus.InfoLevel)
	}
}
