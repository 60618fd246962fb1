/*
Copyright 2026 The Merlya Authors.

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

// Package merlyalog centralizes logrus setup for the CLI and the
// (future) daemon entry points, following the LoggingForCLI /
// LoggingForDaemon split the teacher uses in lib/utils/cli.go.
package merlyalog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Purpose int

const (
	ForCLI Purpose = iota
	ForDaemon
)

// Init configures the standard logrus logger. It never logs secret values;
// callers are responsible for passing already-redacted fields (see
// internal/secrets and internal/elevate, which mask stdin payloads as "***").
func Init(purpose Purpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	switch purpose {
	case ForCLI:
		if level == logrus.DebugLevel {
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case ForDaemon:
		logrus.SetOutput(os.Stderr)
	}
}

// InitWithFile configures the logger exactly as Init does, and additionally
// tees output to a size-rotated file under homeDir/logs, matching the
// "logs/ (rotated log files)" layout of spec §6. homeDir is typically
// config.HomeDir(). Rotation never runs across process exit: this is a
// best-effort CLI convenience, not a daemon-grade log pipeline.
func InitWithFile(purpose Purpose, level logrus.Level, homeDir string) error {
	Init(purpose, level)

	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "merlya.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	current := logrus.StandardLogger().Out
	logrus.SetOutput(io.MultiWriter(current, rotator))
	return nil
}

// Redacted wraps a value for inclusion in a log field when the caller only
// wants to record that a secret was present, never what it was.
func Redacted(present bool) string {
	if present {
		return "***"
	}
	return ""
}
