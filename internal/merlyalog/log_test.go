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

package merlyalog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestRedacted(t *testing.T) {
	require.Equal(t, "***", Redacted(true))
	require.Equal(t, "", Redacted(false))
}

func TestInitWithFile_CreatesRotatedLogFile(t *testing.T) {
	homeDir := t.TempDir()
	err := InitWithFile(ForCLI, logrus.InfoLevel, homeDir)
	require.NoError(t, err)

	logrus.Info("hello from test")

	path := filepath.Join(homeDir, "logs", "merlya.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.False(t, info.IsDir())
}

func TestInit_CLIDiscardsOutputBelowDebug(t *testing.T) {
	Init(ForCLI, logrus.InfoLevel)
	require.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	require.Equal(t, io.Discard, logrus.StandardLogger().Out)
}
