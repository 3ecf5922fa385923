package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "guard.log")
	log, err := New(Options{Level: "info", File: path, MaxSize: 1})
	require.NoError(t, err)

	log.Debug("不应写入")
	log.Info("防护已开启")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "防护已开启"))
	assert.False(t, strings.Contains(string(data), "不应写入"))
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}
