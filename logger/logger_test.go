package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhifu/epay-relay/config"
	"go.uber.org/zap"
)

func TestInit(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.log")

	log, err := Init(config.LogConfig{
		Level:      "DEBUG",
		Filename:   file,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	})
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Same(t, log, zap.L())

	log.Info("test log message")
	_ = log.Sync()

	_, err = os.Stat(file)
	assert.NoError(t, err)
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "INVALID"})
	assert.Error(t, err)
}
