package logutils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZapLoggerSingleton(t *testing.T) {
	require.Same(t, ZapLogger(), ZapLogger())
}

func TestNewZapLogger(t *testing.T) {
	logger, err := NewZapLogger("debug", FileOptions{})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewZapLogger("not-a-level", FileOptions{})
	require.Error(t, err)

	logger, err = NewZapLogger("info", FileOptions{
		Filename: filepath.Join(t.TempDir(), "comai.log"),
		MaxSize:  1,
	})
	require.NoError(t, err)
	logger.Info("rotated file sink works")
	require.NoError(t, logger.Sync())
}
