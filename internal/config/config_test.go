package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs/internal/config"
)

func TestPageSizeRoundsToPowerOfTwoAndClamps(t *testing.T) {
	cfg, err := config.New("", "", "warn", "-", 256, 100, 30, 10, 12345, false)
	require.NoError(t, err)
	require.Equal(t, 128*1024, cfg.PageSize)

	cfg, err = config.New("", "", "warn", "-", 256, 10, 30, 10, 12345, false)
	require.NoError(t, err)
	require.Equal(t, config.MinPageSizeKiB*1024, cfg.PageSize)

	cfg, err = config.New("", "", "warn", "-", 256, 1<<20, 30, 10, 12345, false)
	require.NoError(t, err)
	require.Equal(t, config.MaxPageSizeKiB*1024, cfg.PageSize)
}

func TestCacheSizeClampsToMinimum(t *testing.T) {
	cfg, err := config.New("", "", "warn", "-", 10, 128, 30, 10, 12345, false)
	require.NoError(t, err)
	require.Equal(t, config.MinCacheSizeMiB*1024*1024, cfg.CacheSize)
}

func TestZeroTTLAndTimeoutDisable(t *testing.T) {
	cfg, err := config.New("", "", "warn", "-", 256, 128, 0, 0, 12345, false)
	require.NoError(t, err)
	require.Zero(t, cfg.TTL)
	require.Zero(t, cfg.Timeout)
}

func TestInvalidPortRejected(t *testing.T) {
	_, err := config.New("", "", "warn", "-", 256, 128, 30, 10, 70000, false)
	require.Error(t, err)
}

func TestInvalidLogLevelRejected(t *testing.T) {
	_, err := config.New("", "", "bogus", "-", 256, 128, 30, 10, 12345, false)
	require.Error(t, err)
}

func TestMaxPagesHasFloor(t *testing.T) {
	cfg, err := config.New("", "", "warn", "-", 128, 4096, 30, 10, 12345, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cfg.MaxPages(), 128)
}
