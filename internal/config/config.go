// Package config validates and clamps the CLI flag values spec §6
// names, the Go analogue of original_source/madbfs/include/madbfs/args.hpp.
package config

import (
	"time"

	"github.com/pkg/errors"

	"github.com/mrizaln/madbfs/internal/madbfslog"
)

const (
	DefaultPageSizeKiB  = 128
	MinPageSizeKiB      = 64
	MaxPageSizeKiB      = 4 * 1024
	DefaultCacheSizeMiB = 256
	MinCacheSizeMiB     = 128
	DefaultTTLSeconds   = 30
	DefaultTimeoutSec   = 10
	DefaultPort         = 12345
)

// Config is the fully resolved, clamped mount configuration (spec §6).
type Config struct {
	Serial    string
	Server    string
	LogLevel  madbfslog.Level
	LogFile   string
	CacheSize int // bytes
	PageSize  int // bytes
	TTL       time.Duration
	Timeout   time.Duration
	Port      int
	NoServer  bool
}

// nextPowerOfTwo rounds n up to the next power of two, matching
// --cache-size/--page-size's "rounded to next power of two" rule.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// New validates and clamps raw flag values into a Config. Sizes are
// given in their natural units (KiB for page size, MiB for cache
// size) and converted to bytes.
func New(
	serial, server string,
	logLevel string,
	logFile string,
	cacheSizeMiB int,
	pageSizeKiB int,
	ttlSeconds int,
	timeoutSeconds int,
	port int,
	noServer bool,
) (Config, error) {
	level, err := madbfslog.ParseLevel(logLevel)
	if err != nil {
		return Config{}, err
	}

	if cacheSizeMiB < MinCacheSizeMiB {
		cacheSizeMiB = MinCacheSizeMiB
	}
	cacheSizeMiB = nextPowerOfTwo(cacheSizeMiB)

	if pageSizeKiB < MinPageSizeKiB {
		pageSizeKiB = MinPageSizeKiB
	}
	if pageSizeKiB > MaxPageSizeKiB {
		pageSizeKiB = MaxPageSizeKiB
	}
	pageSizeKiB = nextPowerOfTwo(pageSizeKiB)

	if port < 1 || port > 65535 {
		return Config{}, errors.Errorf("config: port %d out of range [1,65535]", port)
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	if ttlSeconds <= 0 {
		ttl = 0 // disabled, per spec §6
	}
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeoutSeconds <= 0 {
		timeout = 0
	}

	return Config{
		Serial:    serial,
		Server:    server,
		LogLevel:  level,
		LogFile:   logFile,
		CacheSize: cacheSizeMiB * 1024 * 1024,
		PageSize:  pageSizeKiB * 1024,
		TTL:       ttl,
		Timeout:   timeout,
		Port:      port,
		NoServer:  noServer,
	}, nil
}

// MaxPages derives the page-cache capacity from CacheSize/PageSize,
// clamped to the page-count minimum spec §4.8's set_cache_size also
// enforces (≥ 128 pages).
func (c Config) MaxPages() int {
	n := c.CacheSize / c.PageSize
	if n < 128 {
		n = 128
	}
	return n
}
