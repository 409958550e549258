// Package madbfslog adapts madbfs's six-level log taxonomy
// (trace, debug, info, warn, err, critical, off) onto logrus, matching
// original_source's spdlog-based madbfs-common/log.hpp and rclone's
// habit (backend/cache/cache.go, fs.Logf) of naming the subject of the
// operation as the first formatting argument.
package madbfslog

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Level mirrors madbfs's --log-level enum (spec §6).
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelErr
	LevelCritical
	LevelOff
)

// ParseLevel parses one of --log-level's accepted tokens.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "err":
		return LevelErr, nil
	case "critical":
		return LevelCritical, nil
	case "off":
		return LevelOff, nil
	default:
		return 0, errors.Errorf("madbfslog: unknown level %q", s)
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelTrace:
		return logrus.TraceLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelErr:
		return logrus.ErrorLevel
	case LevelCritical:
		return logrus.FatalLevel
	default: // LevelOff
		return logrus.PanicLevel
	}
}

// New builds a logrus.Logger writing to logFile ("-" for stdout) at
// level, matching madbfs-common/log.hpp's init().
func New(level Level, logFile string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetLevel(level.logrusLevel())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if level == LevelOff {
		logger.SetOutput(io.Discard)
		return logger, nil
	}

	if logFile == "" || logFile == "-" {
		logger.SetOutput(os.Stdout)
		return logger, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "madbfslog: open %s", logFile)
	}
	logger.SetOutput(f)
	return logger, nil
}

// SetLevel changes the logger's active level at runtime, used by the
// control endpoint's set_log_level op (spec §4.8).
func SetLevel(logger *logrus.Logger, level Level) {
	logger.SetLevel(level.logrusLevel())
}

// FanoutHook is a logrus.Hook that forwards every formatted entry to a
// dynamic set of subscriber channels, feeding the control endpoint's
// logcat op (spec §4.8, SPEC_FULL.md's richer C9).
type FanoutHook struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

// NewFanoutHook constructs an empty hook; install it on a logger with
// logger.AddHook.
func NewFanoutHook() *FanoutHook {
	return &FanoutHook{subs: make(map[chan string]struct{})}
}

func (h *FanoutHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *FanoutHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- line:
		default: // slow subscriber; drop rather than block logging
		}
	}
	return nil
}

// Subscribe registers a buffered channel that receives every
// subsequently logged line; call Unsubscribe when the logcat
// connection closes.
func (h *FanoutHook) Subscribe() chan string {
	ch := make(chan string, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *FanoutHook) Unsubscribe(ch chan string) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}
