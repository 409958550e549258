package madbfslog_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs/internal/madbfslog"
)

func TestParseLevelKnownTokens(t *testing.T) {
	cases := map[string]madbfslog.Level{
		"trace":    madbfslog.LevelTrace,
		"debug":    madbfslog.LevelDebug,
		"info":     madbfslog.LevelInfo,
		"warn":     madbfslog.LevelWarn,
		"err":      madbfslog.LevelErr,
		"critical": madbfslog.LevelCritical,
		"off":      madbfslog.LevelOff,
	}
	for token, want := range cases {
		got, err := madbfslog.ParseLevel(token)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	_, err := madbfslog.ParseLevel("bogus")
	require.Error(t, err)
}

func TestNewOffDiscardsOutput(t *testing.T) {
	logger, err := madbfslog.New(madbfslog.LevelOff, "-")
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestFanoutHookDeliversToSubscribers(t *testing.T) {
	logger := logrus.New()
	hook := madbfslog.NewFanoutHook()
	logger.AddHook(hook)

	ch := hook.Subscribe()
	defer hook.Unsubscribe(ch)

	logger.Info("hello")

	select {
	case line := <-ch:
		require.Contains(t, line, "hello")
	default:
		t.Fatal("expected a line on the subscriber channel")
	}
}

func TestFanoutHookUnsubscribeClosesChannel(t *testing.T) {
	hook := madbfslog.NewFanoutHook()
	ch := hook.Subscribe()
	hook.Unsubscribe(ch)

	_, open := <-ch
	require.False(t, open)
}
