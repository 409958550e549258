package adb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs/internal/adb"
)

func TestChooseDeviceReturnsGivenSerialUnchanged(t *testing.T) {
	got, err := adb.ChooseDevice("adb", "ABC123", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "ABC123", got)
}
