package util_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/util"
)

func TestMinMax(t *testing.T) {
	require.Equal(t, 3, util.Min(3, 7))
	require.Equal(t, 7, util.Max(3, 7))
}

func TestRounddownRoundup(t *testing.T) {
	require.EqualValues(t, 0x1000, util.Rounddown(0x1fff, 0x1000))
	require.EqualValues(t, 0x2000, util.Roundup(0x1001, 0x1000))
	require.EqualValues(t, 0x1000, util.Roundup(0x1000, 0x1000))
}

func TestOverlaps(t *testing.T) {
	require.True(t, util.Overlaps(0, 10, 5, 15))
	require.False(t, util.Overlaps(0, 10, 10, 20))
	require.False(t, util.Overlaps(0, 10, 20, 30))
}
