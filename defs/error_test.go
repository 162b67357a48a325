package defs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/defs"
)

func TestErrorIsKind(t *testing.T) {
	err := defs.E(defs.SegmentationFault, "fault.Handle", nil)
	require.True(t, defs.Is(err, defs.SegmentationFault))
	require.False(t, defs.Is(err, defs.OutOfMemory))
}

func TestErrorWrapUnwrap(t *testing.T) {
	cause := errors.New("short read")
	err := defs.Wrap(defs.Io, "fault.materializeFile", cause)
	require.ErrorContains(t, err, "short read")
	require.ErrorContains(t, err, "fault.materializeFile")
}

func TestPermSuperset(t *testing.T) {
	rw := defs.PermR | defs.PermW
	require.True(t, rw.Superset(defs.PermR))
	require.False(t, defs.PermR.Superset(defs.PermW))
}

func TestAlign(t *testing.T) {
	require.Equal(t, defs.VAddr(0x1000), defs.AlignDown(0x1abc, defs.PageSize))
	require.Equal(t, defs.VAddr(0x2000), defs.AlignUp(0x1001, defs.PageSize))
	require.True(t, defs.PageAligned(0x3000))
	require.False(t, defs.PageAligned(0x3001))
}
