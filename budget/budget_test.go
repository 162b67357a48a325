package budget_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/budget"
	"vmkernel/defs"
)

func TestStepFailsPastMax(t *testing.T) {
	l := budget.New("test.op", 2)
	require.NoError(t, l.Step())
	require.NoError(t, l.Step())
	err := l.Step()
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.OutOfMemory))
	require.Equal(t, 3, l.Consumed())
}

func TestUnlimitedNeverFails(t *testing.T) {
	l := budget.New("test.op", 0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Step())
	}
}

func TestNilLimiterIsUnlimited(t *testing.T) {
	var l *budget.Limiter
	require.NoError(t, l.Step())
	require.Zero(t, l.Consumed())
}
