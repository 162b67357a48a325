package kconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/kconfig"
)

func TestDefaultBandsDoNotOverlap(t *testing.T) {
	cfg := kconfig.Default()
	require.Less(t, cfg.UserMin, cfg.UserMax)
	require.Less(t, cfg.VmallocBase+cfg.VmallocLen, cfg.HugeKernelVA)
	require.Less(t, cfg.HugeKernelVA+cfg.VmallocLen, cfg.TelepageBase)
	require.Equal(t, kconfig.SafetyStandard, cfg.SafetyLevel)
}

func TestLoadAppliesFlagOverrides(t *testing.T) {
	cfg, err := kconfig.Load([]string{"--safety-level", "strict", "--arena-pages", "128"})
	require.NoError(t, err)
	require.Equal(t, kconfig.SafetyStrict, cfg.SafetyLevel)
	require.Equal(t, 128, cfg.ArenaPages)
	require.Equal(t, kconfig.Default().ReverseLRUCap, cfg.ReverseLRUCap)
}

func TestLoadWithNoArgsMatchesDefault(t *testing.T) {
	cfg, err := kconfig.Load(nil)
	require.NoError(t, err)
	require.Equal(t, kconfig.Default(), cfg)
}
