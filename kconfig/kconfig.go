// Package kconfig loads the operator-tunable knobs this core needs
// before init: the user-space virtual-address band, the kernel
// vmalloc/huge-page/tele-page bands, the simulated arena size, the
// reverse-map cache capacity and the default safety level. Built on
// viper+pflag, the config-loading pair used throughout the
// orchestration-shaped examples in the retrieval pack. Config is read
// once and handed to the caller as a plain struct: there is no
// package-level config singleton for subsystems to reach into.
package kconfig

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"vmkernel/defs"
)

// SafetyLevel mirrors the five levels named in spec.md §4.12.
type SafetyLevel string

const (
	SafetyDisabled SafetyLevel = "disabled"
	SafetyMinimal  SafetyLevel = "minimal"
	SafetyStandard SafetyLevel = "standard"
	SafetyStrict   SafetyLevel = "strict"
	SafetyDebug    SafetyLevel = "debug"
)

// Config holds every tunable the kernel aggregate needs at
// construction time.
type Config struct {
	UserMin       defs.VAddr
	UserMax       defs.VAddr
	VmallocBase   defs.VAddr
	VmallocLen    defs.VAddr
	HugeKernelVA  defs.VAddr
	TelepageBase  defs.VAddr
	TelepageLen   defs.VAddr
	ArenaPages    int
	SafetyLevel   SafetyLevel
	ReverseLRUCap int
}

// Default returns sane defaults matching the address bands the teacher
// used in mem/dmap.go (VUSER/USERMIN/VDIRECT/VEND), scaled down to sizes
// a simulated, host-process arena can actually back.
func Default() Config {
	return Config{
		UserMin:       defs.VAddr(0x59) << 39,
		UserMax:       defs.VAddr(0x60) << 39,
		VmallocBase:   defs.VAddr(0x44) << 39,
		VmallocLen:    1 << 34,
		HugeKernelVA:  defs.VAddr(0x46) << 39,
		TelepageBase:  defs.VAddr(0x48) << 39,
		TelepageLen:   1 << 34,
		ArenaPages:    1 << 16,
		SafetyLevel:   SafetyStandard,
		ReverseLRUCap: 4096,
	}
}

// Load reads configuration from flags, environment (prefixed VMKERNEL_)
// and an optional config file named by --config, falling back to
// Default() for anything unset.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("vmkernel", pflag.ContinueOnError)
	fs.String("config", "", "path to a config file")
	fs.String("safety-level", string(cfg.SafetyLevel), "safety layer level")
	fs.Int("arena-pages", cfg.ArenaPages, "number of pages in the simulated physical arena")
	fs.Int("reverse-lru-cap", cfg.ReverseLRUCap, "reverse-map LRU cache capacity")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	v := viper.New()
	v.SetEnvPrefix("VMKERNEL")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return cfg, err
	}
	if cf, _ := fs.GetString("config"); cf != "" {
		v.SetConfigFile(cf)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if lvl := v.GetString("safety-level"); lvl != "" {
		cfg.SafetyLevel = SafetyLevel(lvl)
	}
	if n := v.GetInt("arena-pages"); n > 0 {
		cfg.ArenaPages = n
	}
	if n := v.GetInt("reverse-lru-cap"); n > 0 {
		cfg.ReverseLRUCap = n
	}
	return cfg, nil
}
