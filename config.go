// Completion: 100% - Configuration complete
package tracejit

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xyproto/env/v2"
	"github.com/xyproto/tracejit/internal/engine"
)

// Config holds the tunables of a JitContext. It is read from a TOML file
// and then overridden by TRACEJIT_* environment variables.
type Config struct {
	FloatABI         string `toml:"float_abi"`
	ShadowStack      bool   `toml:"shadow_stack"`
	MemorySize       uint32 `toml:"memory_size"` // heap bytes, nursery included
	NurserySize      uint32 `toml:"nursery_size"`
	StackSize        uint32 `toml:"stack_size"`
	StepLimit        uint64 `toml:"step_limit"`
	BridgeThreshold  int    `toml:"bridge_threshold"`
	MaxBridgeRetries int    `toml:"max_bridge_retries"`
	JitlogPath       string `toml:"jitlog"`
	CachePath        string `toml:"cache"`
	Verbose          bool   `toml:"verbose"`
}

var configKeys = []string{
	"float_abi", "shadow_stack", "memory_size", "nursery_size", "stack_size", "step_limit",
	"bridge_threshold", "max_bridge_retries", "jitlog", "cache", "verbose",
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		FloatABI:         "hardfp",
		MemorySize:       4 << 20,
		NurserySize:      256 << 10,
		StackSize:        256 << 10,
		StepLimit:        50_000_000,
		BridgeThreshold:  2,
		MaxBridgeRetries: 3,
	}
}

// LoadConfig reads path (when not empty) over the defaults and applies
// the environment
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, newError(CategoryConfig, err, "reading %s", path)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			key := undecoded[0].String()
			e := newError(CategoryConfig, nil, "unknown key %q in %s", key, path)
			if s := engine.SuggestSimilar(key, configKeys, 1); len(s) > 0 {
				e.Suggestion = fmt.Sprintf("did you mean %q?", s[0])
			}
			return cfg, e
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv reloads the environment first, since env caches it
func (c *Config) applyEnv() error {
	env.Load()
	if env.Has("TRACEJIT_VERBOSE") {
		c.Verbose = env.Bool("TRACEJIT_VERBOSE")
	}
	if env.Has("TRACEJIT_FLOAT_ABI") {
		c.FloatABI = env.Str("TRACEJIT_FLOAT_ABI")
	}
	if env.Has("TRACEJIT_GC_ROOTS") {
		mode, err := engine.ParseRootMode(env.Str("TRACEJIT_GC_ROOTS"))
		if err != nil {
			return newError(CategoryConfig, err, "TRACEJIT_GC_ROOTS")
		}
		c.ShadowStack = mode == engine.RootsShadowStack
	}
	c.JitlogPath = env.Str("TRACEJIT_JITLOG", c.JitlogPath)
	c.CachePath = env.Str("TRACEJIT_CACHE", c.CachePath)
	return nil
}

// Validate checks that the sizes and policies make sense together
func (c Config) Validate() error {
	if _, err := engine.ParseFloatABI(c.FloatABI); err != nil {
		return newError(CategoryConfig, err, "float_abi")
	}
	switch {
	case c.NurserySize == 0 || c.NurserySize%WORD != 0:
		return newError(CategoryConfig, nil, "nursery_size must be a positive multiple of %d", WORD)
	case c.MemorySize < c.NurserySize:
		return newError(CategoryConfig, nil, "memory_size %d is smaller than nursery_size %d",
			c.MemorySize, c.NurserySize)
	case c.StackSize < 4096:
		return newError(CategoryConfig, nil, "stack_size must be at least 4096")
	case c.BridgeThreshold < 1:
		return newError(CategoryConfig, nil, "bridge_threshold must be at least 1")
	case c.MaxBridgeRetries < 0:
		return newError(CategoryConfig, nil, "max_bridge_retries cannot be negative")
	}
	return nil
}

// Machine returns the target description selected by the configuration
func (c Config) Machine() (engine.Machine, error) {
	abi, err := engine.ParseFloatABI(c.FloatABI)
	if err != nil {
		return engine.Machine{}, err
	}
	roots := engine.RootsFramePointer
	if c.ShadowStack {
		roots = engine.RootsShadowStack
	}
	return engine.ARMv7(abi, roots), nil
}

// String renders the configuration as TOML
func (c Config) String() string {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return err.Error()
	}
	return sb.String()
}
