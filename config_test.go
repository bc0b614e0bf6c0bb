package tracejit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xyproto/tracejit/internal/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracejit.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("LoadConfig(\"\") mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
float_abi = "softfp"
shadow_stack = true
nursery_size = 65536
bridge_threshold = 5
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.FloatABI = "softfp"
	want.ShadowStack = true
	want.NurserySize = 65536
	want.BridgeThreshold = 5
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	m, err := cfg.Machine()
	if err != nil {
		t.Fatal(err)
	}
	if m.FloatABI != engine.SoftFloat || m.Roots != engine.RootsShadowStack {
		t.Errorf("machine %s, want soft-float with a shadow stack", m)
	}
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, "bridge_treshold = 4\n")
	_, err := LoadConfig(path)
	var je *JitError
	if !errors.As(err, &je) {
		t.Fatalf("got %v, want a *JitError", err)
	}
	if je.Category != CategoryConfig {
		t.Errorf("category %s, want config", je.Category)
	}
	if !strings.Contains(je.Suggestion, "bridge_threshold") {
		t.Errorf("suggestion %q should name bridge_threshold", je.Suggestion)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("TRACEJIT_FLOAT_ABI", "armel")
	t.Setenv("TRACEJIT_GC_ROOTS", "shadowstack")
	t.Setenv("TRACEJIT_VERBOSE", "1")
	cfg, err := LoadConfig(writeConfig(t, "float_abi = \"hardfp\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FloatABI != "armel" || !cfg.ShadowStack || !cfg.Verbose {
		t.Errorf("environment not applied: %+v", cfg)
	}

	t.Setenv("TRACEJIT_GC_ROOTS", "refcount")
	if _, err := LoadConfig(""); err == nil {
		t.Error("an unknown root mode should be rejected")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"float abi", func(c *Config) { c.FloatABI = "vfp9" }},
		{"odd nursery", func(c *Config) { c.NurserySize = 1001 }},
		{"nursery larger than memory", func(c *Config) { c.MemorySize = c.NurserySize - WORD }},
		{"tiny stack", func(c *Config) { c.StackSize = 1024 }},
		{"zero threshold", func(c *Config) { c.BridgeThreshold = 0 }},
		{"negative retries", func(c *Config) { c.MaxBridgeRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
			if _, err := NewJitContext(cfg); err == nil {
				t.Error("NewJitContext should refuse an invalid configuration")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSoftFloatContextRunsFloatLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FloatABI = "softfp"
	cfg.ShadowStack = true
	c, err := NewJitContext(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	tok := compileTrace(t, c, nil, `
[f0, i0]
label(f0, i0, descr=loop)
f1 = float_add(f0, 0.25)
i1 = int_sub(i0, 1)
i2 = int_gt(i1, 0)
guard_true(i2, descr=done) [f1]
jump(f1, i1, descr=loop)
`)
	df, err := c.Execute(tok, FloatValue(1), IntValue(4))
	if err != nil {
		t.Fatal(err)
	}
	if got := df.Float(0); got != 2 {
		t.Errorf("f1 = %g, want 2", got)
	}
}

func TestLoadConfigSeesEnvironmentChanges(t *testing.T) {
	t.Setenv("TRACEJIT_FLOAT_ABI", "hardfp")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FloatABI != "hardfp" {
		t.Fatalf("float_abi = %q", cfg.FloatABI)
	}
	t.Setenv("TRACEJIT_FLOAT_ABI", "softfp")
	if cfg, err = LoadConfig(""); err != nil {
		t.Fatal(err)
	}
	if cfg.FloatABI != "softfp" {
		t.Errorf("float_abi = %q after changing the environment, want softfp", cfg.FloatABI)
	}
}
