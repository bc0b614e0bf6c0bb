package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/tracejit"
)

func TestSplitSource(t *testing.T) {
	codes, trace := splitSource(".jitcode main\n    void_return\n.trace\n[i0]\nfinish(i0)\n")
	if codes != ".jitcode main\n    void_return" {
		t.Errorf("jitcode part %q", codes)
	}
	if trace != "[i0]\nfinish(i0)\n" {
		t.Errorf("trace part %q", trace)
	}
	codes, trace = splitSource("[i0]\nfinish(i0)\n")
	if codes != "" || trace != "[i0]\nfinish(i0)\n" {
		t.Errorf("without .trace: %q / %q", codes, trace)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		kind tracejit.Kind
		want tracejit.Value
		ok   bool
	}{
		{"42", tracejit.KindInt, tracejit.IntValue(42), true},
		{"-0x10", tracejit.KindInt, tracejit.IntValue(-16), true},
		{"4294967296", tracejit.KindInt, tracejit.Value{}, false},
		{"2.5", tracejit.KindFloat, tracejit.FloatValue(2.5), true},
		{"0x300000", tracejit.KindRef, tracejit.RefValue(0x300000), true},
		{"-1", tracejit.KindRef, tracejit.Value{}, false},
		{"abc", tracejit.KindFloat, tracejit.Value{}, false},
	}
	for _, tt := range tests {
		got, err := parseValue(tt.in, tt.kind)
		if (err == nil) != tt.ok {
			t.Errorf("parseValue(%q, %s): err = %v", tt.in, tt.kind, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("parseValue(%q, %s) = %s, want %s", tt.in, tt.kind, got, tt.want)
		}
	}
	if v, _ := guessValue("1e3"); v != tracejit.FloatValue(1000) {
		t.Errorf("guessValue(1e3) = %s", v)
	}
	if v, _ := guessValue("0xE0"); v != tracejit.IntValue(0xE0) {
		t.Errorf("guessValue(0xE0) = %s", v)
	}
}

func TestEntryCode(t *testing.T) {
	mainCode := &tracejit.JitCode{Name: "main"}
	other := &tracejit.JitCode{Name: "other"}
	if c, err := entryCode(map[string]*tracejit.JitCode{"main": mainCode, "other": other}); err != nil || c != mainCode {
		t.Errorf("got %v, %v", c, err)
	}
	if c, err := entryCode(map[string]*tracejit.JitCode{"other": other}); err != nil || c != other {
		t.Errorf("got %v, %v", c, err)
	}
	if _, err := entryCode(map[string]*tracejit.JitCode{"a": mainCode, "b": other}); err == nil {
		t.Error("two codes without main should be ambiguous")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCLI(t *testing.T) {
	run := writeFile(t, "loop.trace", `.jitcode main
    int_mul %i0, $2 -> %i0
    int_return %i0
.trace
[i0]
label(i0, descr=loop)
i1 = int_add(i0, 1)
i2 = int_lt(i1, 20)
guard_true(i2, descr=exit) [i1] resume(<main>, 0, I[i1])
jump(i1, descr=loop)
`)
	bh := writeFile(t, "add.jit", ".jitcode add\n    int_add %i0, %i1 -> %i2\n    int_return %i2\n")
	dir := t.TempDir()
	jitlog := filepath.Join(dir, "run.jitlog")

	tests := []struct {
		name string
		ctx  *CommandContext
		ok   bool
	}{
		{"run", &CommandContext{Args: []string{"run", run, "0"}, Quiet: true, JitlogPath: jitlog}, true},
		{"run with a bad argument", &CommandContext{Args: []string{"run", run, "zero"}}, false},
		{"run with too many arguments", &CommandContext{Args: []string{"run", run, "0", "1"}}, false},
		{"bh", &CommandContext{Args: []string{"bh", bh, "40", "2"}}, true},
		{"jitlog", &CommandContext{Args: []string{"jitlog", jitlog}}, true},
		{"cache", &CommandContext{Args: []string{"cache", filepath.Join(dir, "cache")}}, true},
		{"config", &CommandContext{Args: []string{"config"}}, true},
		{"version", &CommandContext{Args: []string{"version"}}, true},
		{"help", &CommandContext{}, true},
		{"missing file", &CommandContext{Args: []string{"bh", filepath.Join(dir, "nope.jit")}}, false},
		{"unknown command", &CommandContext{Args: []string{"frobnicate"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RunCLI(tt.ctx)
			if (err == nil) != tt.ok {
				t.Errorf("RunCLI(%q) = %v", tt.ctx.Args, err)
			}
		})
	}
}
