// Completion: 100% - Command-line interface complete
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xyproto/tracejit"
)

// CommandContext holds the execution context for a CLI command
type CommandContext struct {
	Args       []string
	ConfigPath string
	Verbose    bool
	Quiet      bool
	JitlogPath string
	CachePath  string
}

// RunCLI picks the subcommand from the first argument
func RunCLI(ctx *CommandContext) error {
	if len(ctx.Args) == 0 {
		return cmdHelp(ctx)
	}
	args := ctx.Args[1:]
	switch ctx.Args[0] {
	case "run":
		if len(args) < 1 {
			return fmt.Errorf("usage: tracejit run <trace-file> [args...]")
		}
		return cmdRun(ctx, args)
	case "bh":
		if len(args) < 1 {
			return fmt.Errorf("usage: tracejit bh <jitcode-file> [args...]")
		}
		return cmdBlackhole(ctx, args)
	case "jitlog":
		if len(args) != 1 {
			return fmt.Errorf("usage: tracejit jitlog <file>")
		}
		return cmdJitlog(args[0])
	case "cache":
		if len(args) != 1 {
			return fmt.Errorf("usage: tracejit cache <directory>")
		}
		return cmdCache(args[0])
	case "config":
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		fmt.Print(cfg)
		return nil
	case "repl":
		return cmdRepl(ctx)
	case "version":
		fmt.Println(versionString)
		return nil
	case "help", "-h", "--help":
		return cmdHelp(ctx)
	}
	return fmt.Errorf("unknown command %q (try 'tracejit help')", ctx.Args[0])
}

// loadConfig reads the configuration and applies the command line on top
func loadConfig(ctx *CommandContext) (tracejit.Config, error) {
	cfg, err := tracejit.LoadConfig(ctx.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if ctx.Verbose {
		cfg.Verbose = true
	}
	if ctx.JitlogPath != "" {
		cfg.JitlogPath = ctx.JitlogPath
	}
	if ctx.CachePath != "" {
		cfg.CachePath = ctx.CachePath
	}
	return cfg, cfg.Validate()
}

func newContext(ctx *CommandContext) (*tracejit.JitContext, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return tracejit.NewJitContext(cfg)
}

// splitSource separates the jitcode sections of a run file from the trace
// that follows the .trace line
func splitSource(src string) (jitcodes, trace string) {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == ".trace" {
			return strings.Join(lines[:i], "\n"), strings.Join(lines[i+1:], "\n")
		}
	}
	return "", src
}

// parseValue reads a command-line argument as a value of the given kind
func parseValue(s string, kind tracejit.Kind) (tracejit.Value, error) {
	switch kind {
	case tracejit.KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return tracejit.Value{}, fmt.Errorf("%q is not a float", s)
		}
		return tracejit.FloatValue(f), nil
	case tracejit.KindRef:
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return tracejit.Value{}, fmt.Errorf("%q is not an address", s)
		}
		return tracejit.RefValue(uint32(n)), nil
	}
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return tracejit.Value{}, fmt.Errorf("%q is not a 32-bit integer", s)
	}
	return tracejit.IntValue(int32(n)), nil
}

// guessValue reads an argument as a float when it looks like one
func guessValue(s string) (tracejit.Value, error) {
	if strings.ContainsAny(s, ".eE") && !strings.HasPrefix(s, "0x") {
		return parseValue(s, tracejit.KindFloat)
	}
	return parseValue(s, tracejit.KindInt)
}

func cmdRun(ctx *CommandContext, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	jc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer jc.Close()

	ns := jc.Namespace()
	codeSrc, traceSrc := splitSource(string(src))
	if strings.TrimSpace(codeSrc) != "" {
		if _, err := tracejit.AssembleJitCodes(codeSrc, ns); err != nil {
			return err
		}
	}
	trace, err := tracejit.ParseTrace(traceSrc, ns)
	if err != nil {
		return err
	}
	trace.Name = strings.TrimSuffix(args[0], ".trace")
	tok, err := jc.CompileLoop(trace)
	if err != nil {
		return err
	}

	kinds := tok.InputKinds()
	if len(args)-1 != len(kinds) {
		return fmt.Errorf("the trace takes %d arguments, got %d", len(kinds), len(args)-1)
	}
	vals := make([]tracejit.Value, len(kinds))
	for i, k := range kinds {
		if vals[i], err = parseValue(args[i+1], k); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}

	out, err := tracejit.NewDriver(jc, nil).Run(tok, vals...)
	var exc *tracejit.GuestException
	if errors.As(err, &exc) {
		fmt.Printf("exception: %s\n", exc)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println(out)
	if out.Guard != nil && !out.Resumed {
		for i, v := range out.Frame.Values() {
			fmt.Printf("  fail arg %d: %s\n", i, v)
		}
	}
	if !ctx.Quiet {
		fmt.Printf("%d bytes of code, %d guards\n", jc.CodeSize(), len(tok.Guards()))
	}
	return nil
}

func cmdBlackhole(ctx *CommandContext, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	jc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer jc.Close()

	codes, err := tracejit.AssembleJitCodes(string(src), jc.Namespace())
	if err != nil {
		return err
	}
	code, err := entryCode(codes)
	if err != nil {
		return err
	}
	vals := make([]tracejit.Value, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := guessValue(a)
		if err != nil {
			return err
		}
		vals = append(vals, v)
	}
	if ctx.Verbose {
		fmt.Print(code.Dump())
	}
	res, err := jc.RunJitCode(code, vals...)
	if err != nil {
		return err
	}
	fmt.Println(res)
	return nil
}

// entryCode returns the jitcode called main, or the only one there is
func entryCode(codes map[string]*tracejit.JitCode) (*tracejit.JitCode, error) {
	if code, ok := codes["main"]; ok {
		return code, nil
	}
	if len(codes) == 1 {
		for _, code := range codes {
			return code, nil
		}
	}
	return nil, fmt.Errorf("no jitcode called main among %d", len(codes))
}

func cmdJitlog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h, recs, err := tracejit.ReadJitlog(f)
	if h != nil {
		fmt.Printf("jitlog version %d, machine %s, 32-bit %v, %d opcodes\n",
			h.Version, h.Machine, h.Is32Bit, len(h.Opcodes))
	}
	for _, r := range recs {
		fmt.Printf("  0x%02x %s\n", r.Mark, r.Text)
	}
	return err
}

func cmdCache(dir string) error {
	tc, err := tracejit.OpenTraceCache(dir, uuid.New())
	if err != nil {
		return err
	}
	defer tc.Close()
	units, err := tc.Units()
	if err != nil {
		return err
	}
	keys := make([][32]byte, 0, len(units))
	for k := range units {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return units[keys[i]].Name < units[keys[j]].Name })
	for _, k := range keys {
		u := units[k]
		fmt.Printf("%s  %-6s %-12s depth %-3d %5d bytes  compiled %dx  session %s\n",
			hex.EncodeToString(k[:6]), u.Kind, u.Name, u.FrameDepth, u.CodeSize, u.Compilations, u.Session)
		guards := make([]string, 0, len(u.GuardFailures))
		for g := range u.GuardFailures {
			guards = append(guards, g)
		}
		sort.Strings(guards)
		for _, g := range guards {
			fmt.Printf("    %s failed %d times\n", g, u.GuardFailures[g])
		}
	}
	return nil
}

func cmdHelp(ctx *CommandContext) error {
	fmt.Printf(`%s - a tracing JIT backend for ARMv7 on a simulated machine

USAGE:
    tracejit [flags] <command> [arguments]

COMMANDS:
    run <trace-file> [args...]    Compile a trace as a loop and run it
    bh <jitcode-file> [args...]   Run a jitcode in the blackhole interpreter
    jitlog <file>                 Dump a binary jitlog
    cache <directory>             List the units in a trace cache
    config                        Print the effective configuration
    repl                          Interactive blackhole interpreter
    version                       Show version information
    help                          Show this help message

FLAGS (before the command):
    -config <file>    TOML configuration file
    -v, -verbose      Debug logging and per-instruction tracing
    -q                Only log errors
    -jitlog <file>    Write a binary jitlog
    -cache <dir>      Trace cache directory

ENVIRONMENT:
    TRACEJIT_VERBOSE, TRACEJIT_FLOAT_ABI, TRACEJIT_GC_ROOTS,
    TRACEJIT_JITLOG, TRACEJIT_CACHE override the configuration file.

A run file holds optional .jitcode sections, a line with .trace, then
the trace listing. Without .trace the whole file is the trace.
`, versionString)
	return nil
}
