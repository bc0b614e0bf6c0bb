// Completion: 100% - Blackhole REPL complete
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/xyproto/tracejit"
)

const (
	historyFile = ".tracejit_history"
	promptMain  = "bh> "
	replHelp    = `Type jitcode instructions, one per line. They collect in a buffer.
  :run [args...]   assemble the buffer as a jitcode and run it
  :dump            disassemble the buffer
  :list            show the buffer
  :reset           clear the buffer
  :quit            leave
`
)

// repl keeps the instructions typed so far
type repl struct {
	jc    *tracejit.JitContext
	lines []string
}

func cmdRepl(ctx *CommandContext) error {
	jc, err := newContext(ctx)
	if err != nil {
		return err
	}
	defer jc.Close()

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(completeOpcode)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("%s blackhole REPL, :help for help\n", versionString)
	r := &repl{jc: jc}
	for {
		line, err := ln.Prompt(promptMain)
		if err != nil {
			fmt.Println()
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)
		if strings.HasPrefix(line, ":") {
			if r.command(line) {
				break
			}
			continue
		}
		r.lines = append(r.lines, line)
	}

	if f, err := os.Create(histPath); err == nil {
		_, _ = ln.WriteHistory(f)
		_ = f.Close()
	}
	return nil
}

// command handles a :command line and reports whether to leave
func (r *repl) command(line string) (exit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q", ":exit":
		return true
	case ":help":
		fmt.Print(replHelp)
	case ":reset":
		r.lines = nil
	case ":list":
		for i, l := range r.lines {
			fmt.Printf("%3d  %s\n", i, l)
		}
	case ":dump":
		if code, err := r.assemble(); err != nil {
			fmt.Println(err)
		} else {
			fmt.Print(code.Dump())
		}
	case ":run":
		code, err := r.assemble()
		if err != nil {
			fmt.Println(err)
			return false
		}
		vals := make([]tracejit.Value, 0, len(fields)-1)
		for _, a := range fields[1:] {
			v, err := guessValue(a)
			if err != nil {
				fmt.Println(err)
				return false
			}
			vals = append(vals, v)
		}
		res, err := r.jc.RunJitCode(code, vals...)
		if err != nil {
			fmt.Println(err)
			return false
		}
		fmt.Println(res)
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

func (r *repl) assemble() (*tracejit.JitCode, error) {
	return tracejit.AssembleJitCode("repl", strings.Join(r.lines, "\n"), r.jc.Namespace())
}

func completeOpcode(line string) []string {
	var out []string
	for _, name := range tracejit.BlackholeOpcodeNames() {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	return out
}
