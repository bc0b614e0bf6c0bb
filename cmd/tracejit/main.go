// Completion: 100% - Command entry point complete
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

const versionString = "tracejit 0.3.0"

func main() {
	// Go's flag package stops at the first non-flag argument, so flags go
	// before the command: tracejit -v run loop.trace 0
	var configFlag = flag.String("config", "", "TOML configuration file")
	var verbose = flag.Bool("v", false, "verbose mode (debug logging and per-instruction tracing)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (debug logging and per-instruction tracing)")
	var quiet = flag.Bool("q", false, "only log errors")
	var jitlogFlag = flag.String("jitlog", "", "write a binary jitlog to this file")
	var cacheFlag = flag.String("cache", "", "trace cache directory")
	var versionFlag = flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(versionString)
		os.Exit(0)
	}

	ctx := &CommandContext{
		Args:       flag.Args(),
		ConfigPath: *configFlag,
		Verbose:    *verbose || *verboseLong,
		Quiet:      *quiet,
		JitlogPath: *jitlogFlag,
		CachePath:  *cacheFlag,
	}

	verbosity := 1
	switch {
	case ctx.Verbose:
		verbosity = 4
	case ctx.Quiet:
		verbosity = 0
	}
	commonlog.Configure(verbosity, nil)

	if err := RunCLI(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
