// Completion: 100% - Logging complete
package tracejit

import "github.com/tliron/commonlog"

// Named loggers, one per subsystem. The backend is installed by the
// command (commonlog/simple); library code only writes messages.
var (
	asmLog       = commonlog.GetLogger("tracejit.asm")
	regallocLog  = commonlog.GetLogger("tracejit.regalloc")
	runtimeLog   = commonlog.GetLogger("tracejit.runtime")
	blackholeLog = commonlog.GetLogger("tracejit.blackhole")
	cacheLog     = commonlog.GetLogger("tracejit.cache")
)

const levelDebug = commonlog.Debug

// traceBytes reports whether per-instruction tracing is on for a context
func (c *JitContext) traceBytes() bool {
	return c.config.Verbose && asmLog.AllowLevel(levelDebug)
}
