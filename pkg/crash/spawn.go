package crash

import (
	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/memory"
)

// HelperArgs is everything the helper needs to inspect a crashed process.
// All of it travels on the command line; the helper shares no state with
// the crashed process except its memory, read through the server socket.
type HelperArgs struct {
	// CrashInfo is the address of the CrashInfo record in the target.
	CrashInfo memory.Address
	// MemserverPath is the unix socket the target's memory server
	// listens on.
	MemserverPath string
	// PID of the crashed process.
	PID int
}

// BuildHelperArgv constructs the helper's full argument vector from the
// resolved settings. The argv is assembled at install time, before any
// fault, so the fault path only has to exec it.
func BuildHelperArgv(helperPath string, s config.Settings, args HelperArgs) []string {
	onOff := func(v config.OnOffTty) string {
		if v == config.On {
			return "on"
		}
		return "off"
	}
	boolArg := func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	}

	argv := []string{
		helperPath,
		"--unwind", s.Algorithm.String(),
		"--symbolicate", boolArg(s.Symbolicate),
		"--demangle", boolArg(s.Demangle),
		"--interactive", onOff(s.Interactive),
		"--color", onOff(s.Color),
		"--timeout", string(AppendUnsigned(nil, uint64(s.Timeout))),
		"--level", string(AppendUnsigned(nil, uint64(s.Level))),
		"--threads", s.Threads.String(),
		"--registers", s.Registers.String(),
		"--images", s.Images.String(),
		"--limit", string(AppendUnsigned(nil, uint64(s.Limit))),
		"--top", string(AppendUnsigned(nil, uint64(s.Top))),
		"--cache", boolArg(s.Cache),
		"--crashinfo", string(AppendHex(nil, args.CrashInfo)),
		"--memserver", args.MemserverPath,
		"--pid", string(AppendSigned(nil, int64(args.PID))),
	}
	return argv
}
