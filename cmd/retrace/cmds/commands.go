// Package cmds implements the retrace command line interface.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/inspect"
	"github.com/retrace-project/retrace/pkg/logflags"
	"github.com/retrace-project/retrace/pkg/memory"
	"github.com/retrace-project/retrace/pkg/terminal"
	"github.com/retrace-project/retrace/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string

	// unwindAlgo selects the unwind strategy.
	unwindAlgo string
	// symbolicate is whether addresses are resolved to symbols.
	symbolicate string
	// demangle is whether symbol names are demangled.
	demangle string
	// interactive is whether the inspector prompt is offered.
	interactive string
	// color is whether the report uses ANSI colors.
	color string
	// timeout is the interaction timeout in seconds.
	timeout int
	// level is the report detail level.
	level int
	// threadsScope, registersScope and imagesScope bound what the report
	// displays.
	threadsScope   string
	registersScope string
	imagesScope    string
	// limit bounds captured frames, 0 meaning unlimited.
	limit int
	// top is the number of outermost frames kept when limit elides.
	top int
	// cache is whether target memory reads go through the page cache.
	cache string
	// crashInfoAddr is the address of the crash record, in hex.
	crashInfoAddr string
	// memserverPath is the unix socket of the target's memory server.
	memserverPath string
	// pid of the crashed process.
	pid int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const retraceCommandLongDesc = `Retrace renders backtraces of crashed processes.

It is normally launched by the crash handler of the failing process itself,
which passes the address of its crash record and a socket for reading its
memory. The report is printed to the terminal; in interactive mode the
crashed process can then be inspected with a command prompt.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "retrace",
		Short: "Retrace renders backtraces of crashed processes.",
		Long:  retraceCommandLongDesc,
		RunE:  inspectCrash,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (memory, unwind, images, crash, protocol).")

	targetFlags(rootCommand.Flags())

	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("retrace %s\n%s\n", version.RetraceVersion, version.BuildInfo())
		},
	})

	return rootCommand
}

// targetFlags registers the flag contract the crash handler uses when
// launching the helper.
func targetFlags(flags *pflag.FlagSet) {
	flags.StringVar(&unwindAlgo, "unwind", "auto", "Unwind strategy: auto, fast or precise.")
	flags.StringVar(&symbolicate, "symbolicate", "on", "Resolve addresses to symbols: on or off.")
	flags.StringVar(&demangle, "demangle", "on", "Demangle symbol names: on or off.")
	flags.StringVar(&interactive, "interactive", "off", "Offer the interactive inspector: on or off.")
	flags.StringVar(&color, "color", "off", "Use ANSI colors in the report: on or off.")
	flags.IntVar(&timeout, "timeout", 30, "Seconds to wait for interaction before exiting, 0 to wait forever.")
	flags.IntVar(&level, "level", 1, "Report detail level.")
	flags.StringVar(&threadsScope, "threads", "preset", "Threads shown in the report: preset, all or crashed.")
	flags.StringVar(&registersScope, "registers", "preset", "Registers shown in the report: preset, none, all or crashed.")
	flags.StringVar(&imagesScope, "images", "preset", "Images listed in the report: preset, none, all or mentioned.")
	flags.IntVar(&limit, "limit", 64, "Maximum captured frames per thread, 0 for unlimited.")
	flags.IntVar(&top, "top", 16, "Outermost frames preserved when limit elides.")
	flags.StringVar(&cache, "cache", "on", "Cache target memory reads: on or off.")
	flags.StringVar(&crashInfoAddr, "crashinfo", "", "Address of the crash record in the target, in hex.")
	flags.StringVar(&memserverPath, "memserver", "", "Unix socket of the target's memory server.")
	flags.IntVar(&pid, "pid", 0, "Process id of the crashed process.")
}

// settingsFromFlags maps the helper flag contract back onto Settings.
func settingsFromFlags() config.Settings {
	on := func(v string) bool { return v == "on" || v == "true" || v == "yes" }
	onOff := func(v string) config.OnOffTty {
		if on(v) {
			return config.On
		}
		return config.Off
	}

	s := config.DefaultSettings()
	switch unwindAlgo {
	case "fast":
		s.Algorithm = config.UnwindFast
	case "precise":
		s.Algorithm = config.UnwindPrecise
	default:
		s.Algorithm = config.UnwindAuto
	}
	s.Symbolicate = on(symbolicate)
	s.Demangle = on(demangle)
	s.Interactive = onOff(interactive)
	s.Color = onOff(color)
	s.Timeout = timeout
	s.Level = level
	switch threadsScope {
	case "all":
		s.Threads = config.ThreadsAll
	case "crashed":
		s.Threads = config.ThreadsCrashed
	default:
		s.Threads = config.ThreadsPreset
	}
	switch registersScope {
	case "none":
		s.Registers = config.RegistersNone
	case "all":
		s.Registers = config.RegistersAll
	case "crashed":
		s.Registers = config.RegistersCrashed
	default:
		s.Registers = config.RegistersPreset
	}
	switch imagesScope {
	case "none":
		s.Images = config.ImagesNone
	case "all":
		s.Images = config.ImagesAll
	case "mentioned":
		s.Images = config.ImagesMentioned
	default:
		s.Images = config.ImagesPreset
	}
	s.Limit = limit
	s.Top = top
	s.Cache = on(cache)
	return s
}

func inspectCrash(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput); err != nil {
		return err
	}
	if crashInfoAddr == "" {
		return errors.New("no crash record address; retrace is normally launched by the crash handler (see 'retrace --help')")
	}
	addr, err := strconv.ParseUint(crashInfoAddr, 0, 64)
	if err != nil {
		return fmt.Errorf("bad crash record address %q", crashInfoAddr)
	}

	set := settingsFromFlags()

	var mem memory.MemoryReader
	switch {
	case memserverPath != "":
		client, err := memory.Dial(memserverPath)
		if err != nil {
			return err
		}
		defer client.Close()
		mem = client
	case pid != 0:
		mem = memory.NewProcessReader(pid)
	default:
		return errors.New("need either --memserver or --pid to read the target's memory")
	}

	session, err := inspect.New(inspect.Options{
		Mem:           mem,
		CrashInfoAddr: memory.Address(addr),
		PID:           pid,
		Settings:      set,
	})
	if err != nil {
		return err
	}

	term := terminal.New(session, conf, set.Color == config.On)
	term.PrintReport(terminal.ReportOptions{
		Level:     set.Level,
		Threads:   set.Threads,
		Registers: set.Registers,
		Images:    set.Images,
	})

	if set.Interactive == config.On {
		if term.OfferInteraction(time.Duration(set.Timeout) * time.Second) {
			if err := term.Run(); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
	return nil
}
