// Package config holds the crash-capture settings resolved from the
// RETRACE environment variable and the helper's on-disk configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// OnOffTty is a three-valued switch: on, off, or "only when the relevant
// stream is a terminal".
type OnOffTty int

const (
	Off OnOffTty = iota
	On
	TTY
)

func (o OnOffTty) String() string {
	switch o {
	case On:
		return "on"
	case TTY:
		return "tty"
	}
	return "off"
}

// UnwindAlgorithm selects the unwind strategy.
type UnwindAlgorithm int

const (
	// UnwindAuto lets the helper pick the best strategy for the platform.
	UnwindAuto UnwindAlgorithm = iota
	// UnwindFast walks frame pointers only.
	UnwindFast
	// UnwindPrecise additionally consults unwind tables when available.
	UnwindPrecise
)

func (a UnwindAlgorithm) String() string {
	switch a {
	case UnwindFast:
		return "fast"
	case UnwindPrecise:
		return "precise"
	}
	return "auto"
}

// ThreadsToShow selects which threads the report includes.
type ThreadsToShow int

const (
	// ThreadsPreset derives the scope from the report level.
	ThreadsPreset ThreadsToShow = iota
	ThreadsAll
	ThreadsCrashed
)

func (v ThreadsToShow) String() string {
	switch v {
	case ThreadsAll:
		return "all"
	case ThreadsCrashed:
		return "crashed"
	}
	return "preset"
}

// RegistersToShow selects whose registers the report includes.
type RegistersToShow int

const (
	RegistersPreset RegistersToShow = iota
	RegistersNone
	RegistersAll
	RegistersCrashed
)

func (v RegistersToShow) String() string {
	switch v {
	case RegistersNone:
		return "none"
	case RegistersAll:
		return "all"
	case RegistersCrashed:
		return "crashed"
	}
	return "preset"
}

// ImagesToShow selects which images the report lists. Mentioned lists only
// the images some displayed frame resolved into.
type ImagesToShow int

const (
	ImagesPreset ImagesToShow = iota
	ImagesNone
	ImagesAll
	ImagesMentioned
)

func (v ImagesToShow) String() string {
	switch v {
	case ImagesNone:
		return "none"
	case ImagesAll:
		return "all"
	case ImagesMentioned:
		return "mentioned"
	}
	return "preset"
}

// Settings controls backtrace-on-crash behavior. It is resolved once at
// process start and is effectively immutable afterwards.
type Settings struct {
	Algorithm   UnwindAlgorithm
	Enabled     OnOffTty
	Symbolicate bool
	Demangle    bool
	Interactive OnOffTty
	Color       OnOffTty
	// Timeout is the interactive timeout in seconds; 0 means none.
	Timeout int
	// Limit bounds captured frames; 0 means unlimited.
	Limit int
	// Top is the number of outermost frames preserved when Limit elides.
	Top int
	// Cache enables the memory page cache during capture.
	Cache bool
	// Level is the report verbosity.
	Level int
	// Threads, Registers and Images scope what the report displays. The
	// Preset values derive the scope from Level.
	Threads   ThreadsToShow
	Registers RegistersToShow
	Images    ImagesToShow
	// HelperPath overrides the location of the retrace helper binary.
	HelperPath string
}

// DefaultSettings returns the platform defaults.
func DefaultSettings() Settings {
	return Settings{
		Algorithm:   UnwindAuto,
		Enabled:     On,
		Symbolicate: true,
		Demangle:    true,
		Interactive: TTY,
		Color:       TTY,
		Timeout:     30,
		Limit:       64,
		Top:         16,
		Cache:       true,
		Level:       1,
	}
}

// Warnf reports a settings problem. A bad key or value never aborts;
// the default is retained. Replaceable for tests.
var Warnf = func(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "retrace: "+format+"\n", args...)
}

// EnvVar is the environment variable the settings string is read from.
const EnvVar = "RETRACE"

var (
	resolveOnce sync.Once
	resolved    Settings
)

// Resolved returns the process-wide settings, parsing the RETRACE
// environment variable and applying tty defaults exactly once.
func Resolved() Settings {
	resolveOnce.Do(func() {
		s := ParseSettings(os.Getenv(EnvVar))
		resolved = ResolveTTY(s,
			isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()),
			isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	})
	return resolved
}

// ResolveTTY replaces every TTY value with On or Off based on whether the
// relevant stream is a terminal.
func ResolveTTY(s Settings, stdinTTY, stdoutTTY bool) Settings {
	fromTTY := func(v OnOffTty, isTTY bool) OnOffTty {
		if v != TTY {
			return v
		}
		if isTTY {
			return On
		}
		return Off
	}
	s.Enabled = fromTTY(s.Enabled, stdoutTTY)
	s.Interactive = fromTTY(s.Interactive, stdinTTY)
	s.Color = fromTTY(s.Color, stdoutTTY)
	return s
}

// ParseSettings parses the comma-separated key=value settings string.
// Unknown keys and bad values warn and keep the default.
func ParseSettings(str string) Settings {
	s := DefaultSettings()
	for _, field := range strings.Split(str, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			Warnf("malformed setting %q", field)
			continue
		}
		processSetting(&s, strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return s
}

func processSetting(s *Settings, key, value string) {
	switch strings.ToLower(key) {
	case "enable":
		s.Enabled = parseOnOffTty(value)
	case "symbolicate":
		s.Symbolicate = parseBoolean(value)
	case "demangle":
		s.Demangle = parseBoolean(value)
	case "interactive":
		s.Interactive = parseOnOffTty(value)
	case "color", "colour":
		s.Color = parseOnOffTty(value)
	case "timeout":
		if t, ok := parseTimeout(value); ok {
			s.Timeout = t
		} else {
			Warnf("bad timeout %q", value)
		}
	case "unwind":
		switch strings.ToLower(value) {
		case "auto":
			s.Algorithm = UnwindAuto
		case "fast":
			s.Algorithm = UnwindFast
		case "precise":
			s.Algorithm = UnwindPrecise
		default:
			Warnf("unknown unwind algorithm %q", value)
		}
	case "level":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			s.Level = n
		} else {
			Warnf("bad level %q", value)
		}
	case "limit":
		if strings.EqualFold(value, "none") {
			s.Limit = 0
		} else if n, err := strconv.Atoi(value); err == nil && n > 0 {
			s.Limit = n
		} else {
			Warnf("bad limit %q", value)
		}
	case "top":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			s.Top = n
		} else {
			Warnf("bad top %q", value)
		}
	case "threads":
		switch strings.ToLower(value) {
		case "preset":
			s.Threads = ThreadsPreset
		case "all":
			s.Threads = ThreadsAll
		case "crashed":
			s.Threads = ThreadsCrashed
		default:
			Warnf("bad threads scope %q", value)
		}
	case "registers":
		switch strings.ToLower(value) {
		case "preset":
			s.Registers = RegistersPreset
		case "none":
			s.Registers = RegistersNone
		case "all":
			s.Registers = RegistersAll
		case "crashed":
			s.Registers = RegistersCrashed
		default:
			Warnf("bad registers scope %q", value)
		}
	case "images":
		switch strings.ToLower(value) {
		case "preset":
			s.Images = ImagesPreset
		case "none":
			s.Images = ImagesNone
		case "all":
			s.Images = ImagesAll
		case "mentioned":
			s.Images = ImagesMentioned
		default:
			Warnf("bad images scope %q", value)
		}
	case "cache":
		s.Cache = parseBoolean(value)
	case "retrace-path":
		s.HelperPath = value
	default:
		Warnf("unknown setting %q", key)
	}
}

func parseOnOffTty(value string) OnOffTty {
	switch strings.ToLower(value) {
	case "on", "true", "yes", "y", "t", "1":
		return On
	case "tty", "auto":
		return TTY
	}
	return Off
}

func parseBoolean(value string) bool {
	switch strings.ToLower(value) {
	case "on", "true", "yes", "y", "t", "1":
		return true
	}
	return false
}

// parseTimeout accepts a count with an optional s/m/h unit, or "none".
func parseTimeout(value string) (int, bool) {
	if strings.EqualFold(value, "none") {
		return 0, true
	}
	i := 0
	for i < len(value) && value[i] >= '0' && value[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	count, err := strconv.Atoi(value[:i])
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(strings.TrimSpace(value[i:])) {
	case "", "s", "seconds":
		return count, true
	case "m", "minutes":
		return count * 60, true
	case "h", "hours":
		return count * 3600, true
	}
	return 0, false
}
