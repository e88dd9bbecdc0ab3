package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/symbol"
)

const historyFile string = ".retrace_history"

// Term is the interactive crash inspector.
type Term struct {
	target Target
	conf   *config.Config
	cmds   *Commands
	theme  *Theme

	prompt       string
	line         *liner.State
	stdout       io.Writer
	bytesPerLine int
	completions  *trie.Trie

	// Failure classifies runtime-failure frames for the report header.
	Failure symbol.FailurePredicate
}

// New returns a new Term for inspecting target. conf may be nil.
func New(target Target, conf *config.Config, color bool) *Term {
	cmds := InspectCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = &config.Config{}
	}

	theme := PlainTheme()
	if color {
		theme = ColorTheme()
	}
	// The helper's own config file wins over the crashed process's flag
	// for presentation.
	switch strings.ToLower(conf.Theme) {
	case "color":
		theme = ColorTheme()
	case "plain":
		theme = PlainTheme()
	}
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		theme = PlainTheme()
	}

	completions := trie.New()
	for _, cmd := range cmds.cmds {
		for _, alias := range cmd.aliases {
			completions.Add(alias, nil)
		}
	}

	bpl := conf.MemoryBytesPerLine
	if bpl <= 0 {
		bpl = DefaultBytesPerLine
	}

	return &Term{
		target:       target,
		conf:         conf,
		cmds:         cmds,
		theme:        theme,
		prompt:       "(retrace) ",
		stdout:       getColorableWriter(),
		bytesPerLine: bpl,
		completions:  completions,
		Failure:      symbol.DefaultFailurePredicate,
	}
}

// PrintReport renders the non-interactive crash report to the terminal.
func (t *Term) PrintReport(opts ReportOptions) {
	PrintReport(t.stdout, t.target, t.theme, opts, t.Failure)
}

// Run starts the interactive prompt and blocks until the user exits.
func (t *Term) Run() error {
	t.line = liner.NewLiner()
	defer t.Close()

	t.line.SetCompleter(func(line string) []string {
		return t.completions.PrefixSearch(strings.ToLower(line))
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err == nil {
		if f, err := os.Open(fullHistoryFile); err == nil {
			t.line.ReadHistory(f)
			f.Close()
		}
	}

	fmt.Fprintln(t.stdout, "Type 'help' for a list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return fmt.Errorf("prompt for input failed: %w", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}
	return l, nil
}

func (t *Term) handleExit() error {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		return nil
	}
	if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_CREATE, 0600); err == nil {
		if _, err = t.line.WriteHistory(f); err != nil {
			fmt.Fprintln(os.Stderr, "history error:", err)
		}
		f.Close()
	}
	return nil
}

// OfferInteraction prints the interaction prompt and waits up to timeout
// for a keypress. A zero timeout waits forever. Returns whether the user
// asked to interact.
func (t *Term) OfferInteraction(timeout time.Duration) bool {
	if timeout > 0 {
		fmt.Fprintf(t.stdout, "Press RETURN to interact, or wait %v to exit: ", timeout)
	} else {
		fmt.Fprintf(t.stdout, "Press RETURN to interact: ")
	}
	ok := waitForKey(timeout)
	fmt.Fprintln(t.stdout)
	return ok
}
