// Package terminal implements the crash inspector: the crash report
// renderer and the interactive prompt for examining a crashed process.
package terminal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cosiner/argv"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/memory"
)

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// ExitRequestError is returned by the exit command to signal that the
// inspector should terminate.
type ExitRequestError struct{}

func (ExitRequestError) Error() string { return "exit" }

// Commands holds the inspector command table.
type Commands struct {
	cmds []command
}

// InspectCommands returns the command table with the default commands
// defined.
func InspectCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"backtrace", "bt"}, cmdFn: backtrace, helpMsg: `Print the backtrace of the selected thread.

	backtrace [thread]`},
		{aliases: []string{"threads"}, cmdFn: threads, helpMsg: `List all threads of the crashed process.`},
		{aliases: []string{"thread", "tr"}, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <index>`},
		{aliases: []string{"registers", "regs", "reg"}, cmdFn: registers, helpMsg: `Print the register state of the selected thread.`},
		{aliases: []string{"mem", "x"}, cmdFn: examineMemory, helpMsg: `Examine raw memory of the crashed process.

	mem <address> [length]

The address may be hexadecimal (0x...) or decimal. Length defaults to 64
bytes.`},
		{aliases: []string{"string", "str"}, cmdFn: examineString, helpMsg: `Print a NUL-terminated string from the crashed process.

	string <address> [maxlen]

maxlen defaults to 256 bytes.`},
		{aliases: []string{"images"}, cmdFn: images, helpMsg: `List the loaded images of the crashed process.`},
		{aliases: []string{"config"}, cmdFn: configCmd, helpMsg: `Show or change the inspector configuration.

	config
	config theme <plain|color>
	config save

With no arguments prints the current configuration. "config save" writes
it to the config file for future sessions.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the inspector. The crashed process then terminates with its original signal.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Merge adds aliases from the config file to the command table.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var errNoCmd = errors.New("command not available")

func (c *Commands) find(cmdstr string) (*command, error) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			return &c.cmds[i], nil
		}
	}
	return nil, errNoCmd
}

// Call parses cmdstr and dispatches to the matching command.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals, err := argv.Argv(cmdstr, nil, nil)
	if err != nil {
		return err
	}
	if len(vals) == 0 || len(vals[0]) == 0 {
		return nil
	}
	args := vals[0]
	cmd, err := c.find(strings.ToLower(args[0]))
	if err != nil {
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return cmd.cmdFn(t, args[1:])
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		cmd, err := c.find(strings.ToLower(args[0]))
		if err != nil {
			return fmt.Errorf("no help for %q", args[0])
		}
		fmt.Fprintln(t.stdout, cmd.helpMsg)
		return nil
	}
	fmt.Fprintln(t.stdout, "The following commands are available:")
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(t.stdout, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(t.stdout, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func backtrace(t *Term, args []string) error {
	idx := t.target.CurrentThread()
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad thread index %q", args[0])
		}
		idx = n
	} else if len(args) > 1 {
		return errors.New("usage: backtrace [thread]")
	}
	bt := t.target.Backtrace(idx)
	if bt == nil {
		return errors.New("no backtrace available for the selected thread")
	}
	PrintBacktrace(t.stdout, bt, t.theme)
	return nil
}

func threads(t *Term, args []string) error {
	cur := t.target.CurrentThread()
	for i, thr := range t.target.Threads() {
		sel := " "
		if i == cur {
			sel = "*"
		}
		marker := ""
		if thr.Crashed {
			marker = " (crashed)"
		}
		innermost := ""
		if bt := t.target.Backtrace(i); bt != nil && len(bt.Frames) > 0 {
			innermost = "  " + FormatFrame(0, bt.Frames[0], t.theme)
		}
		fmt.Fprintf(t.stdout, "%s thread %d, tid %d%s%s\n", sel, i, thr.TID, marker, innermost)
	}
	return nil
}

func thread(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: thread <index>")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad thread index %q", args[0])
	}
	if err := t.target.SelectThread(idx); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Switched to thread %d\n", idx)
	return nil
}

func registers(t *Term, args []string) error {
	ctx := t.target.Registers(t.target.CurrentThread())
	if ctx == nil {
		return errors.New("no register state for the selected thread")
	}
	PrintRegisters(t.stdout, ctx, t.theme)
	return nil
}

func examineMemory(t *Term, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: mem <address> [length]")
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q", args[0])
	}
	length := 64
	if len(args) == 2 {
		length, err = strconv.Atoi(args[1])
		if err != nil || length <= 0 {
			return fmt.Errorf("bad length %q", args[1])
		}
	}
	DumpMemory(t.stdout, t.target, memory.Address(addr), length, t.bytesPerLine)
	return nil
}

func examineString(t *Term, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: string <address> [maxlen]")
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q", args[0])
	}
	maxLen := 256
	if len(args) == 2 {
		maxLen, err = strconv.Atoi(args[1])
		if err != nil || maxLen <= 0 {
			return fmt.Errorf("bad maxlen %q", args[1])
		}
	}
	s, err := memory.ReadCString(t.target, memory.Address(addr), maxLen)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%q\n", s)
	return nil
}

func images(t *Term, args []string) error {
	PrintImages(t.stdout, t.target, t.theme)
	return nil
}

func configCmd(t *Term, args []string) error {
	if len(args) == 0 {
		name := "plain"
		if t.theme.enabled {
			name = "color"
		}
		fmt.Fprintf(t.stdout, "theme                  %s\n", name)
		fmt.Fprintf(t.stdout, "memory-bytes-per-line  %d\n", t.bytesPerLine)
		for cmd, aliases := range t.conf.Aliases {
			fmt.Fprintf(t.stdout, "alias %s %s\n", cmd, strings.Join(aliases, " "))
		}
		return nil
	}
	switch args[0] {
	case "theme":
		if len(args) != 2 {
			return errors.New("usage: config theme <plain|color>")
		}
		switch args[1] {
		case "plain":
			t.theme = PlainTheme()
		case "color":
			t.theme = ColorTheme()
		default:
			return fmt.Errorf("unknown theme %q", args[1])
		}
		t.conf.Theme = args[1]
		return nil
	case "save":
		return config.SaveConfig(t.conf)
	}
	return fmt.Errorf("unknown config subcommand %q", args[0])
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}
