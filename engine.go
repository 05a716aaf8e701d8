package tscript

import (
	"errors"
	"fmt"
	"io/fs"
)

type resultKind int

const (
	resultSuccess resultKind = iota
	resultFailure
	resultStop
	resultSkip
	resultFatal
)

// CmdResult is the outcome a Command reports back to the Engine, per
// spec.md §4.3's CmdResult variants.
type CmdResult struct {
	kind   resultKind
	reason string
}

// Success reports that the command completed normally.
func Success() CmdResult { return CmdResult{kind: resultSuccess} }

// Failure reports a semantic command failure (assertion miss, file not
// found, non-zero exit, ...), subject to the prefix policy.
func Failure(reason string) CmdResult { return CmdResult{kind: resultFailure, reason: reason} }

// Failuref is Failure with fmt.Sprintf formatting.
func Failuref(format string, a ...any) CmdResult { return Failure(fmt.Sprintf(format, a...)) }

// Stop reports that the script should end successfully, skipping the
// remaining lines.
func Stop(reason string) CmdResult { return CmdResult{kind: resultStop, reason: reason} }

// SkipTest reports that the script should end with a skipped outcome.
func SkipTest(reason string) CmdResult { return CmdResult{kind: resultSkip, reason: reason} }

// FromError promotes a lower-level Go error to a CmdResult, per
// spec.md §4.4 ("or a lower-level error promoted to Failure"). IOError
// values are preserved so Dispatch can treat them specially.
//
// A *IOError is host IO gone wrong (PATH lookup, file permissions, the
// test harness's own working-directory plumbing), not a semantic
// assertion miss, so it is promoted to resultFatal rather than
// resultFailure: per spec.md §7, IoError is always fatal to the test
// and the prefix policy must not convert it into an expected failure.
// The exception is a *IOError caused by a missing file or directory
// (fs.ErrNotExist): that is a "file not found" Failure, subject to the
// prefix policy like any other.
func FromError(err error) CmdResult {
	if err == nil {
		return Success()
	}
	if ss, ok := err.(stopSignal); ok {
		return Stop(ss.reason)
	}
	if sk, ok := err.(skipSignal); ok {
		return SkipTest(sk.reason)
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) && !errors.Is(err, fs.ErrNotExist) {
		return CmdResult{kind: resultFatal, reason: err.Error()}
	}
	return CmdResult{kind: resultFailure, reason: err.Error()}
}

// CmdUsage documents a Command's arguments, independent of the name it
// is registered under.
type CmdUsage struct {
	Summary string
	Args    string
	Async   bool // may be run with a trailing "&"

	// RegexpArgs reports, given the raw unexpanded arguments, which
	// argument indices should have their expanded environment values
	// regexp-escaped (so a path like C:\work\go1.4 remains a literal
	// path fragment rather than being reinterpreted as a pattern).
	RegexpArgs func(rawArgs []Arg) []int
}

// Command is a single built-in or user-registered script verb.
type Command interface {
	Usage() CmdUsage
	// Run executes the command. background is true when the script line
	// ended in an unquoted trailing "&"; only commands whose Usage.Async
	// is true may honor it.
	Run(s *State, args []string, background bool) CmdResult
}

type funcCommand struct {
	usage CmdUsage
	run   func(s *State, args []string, background bool) CmdResult
}

func (c funcCommand) Usage() CmdUsage { return c.usage }
func (c funcCommand) Run(s *State, args []string, background bool) CmdResult {
	return c.run(s, args, background)
}

// NewCommand builds a Command from a usage description and a run
// function, mirroring the teacher-adjacent rsc.io/script.Command
// constructor pattern.
func NewCommand(usage CmdUsage, run func(s *State, args []string, background bool) CmdResult) Command {
	return funcCommand{usage: usage, run: run}
}

// Engine owns the command registry and performs argument expansion and
// dispatch, per spec.md §4.3.
type Engine struct {
	cmds map[string]Command
	host HostFacts
}

// NewEngine returns an Engine preloaded with the built-in command set
// from DefaultCommands.
func NewEngine() *Engine {
	e := &Engine{cmds: make(map[string]Command), host: NewHostFacts()}
	for name, cmd := range DefaultCommands() {
		e.cmds[name] = cmd
	}
	return e
}

// Register adds or replaces a command in the registry, per spec.md
// §6's register_command.
func (e *Engine) Register(name string, cmd Command) { e.cmds[name] = cmd }

// Lookup returns the command registered under name, if any.
func (e *Engine) Lookup(name string) (Command, bool) {
	c, ok := e.cmds[name]
	return c, ok
}

// Commands returns the full registry, for the 'help' command.
func (e *Engine) Commands() map[string]Command { return e.cmds }

// Dispatch evaluates a parsed line's conditions, expands its
// arguments, runs the matching command, and applies the prefix policy
// from spec.md §4.3's table. It returns:
//
//   - nil, if the line's conditions were not satisfied or the command
//     succeeded per its prefix;
//   - a stopSignal/skipSignal, for 'stop'/'skip' (any prefix);
//   - a *CommandError on policy failure (wrapping ErrUnexpectedSuccess
//     when a "!" line succeeded), for a fatal host IO failure under any
//     prefix, or when a command that cannot run in the background ends
//     in "&";
//   - ErrUnknownCommand wrapped in a *CommandError, if line.Command
//     isn't registered (unconditional, per spec.md §7's UnknownCommand
//     taxonomy entry).
func (e *Engine) Dispatch(s *State, file string, line *ScriptLine) error {
	if !evaluateConditions(line.Conditions, e.host) {
		s.Logf("[condition not met]\n")
		return nil
	}

	impl, ok := e.cmds[line.Command]
	if !ok {
		return &CommandError{File: file, Line: line.LineNo, Op: line.Command, Err: ErrUnknownCommand}
	}

	usage := impl.Usage()
	if line.Background && !usage.Async {
		return &CommandError{File: file, Line: line.LineNo, Op: line.Command, Err: fmt.Errorf("command cannot run in background")}
	}

	args := e.expandArgs(s, line.Args, usage)

	result := impl.Run(s, args, line.Background)

	switch result.kind {
	case resultStop:
		return stopSignal{reason: result.reason}
	case resultSkip:
		return skipSignal{reason: result.reason}
	case resultFatal:
		// Host IO failures are fatal regardless of "!"/"?", per
		// spec.md §7: the prefix policy only governs semantic
		// command outcomes, not the harness's own IO.
		return &CommandError{File: file, Line: line.LineNo, Op: line.Command, Args: args, Err: fmt.Errorf("%s", result.reason)}
	}

	return applyPrefixPolicy(file, line, args, result)
}

func applyPrefixPolicy(file string, line *ScriptLine, args []string, result CmdResult) error {
	switch line.Prefix {
	case PrefixMayFail:
		return nil
	case PrefixMustFail:
		if result.kind == resultFailure {
			return nil
		}
		return &CommandError{File: file, Line: line.LineNo, Op: line.Command, Args: args, Err: ErrUnexpectedSuccess}
	default: // PrefixNone
		if result.kind == resultSuccess {
			return nil
		}
		return &CommandError{File: file, Line: line.LineNo, Op: line.Command, Args: args, Err: fmt.Errorf("%s", result.reason)}
	}
}

func (e *Engine) expandArgs(s *State, raw []Arg, usage CmdUsage) []string {
	var regexpIdx map[int]bool
	if usage.RegexpArgs != nil {
		idxs := usage.RegexpArgs(raw)
		if len(idxs) > 0 {
			regexpIdx = make(map[int]bool, len(idxs))
			for _, i := range idxs {
				regexpIdx[i] = true
			}
		}
	}

	out := make([]string, len(raw))
	for i, a := range raw {
		if a.Quoted {
			out[i] = a.Value
			continue
		}
		out[i] = s.Expand(a.Value, regexpIdx[i])
	}
	return out
}

// firstNonFlagArg is a RegexpArgs helper for commands like grep/stdout
// whose pattern is the first argument that doesn't start with "-".
func firstNonFlagArg(raw []Arg) []int {
	for i, a := range raw {
		if a.Quoted || len(a.Value) == 0 || a.Value[0] != '-' {
			return []int{i}
		}
	}
	return nil
}
