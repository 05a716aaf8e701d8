package tscript

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultCommands returns the built-in command set from spec.md §4.4.
func DefaultCommands() map[string]Command {
	return map[string]Command{
		"exec":   execCommand(),
		"wait":   waitCommand(),
		"stdout": matchCommand("stdout"),
		"stderr": matchCommand("stderr"),
		"grep":   matchCommand("grep"),
		"cmp":    cmpCommand(false),
		"cmpenv": cmpCommand(true),
		"cat":    catCommand(),
		"cp":     cpCommand(),
		"mv":     mvCommand(),
		"rm":     rmCommand(),
		"mkdir":  mkdirCommand(),
		"exists": existsCommand(),
		"cd":     cdCommand(),
		"env":    envCommand(),
		"echo":   echoCommand(),
		"sleep":  sleepCommand(),
		"stop":   stopCommand(),
		"skip":   skipCommand(),
		"help":   helpCommand(),
	}
}

// ---- process ----

func execCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "run an external program, capturing its stdout/stderr",
		Args:    "program [args...] [&]",
		Async:   true,
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) < 1 {
			return FromError(ErrUsage)
		}
		name := args[0]
		path := name
		if !strings.ContainsRune(name, filepath.Separator) && !strings.Contains(name, "/") {
			lp, err := exec.LookPath(name)
			if err != nil {
				return FromError(&IOError{Op: "exec", Err: err})
			}
			path = lp
		}

		cmd := exec.CommandContext(s.Context(), path, args[1:]...)
		cmd.Dir = s.Getwd()
		cmd.Env = s.Environ()
		var stdoutBuf, stderrBuf bytes.Buffer
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf

		if background {
			if err := cmd.Start(); err != nil {
				return FromError(&IOError{Op: "exec " + name, Err: err})
			}
			job := &BackgroundJob{
				Label:     strings.Join(args, " "),
				cmd:       cmd,
				stdoutBuf: &stdoutBuf,
				stderrBuf: &stderrBuf,
				done:      make(chan struct{}),
			}
			go func() {
				job.waitErr = cmd.Wait()
				close(job.done)
			}()
			s.addBackground(job)
			return Success()
		}

		err := cmd.Run()
		s.SetStdout(stdoutBuf.Bytes())
		s.SetStderr(stderrBuf.Bytes())
		if stdoutBuf.Len() > 0 {
			s.Logf("[stdout]\n%s", stdoutBuf.String())
		}
		if stderrBuf.Len() > 0 {
			s.Logf("[stderr]\n%s", stderrBuf.String())
		}
		if err != nil {
			return Failuref("%s: %v", name, err)
		}
		return Success()
	})
}

func waitCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "wait for every background command to finish",
		Args:    "",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) > 0 {
			return FromError(ErrUsage)
		}

		jobs := s.Background()
		var stdouts, stderrs []string
		var firstErr string
		for _, j := range jobs {
			stdout, stderr, err := j.wait()
			if len(stdout) > 0 {
				stdouts = append(stdouts, string(stdout))
				s.Logf("[background %s stdout]\n%s", j.Label, stdout)
			}
			if len(stderr) > 0 {
				stderrs = append(stderrs, string(stderr))
				s.Logf("[background %s stderr]\n%s", j.Label, stderr)
			}
			if err != nil && firstErr == "" {
				firstErr = fmt.Sprintf("%s: %v", j.Label, err)
			}
		}
		s.clearBackground()
		// Append to, rather than replace, whatever a prior foreground
		// exec already captured: 'wait' reports what the background
		// jobs produced in addition to the last foreground output, not
		// instead of it.
		s.SetStdout(appendCaptured(s.Stdout(), strings.Join(stdouts, "\n")))
		s.SetStderr(appendCaptured(s.Stderr(), strings.Join(stderrs, "\n")))

		if firstErr != "" {
			return Failure(firstErr)
		}
		return Success()
	})
}

// appendCaptured joins prior captured output with newly captured
// output, adding a separating newline only when both sides are
// non-empty so a first capture isn't prefixed with a spurious blank
// line.
func appendCaptured(prior []byte, next string) []byte {
	switch {
	case next == "":
		return prior
	case len(prior) == 0:
		return []byte(next)
	default:
		return append(append(prior, '\n'), next...)
	}
}

// ---- stream assertions ----

const matchUsage = "[-count=N] [-q] 'pattern' [file]"

func matchCommand(name string) Command {
	wantArgs := 1
	if name == "grep" {
		wantArgs = 2
	}
	return NewCommand(CmdUsage{
		Summary:    matchSummary(name),
		Args:       matchUsage,
		RegexpArgs: firstNonFlagArg,
	}, func(s *State, args []string, background bool) CmdResult {
		count := 0
		for len(args) > 0 && strings.HasPrefix(args[0], "-count=") {
			n, err := strconv.Atoi(strings.TrimPrefix(args[0], "-count="))
			if err != nil || n < 1 {
				return FromError(ErrUsage)
			}
			count = n
			args = args[1:]
		}
		quiet := false
		if len(args) > 0 && args[0] == "-q" {
			quiet = true
			args = args[1:]
		}
		if len(args) != wantArgs {
			return FromError(ErrUsage)
		}

		var text []byte
		var source string
		switch name {
		case "stdout":
			text, source = s.Stdout(), "stdout"
		case "stderr":
			text, source = s.Stderr(), "stderr"
		case "grep":
			data, err := s.ReadFile(args[1])
			if err != nil {
				return FromError(err)
			}
			text, source = data, args[1]
		}
		pattern := args[0]

		re, err := compileBoundedRegexp(pattern)
		if err != nil {
			return Failuref("bad pattern %q: %v", pattern, err)
		}

		if count > 0 {
			got := len(re.FindAll(text, -1))
			if got != count {
				return Failuref("found %d matches for %q in %s, want %d", got, pattern, source, count)
			}
			return Success()
		}

		loc := re.FindIndex(text)
		if loc == nil {
			n := len(text)
			if n > 200 {
				n = 200
			}
			return Failuref("no match for %q in %s\n%s", pattern, source, text[:n])
		}
		if !quiet {
			start, end := loc[0], loc[1]
			for start > 0 && text[start-1] != '\n' {
				start--
			}
			for end < len(text) && text[end] != '\n' {
				end++
			}
			s.Logf("matched: %s\n", bytes.TrimSuffix(text[start:end], []byte("\n")))
		}
		return Success()
	})
}

func matchSummary(name string) string {
	switch name {
	case "stdout":
		return "assert that a pattern matches the captured stdout"
	case "stderr":
		return "assert that a pattern matches the captured stderr"
	default:
		return "assert that a pattern matches lines in a file"
	}
}

// compileBoundedRegexp compiles pattern in multi-line mode. Go's
// regexp package is backed by RE2, which guarantees worst-case linear
// matching time and a bounded program size regardless of input — the
// pathological-backtracking failure mode spec.md §4.4 and §9 guard
// against is structurally impossible here, so no additional budget
// bookkeeping is layered on top (see DESIGN.md).
func compileBoundedRegexp(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?m)" + pattern)
}

// ---- filesystem ----

func cmpCommand(expandVars bool) Command {
	summary := "compare two files byte-for-byte"
	if expandVars {
		summary = "compare two files after expanding $VAR in both"
	}
	return NewCommand(CmdUsage{
		Summary: summary,
		Args:    "[-q] file1 file2",
	}, func(s *State, args []string, background bool) CmdResult {
		quiet := false
		if len(args) > 0 && args[0] == "-q" {
			quiet = true
			args = args[1:]
		}
		if len(args) != 2 {
			return FromError(ErrUsage)
		}
		name1, name2 := args[0], args[1]

		data1, err := s.ReadFile(name1)
		if err != nil {
			return FromError(err)
		}
		data2, err := s.ReadFile(name2)
		if err != nil {
			return FromError(err)
		}

		text1, text2 := string(data1), string(data2)
		if expandVars {
			text1 = expandEnvMap(text1, s.EnvMap(), false)
			text2 = expandEnvMap(text2, s.EnvMap(), false)
		}

		if text1 == text2 {
			return Success()
		}
		if !quiet {
			diffText := s.differOrDefault().Diff(name1, []byte(text1), name2, []byte(text2))
			s.Logf("%s\n", diffText)
		}
		return Failuref("%s and %s differ", name1, name2)
	})
}

func catCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "append file contents to the virtual stdout buffer",
		Args:    "file...",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) == 0 {
			return FromError(ErrUsage)
		}
		var buf bytes.Buffer
		buf.Write(s.Stdout())
		for _, name := range args {
			data, err := s.ReadFile(name)
			if err != nil {
				return FromError(err)
			}
			buf.Write(data)
		}
		s.SetStdout(buf.Bytes())
		return Success()
	})
}

func cpCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "copy files to a target file or directory",
		Args:    "src... dst",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) < 2 {
			return FromError(ErrUsage)
		}
		dstArg := args[len(args)-1]
		srcs := args[:len(args)-1]

		dst := s.ResolvePath(dstArg)
		info, statErr := os.Stat(dst)
		dstIsDir := statErr == nil && info.IsDir()
		if len(srcs) > 1 && !dstIsDir {
			return Failuref("destination %s is not a directory", dstArg)
		}

		for _, src := range srcs {
			data, err := s.ReadFile(src)
			if err != nil {
				return FromError(err)
			}
			mode := os.FileMode(0o666)
			if !isPseudoFile(src) {
				if info, err := os.Stat(s.ResolvePath(src)); err == nil {
					mode = info.Mode().Perm()
				}
			}
			target := dstArg
			if dstIsDir {
				base := src
				if !isPseudoFile(src) {
					base = filepath.Base(src)
				}
				target = filepath.Join(dstArg, base)
			}
			if err := s.WriteFile(target, data, mode); err != nil {
				return FromError(err)
			}
		}
		return Success()
	})
}

func mvCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "rename or move a file",
		Args:    "src dst",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) != 2 {
			return FromError(ErrUsage)
		}
		src, dst := s.ResolvePath(args[0]), s.ResolvePath(args[1])
		if _, err := os.Stat(src); err != nil {
			return FromError(&IOError{Op: "mv", Err: err})
		}
		if err := os.Rename(src, dst); err != nil {
			return FromError(&IOError{Op: "mv", Err: err})
		}
		return Success()
	})
}

func rmCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "remove files or directory trees",
		Args:    "path...",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) == 0 {
			return FromError(ErrUsage)
		}
		for _, p := range args {
			target := s.ResolvePath(p)
			if _, err := os.Lstat(target); err != nil {
				return FromError(&IOError{Op: "rm " + p, Err: err})
			}
			if err := os.RemoveAll(target); err != nil {
				return FromError(&IOError{Op: "rm " + p, Err: err})
			}
		}
		return Success()
	})
}

func mkdirCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "create a directory, with parents",
		Args:    "dir...",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) == 0 {
			return FromError(ErrUsage)
		}
		for _, d := range args {
			if err := os.MkdirAll(s.ResolvePath(d), 0o777); err != nil {
				return FromError(&IOError{Op: "mkdir " + d, Err: err})
			}
		}
		return Success()
	})
}

func existsCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "check that files exist",
		Args:    "[-readonly] [-exec] path...",
	}, func(s *State, args []string, background bool) CmdResult {
		var readonly, execBit bool
	loop:
		for len(args) > 0 {
			switch args[0] {
			case "-readonly":
				readonly = true
				args = args[1:]
			case "-exec":
				execBit = true
				args = args[1:]
			default:
				break loop
			}
		}
		if len(args) == 0 {
			return FromError(ErrUsage)
		}
		for _, p := range args {
			info, err := os.Stat(s.ResolvePath(p))
			if err != nil {
				return Failuref("%s does not exist: %v", p, err)
			}
			if readonly && info.Mode()&0o222 != 0 {
				return Failuref("%s exists but is writable", p)
			}
			if execBit && runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
				return Failuref("%s exists but is not executable", p)
			}
		}
		return Success()
	})
}

// ---- control ----

func cdCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "change the current directory",
		Args:    "dir",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) != 1 {
			return FromError(ErrUsage)
		}
		if err := s.Chdir(args[0]); err != nil {
			return FromError(err)
		}
		return Success()
	})
}

func envCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "set, unset, or dump environment variables",
		Args:    "[key[=value] | key]...",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) == 0 {
			keys := make([]string, 0, len(s.EnvMap()))
			for k := range s.EnvMap() {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var buf bytes.Buffer
			for _, k := range keys {
				fmt.Fprintf(&buf, "%s=%s\n", k, s.EnvMap()[k])
			}
			s.SetStdout(buf.Bytes())
			return Success()
		}
		for _, kv := range args {
			if k, v, ok := strings.Cut(kv, "="); ok {
				s.Setenv(k, v)
			} else {
				s.Unsetenv(kv)
			}
		}
		return Success()
	})
}

func echoCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "write arguments to the virtual stdout buffer",
		Args:    "string...",
	}, func(s *State, args []string, background bool) CmdResult {
		s.SetStdout([]byte(strings.Join(args, " ") + "\n"))
		return Success()
	})
}

var durationUnit = regexp.MustCompile(`^(\d+)(ns|us|ms|s|m|h)?$`)

func sleepCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "pause for a duration",
		Args:    "duration",
	}, func(s *State, args []string, background bool) CmdResult {
		if len(args) != 1 {
			return FromError(ErrUsage)
		}
		d, err := parseDuration(args[0])
		if err != nil {
			return FromError(err)
		}
		select {
		case <-time.After(d):
			return Success()
		case <-s.Context().Done():
			return FromError(&IOError{Op: "sleep", Err: s.Context().Err()})
		}
	})
}

// parseDuration accepts the grammar from spec.md §4.4:
// <int>[ns|us|ms|s|m|h], defaulting to seconds.
func parseDuration(raw string) (time.Duration, error) {
	m := durationUnit.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("bad duration %q", raw)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %v", raw, err)
	}
	unit := m[2]
	if unit == "" {
		unit = "s"
	}
	switch unit {
	case "ns":
		return time.Duration(n), nil
	case "us":
		return time.Duration(n) * time.Microsecond, nil
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	}
	return 0, fmt.Errorf("bad duration unit %q", unit)
}

func stopCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "end the script successfully, skipping remaining lines",
		Args:    "[reason]",
	}, func(s *State, args []string, background bool) CmdResult {
		return Stop(strings.Join(args, " "))
	})
}

func skipCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "end the script with a skipped outcome",
		Args:    "[reason]",
	}, func(s *State, args []string, background bool) CmdResult {
		return SkipTest(strings.Join(args, " "))
	})
}

func helpCommand() Command {
	return NewCommand(CmdUsage{
		Summary: "list the registered commands and their usage",
		Args:    "",
	}, func(s *State, args []string, background bool) CmdResult {
		if s.engine == nil {
			return Failure("no engine bound to state")
		}
		names := make([]string, 0, len(s.engine.Commands()))
		for name := range s.engine.Commands() {
			names = append(names, name)
		}
		sort.Strings(names)

		var buf bytes.Buffer
		for _, name := range names {
			u := s.engine.Commands()[name].Usage()
			suffix := ""
			if u.Async {
				suffix = " [&]"
			}
			fmt.Fprintf(&buf, "%s %s%s\n\t%s\n", name, u.Args, suffix, u.Summary)
		}
		s.SetStdout(buf.Bytes())
		return Success()
	})
}
