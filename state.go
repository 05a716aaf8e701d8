package tscript

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// BackgroundJob is a still-running (or just-finished) child process
// started by "exec ... &", per spec.md §3's State.background field.
type BackgroundJob struct {
	Label     string
	StartLine int

	cmd       *exec.Cmd
	stdoutBuf *bytes.Buffer
	stderrBuf *bytes.Buffer
	done      chan struct{}
	waitErr   error
}

// wait blocks until the job's process exits and returns its captured
// output.
func (j *BackgroundJob) wait() (stdout, stderr []byte, err error) {
	<-j.done
	return j.stdoutBuf.Bytes(), j.stderrBuf.Bytes(), j.waitErr
}

// State is the per-test execution context threaded through every
// command, per spec.md §3.
type State struct {
	ctx    context.Context
	engine *Engine
	logger *slog.Logger
	host   HostFacts

	workDir string
	cwd     string
	env     map[string]string

	stdout []byte
	stderr []byte

	background []*BackgroundJob

	verbose bool
	trace   bytes.Buffer

	scratch map[string]any
	differ  Differ
}

// SetDiffer overrides the Differ used by 'cmp'/'cmpenv' on mismatch.
// If never called, the package-level DefaultDiffer is used.
func (s *State) SetDiffer(d Differ) { s.differ = d }

func (s *State) differOrDefault() Differ {
	if s.differ != nil {
		return s.differ
	}
	return DefaultDiffer
}

// NewState creates a fresh State rooted at workDir. initialEnv seeds
// state.env; WORK, TMPDIR and PWD are added or overwritten to equal
// workDir (WORK, TMPDIR) and cwd (PWD), per spec.md §3.
func NewState(ctx context.Context, workDir string, initialEnv map[string]string, logger *slog.Logger) (*State, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, &IOError{Op: "resolve work dir", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}

	env := make(map[string]string, len(initialEnv)+4)
	for k, v := range initialEnv {
		env[k] = v
	}
	env["WORK"] = abs
	env["TMPDIR"] = abs
	env["PWD"] = abs

	return &State{
		ctx:     ctx,
		logger:  logger,
		host:    NewHostFacts(),
		workDir: abs,
		cwd:     abs,
		env:     env,
		scratch: make(map[string]any),
	}, nil
}

// SetEngine binds the Engine that will dispatch commands against this
// State, so introspective commands (help) can enumerate the registry.
func (s *State) SetEngine(e *Engine) { s.engine = e }

// Context returns the context the State was created with.
func (s *State) Context() context.Context { return s.ctx }

// Logger returns the structured logger for this test, per SPEC_FULL.md's
// ambient logging stack.
func (s *State) Logger() *slog.Logger { return s.logger }

// WorkDir returns the test's fixed working-directory root ($WORK).
func (s *State) WorkDir() string { return s.workDir }

// Getwd returns the directory script commands currently run in.
func (s *State) Getwd() string { return s.cwd }

// Chdir resolves path against the current directory and, if it names
// an existing directory, makes it the new current directory. It also
// updates the PWD environment entry, per spec.md §4.4's 'cd' command.
func (s *State) Chdir(path string) error {
	dir := s.ResolvePath(path)
	info, err := os.Stat(dir)
	if err != nil {
		return &IOError{Op: "cd", Err: err}
	}
	if !info.IsDir() {
		return &IOError{Op: "cd", Err: fmt.Errorf("%s is not a directory", dir)}
	}
	s.cwd = dir
	s.env["PWD"] = dir
	return nil
}

// ResolvePath returns the absolute host path for a script-relative
// (slash-separated) path. It does not special-case "stdout"/"stderr";
// callers that accept pseudo-files must check for those names first
// (see isPseudoFile).
func (s *State) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(s.cwd, filepath.FromSlash(path))
}

// isPseudoFile reports whether name addresses one of the two reserved
// in-memory buffers instead of the filesystem, per spec.md §3 invariant 2.
func isPseudoFile(name string) bool {
	return name == "stdout" || name == "stderr"
}

// Getenv returns the value of an environment variable (empty string if
// unset).
func (s *State) Getenv(key string) string { return s.env[key] }

// LookupEnv is the comma-ok form of Getenv.
func (s *State) LookupEnv(key string) (string, bool) {
	v, ok := s.env[key]
	return v, ok
}

// Setenv sets an environment variable in the State.
func (s *State) Setenv(key, value string) { s.env[key] = value }

// Unsetenv removes an environment variable from the State.
func (s *State) Unsetenv(key string) { delete(s.env, key) }

// EnvMap returns the State's environment. The "/" and ":" pseudo-entries
// used for expansion are not in it.
func (s *State) EnvMap() map[string]string { return s.env }

// Environ renders the State's environment as a "KEY=value" slice
// suitable for exec.Cmd.Env. Every entry of the State's environment is
// included, WORK, TMPDIR and PWD among them (the "/" and ":" expansion
// pseudo-vars live only in the expander, never in s.env).
func (s *State) Environ() []string {
	out := make([]string, 0, len(s.env))
	for k, v := range s.env {
		out = append(out, k+"="+v)
	}
	return out
}

// Stdout returns the captured stdout of the most recently completed
// foreground command (or the concatenation established by 'wait').
func (s *State) Stdout() []byte { return s.stdout }

// Stderr is the Stdout analogue for standard error.
func (s *State) Stderr() []byte { return s.stderr }

// SetStdout/SetStderr let commands (echo, cat, env, wait, exec) update
// the captured buffers.
func (s *State) SetStdout(b []byte) { s.stdout = b }
func (s *State) SetStderr(b []byte) { s.stderr = b }

// ReadFile resolves name (honoring the stdout/stderr pseudo-files) and
// returns its contents.
func (s *State) ReadFile(name string) ([]byte, error) {
	switch name {
	case "stdout":
		return s.stdout, nil
	case "stderr":
		return s.stderr, nil
	default:
		data, err := os.ReadFile(s.ResolvePath(name))
		if err != nil {
			return nil, &IOError{Op: "read " + name, Err: err}
		}
		return data, nil
	}
}

// WriteFile resolves name (honoring the stdout/stderr pseudo-files) and
// overwrites its contents.
func (s *State) WriteFile(name string, data []byte, mode os.FileMode) error {
	switch name {
	case "stdout":
		s.stdout = data
		return nil
	case "stderr":
		s.stderr = data
		return nil
	default:
		if err := os.WriteFile(s.ResolvePath(name), data, mode); err != nil {
			return &IOError{Op: "write " + name, Err: err}
		}
		return nil
	}
}

// Logf appends a formatted line to the per-test execution trace,
// mirroring the teacher's ts.Logf helper. The Runner returns the trace
// as TestOutcome.Trace.
func (s *State) Logf(format string, args ...any) {
	fmt.Fprintf(&s.trace, format, args...)
}

// Trace returns the accumulated per-line execution trace.
func (s *State) Trace() string { return s.trace.String() }

// addBackground registers a newly started background job.
func (s *State) addBackground(j *BackgroundJob) {
	s.background = append(s.background, j)
}

// Background returns the currently outstanding background jobs, in
// spawn order.
func (s *State) Background() []*BackgroundJob { return s.background }

// clearBackground empties the background registry, per the 'wait'
// command's contract.
func (s *State) clearBackground() { s.background = nil }

// killBackground force-terminates every outstanding background job and
// empties the registry. It tolerates already-exited children, per
// spec.md §9's "Background lifecycle" design note.
func (s *State) killBackground() {
	for _, j := range s.background {
		if j.cmd.Process != nil {
			_ = j.cmd.Process.Kill()
		}
	}
	for _, j := range s.background {
		<-j.done
	}
	s.background = nil
}

// Expand performs the one-pass variable expansion defined in spec.md
// §4.3: $NAME and ${NAME} substitute state.env["NAME"] (empty if
// unset), ${/} and ${:} substitute the host path and path-list
// separators, and $$ substitutes a literal "$". When asRegexp is true,
// substituted values are escaped with regexp.QuoteMeta so that
// literal paths don't get reinterpreted as regexp metacharacters.
func (s *State) Expand(str string, asRegexp bool) string {
	lookup := func(name string) string {
		var v string
		switch name {
		case "/":
			v = string(os.PathSeparator)
		case ":":
			v = string(os.PathListSeparator)
		default:
			v = s.env[name]
		}
		if asRegexp {
			v = regexp.QuoteMeta(v)
		}
		return v
	}
	return expandEnv(str, lookup)
}

// expandEnv performs the actual scan described by Expand, factored out
// so archive.Materialize can reuse it against a plain map without a
// State.
func expandEnv(str string, lookup func(string) string) string {
	var b strings.Builder
	for i := 0; i < len(str); {
		if str[i] != '$' {
			b.WriteByte(str[i])
			i++
			continue
		}
		if i+1 < len(str) && str[i+1] == '$' {
			b.WriteByte('$')
			i += 2
			continue
		}
		if i+1 < len(str) && str[i+1] == '{' {
			end := strings.IndexByte(str[i+2:], '}')
			if end < 0 {
				b.WriteByte(str[i])
				i++
				continue
			}
			name := str[i+2 : i+2+end]
			b.WriteString(lookup(name))
			i = i + 2 + end + 1
			continue
		}
		j := i + 1
		for j < len(str) && isNameByte(str[j]) {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			i++
			continue
		}
		b.WriteString(lookup(str[i+1 : j]))
		i = j
	}
	return b.String()
}

func isNameByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func expandEnvMap(str string, env map[string]string, asRegexp bool) string {
	return expandEnv(str, func(name string) string {
		var v string
		switch name {
		case "/":
			v = string(os.PathSeparator)
		case ":":
			v = string(os.PathListSeparator)
		default:
			v = env[name]
		}
		if asRegexp {
			v = regexp.QuoteMeta(v)
		}
		return v
	})
}
