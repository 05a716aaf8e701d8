package tscript

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// TestStatus is the terminal state a single script run settles into,
// per spec.md §4.4's state machine.
type TestStatus int

const (
	StatusRunning TestStatus = iota
	StatusPassed
	StatusStopped
	StatusSkipped
	StatusFailed
)

func (s TestStatus) String() string {
	switch s {
	case StatusPassed:
		return "pass"
	case StatusStopped:
		return "stop"
	case StatusSkipped:
		return "skip"
	case StatusFailed:
		return "fail"
	default:
		return "running"
	}
}

// FailureInfo pinpoints why a test failed.
type FailureInfo struct {
	LineNo int
	Reason string
}

// TestOutcome is the result of running a single archive, per spec.md
// §4.5's run_archive contract.
type TestOutcome struct {
	Name     string
	Status   TestStatus
	Duration time.Duration
	Failure  *FailureInfo
	Trace    string
	WorkDir  string
}

// AggregateOutcome summarizes a run_all pass over a directory of
// archives.
type AggregateOutcome struct {
	Results  []TestOutcome
	Passed   int
	Failed   int
	Skipped  int
	Stopped  int
}

// SetupFunc is the external collaborator spec.md §4.5 calls "setup
// hook (external collaborator) with the State", run once per test
// before its script lines execute.
type SetupFunc func(s *State) error

// Config holds the options enumerated in spec.md §6.
type Config struct {
	// Dir is the root directory for archive discovery (RunAll only).
	Dir string
	// Filter, if non-empty, restricts RunAll to archive paths
	// containing this substring.
	Filter string
	// WorkdirRoot is the parent directory for per-test work dirs.
	// Empty means the OS temp root.
	WorkdirRoot string
	// PreserveWork retains work dirs after teardown.
	PreserveWork bool
	// Verbose emits a per-line execution trace and, combined with a
	// failed test, is one of the documented reasons teardown preserves
	// the work dir (see shouldPreserve).
	Verbose bool
	// Extensions lists accepted archive filename suffixes. Empty means
	// []string{".txtar"}.
	Extensions []string
	// Setup is an optional hook invoked with the State before the
	// script's lines run.
	Setup SetupFunc
	// Commands, if non-nil, replaces the built-in registry entirely.
	// Use Engine.Register against a fresh NewEngine() to extend rather
	// than replace the defaults.
	Commands map[string]Command
	// Logger receives structured events; defaults to slog.Default().
	Logger *slog.Logger
	// Env seeds the State's environment in addition to the host's own
	// os.Environ().
	Env map[string]string
}

func (c Config) extensions() []string {
	if len(c.Extensions) == 0 {
		return []string{".txtar"}
	}
	return c.Extensions
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) verbose() bool {
	return c.Verbose || os.Getenv("TESTSCRIPT_VERBOSE") == "1"
}

func (c Config) preserveWork() bool {
	return c.PreserveWork || os.Getenv("TESTSCRIPT_WORK") == "1"
}

func hostEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// RunArchive executes a single parsed archive to completion, per
// spec.md §4.5's per-test flow.
func RunArchive(ctx context.Context, archive *Archive, name string, cfg Config) (TestOutcome, error) {
	start := time.Now()
	outcome := TestOutcome{Name: name}

	workDir, err := os.MkdirTemp(cfg.WorkdirRoot, "tscript-")
	if err != nil {
		return outcome, &IOError{Op: "create work dir", Err: err}
	}

	env := hostEnv()
	for k, v := range cfg.Env {
		env[k] = v
	}

	if err := Materialize(archive, workDir, env); err != nil {
		outcome.Status = StatusFailed
		outcome.Failure = &FailureInfo{Reason: err.Error()}
		outcome.Duration = time.Since(start)
		return outcome, nil
	}

	st, err := NewState(ctx, workDir, env, cfg.logger())
	if err != nil {
		return outcome, err
	}

	engine := NewEngine()
	if cfg.Commands != nil {
		engine = &Engine{cmds: map[string]Command{}, host: NewHostFacts()}
		for n, c := range cfg.Commands {
			engine.Register(n, c)
		}
	}
	st.SetEngine(engine)

	status := StatusRunning
	var failure *FailureInfo

	defer func() {
		st.killBackground()
		if shouldPreserve(cfg, status) {
			st.Logf("[work dir preserved: %s]\n", workDir)
		} else {
			os.RemoveAll(workDir)
		}
	}()

	if cfg.Setup != nil {
		if err := cfg.Setup(st); err != nil {
			status = StatusFailed
			failure = &FailureInfo{Reason: fmt.Sprintf("setup: %v", err)}
		}
	}

	lines := strings.Split(string(archive.Comment), "\n")
	if status == StatusRunning {
	lineLoop:
		for i, raw := range lines {
			lineNo := i + 1
			line, perr := ParseLine(raw, lineNo)
			if perr != nil {
				status = StatusFailed
				failure = &FailureInfo{LineNo: lineNo, Reason: perr.Error()}
				break
			}
			if line == nil {
				continue
			}

			if cfg.verbose() {
				st.Logf("> %s\n", raw)
			}

			err := engine.Dispatch(st, name, line)
			switch {
			case err == nil:
				continue
			case isStop(err):
				status = StatusStopped
				break lineLoop
			case isSkip(err):
				status = StatusSkipped
				break lineLoop
			default:
				status = StatusFailed
				failure = &FailureInfo{LineNo: lineNo, Reason: err.Error()}
				break lineLoop
			}
		}
	}

	if status == StatusRunning {
		status = StatusPassed
	}

	outcome.Status = status
	outcome.Failure = failure
	outcome.Duration = time.Since(start)
	outcome.Trace = st.Trace()
	outcome.WorkDir = workDir
	return outcome, nil
}

func isStop(err error) bool {
	_, ok := err.(stopSignal)
	return ok
}

func isSkip(err error) bool {
	_, ok := err.(skipSignal)
	return ok
}

// shouldPreserve implements the implementation-defined clause of
// spec.md §4.5's teardown step: preserve when explicitly requested, or
// when the test failed under verbose tracing (so the failing fixtures
// remain available for inspection).
func shouldPreserve(cfg Config, status TestStatus) bool {
	if cfg.preserveWork() {
		return true
	}
	return cfg.verbose() && status == StatusFailed
}

// RunAll discovers archives under cfg.Dir matching cfg.Extensions and
// (if set) cfg.Filter, then runs each sequentially via RunArchive, per
// spec.md §4.5's Aggregation step.
func RunAll(ctx context.Context, cfg Config) (AggregateOutcome, error) {
	paths, err := discoverArchives(cfg.Dir, cfg.extensions())
	if err != nil {
		return AggregateOutcome{}, err
	}

	var agg AggregateOutcome
	for _, path := range paths {
		if cfg.Filter != "" && !strings.Contains(path, cfg.Filter) {
			continue
		}
		name, err := filepath.Rel(cfg.Dir, path)
		if err != nil {
			name = path
		}

		archive, err := ParseArchiveFile(path)
		if err != nil {
			agg.Results = append(agg.Results, TestOutcome{
				Name:   name,
				Status: StatusFailed,
				Failure: &FailureInfo{Reason: err.Error()},
			})
			agg.Failed++
			continue
		}

		outcome, err := RunArchive(ctx, archive, name, cfg)
		if err != nil {
			return agg, err
		}
		agg.Results = append(agg.Results, outcome)
		switch outcome.Status {
		case StatusPassed:
			agg.Passed++
		case StatusFailed:
			agg.Failed++
		case StatusSkipped:
			agg.Skipped++
		case StatusStopped:
			agg.Stopped++
		}
	}
	return agg, nil
}

func discoverArchives(root string, exts []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, ext := range exts {
			if strings.HasSuffix(path, ext) {
				out = append(out, path)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, &IOError{Op: "discover archives", Err: err}
	}
	sort.Strings(out)
	return out, nil
}
