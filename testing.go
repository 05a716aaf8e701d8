package tscript

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

// RunT runs, from inside a Go test, the archives RunAll would discover,
// calling RunArchive in one subtest per archive, mirroring the teacher's internal/testprogram/overlays/
// scripttest.go wrapper around rsc.io/script's testscript runner.
func RunT(t *testing.T, cfg Config) {
	t.Helper()

	if cfg.Dir == "" {
		cfg.Dir = "testdata/script"
	}
	cfg.Verbose = cfg.Verbose || testing.Verbose()

	paths, err := discoverArchives(cfg.Dir, cfg.extensions())
	if err != nil {
		t.Fatalf("discover scripts: %v", err)
	}
	if len(paths) == 0 {
		t.Skipf("no script archives under %s", cfg.Dir)
	}

	for _, path := range paths {
		path := path
		name, err := filepath.Rel(cfg.Dir, path)
		if err != nil {
			name = path
		}
		if cfg.Filter != "" && !strings.Contains(path, cfg.Filter) {
			continue
		}

		t.Run(name, func(t *testing.T) {
			archive, err := ParseArchiveFile(path)
			if err != nil {
				t.Fatalf("parse %s: %v", path, err)
			}

			runCfg := cfg
			runCfg.Logger = testLogger(t)

			outcome, err := RunArchive(context.Background(), archive, name, runCfg)
			if err != nil {
				t.Fatalf("run %s: %v", name, err)
			}
			if cfg.Verbose {
				t.Log(outcome.Trace)
			}

			switch outcome.Status {
			case StatusPassed, StatusStopped:
				// ok
			case StatusSkipped:
				reason := ""
				if outcome.Failure != nil {
					reason = outcome.Failure.Reason
				}
				t.Skip(reason)
			case StatusFailed:
				t.Log(outcome.Trace)
				if outcome.Failure != nil {
					t.Fatalf("%s:%d: %s", name, outcome.Failure.LineNo, outcome.Failure.Reason)
				}
				t.Fatalf("%s: failed", name)
			}
		})
	}
}

// testWriter adapts a *testing.T into an io.Writer so slog output
// interleaves correctly with `go test -v`.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

// testLogger builds a slog.Logger that writes through t.Log, per
// SPEC_FULL.md's ambient logging stack.
func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}
