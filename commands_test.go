package tscript

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

var (
	probeOnce sync.Once
	probePath string
	probeErr  error
)

// buildProbe compiles testdata/probe once per test binary run and
// returns the path to the resulting executable, skipping the calling
// test if a toolchain isn't available to build it.
func buildProbe(t *testing.T) string {
	t.Helper()
	probeOnce.Do(func() {
		// Not t.TempDir: that directory is removed when the first calling
		// test ends, while the binary is shared by every later caller.
		dir, err := os.MkdirTemp("", "tscript-probe-")
		if err != nil {
			probeErr = err
			return
		}
		out := filepath.Join(dir, "probe")
		if runtime.GOOS == "windows" {
			out += ".exe"
		}
		cmd := exec.Command("go", "build", "-o", out, ".")
		cmd.Dir = "testdata/probe"
		if data, err := cmd.CombinedOutput(); err != nil {
			probeErr = &IOError{Op: "build probe: " + string(data), Err: err}
			return
		}
		probePath = out
	})
	if probeErr != nil {
		t.Skipf("could not build testdata/probe: %v", probeErr)
	}
	return probePath
}

func TestExecForeground(t *testing.T) {
	probe := buildProbe(t)
	e, s := newTestEngine(t)
	if err := dispatchLine(t, e, s, "exec "+probe+" hello"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := string(s.Stdout()); got != "hello\n" {
		t.Errorf("Stdout = %q", got)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	probe := buildProbe(t)
	e, s := newTestEngine(t)
	s.Setenv("PROBE_EXIT", "1")
	err := dispatchLine(t, e, s, "exec "+probe)
	if err == nil {
		t.Fatal("expected failure for non-zero exit")
	}
	// Confirm the ! prefix inverts the outcome exactly.
	if err := dispatchLine(t, e, s, "! exec "+probe); err != nil {
		t.Fatalf("! exec: %v", err)
	}
}

func TestExecBackgroundAndWait(t *testing.T) {
	probe := buildProbe(t)
	e, s := newTestEngine(t)
	s.Setenv("PROBE_SLEEP", "20")
	if err := dispatchLine(t, e, s, "exec "+probe+" background-job &"); err != nil {
		t.Fatalf("exec &: %v", err)
	}
	if len(s.Background()) != 1 {
		t.Fatalf("len(Background()) = %d, want 1", len(s.Background()))
	}
	if err := dispatchLine(t, e, s, "wait"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(s.Background()) != 0 {
		t.Fatal("expected Background() to be empty after wait")
	}
	if got := string(s.Stdout()); got != "background-job\n" {
		t.Errorf("Stdout after wait = %q", got)
	}
}

func TestWaitPreservesPriorForegroundOutput(t *testing.T) {
	probe := buildProbe(t)
	e, s := newTestEngine(t)
	s.Setenv("PROBE_SLEEP", "20")
	if err := dispatchLine(t, e, s, "exec "+probe+" server-ready &"); err != nil {
		t.Fatalf("exec &: %v", err)
	}
	if err := dispatchLine(t, e, s, "exec "+probe+" client-done"); err != nil {
		t.Fatalf("exec (foreground): %v", err)
	}
	if err := dispatchLine(t, e, s, "wait"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got := string(s.Stdout())
	if !strings.Contains(got, "client-done") {
		t.Errorf("Stdout after wait = %q, want to still contain the prior foreground output", got)
	}
	if !strings.Contains(got, "server-ready") {
		t.Errorf("Stdout after wait = %q, want to contain the background job's output", got)
	}
}

func TestStdoutMatch(t *testing.T) {
	e, s := newTestEngine(t)
	dispatchOK(t, e, s, "echo hello world")
	if err := dispatchLine(t, e, s, "stdout hello"); err != nil {
		t.Fatalf("stdout: %v", err)
	}
	if err := dispatchLine(t, e, s, "! stdout nomatch"); err != nil {
		t.Fatalf("! stdout: %v", err)
	}
}

func TestStdoutCount(t *testing.T) {
	e, s := newTestEngine(t)
	s.SetStdout([]byte("a\na\nb\n"))
	if err := dispatchLine(t, e, s, "stdout -count=2 a"); err != nil {
		t.Fatalf("stdout -count=2: %v", err)
	}
	if err := dispatchLine(t, e, s, "! stdout -count=3 a"); err != nil {
		t.Fatalf("! stdout -count=3: %v", err)
	}
}

func TestGrepFile(t *testing.T) {
	e, s := newTestEngine(t)
	dispatchOK(t, e, s, "echo needle")
	dispatchOK(t, e, s, "cp stdout haystack.txt")
	if err := dispatchLine(t, e, s, "grep needle haystack.txt"); err != nil {
		t.Fatalf("grep: %v", err)
	}
}

func TestCmp(t *testing.T) {
	e, s := newTestEngine(t)
	dispatchOK(t, e, s, "echo same")
	dispatchOK(t, e, s, "cp stdout a.txt")
	dispatchOK(t, e, s, "cp stdout b.txt")
	if err := dispatchLine(t, e, s, "cmp a.txt b.txt"); err != nil {
		t.Fatalf("cmp: %v", err)
	}

	dispatchOK(t, e, s, "echo different")
	dispatchOK(t, e, s, "cp stdout b.txt")
	if err := dispatchLine(t, e, s, "cmp a.txt b.txt"); err == nil {
		t.Fatal("expected mismatch")
	}
}

func TestCmpenvExpandsBothSides(t *testing.T) {
	e, s := newTestEngine(t)
	s.Setenv("GREETING", "hello")
	if err := s.WriteFile("a.txt", []byte("$GREETING\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile("b.txt", []byte("hello\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := dispatchLine(t, e, s, "cmpenv a.txt b.txt"); err != nil {
		t.Fatalf("cmpenv: %v", err)
	}
}

func TestCatAppendsToStdout(t *testing.T) {
	e, s := newTestEngine(t)
	if err := s.WriteFile("a.txt", []byte("A"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile("b.txt", []byte("B"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := dispatchLine(t, e, s, "cat a.txt b.txt"); err != nil {
		t.Fatalf("cat: %v", err)
	}
	if got := string(s.Stdout()); got != "AB" {
		t.Errorf("Stdout = %q", got)
	}
}

func TestCpMvRm(t *testing.T) {
	e, s := newTestEngine(t)
	if err := s.WriteFile("src.txt", []byte("data"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := dispatchLine(t, e, s, "cp src.txt copy.txt"); err != nil {
		t.Fatalf("cp: %v", err)
	}
	if err := dispatchLine(t, e, s, "mv copy.txt moved.txt"); err != nil {
		t.Fatalf("mv: %v", err)
	}
	if _, err := os.Stat(s.ResolvePath("copy.txt")); err == nil {
		t.Fatal("copy.txt should no longer exist after mv")
	}
	if err := dispatchLine(t, e, s, "rm moved.txt"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if err := dispatchLine(t, e, s, "rm moved.txt"); err == nil {
		t.Fatal("rm of missing file must fail")
	}
}

func TestMkdirAndExists(t *testing.T) {
	e, s := newTestEngine(t)
	if err := dispatchLine(t, e, s, "mkdir a/b/c"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := dispatchLine(t, e, s, "exists a/b/c"); err != nil {
		t.Fatalf("exists: %v", err)
	}
	if err := dispatchLine(t, e, s, "! exists does/not/exist"); err != nil {
		t.Fatalf("! exists: %v", err)
	}
}

func TestCdAndEnv(t *testing.T) {
	e, s := newTestEngine(t)
	dispatchOK(t, e, s, "mkdir sub")
	if err := dispatchLine(t, e, s, "cd sub"); err != nil {
		t.Fatalf("cd: %v", err)
	}
	if err := dispatchLine(t, e, s, "env GREETING=hi"); err != nil {
		t.Fatalf("env set: %v", err)
	}
	if s.Getenv("GREETING") != "hi" {
		t.Fatalf("Getenv(GREETING) = %q", s.Getenv("GREETING"))
	}
	if err := dispatchLine(t, e, s, "env GREETING"); err != nil {
		t.Fatalf("env unset: %v", err)
	}
	if _, ok := s.LookupEnv("GREETING"); ok {
		t.Fatal("expected GREETING to be unset")
	}
}

func TestSleep(t *testing.T) {
	e, s := newTestEngine(t)
	if err := dispatchLine(t, e, s, "sleep 1ms"); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}

func TestHelpListsCommands(t *testing.T) {
	e, s := newTestEngine(t)
	if err := dispatchLine(t, e, s, "help"); err != nil {
		t.Fatalf("help: %v", err)
	}
	if got := string(s.Stdout()); len(got) == 0 {
		t.Fatal("expected help output")
	}
}

func dispatchOK(t *testing.T, e *Engine, s *State, raw string) {
	t.Helper()
	if err := dispatchLine(t, e, s, raw); err != nil {
		t.Fatalf("%q: %v", raw, err)
	}
}
