package tscript

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunTDiscoversAndRunsArchives(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ok.txtar"), []byte("echo hi\nstdout hi\n"), 0o666); err != nil {
		t.Fatal(err)
	}

	RunT(t, Config{Dir: dir})
}

func TestRunTSkipsOnEmptyDir(t *testing.T) {
	dir := t.TempDir()
	t.Run("empty", func(t *testing.T) {
		RunT(t, Config{Dir: dir})
	})
}
