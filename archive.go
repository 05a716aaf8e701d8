package tscript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/txtar"
)

// Archive is a parsed test archive: a script (the comment section) plus
// an ordered sequence of named file fixtures. It is a thin alias for
// golang.org/x/tools/txtar.Archive — the archive format reader itself
// is an external collaborator per spec.md §1; the core only consumes
// the result.
type Archive = txtar.Archive

// ParseArchive parses the bytes of a single archive file.
func ParseArchive(data []byte) *Archive {
	return txtar.Parse(data)
}

// ParseArchiveFile reads and parses the archive at path.
func ParseArchiveFile(path string) (*Archive, error) {
	a, err := txtar.ParseFile(path)
	if err != nil {
		return nil, &IOError{Op: "read archive", Err: err}
	}
	return a, nil
}

// Materialize writes every file in a into dir, rejecting any path that
// escapes dir via ".." segments or is absolute. Parent directories are
// created as needed. Names are expanded against env before being
// resolved, so fixtures may use $VAR in their paths.
func Materialize(a *Archive, dir string, env map[string]string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return &IOError{Op: "materialize", Err: err}
	}
	for _, f := range a.Files {
		name := expandEnvMap(f.Name, env, false)
		if err := checkSafePath(name); err != nil {
			return &IOError{Op: "materialize " + f.Name, Err: err}
		}
		target := filepath.Join(absDir, filepath.FromSlash(name))
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) && target != absDir {
			return &IOError{Op: "materialize " + f.Name, Err: fmt.Errorf("path escapes working directory")}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
			return &IOError{Op: "materialize " + f.Name, Err: err}
		}
		if err := os.WriteFile(target, f.Data, 0o666); err != nil {
			return &IOError{Op: "materialize " + f.Name, Err: err}
		}
	}
	return nil
}

// checkSafePath rejects archive-relative paths that are absolute or
// that still contain a ".." traversal segment after filepath.Clean, per
// spec.md §3 and §5's Runner contract. A ".." that Clean resolves within
// the path (as in "a/../b.txt") is accepted.
func checkSafePath(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("absolute path not allowed: %q", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed: %q", name)
		}
	}
	return nil
}
