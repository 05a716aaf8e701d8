package tscript

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleArchive = `echo hello
stdout hello

-- greeting.txt --
hi there
-- sub/nested.txt --
nested contents
`

func TestParseArchiveFiles(t *testing.T) {
	a := ParseArchive([]byte(sampleArchive))
	if len(a.Files) != 2 {
		t.Fatalf("len(Files) = %d, want 2", len(a.Files))
	}
	if a.Files[0].Name != "greeting.txt" {
		t.Errorf("Files[0].Name = %q", a.Files[0].Name)
	}
	if a.Files[1].Name != "sub/nested.txt" {
		t.Errorf("Files[1].Name = %q", a.Files[1].Name)
	}
}

func TestMaterialize(t *testing.T) {
	a := ParseArchive([]byte(sampleArchive))
	dir := t.TempDir()
	if err := Materialize(a, dir, map[string]string{}); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sub", "nested.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "nested contents\n" {
		t.Fatalf("contents = %q", data)
	}
}

func TestMaterializeExpandsNames(t *testing.T) {
	a := ParseArchive([]byte("-- $NAME.txt --\ncontent\n"))
	dir := t.TempDir()
	if err := Materialize(a, dir, map[string]string{"NAME": "file1"}); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "file1.txt")); err != nil {
		t.Fatalf("expected file1.txt to exist: %v", err)
	}
}

func TestMaterializeRejectsTraversal(t *testing.T) {
	a := ParseArchive([]byte("-- ../escape.txt --\ncontent\n"))
	dir := t.TempDir()
	if err := Materialize(a, dir, map[string]string{}); err == nil {
		t.Fatal("expected error for path traversal")
	}
}

func TestMaterializeRejectsAbsolute(t *testing.T) {
	a := ParseArchive([]byte("-- /etc/passwd --\ncontent\n"))
	dir := t.TempDir()
	if err := Materialize(a, dir, map[string]string{}); err == nil {
		t.Fatal("expected error for absolute path")
	}
}

func TestCheckSafePath(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"a/b.txt", false},
		{"a/../b.txt", false}, // resolves within dir; Clean removes the ".." before the escape check
		{"../escape", true},
		{"a/../../escape", true},
		{"/abs", true},
		{"", true},
	}
	for _, tt := range tests {
		err := checkSafePath(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkSafePath(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
