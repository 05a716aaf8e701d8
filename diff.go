package tscript

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// A Differ renders a human-readable diff between two byte buffers, per
// spec.md §1's "Diff rendering for failed file comparisons — a
// pluggable formatter; the core invokes it with two byte buffers."
type Differ interface {
	Diff(nameA string, a []byte, nameB string, b []byte) string
}

// DifferFunc adapts a function to a Differ.
type DifferFunc func(nameA string, a []byte, nameB string, b []byte) string

func (f DifferFunc) Diff(nameA string, a []byte, nameB string, b []byte) string {
	return f(nameA, a, nameB, b)
}

// DefaultDiffer renders a line diff using github.com/google/go-cmp,
// the teacher's declared comparison dependency. cmp.Diff normally
// compares structured values; here the two texts are split into line
// slices first so the rendered diff reads as the familiar "- / +"
// unified form rather than a struct-field dump.
var DefaultDiffer Differ = DifferFunc(goCmpDiff)

func goCmpDiff(nameA string, a []byte, nameB string, b []byte) string {
	linesA := splitLines(a)
	linesB := splitLines(b)
	body := cmp.Diff(linesA, linesB)
	if body == "" {
		return ""
	}
	var out strings.Builder
	fmt.Fprintf(&out, "--- %s\n+++ %s\n%s", nameA, nameB, body)
	return out.String()
}

func splitLines(b []byte) []string {
	s := string(b)
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
