// Package tscript implements a small, platform-agnostic scripting
// language for end-to-end testing of command-line tools.
//
// A test is a single archive bundling a sequence of declarative script
// lines and a set of named file fixtures (see [Archive]). [RunArchive]
// interprets the script in a fresh per-test working directory, running
// external processes, capturing their standard streams as virtual
// files, and evaluating assertions against those streams and the
// on-disk tree. [RunAll] discovers and runs every archive under a
// directory. [RunT] adapts the same machinery to a *testing.T, in the
// style this package's ancestor (rsc.io/script, wrapped by the
// teacher's internal/testprogram/overlays/scripttest) is normally
// driven from go test.
//
// The script grammar is documented on [ParseLine].
package tscript
