// Command tscript runs test-script archives against the local
// filesystem and reports pass/fail/skip outcomes.
//
// Usage:
//
//	tscript [flags] <path>
//
// <path> names either a single archive file or a directory to scan
// recursively for archives matching the configured extensions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tmc/tscript"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		verbose bool
		filter  string
		keep    bool
	)

	cmd := &cobra.Command{
		Use:           "tscript <path>",
		Short:         "run test-script archives",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPath(cmd, args[0], tscript.Config{
				Verbose:      verbose,
				Filter:       filter,
				PreserveWork: keep,
			})
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "emit a per-line execution trace")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "only run archives whose path contains this substring")
	cmd.Flags().BoolVar(&keep, "keep", false, "preserve per-test work directories")

	exitCode := 0
	cmd.RunE = wrapExitCode(cmd.RunE, &exitCode)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tscript:", err)
		if exitCode == 0 {
			exitCode = 2
		}
	}
	return exitCode
}

// wrapExitCode lets runPath report "tests failed" (exit 1) distinctly
// from a usage or I/O error (exit 2) without cobra's RunE collapsing
// both into a single non-zero status.
func wrapExitCode(inner func(*cobra.Command, []string) error, code *int) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := inner(cmd, args)
		if fe, ok := err.(*testsFailedError); ok {
			*code = 1
			fmt.Fprintln(cmd.ErrOrStderr(), fe.Error())
			return nil
		}
		if err != nil {
			*code = 2
		}
		return err
	}
}

type testsFailedError struct{ summary string }

func (e *testsFailedError) Error() string { return e.summary }

func runPath(cmd *cobra.Command, path string, cfg tscript.Config) error {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	cfg.Logger = logger

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	ctx := context.Background()
	showTrace := cfg.Verbose || os.Getenv("TESTSCRIPT_VERBOSE") == "1"

	if !info.IsDir() {
		archive, err := tscript.ParseArchiveFile(path)
		if err != nil {
			return err
		}
		outcome, err := tscript.RunArchive(ctx, archive, path, cfg)
		if err != nil {
			return err
		}
		if showTrace {
			fmt.Fprint(cmd.ErrOrStderr(), outcome.Trace)
		}
		return reportSingle(cmd, outcome)
	}

	cfg.Dir = path
	agg, err := tscript.RunAll(ctx, cfg)
	if err != nil {
		return err
	}
	if showTrace {
		for _, r := range agg.Results {
			fmt.Fprintf(cmd.ErrOrStderr(), "== %s\n%s", r.Name, r.Trace)
		}
	}
	return reportAggregate(cmd, agg)
}

func reportSingle(cmd *cobra.Command, outcome tscript.TestOutcome) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\t%s\t%s\n", outcome.Status, outcome.Name, outcome.Duration)
	if outcome.Status == tscript.StatusFailed {
		reason := "failed"
		if outcome.Failure != nil {
			reason = fmt.Sprintf("line %d: %s", outcome.Failure.LineNo, outcome.Failure.Reason)
		}
		return &testsFailedError{summary: reason}
	}
	return nil
}

func reportAggregate(cmd *cobra.Command, agg tscript.AggregateOutcome) error {
	out := cmd.OutOrStdout()
	for _, r := range agg.Results {
		fmt.Fprintf(out, "%s\t%s\t%s\n", r.Status, r.Name, r.Duration)
		if r.Status == tscript.StatusFailed && r.Failure != nil {
			fmt.Fprintf(out, "\tline %d: %s\n", r.Failure.LineNo, r.Failure.Reason)
		}
	}
	fmt.Fprintf(out, "%d passed, %d failed, %d skipped, %d stopped\n",
		agg.Passed, agg.Failed, agg.Skipped, agg.Stopped)

	if agg.Failed > 0 {
		return &testsFailedError{summary: fmt.Sprintf("%d test(s) failed", agg.Failed)}
	}
	return nil
}
