package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/store"
)

// CompareOptions holds flags for the compare command.
type CompareOptions struct {
	*RootOptions
	Database  string
	SessionID string
	Config    string
	NoSave    bool
}

// CompareResult is the outcome of re-comparing a stored session.
type CompareResult struct {
	Session string          `json:"session"`
	Name    string          `json:"name"`
	Options config.Options  `json:"options"`
	Verdict compare.Verdict `json:"verdict"`
}

// NewCompareCommand creates the compare command.
func NewCompareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompareOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare a stored session again",
		Long: `Load a recorded session from the database and run the comparison again,
optionally with different options. The new verdict replaces the stored one
unless --no-save is given.

Exit codes:
  0 - The two executions agree
  1 - A divergence was found
  2 - Command error (database not found, unknown session, bad options)

Examples:
  lockstep compare --db ./lockstep.db --session mlp-1
  lockstep compare --db ./lockstep.db --session mlp-1 --config ./loose.hcl --no-save`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session ID to compare (required)")
	_ = cmd.MarkFlagRequired("session")
	cmd.Flags().StringVar(&opts.Config, "config", "", "options file replacing the stored options")
	cmd.Flags().BoolVar(&opts.NoSave, "no-save", false, "do not store the new verdict")

	return cmd
}

func runCompare(opts *CompareOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(cmd, opts.RootOptions)

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.LoadSession(ctx, opts.SessionID, session.WithLogger(slog.Default()))
	if err != nil {
		return sessionError(out, opts.SessionID, err)
	}

	copts := sess.Options
	if opts.Config != "" {
		copts, err = config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load options", err)
		}
		sess.Options = copts
	}

	eopts := []compare.EngineOption{compare.WithLogger(slog.Default())}
	if !out.JSON() {
		eopts = append(eopts, compare.WithSink(compare.TextSink{W: out.Writer}))
	}
	eng := compare.New(nil, copts, eopts...)
	slog.Debug("comparing stored session",
		"session", sess.ID,
		"diff_phase", eng.Options().DiffPhase,
		"registered_actions", eng.Registry().Len())
	v := sess.Compare(eng)

	if !opts.NoSave {
		if err := st.WriteVerdict(ctx, sess.ID, v); err != nil {
			return WrapExitError(ExitCommandError, "failed to save verdict", err)
		}
	}

	res := CompareResult{Session: sess.ID, Name: sess.Name, Options: eng.Options(), Verdict: v}
	if out.JSON() {
		if !v.Passed {
			if err := out.Failure(CodeDivergence, v.Failure.Error(), res); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "executions diverged")
		}
		return out.Success(res)
	}

	if v.Failure != nil {
		fmt.Fprintln(out.Writer)
	}
	writeVerdictSummary(out.Writer, sess.ID, v)
	if !v.Passed {
		return NewExitError(ExitFailure, "executions diverged")
	}
	return nil
}

// openExisting opens a database that must already exist; store.Open would
// otherwise create an empty one.
func openExisting(path string) (*store.Store, error) {
	if err := requireFile(path); err != nil {
		return nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// sessionError maps a store lookup failure to an exit error, reporting
// unknown sessions in the configured format.
func sessionError(out *OutputFormatter, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		if out.JSON() {
			if ferr := out.Error(CodeNotFound, fmt.Sprintf("session %s not found", id), nil); ferr != nil {
				return ferr
			}
		}
		return WrapExitError(ExitCommandError, fmt.Sprintf("session %s not found", id), err)
	}
	return WrapExitError(ExitCommandError, "failed to load session", err)
}

// writeVerdictSummary prints the counters of a verdict.
func writeVerdictSummary(w io.Writer, sessionID string, v compare.Verdict) {
	status := "passed"
	if !v.Passed {
		status = "diverged"
	}
	fmt.Fprintf(w, "Session %s: %s\n", sessionID, status)
	fmt.Fprintf(w, "  Forward checks:  %d\n", v.ForwardChecks)
	fmt.Fprintf(w, "  Backward checks: %d\n", v.BackwardChecks)
	fmt.Fprintf(w, "  Reorders:        %d\n", v.Reorders)
	fmt.Fprintf(w, "  Same structure:  %t\n", v.SameStructure)
}
