package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/harness"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database  string
	Config    string
	SessionID string
}

// RunResult is the outcome of one scenario run.
type RunResult struct {
	Scenario      string                `json:"scenario"`
	Session       string                `json:"session"`
	Pass          bool                  `json:"pass"`
	Verdict       compare.Verdict       `json:"verdict"`
	FirstMismatch *session.StepMismatch `json:"first_mismatch,omitempty"`
	Errors        []string              `json:"errors,omitempty"`
	Saved         bool                  `json:"saved"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Record and compare one scenario",
		Long: `Record the reference and candidate executions scripted by a scenario
file, compare them and check the verdict against the scenario's expect
clause.

With --db the recorded session and its verdict are saved, so they can be
inspected or compared again later.

Exit codes:
  0 - Verdict matched the scenario's expectations
  1 - Verdict or assertions did not match
  2 - Command error (unreadable scenario, bad options, database error)

Examples:
  lockstep run ./scenarios/leaf_divergence.yaml
  lockstep run --db ./lockstep.db --session mlp-1 ./scenarios/mlp.yaml
  lockstep run --config ./strict.hcl ./scenarios/mlp.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "save the session to this SQLite database")
	cmd.Flags().StringVar(&opts.Config, "config", "", "options file (YAML, CUE or HCL) replacing the scenario's options")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session ID (defaults to the scenario's session_id)")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(cmd, opts.RootOptions)

	sc, err := harness.LoadScenarioWithBasePath(path, filepath.Dir(path))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	if opts.Config != "" {
		sc.Config = opts.Config
		sc.Options = yaml.Node{}
	}
	if opts.SessionID != "" {
		sc.SessionID = opts.SessionID
	}

	hopts := []harness.Option{harness.WithLogger(slog.Default())}
	if !out.JSON() {
		hopts = append(hopts, harness.WithSink(compare.TextSink{W: out.Writer}))
	}

	var st *store.Store
	if opts.Database != "" {
		slog.Debug("opening database", "path", opts.Database)
		st, err = store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		hopts = append(hopts, harness.WithRecorded(func(s *session.Session) error {
			return st.SaveSession(ctx, s)
		}))
	}

	result, err := harness.New(hopts...).Run(sc)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	res := RunResult{
		Scenario:      sc.Name,
		Session:       result.Session.ID,
		Pass:          result.Pass,
		Verdict:       result.Verdict,
		FirstMismatch: result.FirstMismatch,
		Errors:        result.Errors,
	}
	if st != nil {
		if err := st.WriteVerdict(ctx, result.Session.ID, result.Verdict); err != nil {
			return WrapExitError(ExitCommandError, "failed to save verdict", err)
		}
		res.Saved = true
		slog.Info("session saved", "session", res.Session, "db", opts.Database)
	}

	if out.JSON() {
		if !res.Pass {
			if err := out.Failure(CodeExpect, "scenario expectations not met", res); err != nil {
				return err
			}
			return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", sc.Name))
		}
		return out.Success(res)
	}

	w := out.Writer
	if res.Verdict.Failure != nil {
		fmt.Fprintln(w)
	}
	writeVerdictSummary(w, res.Session, res.Verdict)
	if m := res.FirstMismatch; m != nil {
		fmt.Fprintf(w, "Single-step: first mismatch at %s\n", m)
	}
	if res.Saved {
		fmt.Fprintf(w, "Saved to %s\n", opts.Database)
	}
	if !res.Pass {
		fmt.Fprintf(w, "✗ %s\n", sc.Name)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", sc.Name))
	}
	fmt.Fprintf(w, "✓ %s\n", sc.Name)
	return nil
}
