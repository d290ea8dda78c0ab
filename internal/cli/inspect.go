package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/tree"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database  string
	SessionID string
	Side      string // optional - one side only
	Phase     string // optional - one phase only
	Tree      bool
}

// RecordEntry is one record in a side's timeline.
type RecordEntry struct {
	Step     int64    `json:"step"`
	Phase    ir.Phase `json:"phase"`
	Identity string   `json:"identity"`
	Kind     string   `json:"kind"`
	ID       string   `json:"id"`
	Input    []string `json:"input,omitempty"`
	Output   []string `json:"output,omitempty"`
}

// SideTimeline is the recorded timeline of one side.
type SideTimeline struct {
	Side    ir.Side       `json:"side"`
	Records []RecordEntry `json:"records"`
	Loss    *ir.Tensor    `json:"loss,omitempty"`
	Tree    string        `json:"tree,omitempty"`
}

// InspectResult holds a stored session.
type InspectResult struct {
	Session store.SessionInfo `json:"session"`
	Verdict *compare.Verdict  `json:"verdict,omitempty"`
	Sides   []SideTimeline    `json:"sides"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show stored sessions and their records",
		Long: `Show what a session recorded.

Without --session, lists the sessions in the database and their status.
With --session, prints the session header, the stored verdict and the
timeline of records of each side in step order.

Examples:
  lockstep inspect --db ./lockstep.db
  lockstep inspect --db ./lockstep.db --session mlp-1
  lockstep inspect --db ./lockstep.db --session mlp-1 --side candidate --phase backward
  lockstep inspect --db ./lockstep.db --session mlp-1 --tree --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session ID to show")
	cmd.Flags().StringVar(&opts.Side, "side", "", "show one side only (reference|candidate)")
	cmd.Flags().StringVar(&opts.Phase, "phase", "", "show one phase only (forward|backward)")
	cmd.Flags().BoolVar(&opts.Tree, "tree", false, "include the structural tree")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(cmd, opts.RootOptions)

	sides := []ir.Side{ir.SideReference, ir.SideCandidate}
	if opts.Side != "" {
		side, err := ir.ParseSide(opts.Side)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --side", err)
		}
		sides = []ir.Side{side}
	}
	if opts.Phase != "" && !ir.Phase(opts.Phase).Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --phase %q: must be forward or backward", opts.Phase))
	}

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.SessionID == "" {
		return listSessions(ctx, st, out)
	}

	info, err := st.ReadSession(ctx, opts.SessionID)
	if err != nil {
		return sessionError(out, opts.SessionID, err)
	}
	result := InspectResult{Session: info, Sides: make([]SideTimeline, 0, len(sides))}

	v, err := st.ReadVerdict(ctx, info.ID)
	switch {
	case err == nil:
		result.Verdict = &v
	case !errors.Is(err, store.ErrNotFound):
		return WrapExitError(ExitCommandError, "failed to read verdict", err)
	}

	for _, side := range sides {
		r, err := st.ReadReport(ctx, info.ID, side)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read records", err)
		}
		result.Sides = append(result.Sides, buildTimeline(r, ir.Phase(opts.Phase), opts.Tree))
	}

	if out.JSON() {
		return out.Success(result)
	}
	outputInspectText(out.Writer, result, opts.Verbose)
	return nil
}

// buildTimeline converts a recorder to its timeline. When phase is set,
// only records of that phase are kept.
func buildTimeline(r *report.Report, phase ir.Phase, withTree bool) SideTimeline {
	tl := SideTimeline{Side: r.Side, Records: []RecordEntry{}}
	for _, it := range r.Items() {
		if phase != "" && it.Phase != phase {
			continue
		}
		tl.Records = append(tl.Records, RecordEntry{
			Step:     it.Step,
			Phase:    it.Phase,
			Identity: it.Identity,
			Kind:     it.Kind,
			ID:       it.ID,
			Input:    describeTensors(it.Input),
			Output:   describeTensors(it.Output),
		})
	}
	if loss, ok := r.Loss(); ok {
		tl.Loss = &loss
	}
	if withTree {
		if t := r.Tree(); t.Root != tree.None {
			tl.Tree = t.Summary(t.Root, 0)
		}
	}
	return tl
}

func describeTensors(ts []ir.Tensor) []string {
	if len(ts) == 0 {
		return nil
	}
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}

// listSessions prints every stored session with its status.
func listSessions(ctx context.Context, st *store.Store, out *OutputFormatter) error {
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}
	if sessions == nil {
		sessions = []store.SessionSummary{}
	}

	if out.JSON() {
		return out.Success(sessions)
	}

	w := out.Writer
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%-8s %s  %s (lockstep %s)\n", s.Status, s.ID, s.Name, s.ToolVersion)
	}
	return nil
}

// outputInspectText prints a session header, its verdict and the timelines.
func outputInspectText(w io.Writer, result InspectResult, verbose bool) {
	info := result.Session
	fmt.Fprintf(w, "Session: %s\n", info.ID)
	fmt.Fprintf(w, "Name:    %s\n", info.Name)
	fmt.Fprintf(w, "Format:  %s (lockstep %s)\n", info.FormatVersion, info.ToolVersion)
	fmt.Fprintf(w, "Options: diff_phase=%s compare_mode=%s atol=%g rtol=%g loss_fn=%t single_step=%t\n",
		info.Options.DiffPhase, info.Options.CompareMode, info.Options.Atol, info.Options.Rtol,
		info.Options.LossFn, info.Options.SingleStep)
	for _, kind := range info.Options.Kinds() {
		t := info.Options.Tolerances[kind]
		fmt.Fprintf(w, "         %s: atol=%g rtol=%g\n", kind, t.Atol, t.Rtol)
	}

	switch v := result.Verdict; {
	case v == nil:
		fmt.Fprintln(w, "Verdict: (not compared)")
	case v.Passed:
		fmt.Fprintln(w, "Verdict: passed")
	default:
		fmt.Fprintf(w, "Verdict: diverged: %s\n", v.Failure.Error())
	}

	for _, tl := range result.Sides {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "=== %s ===\n", tl.Side)
		if len(tl.Records) == 0 {
			fmt.Fprintln(w, "  (no records)")
		}
		for _, rec := range tl.Records {
			fmt.Fprintf(w, "  [%d] %-8s %s(%s)\n", rec.Step, rec.Phase, rec.Kind, rec.Identity)
			if verbose {
				fmt.Fprintf(w, "       ID: %s\n", truncateID(rec.ID))
				for _, t := range rec.Output {
					fmt.Fprintf(w, "       out: %s\n", t)
				}
			}
		}
		if tl.Loss != nil {
			fmt.Fprintf(w, "  loss: %v\n", tl.Loss.Data)
		}
		if tl.Tree != "" {
			fmt.Fprintln(w, "  tree:")
			for _, line := range strings.Split(strings.TrimSuffix(tl.Tree, "\n"), "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}

// requireFile checks that a database path names an existing file.
func requireFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
		return WrapExitError(ExitCommandError, "failed to stat database", err)
	}
	return nil
}
