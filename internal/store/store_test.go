package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
	"github.com/roach88/lockstep/internal/session"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// recordSession records a two-layer model on both sides. The candidate's
// activation output is actOut.
func recordSession(t *testing.T, id string, actOut float64) *session.Session {
	t.Helper()
	opts := config.Default()
	opts.LossFn = true
	s := session.New("mlp", opts, session.NewFixedGenerator(id), session.WithLogger(quiet))

	require.NoError(t, s.Record(func(ctx *report.Context) error {
		for _, side := range []struct {
			rec *session.Recorder
			act float64
		}{
			{s.Recorder(ir.SideReference), 4},
			{s.Recorder(ir.SideCandidate), actOut},
		} {
			root := side.rec.Begin("model", "MLP")
			fc, err := side.rec.End(side.rec.Begin("fc", "Linear"),
				[]ir.Tensor{ir.Vector(1, 2).Grad()}, []ir.Tensor{ir.MustTensor([]int{2, 1}, []float64{3, -3})})
			if err != nil {
				return err
			}
			act, err := side.rec.End(side.rec.Begin("act", "ReLU"),
				[]ir.Tensor{ir.Vector(3).Grad()}, []ir.Tensor{ir.Vector(side.act)})
			if err != nil {
				return err
			}
			model, err := side.rec.End(root, []ir.Tensor{ir.Vector(1, 2).Grad()}, []ir.Tensor{ir.Vector(side.act)})
			if err != nil {
				return err
			}
			side.rec.Loss(ir.Scalar(side.act))

			for _, fwd := range []*report.Item{model, act, fc} {
				if _, err := side.rec.Backward(fwd, []ir.Tensor{ir.Vector(1)}, ir.Vector(0.5)); err != nil {
					return err
				}
			}
		}
		return nil
	}))
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"sessions", "reports", "nodes", "items", "verdicts"} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q not found after idempotent opens", table)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	for _, p := range connPragmas {
		assert.NoError(t, s.pragmaIs(p.name, p.reads))
	}
	assert.NoError(t, s.pragmaIs("user_version", strconv.Itoa(len(migrations))))

	var idx string
	err := s.DB().QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_items_identity'",
	).Scan(&idx)
	assert.NoError(t, err)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version 99 is newer")
}

func TestSaveAndLoadSession_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	orig := recordSession(t, "sess-1", 4)
	require.NoError(t, st.SaveSession(ctx, orig))

	loaded, err := st.LoadSession(ctx, "sess-1", session.WithLogger(quiet))
	require.NoError(t, err)

	assert.Equal(t, orig.ID, loaded.ID)
	assert.Equal(t, orig.Name, loaded.Name)
	assert.Equal(t, orig.Options, loaded.Options)

	for _, side := range []ir.Side{ir.SideReference, ir.SideCandidate} {
		want, got := orig.Report(side), loaded.Report(side)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, side, got.Side)
		assert.Equal(t, "sess-1", got.Session)
		require.Equal(t, want.Len(), got.Len())

		for i, w := range want.Items() {
			g := got.Item(i)
			assert.Equal(t, w.ID, g.ID)
			assert.Equal(t, w.Phase, g.Phase)
			assert.Equal(t, w.Step, g.Step)
			assert.Equal(t, w.Identity, g.Identity)
			assert.Equal(t, w.Kind, g.Kind)
			assert.Equal(t, w.Node, g.Node)
			assert.Equal(t, w.Input, g.Input)
			assert.Equal(t, w.Output, g.Output)
			assert.Equal(t, w.InputGrads, g.InputGrads)
			assert.Equal(t, w.Location, g.Location)
			assert.Equal(t, w.Frames, g.Frames)
		}

		wt, gt := want.Tree(), got.Tree()
		assert.Equal(t, wt.Root, gt.Root)
		require.Equal(t, wt.Len(), gt.Len())
		for i := range wt.Nodes {
			wn, gn := wt.Node(i), gt.Node(i)
			assert.Equal(t, wn.Identity, gn.Identity)
			assert.Equal(t, wn.Kind, gn.Kind)
			assert.Equal(t, wn.Parent, gn.Parent)
			assert.Equal(t, wn.Children, gn.Children)
			assert.Equal(t, wn.Forward, gn.Forward)
			assert.Equal(t, wn.Backward, gn.Backward)
		}

		wl, _ := want.Loss()
		gl, ok := got.Loss()
		assert.True(t, ok)
		assert.Equal(t, wl, gl)
	}

	fc := loaded.Reference().Item(0)
	require.Equal(t, "fc", fc.Identity)
	require.NotNil(t, fc.Backward(), "forward/backward links are restored")
	assert.Same(t, fc, fc.Backward().Forward())
	assert.Equal(t, 1, loaded.Reference().Occurrences("fc"))

	v := loaded.Compare(compare.New(nil, loaded.Options, compare.WithLogger(quiet)))
	assert.True(t, v.Passed)
}

func TestSaveAndLoadSession_LoadedComparisonMatchesLive(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	orig := recordSession(t, "sess-1", 5)
	require.NoError(t, st.SaveSession(ctx, orig))

	eng := compare.New(nil, orig.Options, compare.WithLogger(quiet))
	live := orig.Compare(eng)

	loaded, err := st.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	replayed := loaded.Compare(eng)

	require.False(t, live.Passed)
	require.False(t, replayed.Passed)
	assert.Equal(t, live.Failure.Reason, replayed.Failure.Reason)
	assert.Equal(t, live.Failure.RefIdentity, replayed.Failure.RefIdentity)
	assert.Equal(t, live.Failure.Step, replayed.Failure.Step)
	assert.Equal(t, live.Failure.Detail, replayed.Failure.Detail)
	assert.Equal(t, live.ForwardChecks, replayed.ForwardChecks)
}

func TestSaveAndLoadSession_RecordedInTwoScopes(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	s := session.New("split", config.Default(), session.NewFixedGenerator("sess-1"), session.WithLogger(quiet))

	fwd := map[ir.Side]*report.Item{}
	require.NoError(t, s.Record(func(*report.Context) error {
		for _, side := range []ir.Side{ir.SideReference, ir.SideCandidate} {
			rec := s.Recorder(side)
			it, err := rec.End(rec.Begin("fc", "Linear"), []ir.Tensor{ir.Vector(1).Grad()}, []ir.Tensor{ir.Vector(2)})
			if err != nil {
				return err
			}
			fwd[side] = it
		}
		return nil
	}))
	require.NoError(t, s.Record(func(*report.Context) error {
		for _, side := range []ir.Side{ir.SideReference, ir.SideCandidate} {
			if _, err := s.Recorder(side).Backward(fwd[side], []ir.Tensor{ir.Vector(1)}, ir.Vector(0.5)); err != nil {
				return err
			}
		}
		return nil
	}))

	ref := s.Reference()
	require.Equal(t, 2, ref.Len())
	assert.Equal(t, int64(0), ref.Item(0).Step)
	assert.Equal(t, int64(1), ref.Item(1).Step, "steps continue across Record calls")

	require.NoError(t, st.SaveSession(ctx, s))
	loaded, err := st.LoadSession(ctx, "sess-1", session.WithLogger(quiet))
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Reference().Len())
	assert.Same(t, loaded.Reference().Item(1), loaded.Reference().Item(0).Backward())

	v := loaded.Compare(compare.New(nil, loaded.Options, compare.WithLogger(quiet)))
	assert.True(t, v.Passed)
	assert.Equal(t, 1, v.BackwardChecks)
}

func TestWriteReport_NonFiniteValues(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	orig := recordSession(t, "sess-1", math.NaN())

	cand := orig.Candidate()
	cand.SetLoss(ir.Vector(math.Inf(1), math.Inf(-1)))
	require.NoError(t, st.SaveSession(ctx, orig))

	got, err := st.ReadReport(ctx, "sess-1", ir.SideCandidate)
	require.NoError(t, err)

	act := got.Item(1)
	require.Equal(t, "act", act.Identity)
	assert.True(t, math.IsNaN(act.Output[0].Data[0]))

	loss, ok := got.Loss()
	require.True(t, ok)
	assert.True(t, math.IsInf(loss.Data[0], 1))
	assert.True(t, math.IsInf(loss.Data[1], -1))
}

func TestWriteReport_ReplacesExisting(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	orig := recordSession(t, "sess-1", 4)
	require.NoError(t, st.SaveSession(ctx, orig))
	require.NoError(t, st.WriteReport(ctx, "sess-1", orig.Reference()))

	var count int
	require.NoError(t, st.DB().QueryRow(
		"SELECT COUNT(*) FROM items WHERE session_id = ? AND side = 'reference'", "sess-1",
	).Scan(&count))
	assert.Equal(t, orig.Reference().Len(), count)
}

func TestWriteReport_RequiresSession(t *testing.T) {
	st := createTestStore(t)
	orig := recordSession(t, "sess-1", 4)

	err := st.WriteReport(context.Background(), "sess-1", orig.Reference())
	assert.Error(t, err, "foreign key on sessions is enforced")
}

func TestWriteReport_NoLoss(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	require.NoError(t, st.WriteSession(ctx, SessionInfo{ID: "s", Name: "empty", Options: config.Default()}))
	require.NoError(t, st.WriteReport(ctx, "s", report.New("empty", ir.SideReference)))

	got, err := st.ReadReport(ctx, "s", ir.SideReference)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
	_, ok := got.Loss()
	assert.False(t, ok)
}

func TestReadSession_Versions(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	opts := config.Default()
	opts.Tolerances = map[string]config.Tolerance{"Softmax": {Atol: 1e-5, Rtol: 0}}
	require.NoError(t, st.WriteSession(ctx, SessionInfo{ID: "s", Name: "n", Options: opts}))

	info, err := st.ReadSession(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, ir.ToolVersion, info.ToolVersion)
	assert.Equal(t, ir.FormatVersion, info.FormatVersion)
	assert.Equal(t, opts, info.Options)
}

func TestVerdict_WriteAndUpsert(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	orig := recordSession(t, "sess-1", 5)
	require.NoError(t, st.SaveSession(ctx, orig))

	failed := orig.Compare(compare.New(nil, orig.Options, compare.WithLogger(quiet)))
	require.False(t, failed.Passed)
	require.NoError(t, st.WriteVerdict(ctx, "sess-1", failed))

	got, err := st.ReadVerdict(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, got.Passed)
	assert.Equal(t, failed.ForwardChecks, got.ForwardChecks)
	assert.Equal(t, failed.SameStructure, got.SameStructure)
	require.NotNil(t, got.Failure)
	assert.Equal(t, failed.Failure.Reason, got.Failure.Reason)
	assert.Equal(t, failed.Failure.Detail, got.Failure.Detail)
	assert.Equal(t, failed.Failure.RefFrames, got.Failure.RefFrames)

	passed := compare.Verdict{Passed: true, ForwardChecks: 3, BackwardChecks: 3, SameStructure: true}
	require.NoError(t, st.WriteVerdict(ctx, "sess-1", passed))

	got, err = st.ReadVerdict(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, passed, got)
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, st.WriteSession(ctx, SessionInfo{ID: id, Name: "run-" + id, Options: config.Default()}))
	}
	require.NoError(t, st.WriteVerdict(ctx, "a", compare.Verdict{Passed: true}))
	require.NoError(t, st.WriteVerdict(ctx, "b", compare.Verdict{Passed: false}))

	list, err := st.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SessionSummary{
		{ID: "a", Name: "run-a", ToolVersion: ir.ToolVersion, Status: StatusPassed},
		{ID: "b", Name: "run-b", ToolVersion: ir.ToolVersion, Status: StatusFailed},
		{ID: "c", Name: "run-c", ToolVersion: ir.ToolVersion, Status: StatusPending},
	}, list)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)

	_, err := st.ReadSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = st.ReadReport(ctx, "missing", ir.SideReference)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = st.ReadVerdict(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = st.LoadSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNumber_JSON(t *testing.T) {
	for _, f := range []float64{0, -1.5, 1e-300, math.MaxFloat64, math.Inf(1), math.Inf(-1)} {
		data, err := number(f).MarshalJSON()
		require.NoError(t, err)
		var n number
		require.NoError(t, n.UnmarshalJSON(data))
		assert.Equal(t, f, float64(n), string(data))
	}

	var n number
	assert.Error(t, n.UnmarshalJSON([]byte(`"Infinity"`)))
}
