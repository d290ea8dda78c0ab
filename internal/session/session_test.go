package session

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// mlp is a toy model: a shared linear layer applied twice, then a scale.
type mlp struct {
	weight float64
	scale  float64
}

func (m mlp) linear(rec *Recorder, x float64) (float64, *report.Item) {
	call := rec.Begin("shared", "Linear")
	y := x * m.weight
	it, _ := rec.End(call, []ir.Tensor{ir.Vector(x).Grad()}, []ir.Tensor{ir.Vector(y)})
	return y, it
}

func (m mlp) forward(rec *Recorder, x float64) (float64, []*report.Item) {
	root := rec.Begin("model", "MLP")
	h1, a := m.linear(rec, x)
	h2, b := m.linear(rec, h1)

	call := rec.Begin("scale", "Scale")
	y := h2 * m.scale
	c, _ := rec.End(call, []ir.Tensor{ir.Vector(h2).Grad()}, []ir.Tensor{ir.Vector(y)})

	r, _ := rec.End(root, []ir.Tensor{ir.Vector(x).Grad()}, []ir.Tensor{ir.Vector(y)})
	return y, []*report.Item{a, b, c, r}
}

func (m mlp) backward(rec *Recorder, items []*report.Item) error {
	for i := len(items) - 1; i >= 0; i-- {
		if _, err := rec.Backward(items[i], []ir.Tensor{ir.Vector(1)}, ir.Vector(m.weight)); err != nil {
			return err
		}
	}
	return nil
}

func run(t *testing.T, s *Session, ref, cand mlp) {
	t.Helper()
	require.NoError(t, s.Record(func(ctx *report.Context) error {
		for _, side := range []struct {
			m   mlp
			rec *Recorder
		}{
			{ref, s.Recorder(ir.SideReference)},
			{cand, s.Recorder(ir.SideCandidate)},
		} {
			y, items := side.m.forward(side.rec, 1)
			side.rec.Loss(ir.Scalar(y))
			if err := side.m.backward(side.rec, items); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestSession_RecordAndCompare(t *testing.T) {
	s := New("mlp", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	run(t, s, mlp{weight: 2, scale: 3}, mlp{weight: 2, scale: 3})

	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, 8, s.Reference().Len())
	assert.Equal(t, 8, s.Candidate().Len())
	assert.Equal(t, 2, s.Reference().Occurrences("shared"))
	assert.Equal(t, ir.MustRecordID("sess-1", ir.SideReference, ir.PhaseForward, "shared", 0), s.Reference().Item(0).ID)
	assert.Nil(t, s.Context().Active(ir.SideReference), "context exits after Record")

	opts := config.Default()
	opts.LossFn = true
	v := s.Compare(compare.New(nil, opts, compare.WithLogger(quiet)))
	assert.True(t, v.Passed)
	assert.Nil(t, s.FirstMismatch())
}

func TestSession_CapturesLocationAndFrames(t *testing.T) {
	s := New("mlp", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	run(t, s, mlp{weight: 2, scale: 3}, mlp{weight: 2, scale: 3})

	it := s.Reference().Item(0)
	require.NotEmpty(t, it.Frames)
	assert.True(t, strings.HasSuffix(it.Frames[0].Func, ".mlp.linear"), it.Frames[0].Func)
	assert.Equal(t, ir.String(it.Frames[0].File), it.Location["file"])
}

func TestSession_StackCaptureOff(t *testing.T) {
	s := New("mlp", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet), WithStackCapture(false))
	run(t, s, mlp{weight: 2, scale: 3}, mlp{weight: 2, scale: 3})

	assert.Empty(t, s.Reference().Item(0).Frames)
	assert.Empty(t, s.Reference().Item(0).Location)
}

func TestSession_TreeComparisonFindsDivergence(t *testing.T) {
	s := New("mlp", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	run(t, s, mlp{weight: 2, scale: 3}, mlp{weight: 2, scale: 4})

	v := s.Compare(compare.New(nil, s.Options, compare.WithLogger(quiet)))
	require.False(t, v.Passed)
	assert.Equal(t, compare.ReasonLeaf, v.Failure.Reason)
	assert.Equal(t, "scale", v.Failure.RefIdentity)
	assert.Equal(t, "MLP(model)", v.Failure.RefParent)
}

func TestSession_SingleStepFlagsFirstMismatch(t *testing.T) {
	opts := config.Default()
	opts.SingleStep = true
	s := New("mlp", opts, NewFixedGenerator("sess-1"), WithLogger(quiet))
	run(t, s, mlp{weight: 2, scale: 3}, mlp{weight: 5, scale: 3})

	m := s.FirstMismatch()
	require.NotNil(t, m)
	assert.Equal(t, "shared", m.Identity)
	assert.Equal(t, 0, m.Ordinal)
	assert.Equal(t, int64(0), m.Step)
	assert.Contains(t, m.Detail, "forward tensor #0")
	assert.NoError(t, m.Err)

	v := s.Compare(compare.New(nil, opts, compare.WithLogger(quiet)))
	assert.False(t, v.Passed, "the tree walk still runs")
}

func TestSession_SingleStepMissingCounterpart(t *testing.T) {
	opts := config.Default()
	opts.SingleStep = true
	s := New("x", opts, NewFixedGenerator("sess-1"), WithLogger(quiet))

	require.NoError(t, s.Record(func(ctx *report.Context) error {
		ref, cand := s.Recorder(ir.SideReference), s.Recorder(ir.SideCandidate)
		if _, err := ref.End(ref.Begin("a", "A"), nil, []ir.Tensor{ir.Vector(1)}); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if _, err := cand.End(cand.Begin("a", "A"), nil, []ir.Tensor{ir.Vector(1)}); err != nil {
				return err
			}
		}
		return nil
	}))

	m := s.FirstMismatch()
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Ordinal)
	assert.True(t, errors.Is(m.Err, ir.ErrStructuralMismatch))
}

func TestSession_SingleStepOffDoesNotCheck(t *testing.T) {
	s := New("mlp", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	run(t, s, mlp{weight: 2, scale: 3}, mlp{weight: 5, scale: 3})
	assert.Nil(t, s.FirstMismatch())
}

func TestRecorder_NoOpOutsideRecording(t *testing.T) {
	s := New("mlp", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	rec := s.Recorder(ir.SideReference)

	call := rec.Begin("a", "A")
	assert.False(t, call.Active())
	it, err := rec.End(call, nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, it)

	bwd, err := rec.Backward(nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, bwd)

	rec.Loss(ir.Scalar(1))
	_, ok := s.Reference().Loss()
	assert.False(t, ok)
	assert.Equal(t, 0, s.Reference().Len())
}

func TestRecorder_BackwardGradSlotOverflow(t *testing.T) {
	s := New("x", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	err := s.Record(func(ctx *report.Context) error {
		rec := s.Recorder(ir.SideReference)
		fwd, err := rec.End(rec.Begin("a", "A"), []ir.Tensor{ir.Vector(1).Grad()}, nil)
		if err != nil {
			return err
		}
		_, err = rec.Backward(fwd, nil, ir.Vector(1), ir.Vector(2))
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sess-1")
}

func TestSession_RecordRestoresOnPanic(t *testing.T) {
	s := New("x", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	assert.Panics(t, func() {
		_ = s.Record(func(ctx *report.Context) error {
			panic("model crashed")
		})
	})
	assert.Equal(t, 0, s.Context().Depth())
	assert.False(t, s.Reference().Recording())
}

func TestResume(t *testing.T) {
	s := New("mlp", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	run(t, s, mlp{weight: 2, scale: 3}, mlp{weight: 2, scale: 3})

	r := Resume(s.ID, s.Name, s.Options, s.Reference(), s.Candidate())
	assert.Same(t, s.Candidate(), r.Report(ir.SideCandidate))
	assert.True(t, r.Compare(compare.New(nil, r.Options, compare.WithLogger(quiet))).Passed)
}

func TestResume_RecordContinuesSteps(t *testing.T) {
	s := New("mlp", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	run(t, s, mlp{weight: 2, scale: 3}, mlp{weight: 2, scale: 3})
	last := s.Reference().Item(s.Reference().Len() - 1).Step

	r := Resume(s.ID, s.Name, s.Options, s.Reference(), s.Candidate(), WithLogger(quiet))
	require.NoError(t, r.Record(func(*report.Context) error {
		rec := r.Recorder(ir.SideReference)
		_, err := rec.End(rec.Begin("extra", "Linear"), nil, []ir.Tensor{ir.Vector(1)})
		return err
	}))

	extra := r.Reference().Item(r.Reference().Len() - 1)
	assert.Equal(t, last+1, extra.Step)
	assert.NotEmpty(t, extra.Frames, "stack capture is on by default, as with New")
}

func TestRecord_TwiceKeepsStepsIncreasing(t *testing.T) {
	s := New("split", config.Default(), NewFixedGenerator("sess-1"), WithLogger(quiet))
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Record(func(*report.Context) error {
			rec := s.Recorder(ir.SideCandidate)
			_, err := rec.End(rec.Begin("fc", "Linear"), nil, []ir.Tensor{ir.Vector(1)})
			return err
		}))
	}

	cand := s.Candidate()
	require.Equal(t, 2, cand.Len())
	assert.Equal(t, int64(0), cand.Item(0).Step)
	assert.Equal(t, int64(1), cand.Item(1).Step)
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "7", a[14:15], "version nibble")
}
