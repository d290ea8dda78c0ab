package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/tree"
)

// ErrNotFound is returned when a session, report or verdict is absent.
var ErrNotFound = errors.New("not found")

// Session status values reported by ListSessions.
const (
	StatusPending = "pending"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// SessionSummary is one row of ListSessions.
type SessionSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ToolVersion string `json:"tool_version"`
	Status      string `json:"status"`
}

// ReadSession returns the stored header of a session.
func (s *Store) ReadSession(ctx context.Context, id string) (SessionInfo, error) {
	var (
		info SessionInfo
		opts string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, options, tool_version, format_version
		FROM sessions WHERE id = ?
	`, id).Scan(&info.ID, &info.Name, &opts, &info.ToolVersion, &info.FormatVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionInfo{}, fmt.Errorf("read session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return SessionInfo{}, fmt.Errorf("read session %s: %w", id, err)
	}

	info.Options = config.Default()
	if err := json.Unmarshal([]byte(opts), &info.Options); err != nil {
		return SessionInfo{}, fmt.Errorf("read session %s: options: %w", id, err)
	}
	return info, nil
}

// ReadReport rebuilds one side's recorder, including its tree and the
// forward/backward links between items.
func (s *Store) ReadReport(ctx context.Context, sessionID string, side ir.Side) (*report.Report, error) {
	var (
		name string
		root int
		loss sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, root, loss FROM reports WHERE session_id = ? AND side = ?
	`, sessionID, string(side)).Scan(&name, &root, &loss)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %s report of %s: %w", side, sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s report of %s: %w", side, sessionID, err)
	}

	var lossPtr *string
	if loss.Valid {
		lossPtr = &loss.String
	}
	lossTensor, err := unmarshalLoss(lossPtr)
	if err != nil {
		return nil, fmt.Errorf("read %s report of %s: %w", side, sessionID, err)
	}

	t, err := s.readTree(ctx, sessionID, side, root)
	if err != nil {
		return nil, fmt.Errorf("read %s report of %s: %w", side, sessionID, err)
	}
	items, err := s.readItems(ctx, sessionID, side)
	if err != nil {
		return nil, fmt.Errorf("read %s report of %s: %w", side, sessionID, err)
	}

	r, err := report.Restore(name, side, sessionID, items, t, lossTensor)
	if err != nil {
		return nil, fmt.Errorf("read %s report of %s: %w", side, sessionID, err)
	}
	return r, nil
}

func (s *Store) readTree(ctx context.Context, sessionID string, side ir.Side, root int) (*tree.Tree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, identity, kind, parent, children, forward, backward
		FROM nodes
		WHERE session_id = ? AND side = ?
		ORDER BY idx ASC
	`, sessionID, string(side))
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	t := tree.New()
	t.Root = root
	for rows.Next() {
		var (
			n        tree.Node
			idx      int
			children string
		)
		if err := rows.Scan(&idx, &n.Identity, &n.Kind, &n.Parent, &children, &n.Forward, &n.Backward); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if idx != len(t.Nodes) {
			return nil, fmt.Errorf("node index gap at %d", idx)
		}
		if n.Children, err = unmarshalInts(children); err != nil {
			return nil, fmt.Errorf("node %d: %w", idx, err)
		}
		n.Origin = idx
		t.Nodes = append(t.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return t, nil
}

func (s *Store) readItems(ctx context.Context, sessionID string, side ir.Side) ([]*report.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, id, phase, step, identity, kind, node, input, output, input_grads, location, frames
		FROM items
		WHERE session_id = ? AND side = ?
		ORDER BY idx ASC
	`, sessionID, string(side))
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*report.Item
	for rows.Next() {
		var (
			it                                     report.Item
			phase, input, output, grads, loc, frms string
		)
		if err := rows.Scan(&it.Index, &it.ID, &phase, &it.Step, &it.Identity, &it.Kind, &it.Node,
			&input, &output, &grads, &loc, &frms); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Phase = ir.Phase(phase)
		if it.Input, err = unmarshalTensors(input); err != nil {
			return nil, fmt.Errorf("item %d: %w", it.Index, err)
		}
		if it.Output, err = unmarshalTensors(output); err != nil {
			return nil, fmt.Errorf("item %d: %w", it.Index, err)
		}
		if it.InputGrads, err = unmarshalGrads(grads); err != nil {
			return nil, fmt.Errorf("item %d: %w", it.Index, err)
		}
		if it.Location, err = unmarshalLocation(loc); err != nil {
			return nil, fmt.Errorf("item %d: %w", it.Index, err)
		}
		if it.Frames, err = unmarshalFrames(frms); err != nil {
			return nil, fmt.Errorf("item %d: %w", it.Index, err)
		}
		items = append(items, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// ReadVerdict returns the stored verdict of a session.
func (s *Store) ReadVerdict(ctx context.Context, sessionID string) (compare.Verdict, error) {
	var (
		v                     compare.Verdict
		passed, sameStructure int
		failure               sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT passed, forward_checks, backward_checks, reorders, same_structure, failure
		FROM verdicts WHERE session_id = ?
	`, sessionID).Scan(&passed, &v.ForwardChecks, &v.BackwardChecks, &v.Reorders, &sameStructure, &failure)
	if errors.Is(err, sql.ErrNoRows) {
		return compare.Verdict{}, fmt.Errorf("read verdict of %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return compare.Verdict{}, fmt.Errorf("read verdict of %s: %w", sessionID, err)
	}
	v.Passed = passed != 0
	v.SameStructure = sameStructure != 0
	if failure.Valid {
		v.Failure = &compare.Diagnostic{}
		if err := json.Unmarshal([]byte(failure.String), v.Failure); err != nil {
			return compare.Verdict{}, fmt.Errorf("read verdict of %s: failure: %w", sessionID, err)
		}
	}
	return v, nil
}

// ListSessions returns all stored sessions ordered by ID.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.tool_version, v.passed
		FROM sessions s
		LEFT JOIN verdicts v ON v.session_id = s.id
		ORDER BY s.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum    SessionSummary
			passed sql.NullInt64
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.ToolVersion, &passed); err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		switch {
		case !passed.Valid:
			sum.Status = StatusPending
		case passed.Int64 != 0:
			sum.Status = StatusPassed
		default:
			sum.Status = StatusFailed
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// LoadSession reads a session header and both recorders back into a
// Session that can be compared again.
func (s *Store) LoadSession(ctx context.Context, id string, opts ...session.Option) (*session.Session, error) {
	info, err := s.ReadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	ref, err := s.ReadReport(ctx, id, ir.SideReference)
	if err != nil {
		return nil, err
	}
	cand, err := s.ReadReport(ctx, id, ir.SideCandidate)
	if err != nil {
		return nil, err
	}
	return session.Resume(info.ID, info.Name, info.Options, ref, cand, opts...), nil
}
