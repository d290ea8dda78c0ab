package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/report"
	"github.com/roach88/lockstep/internal/session"
)

// SessionInfo is the stored header of a session.
type SessionInfo struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Options       config.Options `json:"options"`
	ToolVersion   string         `json:"tool_version"`
	FormatVersion string         `json:"format_version"`
}

// WriteSession inserts or updates a session header.
func (s *Store) WriteSession(ctx context.Context, info SessionInfo) error {
	opts, err := json.Marshal(info.Options)
	if err != nil {
		return fmt.Errorf("write session: marshal options: %w", err)
	}
	if info.ToolVersion == "" {
		info.ToolVersion = ir.ToolVersion
	}
	if info.FormatVersion == "" {
		info.FormatVersion = ir.FormatVersion
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, options, tool_version, format_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			options = excluded.options,
			tool_version = excluded.tool_version,
			format_version = excluded.format_version
	`, info.ID, info.Name, string(opts), info.ToolVersion, info.FormatVersion)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// WriteReport stores one side's recorder: its items, its tree and its
// loss. An existing report for the same session and side is replaced.
//
// The session header must already exist (foreign key constraint).
func (s *Store) WriteReport(ctx context.Context, sessionID string, r *report.Report) error {
	if !r.Side.Valid() {
		return fmt.Errorf("write report %q: invalid side %q", r.Name, r.Side)
	}
	loss, hasLoss := r.Loss()
	lossJSON, err := marshalLoss(loss, hasLoss)
	if err != nil {
		return fmt.Errorf("write report %q: %w", r.Name, err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM reports WHERE session_id = ? AND side = ?`, sessionID, string(r.Side)); err != nil {
			return fmt.Errorf("write report %q: clear: %w", r.Name, err)
		}

		t := r.Tree()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reports (session_id, side, name, root, loss)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, string(r.Side), r.Name, t.Root, lossJSON); err != nil {
			return fmt.Errorf("write report %q: %w", r.Name, err)
		}

		for i := range t.Nodes {
			if err := writeNode(ctx, tx, sessionID, r.Side, i, t.Node(i).Identity, t.Node(i).Kind,
				t.Node(i).Parent, t.Node(i).Children, t.Node(i).Forward, t.Node(i).Backward); err != nil {
				return fmt.Errorf("write report %q: %w", r.Name, err)
			}
		}

		for _, it := range r.Items() {
			if err := writeItem(ctx, tx, sessionID, r.Side, it); err != nil {
				return fmt.Errorf("write report %q: %w", r.Name, err)
			}
		}
		return nil
	})
}

func writeNode(ctx context.Context, tx *sql.Tx, sessionID string, side ir.Side, idx int,
	identity, kind string, parent int, children []int, forward, backward int) error {
	kids, err := marshalInts(children)
	if err != nil {
		return fmt.Errorf("node %d: %w", idx, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (session_id, side, idx, identity, kind, parent, children, forward, backward)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, string(side), idx, identity, kind, parent, kids, forward, backward)
	if err != nil {
		return fmt.Errorf("node %d: %w", idx, err)
	}
	return nil
}

func writeItem(ctx context.Context, tx *sql.Tx, sessionID string, side ir.Side, it *report.Item) error {
	input, err := marshalTensors(it.Input)
	if err != nil {
		return fmt.Errorf("item %d: %w", it.Index, err)
	}
	output, err := marshalTensors(it.Output)
	if err != nil {
		return fmt.Errorf("item %d: %w", it.Index, err)
	}
	grads, err := marshalGrads(it.InputGrads)
	if err != nil {
		return fmt.Errorf("item %d: %w", it.Index, err)
	}
	loc, err := marshalLocation(it.Location)
	if err != nil {
		return fmt.Errorf("item %d: %w", it.Index, err)
	}
	frames, err := marshalFrames(it.Frames)
	if err != nil {
		return fmt.Errorf("item %d: %w", it.Index, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items
		(session_id, side, idx, id, phase, step, identity, kind, node, input, output, input_grads, location, frames)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sessionID,
		string(side),
		it.Index,
		it.ID,
		string(it.Phase),
		it.Step,
		it.Identity,
		it.Kind,
		it.Node,
		input,
		output,
		grads,
		loc,
		frames,
	)
	if err != nil {
		return fmt.Errorf("item %d: %w", it.Index, err)
	}
	return nil
}

// WriteVerdict stores the outcome of a comparison. Re-running a
// comparison overwrites the previous verdict.
func (s *Store) WriteVerdict(ctx context.Context, sessionID string, v compare.Verdict) error {
	var failure any
	if v.Failure != nil {
		data, err := json.Marshal(v.Failure)
		if err != nil {
			return fmt.Errorf("write verdict: marshal failure: %w", err)
		}
		failure = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verdicts (session_id, passed, forward_checks, backward_checks, reorders, same_structure, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			passed = excluded.passed,
			forward_checks = excluded.forward_checks,
			backward_checks = excluded.backward_checks,
			reorders = excluded.reorders,
			same_structure = excluded.same_structure,
			failure = excluded.failure
	`,
		sessionID,
		boolToInt(v.Passed),
		v.ForwardChecks,
		v.BackwardChecks,
		v.Reorders,
		boolToInt(v.SameStructure),
		failure,
	)
	if err != nil {
		return fmt.Errorf("write verdict: %w", err)
	}
	return nil
}

// SaveSession writes a session header and both of its recorders.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	if err := s.WriteSession(ctx, SessionInfo{ID: sess.ID, Name: sess.Name, Options: sess.Options}); err != nil {
		return err
	}
	for _, side := range []ir.Side{ir.SideReference, ir.SideCandidate} {
		if err := s.WriteReport(ctx, sess.ID, sess.Report(side)); err != nil {
			return err
		}
	}
	return nil
}
