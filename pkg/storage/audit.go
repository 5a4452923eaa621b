package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/guard"
)

// RecordDecision appends a decision to the audit trail. A decision id is
// stored once.
func (s *Store) RecordDecision(ctx context.Context, d guard.Decision) error {
	if d.ID == "" {
		return fmt.Errorf("decision id cannot be empty")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO decisions (id, scope, action, reason, evaluated_at, decision)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.Scope, string(d.Action), string(d.Reason), d.EvaluatedAt.UnixNano(), string(data)); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// AuditDecision records decisions that did not simply allow. Register it
// with guard.Subscribe.
func (s *Store) AuditDecision(d guard.Decision) {
	if d.Action == guard.ActionAllow {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.RecordDecision(ctx, d); err != nil {
		s.logger.Warn("failed to audit decision", zap.String("decision_id", d.ID), zap.Error(err))
	}
}

// Decisions returns up to limit of the most recent audited decisions of
// scope, newest first. A limit of zero returns all.
func (s *Store) Decisions(ctx context.Context, scope string, limit int) ([]guard.Decision, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision FROM decisions
		WHERE scope = ?
		ORDER BY evaluated_at DESC, id
		LIMIT ?
	`, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []guard.Decision
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		var d guard.Decision
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
