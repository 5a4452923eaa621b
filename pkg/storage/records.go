package storage

import (
	"context"
	"fmt"
	"time"

	"mercator-hq/costguard/pkg/usage"
)

// AppendRecords stores records in one transaction. Records whose id is
// already stored are ignored, so a redelivered batch is harmless.
func (s *Store) AppendRecords(ctx context.Context, records []usage.Record) (int, error) {
	fresh, err := s.InsertRecords(ctx, records)
	return len(fresh), err
}

// InsertRecords is AppendRecords returning the records that were not
// stored before, in input order.
func (s *Store) InsertRecords(ctx context.Context, records []usage.Record) ([]usage.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO usage_records (
			id, scope, ts, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			cost, latency_ms, status, error, agent_id, workflow_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	fresh := make([]usage.Record, 0, len(records))
	for _, r := range records {
		if r.ID == "" || r.Scope == "" {
			return nil, fmt.Errorf("record requires id and scope")
		}
		res, err := stmt.ExecContext(ctx,
			r.ID, r.Scope, r.Timestamp.UnixNano(), r.Provider, r.Model,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			r.Cost, r.Latency.Milliseconds(), string(r.Status), r.Error, r.AgentID, r.WorkflowID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			fresh = append(fresh, r)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit records: %w", err)
	}
	return fresh, nil
}

// Records returns the records of scope with start ≤ timestamp < end, oldest
// first. An empty scope returns every scope.
func (s *Store) Records(ctx context.Context, scope string, start, end time.Time) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, ts, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			cost, latency_ms, status, error, agent_id, workflow_id
		FROM usage_records
		WHERE (? = '' OR scope = ?) AND ts >= ? AND ts < ?
		ORDER BY ts, id
	`, scope, scope, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		var (
			r       usage.Record
			ts      int64
			latency int64
			status  string
		)
		if err := rows.Scan(&r.ID, &r.Scope, &ts, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.Cost, &latency, &status, &r.Error, &r.AgentID, &r.WorkflowID); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		r.Latency = time.Duration(latency) * time.Millisecond
		r.Status = usage.Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

// RecordScopes returns the distinct scopes that have usage records.
func (s *Store) RecordScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope FROM usage_records ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scopes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		out = append(out, scope)
	}
	return out, rows.Err()
}
