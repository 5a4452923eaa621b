package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mercator-hq/costguard/pkg/guard"
)

// BudgetSource lists scope ledgers. *guard.Guard implements it.
type BudgetSource interface {
	Scopes() []string
	Spend(scope string) guard.Spend
}

// BudgetTarget receives restored ledgers. *guard.Guard implements it.
type BudgetTarget interface {
	SetLimit(scope string, limit float64)
	Override(scope string, limit float64, until time.Time)
	RecordSpend(scope string, cost float64)
	Pause(scope string)
	Throttle(scope string, delay time.Duration, until time.Time)
}

// SaveBudgets upserts the ledgers of the given scopes in one transaction.
// Reservations of in-flight requests are not persisted.
func (s *Store) SaveBudgets(ctx context.Context, spends ...guard.Spend) error {
	if len(spends) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	for _, sp := range spends {
		if sp.Scope == "" {
			return fmt.Errorf("budget scope cannot be empty")
		}
		sp.Reserved = 0
		data, err := json.Marshal(sp)
		if err != nil {
			return fmt.Errorf("failed to marshal budget %s: %w", sp.Scope, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scope_budgets (scope, state, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (scope) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
		`, sp.Scope, string(data), now); err != nil {
			return fmt.Errorf("failed to save budget %s: %w", sp.Scope, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit budgets: %w", err)
	}
	return nil
}

// Budgets returns every stored ledger ordered by scope.
func (s *Store) Budgets(ctx context.Context) ([]guard.Spend, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM scope_budgets ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer rows.Close()

	var out []guard.Spend
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		var sp guard.Spend
		if err := json.Unmarshal([]byte(data), &sp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal budget: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// DeleteBudget removes the stored ledger of scope.
func (s *Store) DeleteBudget(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scope_budgets WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("failed to delete budget %s: %w", scope, err)
	}
	return nil
}

// Snapshot saves the ledger of every scope src knows.
func (s *Store) Snapshot(ctx context.Context, src BudgetSource) (int, error) {
	scopes := src.Scopes()
	spends := make([]guard.Spend, 0, len(scopes))
	for _, sc := range scopes {
		spends = append(spends, src.Spend(sc))
	}
	if err := s.SaveBudgets(ctx, spends...); err != nil {
		return 0, err
	}
	return len(spends), nil
}

// Restore loads every stored ledger into dst. Overrides and throttles that
// have expired are not restored.
func (s *Store) Restore(ctx context.Context, dst BudgetTarget) (int, error) {
	spends, err := s.Budgets(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, sp := range spends {
		if !sp.OverrideUntil.IsZero() {
			dst.SetLimit(sp.Scope, sp.BaseLimit)
			if sp.OverrideUntil.After(now) {
				dst.Override(sp.Scope, sp.Limit, sp.OverrideUntil)
			}
		} else {
			dst.SetLimit(sp.Scope, sp.Limit)
		}
		if sp.Spent != 0 {
			dst.RecordSpend(sp.Scope, sp.Spent)
		}
		if sp.Paused {
			dst.Pause(sp.Scope)
		}
		if sp.ThrottleDelay > 0 && sp.ThrottleUntil.After(now) {
			dst.Throttle(sp.Scope, sp.ThrottleDelay, sp.ThrottleUntil)
		}
	}
	return len(spends), nil
}
