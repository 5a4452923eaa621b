package storage

import (
	"context"
	"fmt"
	"time"
)

// Claim records a scheduler run key. It returns false when the key was
// already claimed, by this process or an earlier one. Store implements
// scheduler.Ledger.
func (s *Store) Claim(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schedule_claims (key, claimed_at) VALUES (?, ?)`,
		key, at.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Release forgets a claim so a failed run can be retried.
func (s *Store) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule_claims WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}
