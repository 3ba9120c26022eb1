package repository

import (
	"context"
	"time"
)

// AcquireLease takes the per-session run lease for owner. It succeeds when the
// lease is free, expired, or already held by owner, and reports false otherwise.
func (s *Store) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.exec(ctx,
		`INSERT INTO session_leases (session_id, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE session_leases.expires_at <= ? OR session_leases.owner = excluded.owner`,
		sessionID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	_, err := s.exec(ctx, `DELETE FROM session_leases WHERE session_id = ? AND owner = ?`, sessionID, owner)
	return err
}

// DeleteExpiredLeases removes leases whose runs died without releasing them.
func (s *Store) DeleteExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM session_leases WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
