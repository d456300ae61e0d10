package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// ClaimStatus is the result of trying to reserve a ledger slot for a post.
type ClaimStatus int

const (
	Claimed ClaimStatus = iota
	// ClaimTaken means the signal is already published, expired or claimed by another run.
	ClaimTaken
	ClaimCooldown
	ClaimCapped
	ClaimDuplicate
)

func (c ClaimStatus) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case ClaimTaken:
		return "taken"
	case ClaimCooldown:
		return "cooldown"
	case ClaimCapped:
		return "capped"
	case ClaimDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ClaimLimits are the ledger rules a claim must satisfy at Now. A zero duration or
// MaxPosts disables the corresponding rule.
type ClaimLimits struct {
	Now           time.Time
	Cooldown      time.Duration
	CapWindow     time.Duration
	MaxPosts      int
	DedupLookback time.Duration
}

// ClaimPublication reserves rec in the ledger as a pending post before anything is sent.
// In one transaction it checks, in order, that the signal is still publishable, that the
// market has no post or claim inside the cooldown, that the global cap has room and that
// no identical message was posted in the lookback. Pending claims count against all of
// these, so an overlapping run cannot post the same signal or market twice.
func (s *Storage) ClaimPublication(rec *models.PostRecord, lim ClaimLimits) (ClaimStatus, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var published, expired int
	err = tx.QueryRow(`SELECT published, expired FROM signals WHERE id = ?`, rec.SignalID).Scan(&published, &expired)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("signal %s: %w", rec.SignalID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read signal state: %w", err)
	}
	if published == 1 || expired == 1 {
		return ClaimTaken, nil
	}

	checks := []struct {
		status ClaimStatus
		skip   bool
		limit  int
		query  string
		args   []any
	}{
		{ClaimTaken, false, 1,
			`SELECT COUNT(*) FROM post_records WHERE signal_id = ?`,
			[]any{rec.SignalID}},
		{ClaimCooldown, lim.Cooldown <= 0, 1,
			`SELECT COUNT(*) FROM post_records WHERE market_id = ? AND posted_at > ?`,
			[]any{rec.MarketID, lim.Now.Add(-lim.Cooldown).UnixNano()}},
		{ClaimCapped, lim.MaxPosts <= 0, lim.MaxPosts,
			`SELECT COUNT(*) FROM post_records WHERE posted_at >= ?`,
			[]any{lim.Now.Add(-lim.CapWindow).UnixNano()}},
		{ClaimDuplicate, lim.DedupLookback <= 0, 1,
			`SELECT COUNT(*) FROM post_records WHERE message_hash = ? AND posted_at >= ?`,
			[]any{rec.MessageHash, lim.Now.Add(-lim.DedupLookback).UnixNano()}},
	}
	for _, c := range checks {
		if c.skip {
			continue
		}
		var n int
		if err := tx.QueryRow(c.query, c.args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to check %s: %w", c.status, err)
		}
		if n >= c.limit {
			return c.status, nil
		}
	}

	rec.PostedAt = lim.Now
	if _, err := tx.Exec(`
		INSERT INTO post_records (id, signal_id, market_id, posted_at, message_hash, pending)
		VALUES (?,?,?,?,?,1)`,
		rec.ID, rec.SignalID, rec.MarketID, rec.PostedAt.UnixNano(), rec.MessageHash,
	); err != nil {
		return 0, fmt.Errorf("failed to insert post claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit post claim: %w", err)
	}
	return Claimed, nil
}

// CommitPublication turns a pending claim into a ledger entry and marks its signal
// published. It reports false when the claim no longer exists.
func (s *Storage) CommitPublication(recID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var signalID string
	err = tx.QueryRow(`SELECT signal_id FROM post_records WHERE id = ? AND pending = 1`, recID).Scan(&signalID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read post claim: %w", err)
	}
	if _, err := tx.Exec(`UPDATE post_records SET pending = 0 WHERE id = ?`, recID); err != nil {
		return false, fmt.Errorf("failed to commit post record: %w", err)
	}
	if _, err := tx.Exec(`UPDATE signals SET published = 1, publish_attempts = publish_attempts + 1
		WHERE id = ?`, signalID); err != nil {
		return false, fmt.Errorf("failed to mark signal published: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit publication: %w", err)
	}
	return true, nil
}

// ReleasePublication drops a pending claim after a failed post. The signal stays
// eligible for a later run.
func (s *Storage) ReleasePublication(recID string) error {
	if _, err := s.db.Exec(`DELETE FROM post_records WHERE id = ? AND pending = 1`, recID); err != nil {
		return fmt.Errorf("failed to delete post claim: %w", err)
	}
	return nil
}

// ReleaseStaleClaims deletes pending claims made before the given time, left behind by
// a run that stopped between claiming and committing.
func (s *Storage) ReleaseStaleClaims(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM post_records WHERE pending = 1 AND posted_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	return res.RowsAffected()
}

// ListPostRecords returns the committed ledger entries for a market, oldest first.
func (s *Storage) ListPostRecords(marketID string) ([]models.PostRecord, error) {
	rows, err := s.db.Query(`SELECT id, signal_id, market_id, posted_at, message_hash
		FROM post_records WHERE market_id = ? AND pending = 0 ORDER BY posted_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query post records: %w", err)
	}
	defer rows.Close()
	var records []models.PostRecord
	for rows.Next() {
		var r models.PostRecord
		var postedAt int64
		if err := rows.Scan(&r.ID, &r.SignalID, &r.MarketID, &postedAt, &r.MessageHash); err != nil {
			return nil, fmt.Errorf("failed to scan post record: %w", err)
		}
		r.PostedAt = time.Unix(0, postedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}
