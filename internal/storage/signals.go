package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// InsertSignal stores a new signal. It reports false without error when a signal with
// the same (market, outcome, detected_at) key already exists.
func (s *Storage) InsertSignal(sig *models.Signal) (bool, error) {
	if err := sig.Validate(); err != nil {
		return false, fmt.Errorf("invalid signal: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO signals
			(id, market_id, outcome_id, detected_at, prior_price, new_price, delta,
			 type, strength, confidence, threshold_used, volatility_factor,
			 category, bucket, features, published, expired, publish_attempts,
			 resolved_correctly, calibrated, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sig.ID, sig.MarketID, sig.OutcomeID, sig.DetectedAt.UnixNano(),
		sig.PriorPrice, sig.NewPrice, sig.Delta,
		string(sig.Type), string(sig.Strength), sig.Confidence, sig.ThresholdUsed, sig.VolatilityFactor,
		string(sig.Category), string(sig.Bucket), mustJSON(sig.Features),
		boolToInt(sig.Published), boolToInt(sig.Expired), sig.PublishAttempts,
		nullableBool(sig.ResolvedCorrectly), boolToInt(sig.Calibrated), sig.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert signal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Storage) GetSignal(id string) (*models.Signal, error) {
	row := s.db.QueryRow(`SELECT `+signalCols+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return sig, nil
}

// LastSignal returns the most recent signal on a market, or nil if there is none.
func (s *Storage) LastSignal(marketID string) (*models.Signal, error) {
	row := s.db.QueryRow(`SELECT `+signalCols+` FROM signals
		WHERE market_id = ? ORDER BY detected_at DESC LIMIT 1`, marketID)
	sig, err := scanSignal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last signal: %w", err)
	}
	return sig, nil
}

// ListUnannotatedSignals returns the market's signals that have no correctness verdict yet.
func (s *Storage) ListUnannotatedSignals(marketID string) ([]*models.Signal, error) {
	return s.querySignals(`SELECT `+signalCols+` FROM signals
		WHERE market_id = ? AND resolved_correctly IS NULL ORDER BY detected_at`, marketID)
}

// ListUncalibratedSignals returns annotated signals of a profile not yet folded into it.
func (s *Storage) ListUncalibratedSignals(category models.Category, bucket models.LiquidityBucket) ([]*models.Signal, error) {
	return s.querySignals(`SELECT `+signalCols+` FROM signals
		WHERE category = ? AND bucket = ? AND resolved_correctly IS NOT NULL AND calibrated = 0
		ORDER BY detected_at`, string(category), string(bucket))
}

// ListAnnotatedSignals returns annotated signals of a profile detected at or after since.
func (s *Storage) ListAnnotatedSignals(category models.Category, bucket models.LiquidityBucket, since time.Time) ([]*models.Signal, error) {
	return s.querySignals(`SELECT `+signalCols+` FROM signals
		WHERE category = ? AND bucket = ? AND resolved_correctly IS NOT NULL AND detected_at >= ?
		ORDER BY detected_at`, string(category), string(bucket), since.UnixNano())
}

// ListPendingSignals returns unpublished, unexpired signals by descending confidence.
func (s *Storage) ListPendingSignals() ([]*models.Signal, error) {
	return s.querySignals(`SELECT ` + signalCols + ` FROM signals
		WHERE published = 0 AND expired = 0
		ORDER BY confidence DESC, detected_at ASC, id ASC`)
}

// MarkExpired permanently removes signals from publication consideration.
func (s *Storage) MarkExpired(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE signals SET expired = 1 WHERE id = ? AND published = 0`, id); err != nil {
			return fmt.Errorf("failed to expire signal: %w", err)
		}
	}
	return tx.Commit()
}

// IncrementPublishAttempts records a failed posting attempt.
func (s *Storage) IncrementPublishAttempts(id string) error {
	if _, err := s.db.Exec(`UPDATE signals SET publish_attempts = publish_attempts + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to increment publish attempts: %w", err)
	}
	return nil
}

// EvaluateMarket writes the market's Resolution, annotates the given signals and moves the
// market to Evaluated in one transaction. Signals that already carry a verdict are not
// touched, and an already Evaluated market is a no-op. Returns the number of signals annotated.
func (s *Storage) EvaluateMarket(res *models.Resolution, verdicts map[string]bool) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	err = tx.QueryRow(`SELECT status FROM markets WHERE id = ?`, res.MarketID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("market %s: %w", res.MarketID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read market status: %w", err)
	}
	if models.MarketStatus(status) == models.StatusEvaluated {
		return 0, nil
	}

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO resolutions (market_id, final_outcome, resolved_at)
		VALUES (?,?,?)`,
		res.MarketID, res.FinalOutcome, res.ResolvedAt.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("failed to insert resolution: %w", err)
	}

	annotated := 0
	for id, correct := range verdicts {
		r, err := tx.Exec(`UPDATE signals SET resolved_correctly = ?
			WHERE id = ? AND market_id = ? AND resolved_correctly IS NULL`,
			boolToInt(correct), id, res.MarketID)
		if err != nil {
			return 0, fmt.Errorf("failed to annotate signal: %w", err)
		}
		n, _ := r.RowsAffected()
		annotated += int(n)
	}

	if _, err := tx.Exec(`UPDATE markets SET status = 'evaluated', resolved_outcome = ? WHERE id = ?`,
		res.FinalOutcome, res.MarketID); err != nil {
		return 0, fmt.Errorf("failed to mark market evaluated: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit evaluation: %w", err)
	}
	return annotated, nil
}

func (s *Storage) GetResolution(marketID string) (*models.Resolution, error) {
	var r models.Resolution
	var resolvedAt int64
	err := s.db.QueryRow(`SELECT market_id, final_outcome, resolved_at FROM resolutions WHERE market_id = ?`, marketID).
		Scan(&r.MarketID, &r.FinalOutcome, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolution %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resolution: %w", err)
	}
	r.ResolvedAt = time.Unix(0, resolvedAt)
	return &r, nil
}

// CountResolutions returns the number of stored Resolution records for a market.
func (s *Storage) CountResolutions(marketID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM resolutions WHERE market_id = ?`, marketID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count resolutions: %w", err)
	}
	return n, nil
}

func (s *Storage) querySignals(query string, args ...any) ([]*models.Signal, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()
	signals := []*models.Signal{}
	for rows.Next() {
		sig, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

const signalCols = `id, market_id, outcome_id, detected_at, prior_price, new_price, delta,
	type, strength, confidence, threshold_used, volatility_factor, category, bucket, features,
	published, expired, publish_attempts, resolved_correctly, calibrated, created_at`

func scanSignal(scan func(...any) error) (*models.Signal, error) {
	var sig models.Signal
	var detectedAt, createdAt int64
	var typ, strength, category, bucket, featuresJSON string
	var published, expired, calibrated int
	var correct sql.NullInt64
	err := scan(
		&sig.ID, &sig.MarketID, &sig.OutcomeID, &detectedAt,
		&sig.PriorPrice, &sig.NewPrice, &sig.Delta,
		&typ, &strength, &sig.Confidence, &sig.ThresholdUsed, &sig.VolatilityFactor,
		&category, &bucket, &featuresJSON,
		&published, &expired, &sig.PublishAttempts, &correct, &calibrated, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(featuresJSON), &sig.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	sig.DetectedAt = time.Unix(0, detectedAt)
	sig.CreatedAt = time.Unix(0, createdAt)
	sig.Type = models.SignalType(typ)
	sig.Strength = models.Strength(strength)
	sig.Category = models.Category(category)
	sig.Bucket = models.LiquidityBucket(bucket)
	sig.Published = published != 0
	sig.Expired = expired != 0
	sig.Calibrated = calibrated != 0
	if correct.Valid {
		v := correct.Int64 != 0
		sig.ResolvedCorrectly = &v
	}
	return &sig, nil
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}
