package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// SeedProfiles inserts profiles that do not exist yet. Existing rows are left untouched
// so calibrated state survives restarts and config edits.
func (s *Storage) SeedProfiles(profiles []*models.ThresholdProfile) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	created := 0
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("invalid profile %s: %w", p.Key(), err)
		}
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO threshold_profiles
				(category, bucket, base_threshold, weights, sample_count, accuracy_history, version, updated_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			string(p.Category), string(p.Bucket), p.BaseThreshold, mustJSON(p.Weights),
			p.SampleCount, mustJSON(nonNilFloats(p.AccuracyHistory)), p.Version, p.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to seed profile: %w", err)
		}
		n, _ := res.RowsAffected()
		created += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit profiles: %w", err)
	}
	return created, nil
}

func (s *Storage) GetProfile(category models.Category, bucket models.LiquidityBucket) (*models.ThresholdProfile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM threshold_profiles WHERE category = ? AND bucket = ?`,
		string(category), string(bucket))
	p, err := scanProfile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", models.ProfileKey(category, bucket), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (s *Storage) ListProfiles() ([]*models.ThresholdProfile, error) {
	rows, err := s.db.Query(`SELECT ` + profileCols + ` FROM threshold_profiles ORDER BY category, bucket`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()
	profiles := []*models.ThresholdProfile{}
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// CompareAndSwapProfile writes p only if the stored version still equals expectedVersion,
// and in the same transaction flags the folded signals as calibrated. A version mismatch,
// or a folded signal already claimed by another run, rolls everything back with
// ErrVersionConflict. On success p.Version holds the new version.
func (s *Storage) CompareAndSwapProfile(p *models.ThresholdProfile, expectedVersion int64, folded []string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile %s: %w", p.Key(), err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`
		UPDATE threshold_profiles SET
			base_threshold=?, weights=?, sample_count=?, accuracy_history=?,
			version=version+1, updated_at=?
		WHERE category=? AND bucket=? AND version=?`,
		p.BaseThreshold, mustJSON(p.Weights), p.SampleCount, mustJSON(nonNilFloats(p.AccuracyHistory)),
		p.UpdatedAt.UnixNano(), string(p.Category), string(p.Bucket), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s at version %d: %w", p.Key(), expectedVersion, ErrVersionConflict)
	}

	for _, id := range folded {
		res, err := tx.Exec(`UPDATE signals SET calibrated = 1 WHERE id = ? AND calibrated = 0`, id)
		if err != nil {
			return fmt.Errorf("failed to flag signal calibrated: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("signal %s already folded: %w", id, ErrVersionConflict)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile: %w", err)
	}
	p.Version = expectedVersion + 1
	return nil
}

const profileCols = `category, bucket, base_threshold, weights, sample_count, accuracy_history, version, updated_at`

func scanProfile(scan func(...any) error) (*models.ThresholdProfile, error) {
	var p models.ThresholdProfile
	var category, bucket, weightsJSON, historyJSON string
	var updatedAt int64
	if err := scan(&category, &bucket, &p.BaseThreshold, &weightsJSON, &p.SampleCount,
		&historyJSON, &p.Version, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(weightsJSON), &p.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &p.AccuracyHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal accuracy history: %w", err)
	}
	p.Category = models.Category(category)
	p.Bucket = models.LiquidityBucket(bucket)
	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

func nonNilFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
