package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// UpsertMarket inserts a market or refreshes its current state.
// Status never moves backwards: a Resolved market stays Resolved and an Evaluated
// market stays Evaluated whatever the feed reports. CreatedAt is kept from the first insert.
func (s *Storage) UpsertMarket(market *models.Market) error {
	if err := market.Validate(); err != nil {
		return fmt.Errorf("invalid market: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT INTO markets
			(id, title, slug, category, outcomes, prices, liquidity, volume_24hr,
			 end_date, status, resolved_outcome, last_updated, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			slug=excluded.slug,
			category=excluded.category,
			outcomes=excluded.outcomes,
			prices=excluded.prices,
			liquidity=excluded.liquidity,
			volume_24hr=excluded.volume_24hr,
			end_date=excluded.end_date,
			status=CASE
				WHEN markets.status = 'evaluated' THEN 'evaluated'
				WHEN markets.status = 'resolved' AND excluded.status = 'open' THEN 'resolved'
				ELSE excluded.status END,
			resolved_outcome=CASE
				WHEN markets.resolved_outcome != '' THEN markets.resolved_outcome
				ELSE excluded.resolved_outcome END,
			last_updated=excluded.last_updated`,
		market.ID, market.Title, market.Slug, string(market.Category),
		mustJSON(market.Outcomes), mustJSON(market.Prices),
		market.Liquidity, market.Volume24hr, unixNano(market.EndDate),
		string(market.Status), market.ResolvedOutcome,
		market.LastUpdated.UnixNano(), market.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert market: %w", err)
	}
	return nil
}

func (s *Storage) GetMarket(id string) (*models.Market, error) {
	row := s.db.QueryRow(`SELECT `+marketCols+` FROM markets WHERE id = ?`, id)
	m, err := scanMarket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	return m, nil
}

// ListMarketsByStatus returns all markets in the given state ordered by id.
func (s *Storage) ListMarketsByStatus(status models.MarketStatus) ([]*models.Market, error) {
	return s.queryMarkets(`SELECT `+marketCols+` FROM markets WHERE status = ? ORDER BY id`, string(status))
}

// ListStaleOpenMarkets returns Open markets whose state has not been refreshed since before.
func (s *Storage) ListStaleOpenMarkets(before time.Time) ([]*models.Market, error) {
	return s.queryMarkets(`SELECT `+marketCols+` FROM markets
		WHERE status = 'open' AND last_updated < ? ORDER BY id`, before.UnixNano())
}

// MarkResolved moves an Open market to Resolved. Other states are left untouched.
func (s *Storage) MarkResolved(id string) error {
	if _, err := s.db.Exec(`UPDATE markets SET status = 'resolved' WHERE id = ? AND status = 'open'`, id); err != nil {
		return fmt.Errorf("failed to mark market resolved: %w", err)
	}
	return nil
}

func (s *Storage) queryMarkets(query string, args ...any) ([]*models.Market, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()
	markets := []*models.Market{}
	for rows.Next() {
		m, err := scanMarket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// AppendPricePoints writes a batch of observations atomically. A point older than the
// newest stored point of its market fails the whole batch with ErrOutOfOrder. Re-writing
// an identical (market, outcome, timestamp) key is a no-op.
func (s *Storage) AppendPricePoints(points []models.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	latest := make(map[string]int64)
	for i := range points {
		p := &points[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid price point: %w", err)
		}
		last, ok := latest[p.MarketID]
		if !ok {
			var maxTS sql.NullInt64
			if err := tx.QueryRow(`SELECT MAX(ts) FROM price_points WHERE market_id = ?`, p.MarketID).Scan(&maxTS); err != nil {
				return fmt.Errorf("failed to read latest price point: %w", err)
			}
			last = maxTS.Int64
		}
		ts := p.Timestamp.UnixNano()
		if ts < last {
			return fmt.Errorf("market %s at %s: %w", p.MarketID, p.Timestamp.Format(time.RFC3339Nano), ErrOutOfOrder)
		}
		latest[p.MarketID] = ts

		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO price_points (market_id, outcome_id, price, liquidity, ts)
			VALUES (?,?,?,?,?)`,
			p.MarketID, p.OutcomeID, p.Price, p.Liquidity, ts,
		); err != nil {
			return fmt.Errorf("failed to insert price point: %w", err)
		}
	}
	return tx.Commit()
}

// GetRecentPricePoints returns up to n newest points for one outcome, oldest first.
func (s *Storage) GetRecentPricePoints(marketID, outcomeID string, n int) ([]models.PricePoint, error) {
	rows, err := s.db.Query(`
		SELECT market_id, outcome_id, price, liquidity, ts FROM price_points
		WHERE market_id = ? AND outcome_id = ?
		ORDER BY ts DESC LIMIT ?`, marketID, outcomeID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query price points: %w", err)
	}
	points, err := scanPricePoints(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// GetPricePointsSince returns the points of one outcome at or after since, oldest first.
func (s *Storage) GetPricePointsSince(marketID, outcomeID string, since time.Time) ([]models.PricePoint, error) {
	rows, err := s.db.Query(`
		SELECT market_id, outcome_id, price, liquidity, ts FROM price_points
		WHERE market_id = ? AND outcome_id = ? AND ts >= ?
		ORDER BY ts`, marketID, outcomeID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query price points: %w", err)
	}
	return scanPricePoints(rows)
}

func scanPricePoints(rows *sql.Rows) ([]models.PricePoint, error) {
	defer rows.Close()
	var points []models.PricePoint
	for rows.Next() {
		var p models.PricePoint
		var ts int64
		if err := rows.Scan(&p.MarketID, &p.OutcomeID, &p.Price, &p.Liquidity, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		p.Timestamp = time.Unix(0, ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

// PruneHistory deletes price points older than before and reports how many went.
func (s *Storage) PruneHistory(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM price_points WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune price history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const marketCols = `id, title, slug, category, outcomes, prices, liquidity, volume_24hr,
	end_date, status, resolved_outcome, last_updated, created_at`

func scanMarket(scan func(...any) error) (*models.Market, error) {
	var m models.Market
	var slug sql.NullString
	var category, status, outcomesJSON, pricesJSON string
	var endDateNano, lastUpdatedNano, createdAtNano int64
	err := scan(
		&m.ID, &m.Title, &slug, &category, &outcomesJSON, &pricesJSON,
		&m.Liquidity, &m.Volume24hr, &endDateNano, &status, &m.ResolvedOutcome,
		&lastUpdatedNano, &createdAtNano,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomesJSON), &m.Outcomes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(pricesJSON), &m.Prices); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prices: %w", err)
	}
	m.Slug = slug.String
	m.Category = models.Category(category)
	m.Status = models.MarketStatus(status)
	m.EndDate = fromUnixNano(endDateNano)
	m.LastUpdated = time.Unix(0, lastUpdatedNano)
	m.CreatedAt = time.Unix(0, createdAtNano)
	return &m, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
