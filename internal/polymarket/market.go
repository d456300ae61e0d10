package polymarket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rewired-gh/polysignal/internal/models"
)

var validate = validator.New()

// gammaMarket is the subset of a Gamma API market record the collector relies on.
type gammaMarket struct {
	ID            string          `json:"id" validate:"required"`
	Question      string          `json:"question" validate:"required"`
	Slug          string          `json:"slug"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	Outcomes      json.RawMessage `json:"outcomes" validate:"required"`
	OutcomePrices json.RawMessage `json:"outcomePrices" validate:"required"`
	Liquidity     flexFloat       `json:"liquidity" validate:"gte=0"`
	LiquidityNum  *flexFloat      `json:"liquidityNum" validate:"omitempty,gte=0"`
	Volume24hr    flexFloat       `json:"volume24hr" validate:"gte=0"`
	EndDate       string          `json:"endDate"`
	Active        bool            `json:"active"`
	Closed        bool            `json:"closed"`
}

// flexFloat accepts both JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || len(b) == 0 {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// unwrapList returns the JSON array held by raw, which the API sends either as an
// array or as a string containing an encoded array.
func unwrapList(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	return raw, nil
}

func parseOutcomes(raw json.RawMessage) ([]string, error) {
	b, err := unwrapList(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse outcomes: %w", err)
	}
	var outcomes []string
	if err := json.Unmarshal(b, &outcomes); err != nil {
		return nil, fmt.Errorf("failed to parse outcomes: %w", err)
	}
	return outcomes, nil
}

func parsePrices(raw json.RawMessage) ([]float64, error) {
	b, err := unwrapList(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse outcome prices: %w", err)
	}
	var flex []flexFloat
	if err := json.Unmarshal(b, &flex); err != nil {
		return nil, fmt.Errorf("failed to parse outcome prices: %w", err)
	}
	prices := make([]float64, len(flex))
	for i, v := range flex {
		prices[i] = float64(v)
	}
	return prices, nil
}

func (c *Client) decodeMarket(raw json.RawMessage, now time.Time) (*models.Market, error) {
	var gm gammaMarket
	if err := json.Unmarshal(raw, &gm); err != nil {
		return nil, fmt.Errorf("failed to decode market: %w", err)
	}
	if err := validate.Struct(gm); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return nil, fmt.Errorf("market %q: field %s failed %s", gm.ID, ve[0].Field(), ve[0].Tag())
		}
		return nil, fmt.Errorf("market %q: %w", gm.ID, err)
	}

	outcomes, err := parseOutcomes(gm.Outcomes)
	if err != nil {
		return nil, fmt.Errorf("market %q: %w", gm.ID, err)
	}
	prices, err := parsePrices(gm.OutcomePrices)
	if err != nil {
		return nil, fmt.Errorf("market %q: %w", gm.ID, err)
	}

	liquidity := float64(gm.Liquidity)
	if gm.LiquidityNum != nil {
		liquidity = float64(*gm.LiquidityNum)
	}

	status := models.StatusOpen
	if gm.Closed {
		status = models.StatusResolved
	}

	m := &models.Market{
		ID:          gm.ID,
		Title:       gm.Question,
		Slug:        gm.Slug,
		Category:    c.categorizer.Categorize(gm.Category, gm.Question, gm.Description),
		Outcomes:    outcomes,
		Prices:      prices,
		Liquidity:   liquidity,
		Volume24hr:  float64(gm.Volume24hr),
		Status:      status,
		LastUpdated: now,
		CreatedAt:   now,
	}
	if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
		m.EndDate = t
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("market %q: %w", gm.ID, err)
	}
	return m, nil
}

// DefaultKeywords is the built-in keyword table used when none is configured.
var DefaultKeywords = map[models.Category][]string{
	models.CategoryPolitics: {
		"election", "president", "senate", "congress", "democrat", "republican",
		"biden", "trump", "harris", "political", "government", "vote", "ballot",
	},
	models.CategoryCrypto: {
		"bitcoin", "ethereum", "crypto", "blockchain", "token", "defi", "nft",
		"btc", "eth", "sol", "solana", "coinbase", "binance",
	},
	models.CategoryTech: {
		"ai", "artificial intelligence", "openai", "chatgpt", "gpt", "llm",
		"tech", "technology", "google", "microsoft", "apple", "meta", "amazon", "tesla",
	},
	models.CategoryFinance: {
		"stock", "finance", "economy", "recession", "inflation",
		"fed", "federal reserve", "interest rate", "gdp", "dow", "nasdaq", "s&p",
	},
	models.CategorySports: {
		"nfl", "football", "nba", "basketball", "mlb", "baseball", "nhl", "hockey",
		"soccer", "tennis", "golf", "olympics", "world cup", "super bowl",
	},
	models.CategoryEntertainment: {
		"movie", "film", "tv", "television", "streaming", "netflix", "disney",
		"hbo", "award", "oscar", "emmy", "grammy", "actor", "actress", "celebrity",
	},
}

// Categorizer maps provider records onto the Category enum.
type Categorizer struct {
	allowed  map[models.Category]bool
	patterns []categoryPattern
}

type categoryPattern struct {
	category models.Category
	re       *regexp.Regexp
}

// NewCategorizer builds a categorizer. A nil keyword table selects DefaultKeywords.
// Categories outside allowed are reported as Other; an empty allowed set admits all.
func NewCategorizer(allowed []models.Category, keywords map[models.Category][]string) *Categorizer {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	c := &Categorizer{allowed: make(map[models.Category]bool, len(allowed))}
	for _, a := range allowed {
		c.allowed[a] = true
	}
	// fixed order so overlapping keywords resolve the same way every run
	for _, cat := range models.Categories {
		words := keywords[cat]
		if len(words) == 0 {
			continue
		}
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(strings.ToLower(w))
		}
		re := regexp.MustCompile(`(^|[^a-z0-9])(` + strings.Join(quoted, "|") + `)($|[^a-z0-9])`)
		c.patterns = append(c.patterns, categoryPattern{category: cat, re: re})
	}
	return c
}

// Categorize prefers the provider's own category field, then keyword matches on the
// question and description.
func (c *Categorizer) Categorize(providerCategory, question, description string) models.Category {
	cat := models.CategoryOther
	if pc, err := models.ParseCategory(providerCategory); err == nil {
		cat = pc
	} else {
		text := strings.ToLower(question + " " + description)
		for _, p := range c.patterns {
			if p.re.MatchString(text) {
				cat = p.category
				break
			}
		}
	}
	if len(c.allowed) > 0 && !c.allowed[cat] {
		return models.CategoryOther
	}
	return cat
}
