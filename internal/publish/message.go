package publish

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rewired-gh/polysignal/internal/models"
)

var typeLabels = map[models.SignalType]string{
	models.SignalPriceShift:     "Price shift",
	models.SignalTrendReversal:  "Trend reversal",
	models.SignalLiquiditySurge: "Liquidity surge",
	models.SignalSustainedTrend: "Sustained trend",
}

// FormatMessage renders a signal as plain text. The detection time is left out so that
// the same move reported twice hashes identically.
func FormatMessage(market *models.Market, sig *models.Signal) string {
	var b strings.Builder
	label := typeLabels[sig.Type]
	if label == "" {
		label = string(sig.Type)
	}
	fmt.Fprintf(&b, "%s [%s]\n", label, sig.Strength)
	fmt.Fprintf(&b, "%s\n", market.Title)
	fmt.Fprintf(&b, "%s: %.1f%% -> %.1f%% (%+.1f pts)\n",
		sig.OutcomeID, sig.PriorPrice*100, sig.NewPrice*100, sig.Delta*100)
	fmt.Fprintf(&b, "Confidence: %.0f%%", sig.Confidence*100)
	if market.Slug != "" {
		fmt.Fprintf(&b, "\nhttps://polymarket.com/event/%s", market.Slug)
	}
	return b.String()
}

// MessageHash is the dedup key of a rendered message.
func MessageHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
