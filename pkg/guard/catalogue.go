package guard

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

const (
	creditPriceUSD  = 0.004
	tokensPerCredit = 200
	quoteTTLSeconds = 300

	complexityHigh   = "high"
	complexityMedium = "medium"
)

// CostParams adjusts a base cost per request.
type CostParams struct {
	Complexity string `json:"complexity,omitempty"`
	ImageCount int    `json:"imageCount,omitempty"`
	PageCount  int    `json:"pageCount,omitempty"`
}

// Catalogue maps actions to base credit costs.
type Catalogue struct {
	basePrices map[string]float64
}

// NewCatalogue returns the static catalogue with per-deployment overrides
// applied on top of the defaults.
func NewCatalogue(overrides map[string]int64) Catalogue {
	prices := map[string]float64{
		"draft":            2,
		"regenerate":       1,
		"publish":          0,
		"export":           0,
		"ai_apply":         10,
		"legal_generate":   8,
		"template_swap":    5,
		"section_add":      7,
		"copy_rewrite":     8,
		"palette_extract":  3,
		"image_opt":        2,
		"product_create":   2,
		"checkout_process": 1,
	}
	for action, price := range overrides {
		if price >= 0 {
			prices[action] = float64(price)
		}
	}
	return Catalogue{basePrices: prices}
}

// CostFor computes the adjusted, rounded-up cost of an action. Unknown
// actions cost one credit, matching the platform's catch-all pricing.
func (catalogue Catalogue) CostFor(action string, params CostParams) (Cost, error) {
	base, known := catalogue.basePrices[action]
	if !known {
		base = 1
	}
	cost := base
	switch params.Complexity {
	case complexityHigh:
		cost *= 1.5
	case complexityMedium:
		cost *= 1.2
	}
	if params.ImageCount > 0 {
		cost += float64(params.ImageCount) * 0.5
	}
	if params.PageCount > 0 {
		cost += float64(params.PageCount) * 2
	}
	return NewCost(int64(math.Ceil(cost)))
}

// CostPreview is a non-binding quote for an action.
type CostPreview struct {
	Action       string  `json:"action"`
	Credits      int64   `json:"credits"`
	USD          float64 `json:"usd"`
	Tokens       int64   `json:"tokens"`
	PriceQuoteID string  `json:"priceQuoteId"`
	TTLSeconds   int64   `json:"ttl"`
}

// Preview estimates credits, dollars, and tokens for an action without any
// side effect.
func (catalogue Catalogue) Preview(action string, params CostParams) (CostPreview, error) {
	credits, err := catalogue.CostFor(action, params)
	if err != nil {
		return CostPreview{}, err
	}
	usd := float64(credits.Int64()) * creditPriceUSD
	return CostPreview{
		Action:       action,
		Credits:      credits.Int64(),
		USD:          math.Round(usd*10000) / 10000,
		Tokens:       credits.Int64() * tokensPerCredit,
		PriceQuoteID: fmt.Sprintf("QUOTE-%s", uuid.NewString()),
		TTLSeconds:   quoteTTLSeconds,
	}, nil
}
