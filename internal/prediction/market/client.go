// Package market talks to the Polymarket read APIs and provides the venue
// abstraction the execution engine and reconciler trade against.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"polyflux/internal/net/circuit"
	"polyflux/internal/net/ratelimit"
	"polyflux/internal/prediction/model"
)

// Breaker names for the two upstream APIs.
const (
	BreakerGamma = "polymarket-gamma"
	BreakerCLOB  = "polymarket-clob"
)

// Quote is a point-in-time price pair for one market.
type Quote struct {
	MarketID string    `json:"market_id"`
	Yes      float64   `json:"yes"`
	No       float64   `json:"no"`
	At       time.Time `json:"at"`
}

// DataSource is the read side of the venue.
type DataSource interface {
	FetchMarkets(ctx context.Context, limit int) ([]model.Market, error)
	FetchQuote(ctx context.Context, m model.Market) (Quote, error)
}

// Venue is the write/reconcile side. The paper venue implements it fully;
// live order signing stays an external collaborator.
type Venue interface {
	Name() string
	// Submit places a trade on the venue and reports the executed fill.
	// The reported quantity is the venue's, not the caller's, and may
	// differ from the requested size.
	Submit(ctx context.Context, t model.Trade) (model.Fill, error)
	// Positions returns the venue's view of open positions.
	Positions(ctx context.Context) ([]model.Position, error)
}

// Config points the client at the upstream endpoints.
type Config struct {
	GammaBase string
	CLOBBase  string
	Timeout   time.Duration
}

// Client reads markets from the Gamma API and prices from the CLOB API.
// Every call consumes the info rate bucket and runs under its API's breaker.
type Client struct {
	gamma    *resty.Client
	clob     *resty.Client
	breakers *circuit.Registry
	limiter  *ratelimit.DualLimiter
	now      func() time.Time
}

func NewClient(cfg Config, breakers *circuit.Registry, limiter *ratelimit.DualLimiter) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	newClient := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json")
	}
	return &Client{
		gamma:    newClient(cfg.GammaBase),
		clob:     newClient(cfg.CLOBBase),
		breakers: breakers,
		limiter:  limiter,
		now:      time.Now,
	}
}

// gammaMarket is the JSON shape returned by the Gamma API. Outcomes,
// outcomePrices and clobTokenIds arrive as JSON-encoded string arrays.
type gammaMarket struct {
	ID             string  `json:"id"`
	Question       string  `json:"question"`
	Active         bool    `json:"active"`
	Closed         bool    `json:"closed"`
	CreatedAt      string  `json:"createdAt"`
	EndDate        string  `json:"endDate"`
	Volume24hr     float64 `json:"volume24hr"`
	Outcomes       string  `json:"outcomes"`
	OutcomePrices  string  `json:"outcomePrices"`
	ClobTokenIds   string  `json:"clobTokenIds"`
	LastTradePrice float64 `json:"lastTradePrice"`
}

// FetchMarkets lists active binary markets ordered by 24h volume.
func (c *Client) FetchMarkets(ctx context.Context, limit int) ([]model.Market, error) {
	if limit <= 0 {
		limit = 50
	}
	if _, err := c.limiter.ConsumeAndWait(ctx, ratelimit.ClassInfo, 1, 30*time.Second); err != nil {
		return nil, err
	}

	v, err := c.breakers.Execute(BreakerGamma, func() (any, error) {
		var raw []gammaMarket
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":     strconv.Itoa(limit),
				"active":    "true",
				"closed":    "false",
				"order":     "volume24hr",
				"ascending": "false",
			}).
			SetResult(&raw).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("gamma markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("gamma markets: status %d: %s", resp.StatusCode(), resp.String())
		}
		return raw, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	raw := v.([]gammaMarket)
	out := make([]model.Market, 0, len(raw))
	for _, gm := range raw {
		m, ok := convertGammaMarket(gm)
		if !ok {
			continue
		}
		out = append(out, m)
	}
	log.Debug().Int("fetched", len(raw)).Int("binary", len(out)).Msg("gamma markets fetched")
	return out, nil
}

func convertGammaMarket(gm gammaMarket) (model.Market, bool) {
	if gm.Closed || !gm.Active {
		return model.Market{}, false
	}
	outcomes := decodeStringArray(gm.Outcomes)
	prices := decodeFloatArray(gm.OutcomePrices)
	tokens := decodeStringArray(gm.ClobTokenIds)
	if len(outcomes) != 2 || len(prices) != 2 {
		return model.Market{}, false
	}

	m := model.Market{
		MarketID:     gm.ID,
		Title:        gm.Question,
		Outcomes:     outcomes,
		LastYesPrice: prices[0],
		LastNoPrice:  prices[1],
		Volume:       gm.Volume24hr,
	}
	if len(tokens) == 2 {
		m.YesTokenID, m.NoTokenID = tokens[0], tokens[1]
	}
	if gm.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, gm.CreatedAt); err == nil {
			m.CreatedAt = t
		}
	}
	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			m.OpenUntil = t
		}
	}
	return m, true
}

// clobMidpoint is the CLOB /midpoint response; mid is a stringified decimal.
type clobMidpoint struct {
	Mid string `json:"mid"`
}

// FetchQuote reads the CLOB midpoint for the market's YES token. Markets
// without token ids fall back to the last gamma prices.
func (c *Client) FetchQuote(ctx context.Context, m model.Market) (Quote, error) {
	if m.YesTokenID == "" {
		return Quote{MarketID: m.MarketID, Yes: m.LastYesPrice, No: m.LastNoPrice, At: c.now()}, nil
	}
	if _, err := c.limiter.ConsumeAndWait(ctx, ratelimit.ClassInfo, 1, 30*time.Second); err != nil {
		return Quote{}, err
	}

	v, err := c.breakers.Execute(BreakerCLOB, func() (any, error) {
		var mid clobMidpoint
		resp, err := c.clob.R().
			SetContext(ctx).
			SetQueryParam("token_id", m.YesTokenID).
			SetResult(&mid).
			Get("/midpoint")
		if err != nil {
			return nil, fmt.Errorf("clob midpoint: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("clob midpoint: status %d: %s", resp.StatusCode(), resp.String())
		}
		return mid, nil
	}, nil)
	if err != nil {
		return Quote{}, err
	}

	yes, err := strconv.ParseFloat(v.(clobMidpoint).Mid, 64)
	if err != nil || yes <= 0 || yes >= 1 {
		return Quote{}, fmt.Errorf("clob midpoint: bad mid %q", v.(clobMidpoint).Mid)
	}
	return Quote{MarketID: m.MarketID, Yes: yes, No: 1 - yes, At: c.now()}, nil
}

// decodeStringArray parses a JSON-encoded string array like
// `["Yes", "No"]`. Returns nil on malformed input.
func decodeStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// decodeFloatArray parses a JSON-encoded array of stringified decimals like
// `["0.62", "0.38"]`.
func decodeFloatArray(s string) []float64 {
	var out []float64
	for _, raw := range decodeStringArray(s) {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}
