package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflux/internal/net/circuit"
	"polyflux/internal/net/ratelimit"
	"polyflux/internal/prediction/model"
)

func testClient(gammaURL, clobURL string) *Client {
	return NewClient(
		Config{GammaBase: gammaURL, CLOBBase: clobURL, Timeout: 2 * time.Second},
		circuit.NewRegistry(circuit.DefaultConfig()),
		ratelimit.DefaultDualLimiter(),
	)
}

func TestFetchMarketsParsesGammaShape(t *testing.T) {
	gamma := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{
				"id": "m1",
				"question": "Will the Fed cut rates in September?",
				"active": true,
				"closed": false,
				"endDate": "2026-09-18T00:00:00Z",
				"volume24hr": 125000.5,
				"outcomes": "[\"Yes\", \"No\"]",
				"outcomePrices": "[\"0.62\", \"0.38\"]",
				"clobTokenIds": "[\"tok-yes\", \"tok-no\"]"
			},
			{
				"id": "m2",
				"question": "Multi outcome market",
				"active": true,
				"closed": false,
				"outcomes": "[\"A\", \"B\", \"C\"]",
				"outcomePrices": "[\"0.2\", \"0.3\", \"0.5\"]"
			},
			{
				"id": "m3",
				"question": "Closed market",
				"active": true,
				"closed": true,
				"outcomes": "[\"Yes\", \"No\"]",
				"outcomePrices": "[\"0.9\", \"0.1\"]"
			}
		]`))
	}))
	defer gamma.Close()

	markets, err := testClient(gamma.URL, "http://unused").FetchMarkets(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, markets, 1, "non-binary and closed markets dropped")

	m := markets[0]
	assert.Equal(t, "m1", m.MarketID)
	assert.Equal(t, "Will the Fed cut rates in September?", m.Title)
	assert.Equal(t, 0.62, m.LastYesPrice)
	assert.Equal(t, 0.38, m.LastNoPrice)
	assert.Equal(t, "tok-yes", m.YesTokenID)
	assert.Equal(t, 125000.5, m.Volume)
	assert.Equal(t, 2026, m.OpenUntil.Year())
}

func TestFetchQuoteUsesCLOBMidpoint(t *testing.T) {
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/midpoint", r.URL.Path)
		assert.Equal(t, "tok-yes", r.URL.Query().Get("token_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"mid": "0.55"}`))
	}))
	defer clob.Close()

	q, err := testClient("http://unused", clob.URL).FetchQuote(context.Background(), model.Market{
		MarketID:   "m1",
		YesTokenID: "tok-yes",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.55, q.Yes)
	assert.InDelta(t, 0.45, q.No, 1e-9)
	assert.False(t, q.At.IsZero())
}

func TestFetchQuoteFallsBackWithoutTokenID(t *testing.T) {
	q, err := testClient("http://unused", "http://unused").FetchQuote(context.Background(), model.Market{
		MarketID:     "m1",
		LastYesPrice: 0.7,
		LastNoPrice:  0.3,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, q.Yes)
}

func TestFetchMarketsTripsBreakerOnRepeatedFailure(t *testing.T) {
	gamma := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gamma.Close()

	reg := circuit.NewRegistry(circuit.Config{FailureThreshold: 2, ResetAfter: time.Minute})
	c := NewClient(Config{GammaBase: gamma.URL, CLOBBase: "http://unused", Timeout: time.Second},
		reg, ratelimit.DefaultDualLimiter())

	for i := 0; i < 2; i++ {
		_, err := c.FetchMarkets(context.Background(), 5)
		require.Error(t, err)
	}

	_, err := c.FetchMarkets(context.Background(), 5)
	assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
}

func TestPaperVenueBook(t *testing.T) {
	v := NewPaperVenue()
	ctx := context.Background()

	fill, err := v.Submit(ctx, model.Trade{
		ID: "t1", MarketID: "m1", Outcome: model.OutcomeYes, Side: model.SideBuy, Shares: 100, Price: 0.50,
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, fill.FillQty)
	assert.Equal(t, 0.50, fill.FillPx)
	_, err = v.Submit(ctx, model.Trade{
		MarketID: "m1", Outcome: model.OutcomeYes, Side: model.SideBuy, Shares: 100, Price: 0.60,
	})
	require.NoError(t, err)

	pos, err := v.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, 200.0, pos[0].Shares)
	assert.InDelta(t, 0.55, pos[0].AveragePrice, 1e-9)

	// full exit removes the entry
	_, err = v.Submit(ctx, model.Trade{
		MarketID: "m1", Outcome: model.OutcomeYes, Side: model.SideSell, Shares: 200, Price: 0.70,
	})
	require.NoError(t, err)
	pos, err = v.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestPaperVenueAdjustInjectsDrift(t *testing.T) {
	v := NewPaperVenue()
	v.Adjust("m1", model.OutcomeYes, 50)

	pos, err := v.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, 50.0, pos[0].Shares)

	v.Adjust("m1", model.OutcomeYes, -50)
	pos, _ = v.Positions(context.Background())
	assert.Empty(t, pos)
}
