package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
)

const appleSummary = `{
  "quoteSummary": {
    "result": [{
      "price": {
        "marketCap": {"raw": 3000000000000, "fmt": "3T"},
        "regularMarketPrice": {"raw": 200.0},
        "averageDailyVolume3Month": {"raw": 50000000}
      },
      "defaultKeyStatistics": {"enterpriseValue": {"raw": 3100000000000}},
      "assetProfile": {"sector": "Technology", "industry": "Consumer Electronics", "country": "United States"}
    }],
    "error": null
  }
}`

func newTestEnricher(t *testing.T, h http.HandlerFunc) *Enricher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	e, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return e
}

func TestEnrich_MapsQuoteSummary(t *testing.T) {
	e := newTestEnricher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v10/finance/quoteSummary/AAPL", r.URL.Path)
		assert.Equal(t, modules, r.URL.Query().Get("modules"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(appleSummary))
	})

	out, err := e.Enrich(context.Background(), company.Company{"Ticker": "AAPL US Equity"})
	require.NoError(t, err)

	assert.Equal(t, company.Fields{
		FieldMarketCap:     3000000000000.0,
		FieldEV:            3100000000000.0,
		FieldAvgValueTrade: 200.0 * 50000000,
		FieldSector:        "Technology",
		FieldIndustryGroup: "Consumer Electronics",
		FieldCountry:       "United States",
	}, out)
}

func TestEnrich_MissingValuesAreOmitted(t *testing.T) {
	e := newTestEnricher(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"quoteSummary":{"result":[{"price":{"marketCap":{}},"summaryDetail":{"marketCap":{"raw":10}}}]}}`))
	})

	out, err := e.Enrich(context.Background(), company.Company{"Ticker": "XYZ"})
	require.NoError(t, err)
	assert.Equal(t, company.Fields{FieldMarketCap: 10.0}, out)
}

func TestEnrich_UnknownSymbolIsPermanent(t *testing.T) {
	e := newTestEnricher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"quoteSummary":{"result":null,"error":{"code":"Not Found","description":"Quote not found for symbol: ZZZZ"}}}`))
	})

	_, err := e.Enrich(context.Background(), company.Company{"Ticker": "ZZZZ US Equity"})
	require.Error(t, err)
	assert.True(t, enrich.IsPermanent(err))
}

func TestEnrich_ErrorEnvelopeWithOKStatus(t *testing.T) {
	e := newTestEnricher(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"quoteSummary":{"result":[],"error":{"code":"Not Found","description":"No fundamentals data found"}}}`))
	})

	_, err := e.Enrich(context.Background(), company.Company{"Ticker": "ZZZZ"})
	require.Error(t, err)
	assert.True(t, enrich.IsPermanent(err))
	assert.Contains(t, err.Error(), "No fundamentals data found")
}

func TestEnrich_ThrottledIsTransient(t *testing.T) {
	e := newTestEnricher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := e.Enrich(context.Background(), company.Company{"Ticker": "AAPL"})
	require.Error(t, err)
	assert.True(t, enrich.IsTransient(err))
}

func TestEnrich_MissingTicker(t *testing.T) {
	e := newTestEnricher(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("unexpected request")
	})

	_, err := e.Enrich(context.Background(), company.Company{"Security": "Nameless"})
	require.Error(t, err)
	assert.True(t, enrich.IsPermanent(err))
}
