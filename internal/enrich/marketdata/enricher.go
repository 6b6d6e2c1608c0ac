// Package marketdata enriches companies with valuation, liquidity and sector data from a
// quote-summary API.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
	"github.com/palantir/equity-enrichment-pipeline/internal/provider"
)

// Name is the registry name of this enricher.
const Name = "market_data"

// Output fields.
const (
	FieldMarketCap     = "Market Cap"
	FieldEV            = "EV"
	FieldAvgValueTrade = "Avg D Val Traded 3M"
	FieldSector        = "GICS Sector"
	FieldIndustryGroup = "GICS Ind Grp Name"
	FieldCountry       = "Cntry Tertry Of Dom"
)

const modules = "price,summaryDetail,defaultKeyStatistics,assetProfile"

type Config struct {
	// BaseURL of the quote-summary API, e.g. "https://query2.finance.yahoo.com".
	BaseURL string
	// UserAgent is sent with every request; the public endpoint rejects empty agents.
	UserAgent string

	// Client overrides the HTTP client (tests).
	Client *provider.Client
}

type Enricher struct {
	client *provider.Client
}

func New(cfg Config) (*Enricher, error) {
	if cfg.Client != nil {
		return &Enricher{client: cfg.Client}, nil
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "Mozilla/5.0 (compatible; equity-enrichment-pipeline)"
	}
	c, err := provider.NewClient(Name, cfg.BaseURL, provider.WithHeader("User-Agent", ua))
	if err != nil {
		return nil, err
	}
	return &Enricher{client: c}, nil
}

func (e *Enricher) Name() string { return Name }

type rawValue struct {
	Raw *float64 `json:"raw"`
}

type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			Price *struct {
				MarketCap                rawValue `json:"marketCap"`
				RegularMarketPrice       rawValue `json:"regularMarketPrice"`
				AverageDailyVolume3Month rawValue `json:"averageDailyVolume3Month"`
			} `json:"price"`
			SummaryDetail *struct {
				MarketCap                rawValue `json:"marketCap"`
				AverageDailyVolume3Month rawValue `json:"averageVolume"`
			} `json:"summaryDetail"`
			DefaultKeyStatistics *struct {
				EnterpriseValue rawValue `json:"enterpriseValue"`
			} `json:"defaultKeyStatistics"`
			AssetProfile *struct {
				Sector   string `json:"sector"`
				Industry string `json:"industry"`
				Country  string `json:"country"`
			} `json:"assetProfile"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteSummary"`
}

func (e *Enricher) Enrich(ctx context.Context, c company.Company) (company.Fields, error) {
	symbol := company.Symbol(c.Ticker())
	if symbol == "" {
		return nil, enrich.Permanent(errors.New("market_data: missing ticker"))
	}

	var resp quoteSummaryResponse
	path := "v10/finance/quoteSummary/" + url.PathEscape(symbol)
	if err := e.client.GetJSON(ctx, "quoteSummary", path, url.Values{"modules": {modules}}, &resp); err != nil {
		return nil, err
	}
	if qe := resp.QuoteSummary.Error; qe != nil {
		return nil, enrich.Permanent(fmt.Errorf("market_data: %s: %s", qe.Code, qe.Description))
	}
	if len(resp.QuoteSummary.Result) == 0 {
		return nil, enrich.Permanent(fmt.Errorf("market_data: no data for %s", symbol))
	}
	r := resp.QuoteSummary.Result[0]

	out := company.Fields{}
	var price, volume *float64
	if p := r.Price; p != nil {
		setFloat(out, FieldMarketCap, p.MarketCap.Raw)
		price = p.RegularMarketPrice.Raw
		volume = p.AverageDailyVolume3Month.Raw
	}
	if s := r.SummaryDetail; s != nil {
		if _, ok := out[FieldMarketCap]; !ok {
			setFloat(out, FieldMarketCap, s.MarketCap.Raw)
		}
		if volume == nil {
			volume = s.AverageDailyVolume3Month.Raw
		}
	}
	if k := r.DefaultKeyStatistics; k != nil {
		setFloat(out, FieldEV, k.EnterpriseValue.Raw)
	}
	if price != nil && volume != nil {
		out[FieldAvgValueTrade] = *price * *volume
	}
	if a := r.AssetProfile; a != nil {
		setString(out, FieldSector, a.Sector)
		setString(out, FieldIndustryGroup, a.Industry)
		setString(out, FieldCountry, a.Country)
	}
	return out, nil
}

func setFloat(out company.Fields, key string, v *float64) {
	if v != nil {
		out[key] = *v
	}
}

func setString(out company.Fields, key, v string) {
	if v = strings.TrimSpace(v); v != "" {
		out[key] = v
	}
}
