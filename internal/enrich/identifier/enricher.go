// Package identifier resolves security identifiers (FIGI family) through the OpenFIGI
// mapping API.
package identifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
	"github.com/palantir/equity-enrichment-pipeline/internal/provider"
)

// Name is the registry name of this enricher.
const Name = "identifier"

// Output fields.
const (
	FieldFIGI           = "FIGI"
	FieldCompositeFIGI  = "Composite FIGI"
	FieldShareClassFIGI = "Share Class FIGI"
	FieldSecurityType   = "Security Typ"
	FieldExchCode       = "Exch Code"
)

type Config struct {
	// BaseURL of the OpenFIGI API, e.g. "https://api.openfigi.com".
	BaseURL string
	// APIKey is optional; without it OpenFIGI applies a much lower rate limit.
	APIKey string

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
	c, err := provider.NewClient("openfigi", cfg.BaseURL, provider.WithHeader("X-OPENFIGI-APIKEY", cfg.APIKey))
	if err != nil {
		return nil, err
	}
	return &Enricher{client: c}, nil
}

func (e *Enricher) Name() string { return Name }

type mappingJob struct {
	IDType   string `json:"idType"`
	IDValue  string `json:"idValue"`
	ExchCode string `json:"exchCode,omitempty"`
}

type mappingResult struct {
	Data []struct {
		FIGI           string `json:"figi"`
		CompositeFIGI  string `json:"compositeFIGI"`
		ShareClassFIGI string `json:"shareClassFIGI"`
		SecurityType   string `json:"securityType"`
		ExchCode       string `json:"exchCode"`
	} `json:"data"`
	Warning string `json:"warning"`
	Error   string `json:"error"`
}

func (e *Enricher) Enrich(ctx context.Context, c company.Company) (company.Fields, error) {
	ticker := c.Ticker()
	symbol := company.Symbol(ticker)
	if symbol == "" {
		return nil, enrich.Permanent(errors.New("identifier: missing ticker"))
	}

	jobs := []mappingJob{{
		IDType:   "TICKER",
		IDValue:  symbol,
		ExchCode: company.Exchange(ticker),
	}}
	var results []mappingResult
	if err := e.client.PostJSON(ctx, "mapping", "v3/mapping", jobs, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("identifier: empty mapping response for %s", symbol)
	}

	r := results[0]
	switch {
	case strings.TrimSpace(r.Error) != "":
		return nil, enrich.Permanent(fmt.Errorf("identifier: %s: %s", symbol, strings.TrimSpace(r.Error)))
	case len(r.Data) == 0:
		msg := strings.TrimSpace(r.Warning)
		if msg == "" {
			msg = "no identifier found"
		}
		return nil, enrich.Permanent(fmt.Errorf("identifier: %s: %s", symbol, msg))
	}

	d := r.Data[0]
	out := company.Fields{}
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	set(FieldFIGI, d.FIGI)
	set(FieldCompositeFIGI, d.CompositeFIGI)
	set(FieldShareClassFIGI, d.ShareClassFIGI)
	set(FieldSecurityType, d.SecurityType)
	set(FieldExchCode, d.ExchCode)
	return out, nil
}
