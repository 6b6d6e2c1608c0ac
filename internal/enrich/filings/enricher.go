// Package filings enriches US-listed companies with recent SEC EDGAR filing links.
package filings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
	"github.com/palantir/equity-enrichment-pipeline/internal/provider"
)

// Name is the registry name of this enricher.
const Name = "filings"

// Output fields.
const (
	FieldCIK         = "sec_cik"
	FieldCompanyName = "sec_company_name"
	FieldCount       = "sec_filings_count"
	FieldLatest10K   = "sec_latest_10k"
	FieldLatest10Q   = "sec_latest_10q"
	FieldLatest8K    = "sec_latest_8k"
	FieldLatestProxy = "sec_latest_proxy"
	FieldSummary     = "sec_filings_summary"
	FieldLastUpdated = "sec_last_updated"
)

const (
	defaultLookback   = 365
	archivesPathFmt   = "Archives/edgar/data/%d/%s/%s"
	submissionPathFmt = "submissions/CIK%010d.json"
)

// Tracked forms and their descriptions. Forms with numbered variants (424B2, 424B3,
// 13F-HR) are folded into their family.
var trackedForms = map[string]string{
	"10-K":    "Annual report",
	"10-Q":    "Quarterly report",
	"8-K":     "Current report (material events)",
	"DEF 14A": "Proxy statement",
	"20-F":    "Annual report (foreign)",
	"S-1":     "Registration statement",
	"424B":    "Prospectus",
	"11-K":    "Employee stock plan annual report",
	"SC 13D":  "Beneficial ownership report",
	"SC 13G":  "Beneficial ownership report (passive)",
	"13F":     "Institutional holdings",
	"DEFA14A": "Additional proxy materials",
	"S-3":     "Registration statement (simplified)",
	"S-8":     "Employee benefit plan registration",
	"6-K":     "Current report (foreign)",
	"40-F":    "Annual report (Canadian)",
}

type Config struct {
	// WWWBaseURL serves company_tickers.json and filing archives ("https://www.sec.gov").
	WWWBaseURL string
	// DataBaseURL serves the submissions API ("https://data.sec.gov").
	DataBaseURL string
	// Identity is the User-Agent EDGAR requires: "Name email@example.com".
	Identity string
	// LookbackDays limits which filings are considered. Defaults to 365.
	LookbackDays int

	// Now overrides the clock (tests).
	Now func() time.Time
}

type Enricher struct {
	www      *provider.Client
	data     *provider.Client
	wwwBase  string
	lookback time.Duration
	now      func() time.Time

	mu   sync.Mutex
	ciks map[string]int64
}

func New(cfg Config) (*Enricher, error) {
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		return nil, errors.New("filings: EDGAR identity is required")
	}
	www, err := provider.NewClient("sec", cfg.WWWBaseURL, provider.WithHeader("User-Agent", identity))
	if err != nil {
		return nil, err
	}
	data, err := provider.NewClient("sec", cfg.DataBaseURL, provider.WithHeader("User-Agent", identity))
	if err != nil {
		return nil, err
	}
	base, err := provider.ParseBaseURL(cfg.WWWBaseURL, "sec")
	if err != nil {
		return nil, err
	}
	days := cfg.LookbackDays
	if days <= 0 {
		days = defaultLookback
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Enricher{
		www:      www,
		data:     data,
		wwwBase:  base.String(),
		lookback: time.Duration(days) * 24 * time.Hour,
		now:      now,
	}, nil
}

func (e *Enricher) Name() string { return Name }

type tickerEntry struct {
	CIK    int64  `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

type submissions struct {
	CIK     string `json:"cik"`
	Name    string `json:"name"`
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			FilingDate      []string `json:"filingDate"`
			Form            []string `json:"form"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

type filing struct {
	Form string
	Date string
	URL  string
}

func (e *Enricher) Enrich(ctx context.Context, c company.Company) (company.Fields, error) {
	symbol := company.Symbol(c.Ticker())
	if symbol == "" {
		return nil, enrich.Permanent(errors.New("filings: missing ticker"))
	}

	cik, ok, err := e.lookupCIK(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Not registered with the SEC (typically a non-US listing).
		return company.Fields{}, nil
	}

	var sub submissions
	if err := e.data.GetJSON(ctx, "submissions", fmt.Sprintf(submissionPathFmt, cik), nil, &sub); err != nil {
		return nil, err
	}

	filings := e.recentFilings(cik, sub)
	now := e.now().UTC()
	out := company.Fields{
		FieldCIK:         cik,
		FieldCompanyName: strings.TrimSpace(sub.Name),
		FieldCount:       len(filings),
		FieldSummary:     summarize(filings),
		FieldLastUpdated: now.Format(time.RFC3339),
	}
	setLatest(out, FieldLatest10K, filings, "10-K")
	setLatest(out, FieldLatest10Q, filings, "10-Q")
	setLatest(out, FieldLatest8K, filings, "8-K")
	setLatest(out, FieldLatestProxy, filings, "DEF 14A")
	return out, nil
}

func (e *Enricher) lookupCIK(ctx context.Context, symbol string) (int64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ciks == nil {
		var raw map[string]tickerEntry
		if err := e.www.GetJSON(ctx, "companyTickers", "files/company_tickers.json", nil, &raw); err != nil {
			return 0, false, err
		}
		ciks := make(map[string]int64, len(raw))
		for _, t := range raw {
			if sym := strings.ToUpper(strings.TrimSpace(t.Ticker)); sym != "" {
				ciks[sym] = t.CIK
			}
		}
		e.ciks = ciks
	}
	cik, ok := e.ciks[symbol]
	return cik, ok, nil
}

// recentFilings returns tracked filings inside the lookback window, newest first.
func (e *Enricher) recentFilings(cik int64, sub submissions) []filing {
	r := sub.Filings.Recent
	cutoff := e.now().UTC().Add(-e.lookback).Format(time.DateOnly)

	var out []filing
	for i, form := range r.Form {
		family := formFamily(form)
		if family == "" || i >= len(r.FilingDate) {
			continue
		}
		date := r.FilingDate[i]
		if date < cutoff {
			continue
		}
		f := filing{Form: family, Date: date}
		if i < len(r.AccessionNumber) && i < len(r.PrimaryDocument) {
			acc := strings.ReplaceAll(r.AccessionNumber[i], "-", "")
			f.URL = e.wwwBase + fmt.Sprintf(archivesPathFmt, cik, acc, r.PrimaryDocument[i])
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

func formFamily(form string) string {
	form = strings.ToUpper(strings.TrimSpace(form))
	if _, ok := trackedForms[form]; ok {
		return form
	}
	for _, prefix := range []string{"424B", "13F"} {
		if strings.HasPrefix(form, prefix) {
			return prefix
		}
	}
	return ""
}

func setLatest(out company.Fields, key string, filings []filing, form string) {
	for _, f := range filings {
		if f.Form == form && f.URL != "" {
			out[key] = f.URL
			return
		}
	}
}

func summarize(filings []filing) map[string]any {
	summary := make(map[string]any)
	counts := make(map[string]int)
	latest := make(map[string]string)
	for _, f := range filings {
		counts[f.Form]++
		if f.Date > latest[f.Form] {
			latest[f.Form] = f.Date
		}
	}
	for form, n := range counts {
		summary[form] = map[string]any{
			"count":       n,
			"latest_date": latest[form],
			"description": trackedForms[form],
		}
	}
	return summary
}
