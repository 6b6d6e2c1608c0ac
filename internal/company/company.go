package company

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

const (
	// TickerField is the stable unique identifier column of a company row.
	TickerField = "Ticker"
	// NameField holds the security display name (used by prompt-based enrichers).
	NameField = "Security"
	// LastEnrichedField is stamped on every non-empty patch.
	LastEnrichedField = "last_enriched"
)

// Company is one row of the companies table keyed by TickerField.
//
// Enrichers receive a Company by value and must treat it as read-only: the map is
// shared with the pipeline.
type Company map[string]any

// Fields is a partial update (delta) produced by one enricher.
type Fields map[string]any

// Update is one pending write in a batch: the accumulated patch for one company.
type Update struct {
	Ticker string
	Fields Fields
}

// AuditEntry records an enrichment failure that exhausted its retries.
type AuditEntry struct {
	Ticker    string    `json:"ticker"`
	Enricher  string    `json:"enricher"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticker returns the identifier of c, or "" when it is missing or not a string.
func (c Company) Ticker() string {
	switch v := c[TickerField].(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// String returns the value of key as a trimmed string ("" when absent).
func (c Company) String(key string) string {
	switch v := c[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// With returns a copy of c overlaid with f. Neither input is modified.
func (c Company) With(f Fields) Company {
	out := make(Company, len(c)+len(f))
	maps.Copy(out, c)
	for k, v := range f {
		if k == TickerField {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of c.
func (c Company) Clone() Company {
	return maps.Clone(c)
}

// Merge copies src into f, overwriting existing keys (last writer wins).
// The identifier field is never written.
func (f Fields) Merge(src Fields) Fields {
	if f == nil {
		f = make(Fields, len(src))
	}
	for k, v := range src {
		if k == TickerField {
			continue
		}
		f[k] = v
	}
	return f
}

// Keys returns the field names of f in no particular order.
func (f Fields) Keys() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	return out
}

// Compact drops nil values.
func (f Fields) Compact() Fields {
	for k, v := range f {
		if v == nil {
			delete(f, k)
		}
	}
	return f
}

// Symbol returns the exchange-less symbol of a Bloomberg-style ticker
// ("AAPL US Equity" -> "AAPL").
func Symbol(ticker string) string {
	parts := strings.Fields(ticker)
	if len(parts) == 0 {
		return ""
	}
	return strings.ToUpper(parts[0])
}

// Exchange returns the exchange code of a Bloomberg-style ticker
// ("AAPL US Equity" -> "US"), or "" when absent.
func Exchange(ticker string) string {
	parts := strings.Fields(ticker)
	if len(parts) < 3 {
		// "AAPL Equity" or bare "AAPL"
		if len(parts) == 2 && !strings.EqualFold(parts[1], "equity") {
			return strings.ToUpper(parts[1])
		}
		return ""
	}
	return strings.ToUpper(parts[1])
}
