package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
)

const (
	StatusEnriched = "enriched"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

// Summary reports what one Run did.
type Summary struct {
	RunID string

	Candidates int
	// Processed counts companies that went through every enricher.
	Processed int
	Enriched  int
	Partial   int
	Failed    int
	// Skipped counts candidates without a ticker.
	Skipped int

	EnricherFailures int

	Persisted     int
	NotPersisted  int
	Flushes       int
	FailedFlushes int

	AuditWriteFailures int

	Canceled bool
	Duration time.Duration

	Outcomes []CompanyOutcome
}

// CompanyOutcome is the per-company line of a Summary.
type CompanyOutcome struct {
	Ticker string
	Status string
	// Fields are the names written by the patch, sorted.
	Fields          []string
	FailedEnrichers []string
	Errors          []string
	Persisted       bool
}

// ReportHeader is the column order written by WriteReportCSV.
var ReportHeader = []string{"ticker", "status", "fields", "failed_enrichers", "errors", "persisted"}

// WriteReportCSV writes one row per processed company.
func WriteReportCSV(w io.Writer, s *Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ReportHeader); err != nil {
		return err
	}
	if s != nil {
		for _, o := range s.Outcomes {
			rec := []string{
				o.Ticker,
				o.Status,
				strings.Join(o.Fields, ";"),
				strings.Join(o.FailedEnrichers, ";"),
				strings.Join(o.Errors, " | "),
				fmt.Sprintf("%t", o.Persisted),
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func sortedKeys(f company.Fields) []string {
	if len(f) == 0 {
		return nil
	}
	keys := f.Keys()
	sort.Strings(keys)
	return keys
}
