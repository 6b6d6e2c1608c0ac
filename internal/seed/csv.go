// Package seed loads candidate companies from a CSV export into a store.
package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/store"
)

// ReadCSV reads companies from a CSV with a header row. The ticker column is matched
// case-insensitively and is required; every other column is carried as-is, except that
// numeric cells become float64 and empty cells are dropped.
func ReadCSV(r io.Reader) ([]company.Company, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make([]string, len(header))
	tickerIdx := -1
	for i, col := range header {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if strings.EqualFold(col, company.TickerField) {
			col = company.TickerField
			if tickerIdx < 0 {
				tickerIdx = i
			}
		}
		cols[i] = col
	}
	if tickerIdx < 0 {
		return nil, fmt.Errorf("missing required column %q", company.TickerField)
	}

	var out []company.Company
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		if tickerIdx >= len(rec) || strings.TrimSpace(rec[tickerIdx]) == "" {
			continue
		}

		c := make(company.Company, len(cols))
		for i, col := range cols {
			if i >= len(rec) || col == "" {
				continue
			}
			v := strings.TrimSpace(rec[i])
			if v == "" {
				continue
			}
			if i == tickerIdx || col == company.NameField {
				c[col] = v
				continue
			}
			c[col] = cell(v)
		}
		out = append(out, c)
	}
}

func cell(v string) any {
	if f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err == nil {
		return f
	}
	return v
}

// LoadFile reads path and seeds st. It returns the number of companies written.
func LoadFile(ctx context.Context, st store.Seeder, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rows, err := ReadCSV(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return st.Seed(ctx, rows)
}
