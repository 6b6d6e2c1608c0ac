package seed_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/seed"
)

func TestReadCSV(t *testing.T) {
	t.Run("reads every column", func(t *testing.T) {
		in := "Ticker,Security,Market Cap,GICS Sector\nAAPL US Equity,Apple Inc,\"3,000,000\",Information Technology\nMSFT US Equity,Microsoft,,\n"
		got, err := seed.ReadCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 companies, got %d", len(got))
		}
		if got[0].Ticker() != "AAPL US Equity" || got[0]["Security"] != "Apple Inc" {
			t.Fatalf("unexpected row[0]: %#v", got[0])
		}
		if got[0]["Market Cap"] != 3_000_000.0 {
			t.Fatalf("expected numeric market cap, got %#v", got[0]["Market Cap"])
		}
		if got[0]["GICS Sector"] != "Information Technology" {
			t.Fatalf("unexpected sector: %#v", got[0]["GICS Sector"])
		}
		if _, ok := got[1]["Market Cap"]; ok {
			t.Fatalf("empty cells must be dropped: %#v", got[1])
		}
	})

	t.Run("ticker header is case-insensitive", func(t *testing.T) {
		in := "\uFEFFticker\nIBM US Equity\n"
		got, err := seed.ReadCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0][company.TickerField] != "IBM US Equity" {
			t.Fatalf("unexpected companies: %#v", got)
		}
	})

	t.Run("rows without ticker are skipped", func(t *testing.T) {
		in := "Ticker,Security\n,Orphan\nAAA,Alpha\n"
		got, err := seed.ReadCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Ticker() != "AAA" {
			t.Fatalf("unexpected companies: %#v", got)
		}
	})

	t.Run("numeric looking names stay strings", func(t *testing.T) {
		in := "Ticker,Security\n1234 JP Equity,3M\n"
		got, err := seed.ReadCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got[0]["Security"] != "3M" {
			t.Fatalf("unexpected security: %#v", got[0]["Security"])
		}
	})

	t.Run("missing ticker column errors", func(t *testing.T) {
		_, err := seed.ReadCSV(strings.NewReader("Security\nApple\n"))
		if err == nil {
			t.Fatalf("expected error")
		}
	})
}

type recordingSeeder struct {
	got []company.Company
}

func (r *recordingSeeder) Seed(_ context.Context, cs []company.Company) (int, error) {
	r.got = append(r.got, cs...)
	return len(cs), nil
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companies.csv")
	if err := os.WriteFile(path, []byte("Ticker,Security\nAAA,Alpha\nBBB,Beta\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &recordingSeeder{}
	n, err := seed.LoadFile(context.Background(), rec, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 || len(rec.got) != 2 || rec.got[1].Ticker() != "BBB" {
		t.Fatalf("unexpected seed: n=%d rows=%#v", n, rec.got)
	}

	if _, err := seed.LoadFile(context.Background(), rec, filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
