package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
)

// ErrUnavailable is returned (wrapped) when the backend cannot be reached or the
// credentials are rejected. The pipeline treats it as fatal.
var ErrUnavailable = errors.New("store unavailable")

// Store is the persistent companies table plus the enrichment audit log.
type Store interface {
	// FetchCandidates returns companies to enrich in a stable order. limit <= 0 means
	// no limit.
	FetchCandidates(ctx context.Context, limit int) ([]company.Company, error)

	// BatchUpsert writes every update or none of them. Updates for the same ticker are
	// merged into existing rows; fields not named in an update are left untouched.
	BatchUpsert(ctx context.Context, updates []company.Update) error

	// AppendLog records one enrichment failure. Best effort.
	AppendLog(ctx context.Context, entry company.AuditEntry) error

	Close() error
}

// AuditReader is implemented by stores that can list recent audit entries.
type AuditReader interface {
	RecentAudit(ctx context.Context, limit int) ([]company.AuditEntry, error)
}

// Seeder is implemented by stores that can insert candidate rows directly.
type Seeder interface {
	Seed(ctx context.Context, companies []company.Company) (int, error)
}

// WriteError is returned by BatchUpsert when a batch was rejected as a whole.
type WriteError struct {
	Tickers []string
	Err     error
}

func (e *WriteError) Error() string {
	if e == nil {
		return "store write error"
	}
	return fmt.Sprintf("batch upsert of %d companies failed: %v", len(e.Tickers), e.Err)
}

func (e *WriteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Tickers returns the tickers of updates, in order.
func Tickers(updates []company.Update) []string {
	out := make([]string, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.Ticker)
	}
	return out
}
