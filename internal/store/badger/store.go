// Package badger is an embedded Store backed by BadgerDB, used for local runs and tests.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/store"
)

const (
	companyPrefix = "company/"
	auditPrefix   = "audit/"
)

// Store implements store.Store on a BadgerDB instance.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.AuditReader = (*Store)(nil)
	_ store.Seeder      = (*Store)(nil)
)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// Open opens a BadgerDB database at dir, creating the directory if needed.
// An empty dir opens an in-memory database.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if strings.TrimSpace(dir) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, store.Unavailable("open badger", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger.With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, store.Unavailable("open badger", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func companyKey(ticker string) []byte {
	return []byte(companyPrefix + ticker)
}

func auditKey(at time.Time) []byte {
	// Zero-padded so lexical order is chronological.
	return []byte(fmt.Sprintf("%s%020d/%s", auditPrefix, at.UnixNano(), uuid.NewString()))
}

// FetchCandidates returns companies ordered by ticker.
func (s *Store) FetchCandidates(ctx context.Context, limit int) ([]company.Company, error) {
	var out []company.Company
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(companyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var c company.Company
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, store.Unavailable("fetch candidates", err)
		}
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	return out, nil
}

// BatchUpsert merges every update in one read-write transaction.
func (s *Store) BatchUpsert(ctx context.Context, updates []company.Update) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, u := range updates {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(u.Fields) == 0 {
				continue
			}
			if strings.TrimSpace(u.Ticker) == "" {
				return errors.New("update without ticker")
			}
			if err := upsertOne(txn, u); err != nil {
				return fmt.Errorf("upsert %s: %w", u.Ticker, err)
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return store.Unavailable("batch upsert", err)
	}
	return &store.WriteError{Tickers: store.Tickers(updates), Err: err}
}

func upsertOne(txn *badger.Txn, u company.Update) error {
	key := companyKey(u.Ticker)
	row := company.Company{company.TickerField: u.Ticker}

	item, err := txn.Get(key)
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return err
	}

	row = row.With(u.Fields)
	b, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

// AppendLog stores one audit entry.
func (s *Store) AppendLog(_ context.Context, entry company.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(auditKey(entry.CreatedAt), b)
	})
}

// RecentAudit returns up to limit audit entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]company.AuditEntry, error) {
	var out []company.AuditEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(auditPrefix + "\xff")); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e company.AuditEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}

// Seed inserts or merges companies. Rows without a ticker are skipped.
func (s *Store) Seed(ctx context.Context, companies []company.Company) (int, error) {
	updates := make([]company.Update, 0, len(companies))
	for _, c := range companies {
		ticker := c.Ticker()
		if ticker == "" {
			continue
		}
		fields := company.Fields{}
		for k, v := range c {
			fields[k] = v
		}
		// An empty Fields would be skipped; keep the row even when only the ticker is known.
		fields[company.TickerField] = ticker
		updates = append(updates, company.Update{Ticker: ticker, Fields: fields})
	}
	if err := s.BatchUpsert(ctx, updates); err != nil {
		return 0, err
	}
	return len(updates), nil
}
