// Package postgres is the Store backed by the Postgres (Supabase) companies table.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/store"
)

const (
	// CompaniesTable holds one row per company keyed by "Ticker".
	CompaniesTable = "companies_bbt"
	// AuditTable is the append-only enrichment failure log.
	AuditTable = "enrichment_logs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL string `yaml:"url"`
	// Password is injected into URL when set, so the URL can live in a config file
	// without the secret.
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Store implements store.Store on Postgres.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger

	mu      sync.RWMutex
	columns map[string]struct{}
	warned  sync.Map
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.AuditReader = (*Store)(nil)
	_ store.Seeder      = (*Store)(nil)
)

// Open connects, configures the pool and verifies the connection. Connection failures
// wrap store.ErrUnavailable.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn, err := BuildDSN(cfg.URL, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, store.Unavailable("open database", err)
	}

	// Set pool configuration
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, store.Unavailable("ping database", err)
	}

	s := &Store{db: db, logger: logger.With("component", "postgres")}
	if err := s.loadColumns(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// BuildDSN injects password into a postgres:// URL or appends it to a key=value DSN.
func BuildDSN(rawURL, password string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("database url is required")
	}
	if password == "" {
		return rawURL, nil
	}
	if !strings.Contains(rawURL, "://") {
		return rawURL + " password=" + quoteDSNValue(password), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}

func quoteDSNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded goose migrations and refreshes the column set.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return s.loadColumns(ctx)
}

func (s *Store) loadColumns(ctx context.Context) error {
	var cols []string
	err := s.db.SelectContext(ctx, &cols, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, CompaniesTable)
	if err != nil {
		return store.Unavailable("discover columns", err)
	}
	set := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		set[c] = struct{}{}
	}
	if len(set) == 0 {
		s.logger.Warn("companies table not found; run migrate first", "table", CompaniesTable)
	}

	s.mu.Lock()
	s.columns = set
	s.mu.Unlock()
	return nil
}

// FetchCandidates returns companies ordered by ticker.
func (s *Store) FetchCandidates(ctx context.Context, limit int) ([]company.Company, error) {
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s`, ident(CompaniesTable), ident(company.TickerField))
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, store.Unavailable("fetch candidates", err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	jsonCols := make(map[string]bool)
	for _, t := range types {
		switch strings.ToUpper(t.DatabaseTypeName()) {
		case "JSON", "JSONB":
			jsonCols[t.Name()] = true
		}
	}

	var out []company.Company
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		out = append(out, normalizeRow(row, jsonCols))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	return out, nil
}

func normalizeRow(row map[string]any, jsonCols map[string]bool) company.Company {
	c := make(company.Company, len(row))
	for k, v := range row {
		switch t := v.(type) {
		case nil:
			continue
		case []byte:
			v = string(t)
		}
		if str, ok := v.(string); ok && jsonCols[k] {
			var decoded any
			if err := json.Unmarshal([]byte(str), &decoded); err == nil {
				c[k] = decoded
				continue
			}
		}
		c[k] = v
	}
	return c
}

// BatchUpsert writes all updates in one transaction.
func (s *Store) BatchUpsert(ctx context.Context, updates []company.Update) error {
	if len(updates) == 0 {
		return nil
	}
	tickers := store.Tickers(updates)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &store.WriteError{Tickers: tickers, Err: store.Unavailable("begin transaction", err)}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, u := range updates {
		fields := s.knownFields(u.Fields)
		if len(fields) == 0 {
			continue
		}
		query, args, err := upsertStatement(u.Ticker, fields)
		if err != nil {
			return &store.WriteError{Tickers: tickers, Err: err}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return &store.WriteError{Tickers: tickers, Err: fmt.Errorf("upsert %s: %w", u.Ticker, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &store.WriteError{Tickers: tickers, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// knownFields drops fields without a matching column (logged once per column).
func (s *Store) knownFields(f company.Fields) company.Fields {
	s.mu.RLock()
	cols := s.columns
	s.mu.RUnlock()

	out := make(company.Fields, len(f))
	for k, v := range f {
		if k == company.TickerField {
			continue
		}
		if len(cols) > 0 {
			if _, ok := cols[k]; !ok {
				if _, seen := s.warned.LoadOrStore(k, true); !seen {
					s.logger.Warn("dropping field without column", "field", k, "table", CompaniesTable)
				}
				continue
			}
		}
		out[k] = v
	}
	return out
}

func upsertStatement(ticker string, fields company.Fields) (string, []any, error) {
	keys := fields.Keys()
	sort.Strings(keys)

	cols := make([]string, 0, len(keys)+1)
	placeholders := make([]string, 0, len(keys)+1)
	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)

	cols = append(cols, ident(company.TickerField))
	placeholders = append(placeholders, "$1")
	args = append(args, ticker)

	for i, k := range keys {
		v, err := columnValue(fields[k])
		if err != nil {
			return "", nil, fmt.Errorf("encode %q: %w", k, err)
		}
		col := ident(k)
		cols = append(cols, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		args = append(args, v)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		ident(CompaniesTable),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		ident(company.TickerField),
		strings.Join(sets, ", "),
	)
	return query, args, nil
}

// columnValue encodes composite values as JSON text for json/jsonb columns.
func columnValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// AppendLog inserts one audit entry.
func (s *Store) AppendLog(ctx context.Context, entry company.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (ticker, enricher, error, attempts, run_id, created_at)
		VALUES (:ticker, :enricher, :error, :attempts, :run_id, :created_at)`, ident(AuditTable)),
		auditRow{
			Ticker:    entry.Ticker,
			Enricher:  entry.Enricher,
			Error:     entry.Error,
			Attempts:  entry.Attempts,
			RunID:     entry.RunID,
			CreatedAt: entry.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

type auditRow struct {
	Ticker    string    `db:"ticker"`
	Enricher  string    `db:"enricher"`
	Error     string    `db:"error"`
	Attempts  int       `db:"attempts"`
	RunID     string    `db:"run_id"`
	CreatedAt time.Time `db:"created_at"`
}

// RecentAudit returns up to limit audit entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]company.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT ticker, enricher, error, attempts, run_id, created_at
		FROM %s
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, ident(AuditTable)), limit)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	out := make([]company.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, company.AuditEntry{
			Ticker:    r.Ticker,
			Enricher:  r.Enricher,
			Error:     r.Error,
			Attempts:  r.Attempts,
			RunID:     r.RunID,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Seed inserts or merges companies in one transaction.
func (s *Store) Seed(ctx context.Context, companies []company.Company) (int, error) {
	updates := make([]company.Update, 0, len(companies))
	for _, c := range companies {
		ticker := c.Ticker()
		if ticker == "" {
			continue
		}
		fields := make(company.Fields, len(c))
		for k, v := range c {
			if k != company.TickerField {
				fields[k] = v
			}
		}
		updates = append(updates, company.Update{Ticker: ticker, Fields: fields})
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, store.Unavailable("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, u := range updates {
		fields := s.knownFields(u.Fields)
		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1) ON CONFLICT DO NOTHING`, ident(CompaniesTable), ident(company.TickerField))
		args := []any{u.Ticker}
		if len(fields) > 0 {
			query, args, err = upsertStatement(u.Ticker, fields)
			if err != nil {
				return 0, err
			}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("seed %s: %w", u.Ticker, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("seed commit: %w", err)
	}
	return len(updates), nil
}
