package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// RecordStore persists one extracted record per approved document.
type RecordStore interface {
	// Create is idempotent on DocumentID and returns the stored row.
	Create(ctx context.Context, rec models.ExtractedRecord) (models.ExtractedRecord, error)
	// Get returns ErrNotFound when the record does not exist or belongs to another user.
	Get(ctx context.Context, userID string, id int64) (models.ExtractedRecord, error)
	ListByUser(ctx context.Context, userID string) ([]models.ExtractedRecord, error)
}

// Dialect selects placeholder style and DDL.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

const recordColumns = "id, user_id, document_id, filing_status, w2_wages, total_deductions, ira_distributions, capital_gain_loss"

// SQLRecordStore implements RecordStore over database/sql.
type SQLRecordStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLRecordStore(db *sql.DB, dialect Dialect) *SQLRecordStore {
	return &SQLRecordStore{db: db, dialect: dialect}
}

// DBConfig holds database connection configuration
type DBConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// OpenPostgres creates a pgx pool and wraps it as *sql.DB.
func OpenPostgres(ctx context.Context, cfg DBConfig, logger *slog.Logger) (*sql.DB, *pgxpool.Pool, error) {
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database url", "error", err)
		return nil, nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "taxdocumentvault"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, nil, err
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		logger.Error("database ping failed", "error", err)
		return nil, nil, err
	}

	logger.Info("successfully connected to database")
	return stdlib.OpenDBFromPool(pool), pool, nil
}

// OpenSQLite opens a local database file (or ":memory:").
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Every new connection to ":memory:" would see a fresh, empty database.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates the tax_records table if it does not exist.
func (s *SQLRecordStore) Migrate(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case DialectSQLite:
		ddl = `CREATE TABLE IF NOT EXISTS tax_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	document_id TEXT NOT NULL UNIQUE,
	filing_status TEXT,
	w2_wages REAL,
	total_deductions REAL,
	ira_distributions REAL,
	capital_gain_loss REAL
)`
	default:
		ddl = `CREATE TABLE IF NOT EXISTS tax_records (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	document_id TEXT NOT NULL UNIQUE,
	filing_status TEXT,
	w2_wages NUMERIC(14,2),
	total_deductions NUMERIC(14,2),
	ira_distributions NUMERIC(14,2),
	capital_gain_loss NUMERIC(14,2)
)`
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create tax_records: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS tax_records_user_id_idx ON tax_records (user_id)`); err != nil {
		return fmt.Errorf("create tax_records index: %w", err)
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for Postgres.
func (s *SQLRecordStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLRecordStore) Create(ctx context.Context, rec models.ExtractedRecord) (models.ExtractedRecord, error) {
	if rec.UserID == "" || rec.DocumentID == "" {
		return models.ExtractedRecord{}, fmt.Errorf("record requires user and document id")
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := s.rebind(`INSERT INTO tax_records (user_id, document_id, filing_status, w2_wages, total_deductions, ira_distributions, capital_gain_loss)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (document_id) DO UPDATE SET document_id = excluded.document_id
RETURNING ` + recordColumns)

	row := s.db.QueryRowContext(ctx, query,
		rec.UserID,
		rec.DocumentID,
		nullString(rec.FilingStatus),
		nullFloat(rec.W2Wages),
		nullFloat(rec.TotalDeductions),
		nullFloat(rec.IRADistributions),
		nullFloat(rec.CapitalGainLoss),
	)
	stored, err := scanRecord(row)
	if err != nil {
		return models.ExtractedRecord{}, fmt.Errorf("insert tax record: %w", err)
	}
	if stored.UserID != rec.UserID {
		return models.ExtractedRecord{}, fmt.Errorf("document %s already recorded for another user: %w", rec.DocumentID, ErrIntegrity)
	}
	return stored, nil
}

func (s *SQLRecordStore) Get(ctx context.Context, userID string, id int64) (models.ExtractedRecord, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM tax_records WHERE id = ? AND user_id = ?`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ExtractedRecord{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ExtractedRecord{}, fmt.Errorf("select tax record: %w", err)
	}
	return rec, nil
}

func (s *SQLRecordStore) ListByUser(ctx context.Context, userID string) ([]models.ExtractedRecord, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM tax_records WHERE user_id = ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list tax records: %w", err)
	}
	defer rows.Close()

	records := []models.ExtractedRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tax record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.ExtractedRecord, error) {
	var (
		rec                                  models.ExtractedRecord
		filingStatus                         sql.NullString
		wages, deductions, ira, capitalGains sql.NullFloat64
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.DocumentID, &filingStatus, &wages, &deductions, &ira, &capitalGains); err != nil {
		return models.ExtractedRecord{}, err
	}
	if filingStatus.Valid {
		rec.FilingStatus = &filingStatus.String
	}
	rec.W2Wages = floatPtr(wages)
	rec.TotalDeductions = floatPtr(deductions)
	rec.IRADistributions = floatPtr(ira)
	rec.CapitalGainLoss = floatPtr(capitalGains)
	return rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
