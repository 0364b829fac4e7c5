package portal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/zombor/resibo/internal/invoice"
)

// PostgresStore implements PendingStore on the pending_invoices table the
// upstream bot writes to
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a pgx-backed pool
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the pending_invoices table if it is missing
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS pending_invoices (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	extracted_data JSONB,
	awaiting_confirmation BOOLEAN NOT NULL DEFAULT true,
	transaction_id TEXT,
	gdrive_file_id TEXT,
	drive_url TEXT,
	filename TEXT,
	content_type TEXT
);

CREATE INDEX IF NOT EXISTS idx_pending_invoices_user_awaiting
	ON pending_invoices(user_id, awaiting_confirmation, created_at DESC);
`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	return nil
}

const selectColumns = `id, user_id, created_at, extracted_data, awaiting_confirmation,
	transaction_id, gdrive_file_id, drive_url, filename, content_type`

// ListPending returns the user's invoices awaiting confirmation, newest first
func (p *PostgresStore) ListPending(ctx context.Context, userID string) ([]invoice.RawRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM pending_invoices
WHERE user_id = $1 AND awaiting_confirmation = true
ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query pending invoices: %w", err)
	}
	defer rows.Close()

	records := make([]invoice.RawRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending invoices: %w", err)
	}
	return records, nil
}

// GetPending retrieves a pending invoice by ID
func (p *PostgresStore) GetPending(ctx context.Context, id string) (*invoice.RawRecord, error) {
	row := p.db.QueryRowContext(ctx, `
SELECT `+selectColumns+`
FROM pending_invoices
WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// SavePending inserts or replaces a pending invoice
func (p *PostgresStore) SavePending(ctx context.Context, rec *invoice.RawRecord) error {
	var extracted any
	if len(rec.ExtractedData) > 0 {
		extracted = []byte(rec.ExtractedData)
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO pending_invoices (id, user_id, created_at, extracted_data, awaiting_confirmation,
	transaction_id, gdrive_file_id, drive_url, filename, content_type)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	extracted_data = EXCLUDED.extracted_data,
	awaiting_confirmation = EXCLUDED.awaiting_confirmation,
	transaction_id = EXCLUDED.transaction_id,
	gdrive_file_id = EXCLUDED.gdrive_file_id,
	drive_url = EXCLUDED.drive_url,
	filename = EXCLUDED.filename,
	content_type = EXCLUDED.content_type`,
		rec.ID, rec.UserID, rec.CreatedAt, extracted, rec.AwaitingConfirmation,
		nullString(rec.TransactionID), nullString(rec.GDriveFileID), nullString(rec.DriveURL),
		nullString(rec.Filename), nullString(rec.ContentType),
	)
	if err != nil {
		return fmt.Errorf("save pending invoice: %w", err)
	}
	return nil
}

// Resolve marks a pending invoice as no longer awaiting confirmation
func (p *PostgresStore) Resolve(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
UPDATE pending_invoices SET awaiting_confirmation = false
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resolve pending invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve pending invoice: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close closes the connection pool
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (invoice.RawRecord, error) {
	var (
		rec       invoice.RawRecord
		extracted []byte
		txID      sql.NullString
		fileID    sql.NullString
		driveURL  sql.NullString
		filename  sql.NullString
		mime      sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.CreatedAt, &extracted, &rec.AwaitingConfirmation,
		&txID, &fileID, &driveURL, &filename, &mime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan pending invoice: %w", err)
	}
	if len(extracted) > 0 {
		rec.ExtractedData = json.RawMessage(extracted)
	}
	rec.TransactionID = txID.String
	rec.GDriveFileID = fileID.String
	rec.DriveURL = driveURL.String
	rec.Filename = filename.String
	rec.ContentType = mime.String
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
