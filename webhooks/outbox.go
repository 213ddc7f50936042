package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Delivery status values journaled in the outbox.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// DeliveryRecord is one journaled webhook delivery.
type DeliveryRecord struct {
	ID        string
	Endpoint  string
	Sequence  uint64
	EventType string
	Payload   []byte
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outbox journals webhook deliveries in a local sqlite database so operators
// can inspect failures and replay them.
type Outbox struct {
	db *sql.DB
}

const filePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL"

// NewOutbox opens the outbox database at path, creating it when necessary.
// A bare filesystem path gets busy-timeout and WAL pragmas; file: DSNs and
// :memory: pass through untouched.
func NewOutbox(path string) (*Outbox, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("webhooks: outbox path required")
	}
	dsn := trimmed
	if !strings.HasPrefix(trimmed, "file:") && trimmed != ":memory:" {
		dsn = "file:" + trimmed + "?" + filePragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	outbox := &Outbox{db: db}
	if err := outbox.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return outbox, nil
}

func (o *Outbox) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
            id TEXT PRIMARY KEY,
            endpoint TEXT NOT NULL,
            sequence INTEGER NOT NULL,
            event_type TEXT NOT NULL,
            payload BLOB NOT NULL,
            status TEXT NOT NULL,
            attempts INTEGER NOT NULL,
            last_error TEXT,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS deliveries_status ON deliveries(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS deliveries_sequence ON deliveries(sequence);`,
	}
	for _, stmt := range stmts {
		if _, err := o.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) Close() error { return o.db.Close() }

// Record upserts one delivery row. The first write for an ID fixes its
// created_at; later writes only advance status, attempts, and last_error.
func (o *Outbox) Record(ctx context.Context, rec DeliveryRecord) error {
	const stmt = `INSERT INTO deliveries(id, endpoint, sequence, event_type, payload, status, attempts, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            attempts = excluded.attempts,
            last_error = excluded.last_error,
            updated_at = excluded.updated_at`
	now := time.Now().UTC()
	_, err := o.db.ExecContext(ctx, stmt,
		rec.ID, rec.Endpoint, int64(rec.Sequence), rec.EventType, rec.Payload,
		rec.Status, rec.Attempts, rec.LastError, now, now)
	return err
}

// LastSequence reports the highest journaled bus sequence.
func (o *Outbox) LastSequence(ctx context.Context) (uint64, error) {
	row := o.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM deliveries`)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	if seq < 0 {
		return 0, nil
	}
	return uint64(seq), nil
}

const deliveryColumns = `id, endpoint, sequence, event_type, payload, status, attempts, COALESCE(last_error, ''), created_at, updated_at`

// Delivery fetches one journaled delivery by ID, or nil when unknown.
func (o *Outbox) Delivery(ctx context.Context, id string) (*DeliveryRecord, error) {
	row := o.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	var rec DeliveryRecord
	var seq int64
	err := row.Scan(&rec.ID, &rec.Endpoint, &seq, &rec.EventType, &rec.Payload,
		&rec.Status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Sequence = uint64(seq)
	return &rec, nil
}

// List returns journaled deliveries newest first, filtered by status when
// one is given.
func (o *Outbox) List(ctx context.Context, status string, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries`
	args := []interface{}{}
	if strings.TrimSpace(status) != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, limit)
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryRecord
	for rows.Next() {
		var rec DeliveryRecord
		var seq int64
		if err := rows.Scan(&rec.ID, &rec.Endpoint, &seq, &rec.EventType, &rec.Payload,
			&rec.Status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Sequence = uint64(seq)
		out = append(out, rec)
	}
	return out, rows.Err()
}
