package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLConfig holds connection pool settings.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default configuration.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store over postgres or sqlite. Queries are written
// with $N placeholders and rebound for sqlite.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects and pings the database.
func Open(ctx context.Context, driver, dsn string, config *SQLConfig) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// NewSQLStore wraps an existing handle.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// DB exposes the handle for stores sharing the connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Driver returns the database driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// Rebind converts $N placeholders to the driver's syntax.
func (s *SQLStore) Rebind(query string) string {
	return Rebind(s.driver, query)
}

// Rebind converts $N placeholders to ?N for sqlite.
func Rebind(driver, query string) string {
	if driver != DriverSQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		phone_number TEXT NOT NULL DEFAULT '',
		greeting_template TEXT NOT NULL DEFAULT '',
		system_instructions TEXT NOT NULL DEFAULT '',
		enabled_tools TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		voice TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS tenants_phone_idx ON tenants (phone_number)`,
	`CREATE TABLE IF NOT EXISTS calls (
		session_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		external_call_id TEXT NOT NULL DEFAULT '',
		caller_phone TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NULL,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		end_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_messages (
		session_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transcript_session_idx ON transcript_messages (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		reference_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		scheduled_at TIMESTAMP NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS bookings_slot_idx ON bookings (tenant_id, scheduled_at)`,
}

// Migrate creates the tables the bridge writes to.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendTranscript stores one transcript message.
func (s *SQLStore) AppendTranscript(ctx context.Context, msg *TranscriptMessage) error {
	if msg == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO transcript_messages (session_id, tenant_id, role, content, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`), msg.SessionID, msg.TenantID, msg.Role, msg.Content, msg.Source, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// StartCall inserts an in-progress call record.
func (s *SQLStore) StartCall(ctx context.Context, rec *CallRecord) error {
	if rec == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO calls (session_id, tenant_id, external_call_id, caller_phone, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`), rec.SessionID, rec.TenantID, rec.ExternalCallID, rec.CallerPhone, rec.Status, rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	return nil
}

// FinishCall writes the final status and duration. Records already
// finalized are left untouched.
func (s *SQLStore) FinishCall(ctx context.Context, rec *CallRecord) error {
	if rec == nil {
		return nil
	}
	var ended any
	if rec.EndedAt != nil {
		ended = rec.EndedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		UPDATE calls
		SET status = $2, ended_at = $3, duration_seconds = $4, end_reason = $5
		WHERE session_id = $1 AND ended_at IS NULL
	`), rec.SessionID, rec.Status, ended, rec.DurationSeconds, rec.EndReason)
	if err != nil {
		return fmt.Errorf("finish call: %w", err)
	}
	return nil
}

// CreateBooking inserts a booking.
func (s *SQLStore) CreateBooking(ctx context.Context, b *Booking) error {
	if b == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO bookings (reference_id, tenant_id, session_id, phone, customer_name, scheduled_at, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`), b.ReferenceID, b.TenantID, b.SessionID, b.Phone, b.CustomerName, b.ScheduledAt.UTC(), b.Notes, b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create booking: %w", err)
	}
	return nil
}

// FindBooking returns the booking for phone at the given time.
func (s *SQLStore) FindBooking(ctx context.Context, tenantID, phone string, at time.Time) (*Booking, error) {
	row := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT reference_id, tenant_id, session_id, phone, customer_name, scheduled_at, notes, created_at
		FROM bookings
		WHERE tenant_id = $1 AND phone = $2 AND scheduled_at = $3
	`), tenantID, phone, at.UTC())

	var b Booking
	err := row.Scan(&b.ReferenceID, &b.TenantID, &b.SessionID, &b.Phone, &b.CustomerName, &b.ScheduledAt, &b.Notes, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find booking: %w", err)
	}
	return &b, nil
}

// CountBookingsAt counts bookings in a tenant's slot.
func (s *SQLStore) CountBookingsAt(ctx context.Context, tenantID string, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.Rebind(`
		SELECT COUNT(*) FROM bookings WHERE tenant_id = $1 AND scheduled_at = $2
	`), tenantID, at.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bookings: %w", err)
	}
	return n, nil
}
