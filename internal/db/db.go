package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrDuplicateReference = errors.New("reference code already in use")
	// ErrStaleStatus means a compare-and-set update found the row in a
	// different state than the caller loaded.
	ErrStaleStatus = errors.New("status changed concurrently")
)

// Store persists raffles and orders. Orders hold their tickets as JSON
// range lists, never as one row per ticket.
type Store struct {
	DB *sql.DB
}

// Open connects to Turso/libsql for remote URLs and to SQLite for file
// paths and ":memory:".
func Open(dataSourceName, authToken string) (*Store, error) {
	driver, dsn := "sqlite3", dataSourceName
	if isRemote(dataSourceName) {
		driver = "libsql"
		if authToken != "" {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "authToken=" + authToken
		}
	} else if dataSourceName != ":memory:" && !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000&_journal_mode=WAL"
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// A single connection keeps :memory: databases shared and avoids
		// SQLITE_BUSY between writers of a local file.
		conn.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &Store{DB: conn}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS raffles (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		total_tickets INTEGER NOT NULL,
		numbering_start INTEGER NOT NULL DEFAULT 0,
		ticket_price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'draft',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		raffle_id TEXT NOT NULL REFERENCES raffles(id),
		organization_id TEXT NOT NULL,
		reference_code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		ticket_ranges TEXT NOT NULL DEFAULT '[]',
		lucky_indices TEXT NOT NULL DEFAULT '[]',
		ticket_count INTEGER NOT NULL,
		buyer_name TEXT NOT NULL,
		buyer_email TEXT NOT NULL DEFAULT '',
		buyer_phone TEXT NOT NULL DEFAULT '',
		payment_proof_url TEXT NOT NULL DEFAULT '',
		reserved_at INTEGER NOT NULL,
		reserved_until INTEGER,
		sold_at INTEGER,
		canceled_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_raffle_status ON orders(raffle_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status_until ON orders(status, reserved_until)`,
	// Codes stay here after their order is purged so they are never reissued.
	`CREATE TABLE IF NOT EXISTS reference_codes (
		code TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO reference_codes (code, created_at)
		SELECT reference_code, reserved_at FROM orders`,
	`CREATE TABLE IF NOT EXISTS organizer_chats (
		organization_id TEXT PRIMARY KEY,
		chat_id INTEGER NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveOrganizerChat records which Telegram chat receives an organization's
// notifications.
func (s *Store) SaveOrganizerChat(ctx context.Context, organizationID string, chatID int64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO organizer_chats (organization_id, chat_id) VALUES (?, ?)
		ON CONFLICT(organization_id) DO UPDATE SET chat_id = excluded.chat_id`,
		organizationID, chatID)
	if err != nil {
		return fmt.Errorf("save organizer chat: %w", err)
	}
	return nil
}

// OrganizerChat returns the registered chat, or ErrNotFound.
func (s *Store) OrganizerChat(ctx context.Context, organizationID string) (int64, error) {
	var chatID int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT chat_id FROM organizer_chats WHERE organization_id = ?", organizationID).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get organizer chat: %w", err)
	}
	return chatID, nil
}

func isRemote(url string) bool {
	for _, prefix := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func isUniqueReference(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") && strings.Contains(msg, "reference_code")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
