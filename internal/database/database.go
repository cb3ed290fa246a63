// Package database provides the SQLite-backed banlist persistence sink
// (C7's Persist capability). Presence is optional: when disabled in
// configuration, the classifier falls back to its in-memory no-op.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/fxshare/detectord/internal/classifier"
)

// Database holds the banlist connection and repository.
type Database struct {
	db      *sql.DB
	log     zerolog.Logger
	Banlist *BanlistRepository
}

// New opens (creating if necessary) the SQLite database at path and runs
// migrations.
func New(path string, log zerolog.Logger) (*Database, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// SQLite does not support concurrent writers; a single connection
	// avoids SQLITE_BUSY under the classifier's synchronous Upsert/Clear.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &Database{
		db:  db,
		log: log.With().Str("component", "database").Logger(),
	}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	d.Banlist = NewBanlistRepository(db)

	log.Info().Str("path", path).Msg("banlist database initialized")
	return d, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrate() error {
	migrations := []string{
		migrationCreateBanlist,
		migrationCreateAuditLog,
	}

	for i, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				d.log.Debug().Int("migration", i+1).Msg("migration already applied, skipping")
				continue
			}
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

const migrationCreateBanlist = `
CREATE TABLE IF NOT EXISTS banlist (
    email VARCHAR(255) PRIMARY KEY,
    first_banlisted_at TIMESTAMP NOT NULL,
    last_seen_banlisted_at TIMESTAMP NOT NULL,
    reason TEXT
);
`

const migrationCreateAuditLog = `
CREATE TABLE IF NOT EXISTS banlist_audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email VARCHAR(255) NOT NULL,
    action VARCHAR(20) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_banlist_audit_email ON banlist_audit_log(email);
`

// BanlistRepository persists banlist rows. It implements classifier.Persist.
type BanlistRepository struct {
	db *sql.DB
}

// NewBanlistRepository creates a BanlistRepository over an open connection.
func NewBanlistRepository(db *sql.DB) *BanlistRepository {
	return &BanlistRepository{db: db}
}

// LoadAll returns every persisted banlist row, used to hydrate the
// classifier's in-memory banlisted set at startup.
func (r *BanlistRepository) LoadAll() ([]classifier.BanlistRecord, error) {
	rows, err := r.db.Query(`SELECT email, first_banlisted_at, last_seen_banlisted_at, reason FROM banlist`)
	if err != nil {
		return nil, fmt.Errorf("load banlist: %w", err)
	}
	defer rows.Close()

	var out []classifier.BanlistRecord
	for rows.Next() {
		var rec classifier.BanlistRecord
		var reason sql.NullString
		if err := rows.Scan(&rec.Email, &rec.FirstBanlistedAt, &rec.LastSeenBanlistedAt, &reason); err != nil {
			return nil, fmt.Errorf("scan banlist row: %w", err)
		}
		rec.ReasonSnapshot = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert inserts or refreshes a banlist row. Per invariant 5, re-promoting
// an already-listed user updates last_seen_banlisted_at only.
func (r *BanlistRepository) Upsert(email string, now time.Time, reason string) error {
	_, err := r.db.Exec(`
		INSERT INTO banlist (email, first_banlisted_at, last_seen_banlisted_at, reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET last_seen_banlisted_at = excluded.last_seen_banlisted_at
	`, email, now, now, reason)
	if err != nil {
		return fmt.Errorf("upsert banlist row: %w", err)
	}
	_, _ = r.db.Exec(`INSERT INTO banlist_audit_log (email, action) VALUES (?, 'upsert')`, email)
	return nil
}

// Delete removes one banlist row. The classifier never calls it: its
// admin path clears the whole list through Clear.
func (r *BanlistRepository) Delete(email string) error {
	if _, err := r.db.Exec(`DELETE FROM banlist WHERE email = ?`, email); err != nil {
		return fmt.Errorf("delete banlist row: %w", err)
	}
	_, _ = r.db.Exec(`INSERT INTO banlist_audit_log (email, action) VALUES (?, 'delete')`, email)
	return nil
}

// Clear empties the banlist table, used by POST /api/banlist/clear.
func (r *BanlistRepository) Clear() error {
	if _, err := r.db.Exec(`DELETE FROM banlist`); err != nil {
		return fmt.Errorf("clear banlist: %w", err)
	}
	_, _ = r.db.Exec(`INSERT INTO banlist_audit_log (email, action) VALUES ('*', 'clear')`)
	return nil
}
