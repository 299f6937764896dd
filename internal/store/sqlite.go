// ABOUTME: SQLite persistence using modernc.org/sqlite: identity directory plus engine snapshots
// ABOUTME: Snapshots are written transactionally under an explicit format-version tag

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rookery-collective/rookery-engine/internal/audit"
	"github.com/rookery-collective/rookery-engine/internal/subscription"
)

// SQLiteStore persists the identity directory and engine snapshots.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path. The schema is created
// if it doesn't exist; parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			role         TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,

			CHECK (role IN ('patron', 'creator', 'admin')),
			CHECK (status IN ('active', 'revoked'))
		);

		CREATE INDEX IF NOT EXISTS idx_identities_status ON identities(status);
		CREATE INDEX IF NOT EXISTS idx_identities_role ON identities(role);

		CREATE TABLE IF NOT EXISTS snapshot_meta (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			format_version INTEGER NOT NULL,
			saved_at       TEXT NOT NULL,
			treasury       INTEGER NOT NULL,
			credited       INTEGER NOT NULL,
			withdrawn      INTEGER NOT NULL,
			next_sub_id    INTEGER NOT NULL,
			cursor         INTEGER NOT NULL,
			last_tick      TEXT
		);

		CREATE TABLE IF NOT EXISTS snapshot_balances (
			identity TEXT PRIMARY KEY,
			amount   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshot_subscriptions (
			id          INTEGER PRIMARY KEY,
			patron      TEXT NOT NULL,
			creator     TEXT NOT NULL,
			cadence_ns  INTEGER NOT NULL,
			next_charge TEXT NOT NULL,
			amount      INTEGER NOT NULL,
			status      TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			CHECK (status IN ('active', 'suspended', 'cancelled'))
		);

		CREATE TABLE IF NOT EXISTS snapshot_watermarks (
			identity TEXT PRIMARY KEY,
			amount   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshot_audit (
			position INTEGER PRIMARY KEY,
			ts       TEXT NOT NULL,
			severity TEXT NOT NULL,
			message  TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateIdentity inserts a new identity row.
// Returns ErrDuplicateIdentity if the ID is already taken.
func (s *SQLiteStore) CreateIdentity(ctx context.Context, id *Identity) error {
	query := `
		INSERT INTO identities (id, display_name, role, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		id.ID,
		id.DisplayName,
		string(id.Role),
		string(id.Status),
		id.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("inserting identity: %w", err)
	}

	s.logger.Debug("created identity", "id", id.ID, "role", id.Role)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetIdentity retrieves an identity by ID.
// Returns ErrIdentityNotFound if it doesn't exist.
func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	query := `
		SELECT id, display_name, role, status, created_at
		FROM identities
		WHERE id = ?
	`

	var ident Identity
	var role, status, createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&ident.ID,
		&ident.DisplayName,
		&role,
		&status,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}

	ident.Role = Role(role)
	ident.Status = IdentityStatus(status)
	ident.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &ident, nil
}

// ListIdentities returns identities in creation order.
// If limit is 0 or negative, a default of 100 is used, capped at 1000.
func (s *SQLiteStore) ListIdentities(ctx context.Context, limit int) ([]*Identity, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, display_name, role, status, created_at
		FROM identities
		ORDER BY created_at, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var identities []*Identity
	for rows.Next() {
		var ident Identity
		var role, status, createdAtStr string

		if err := rows.Scan(&ident.ID, &ident.DisplayName, &role, &status, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}

		ident.Role = Role(role)
		ident.Status = IdentityStatus(status)
		ident.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		identities = append(identities, &ident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity rows: %w", err)
	}
	return identities, nil
}

// RevokeIdentity marks an identity as revoked. Idempotent.
// Returns ErrIdentityNotFound if it doesn't exist.
func (s *SQLiteStore) RevokeIdentity(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE identities SET status = ? WHERE id = ?`,
		string(IdentityStatusRevoked), id)
	if err != nil {
		return fmt.Errorf("revoking identity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrIdentityNotFound
	}

	s.logger.Info("revoked identity", "id", id)
	return nil
}

// CountIdentities returns the total number of identity rows.
func (s *SQLiteStore) CountIdentities(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting identities: %w", err)
	}
	return count, nil
}

// SaveSnapshot replaces the persisted engine snapshot in one transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	lastTick := ""
	if !snap.LastTick.IsZero() {
		lastTick = snap.LastTick.UTC().Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshot_meta
			(id, format_version, saved_at, treasury, credited, withdrawn, next_sub_id, cursor, last_tick)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
	`, SnapshotFormatVersion, savedAt.Format(time.RFC3339Nano),
		snap.Treasury, snap.Credited, snap.Withdrawn, snap.NextSubID, snap.Cursor, lastTick)
	if err != nil {
		return fmt.Errorf("writing snapshot meta: %w", err)
	}

	for _, table := range []string{"snapshot_balances", "snapshot_subscriptions", "snapshot_watermarks", "snapshot_audit"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for identity, amount := range snap.Balances {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_balances (identity, amount) VALUES (?, ?)`, identity, amount); err != nil {
			return fmt.Errorf("writing balance: %w", err)
		}
	}

	for _, sub := range snap.Subscriptions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_subscriptions (id, patron, creator, cadence_ns, next_charge, amount, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sub.ID, sub.Patron, sub.Creator, int64(sub.Cadence),
			sub.NextCharge.UTC().Format(time.RFC3339Nano), sub.Amount, string(sub.Status),
			sub.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("writing subscription %d: %w", sub.ID, err)
		}
	}

	for identity, amount := range snap.Watermarks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_watermarks (identity, amount) VALUES (?, ?)`, identity, amount); err != nil {
			return fmt.Errorf("writing watermark: %w", err)
		}
	}

	for i, entry := range snap.Audit {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_audit (position, ts, severity, message) VALUES (?, ?, ?, ?)
		`, i, entry.Time.UTC().Format(time.RFC3339Nano), string(entry.Severity), entry.Message)
		if err != nil {
			return fmt.Errorf("writing audit entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}

	s.logger.Debug("snapshot saved",
		"balances", len(snap.Balances),
		"subscriptions", len(snap.Subscriptions),
		"cursor", snap.Cursor,
	)
	return nil
}

// LoadSnapshot reads the persisted engine snapshot.
// Returns ErrNoSnapshot when none exists and ErrSnapshotVersion when the
// stored format version is unrecognized.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	var version int
	var savedAtStr, lastTickStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT format_version, saved_at, treasury, credited, withdrawn, next_sub_id, cursor, last_tick
		FROM snapshot_meta WHERE id = 1
	`).Scan(&version, &savedAtStr, &snap.Treasury, &snap.Credited, &snap.Withdrawn,
		&snap.NextSubID, &snap.Cursor, &lastTickStr)
	if err == sql.ErrNoRows {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot meta: %w", err)
	}

	if version != SnapshotFormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSnapshotVersion, version, SnapshotFormatVersion)
	}

	snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing saved_at: %w", err)
	}
	if lastTickStr != "" {
		snap.LastTick, err = time.Parse(time.RFC3339Nano, lastTickStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_tick: %w", err)
		}
	}

	snap.Balances, err = s.loadAmounts(ctx, "snapshot_balances")
	if err != nil {
		return nil, err
	}
	snap.Watermarks, err = s.loadAmounts(ctx, "snapshot_watermarks")
	if err != nil {
		return nil, err
	}
	if snap.Subscriptions, err = s.loadSubscriptions(ctx); err != nil {
		return nil, err
	}
	if snap.Audit, err = s.loadAudit(ctx); err != nil {
		return nil, err
	}

	return &snap, nil
}

func (s *SQLiteStore) loadAmounts(ctx context.Context, table string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT identity, amount FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var identity string
		var amount int64
		if err := rows.Scan(&identity, &amount); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		out[identity] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s rows: %w", table, err)
	}
	return out, nil
}

func (s *SQLiteStore) loadSubscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patron, creator, cadence_ns, next_charge, amount, status, created_at
		FROM snapshot_subscriptions
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		var sub subscription.Subscription
		var cadenceNs int64
		var nextChargeStr, status, createdAtStr string

		if err := rows.Scan(&sub.ID, &sub.Patron, &sub.Creator, &cadenceNs,
			&nextChargeStr, &sub.Amount, &status, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}

		sub.Cadence = time.Duration(cadenceNs)
		sub.Status = subscription.Status(status)
		sub.NextCharge, err = time.Parse(time.RFC3339Nano, nextChargeStr)
		if err != nil {
			return nil, fmt.Errorf("parsing next_charge: %w", err)
		}
		sub.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscription rows: %w", err)
	}
	return subs, nil
}

func (s *SQLiteStore) loadAudit(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, severity, message FROM snapshot_audit ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var tsStr, severity string

		if err := rows.Scan(&tsStr, &severity, &entry.Message); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		entry.Severity = audit.Severity(severity)
		entry.Time, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing audit ts: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return entries, nil
}
