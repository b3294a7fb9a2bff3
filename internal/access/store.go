package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// timestampLayout is fixed-width so that text ordering in SQL matches
// chronological ordering.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store is the contract the crawler and the recovery check depend on.
//
// Every method runs as its own short statement; no transaction is held
// across a controller exchange.
type Store interface {
	// LookupPermission reports whether keyID may operate deviceID.
	// It returns ErrUnknownKey when the key is not registered at all.
	LookupPermission(ctx context.Context, keyID string, deviceID int) (bool, error)

	// AppendAudit records a transition. Arguments are always key first,
	// device second.
	AppendAudit(ctx context.Context, keyID string, deviceID int, ts time.Time, state LockState) error

	// LatestEntriesPerDevice returns, for one key, the most recent audit
	// entry on each device the key ever touched.
	LatestEntriesPerDevice(ctx context.Context, keyID string) ([]AuditEntry, error)

	// AuditKeys lists every key that appears in the audit log.
	AuditKeys(ctx context.Context) ([]string, error)
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store and the read-only listings on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an opened, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// LookupPermission implements Store.
func (s *SQLiteStore) LookupPermission(ctx context.Context, keyID string, deviceID int) (bool, error) {
	const query = `SELECT
		EXISTS (SELECT 1 FROM keys WHERE key_id = ?),
		EXISTS (SELECT 1 FROM permissions WHERE key_id = ? AND device_id = ?)`

	var known, allowed bool
	if err := s.db.QueryRowContext(ctx, query, keyID, keyID, deviceID).Scan(&known, &allowed); err != nil {
		return false, fmt.Errorf("looking up permission for key %s on device %d: %w", keyID, deviceID, err)
	}
	if !known {
		return false, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return allowed, nil
}

// AppendAudit implements Store.
func (s *SQLiteStore) AppendAudit(ctx context.Context, keyID string, deviceID int, ts time.Time, state LockState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLockState, state)
	}
	if deviceID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDeviceID, deviceID)
	}

	const query = `INSERT INTO audit_log (id, key_id, device_id, ts, lock_state)
		VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		"aud-"+uuid.NewString(), keyID, deviceID, formatTime(ts), string(state))
	if err != nil {
		return fmt.Errorf("appending %s audit entry for key %s on device %d: %w", state, keyID, deviceID, err)
	}
	return nil
}

// LatestEntriesPerDevice implements Store. Entries are ordered by device ID.
// Ties on timestamp are broken by insertion order.
func (s *SQLiteStore) LatestEntriesPerDevice(ctx context.Context, keyID string) ([]AuditEntry, error) {
	const query = `SELECT a.id, a.key_id, a.device_id, a.ts, a.lock_state
		FROM audit_log a
		WHERE a.key_id = ?
		  AND a.seq = (
			SELECT b.seq FROM audit_log b
			WHERE b.key_id = a.key_id AND b.device_id = a.device_id
			ORDER BY b.ts DESC, b.seq DESC
			LIMIT 1)
		ORDER BY a.device_id`
	return s.queryEntries(ctx, query, keyID)
}

// AuditKeys implements Store.
func (s *SQLiteStore) AuditKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key_id FROM audit_log ORDER BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("querying audit keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning audit key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit keys: %w", err)
	}
	return keys, nil
}

// ListAudit returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) (*AuditPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for audit queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.KeyID != "" {
		conditions = append(conditions, "key_id = ?")
		args = append(args, filter.KeyID)
	}
	if filter.DeviceID > 0 {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log "+where, args...).Scan(&total); err != nil { //nolint:gosec // where is built from fixed fragments
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := `SELECT id, key_id, device_id, ts, lock_state FROM audit_log ` + where +
		` ORDER BY ts DESC, seq DESC LIMIT ? OFFSET ?`
	entries, err := s.queryEntries(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []AuditEntry{}
	}

	return &AuditPage{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// GetKey returns a registered key.
func (s *SQLiteStore) GetKey(ctx context.Context, keyID string) (*Key, error) {
	const query = `SELECT key_id, name, surname, email, phone, created_at FROM keys WHERE key_id = ?`

	var k Key
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, keyID).Scan(&k.KeyID, &k.Name, &k.Surname, &k.Email, &k.Phone, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
		}
		return nil, fmt.Errorf("getting key %s: %w", keyID, err)
	}
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}

// CreateKey registers a badge. Key administration belongs to the operator
// tooling; the core only uses this to seed the simulator and tests.
func (s *SQLiteStore) CreateKey(ctx context.Context, k *Key) error {
	if err := ValidateKeyID(k.KeyID); err != nil {
		return err
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO keys (key_id, name, surname, email, phone, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		k.KeyID, k.Name, k.Surname, k.Email, k.Phone, k.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: %s", ErrKeyExists, k.KeyID)
		}
		return fmt.Errorf("inserting key %s: %w", k.KeyID, err)
	}
	return nil
}

// Grant allows keyID to operate deviceID. Granting twice is not an error.
func (s *SQLiteStore) Grant(ctx context.Context, keyID string, deviceID int) error {
	if deviceID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDeviceID, deviceID)
	}

	const query = `INSERT INTO permissions (key_id, device_id) VALUES (?, ?)
		ON CONFLICT (key_id, device_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, keyID, deviceID); err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
		}
		return fmt.Errorf("granting key %s on device %d: %w", keyID, deviceID, err)
	}
	return nil
}

// Revoke removes a permission. Revoking a missing permission is not an error.
func (s *SQLiteStore) Revoke(ctx context.Context, keyID string, deviceID int) error {
	const query = `DELETE FROM permissions WHERE key_id = ? AND device_id = ?`
	if _, err := s.db.ExecContext(ctx, query, keyID, deviceID); err != nil {
		return fmt.Errorf("revoking key %s on device %d: %w", keyID, deviceID, err)
	}
	return nil
}

// queryEntries executes a query and returns a slice of AuditEntry.
func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts, state string
		if err := rows.Scan(&e.ID, &e.KeyID, &e.DeviceID, &ts, &state); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.State = LockState(state)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTime accepts the audit layout and the RFC 3339 defaults SQLite
// writes for created_at columns. Zero time is returned if both fail.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.ExtendedCode == code {
			return true
		}
	}
	return false
}
