package syncstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"noteguard/internal/sharing"
)

// Schema for the local sync state database. Payloads are ciphertext;
// nothing in here needs the vault unlocked to read or write.
const schema = `
CREATE TABLE IF NOT EXISTS outbox (
    op_id       TEXT PRIMARY KEY,
    vault_id    TEXT NOT NULL,
    payload     BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    pushed_at   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(vault_id, created_at) WHERE pushed_at IS NULL;

CREATE TABLE IF NOT EXISTS cursors (
    vault_id    TEXT PRIMARY KEY,
    cursor      TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shares (
    share_id    TEXT PRIMARY KEY,
    vault_id    TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    is_active   INTEGER NOT NULL,
    record      BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shares_resource ON shares(vault_id, resource_id);
`

// Store is the SQLite-backed sync state.
type Store struct {
	db *sql.DB
}

// Open opens or creates the sync state database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Enqueue appends an operation to the outbox.
func (s *Store) Enqueue(op Operation) error {
	_, err := s.db.Exec(`
		INSERT INTO outbox (op_id, vault_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		op.OpID, op.VaultID, op.Payload, op.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue operation: %w", err)
	}
	return nil
}

// Pending returns up to limit unpushed operations for a vault, oldest
// first. limit <= 0 means no limit.
func (s *Store) Pending(vaultID string, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT op_id, vault_id, payload, created_at
		FROM outbox
		WHERE vault_id = ? AND pushed_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?`, vaultID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var createdNs int64
		if err := rows.Scan(&op.OpID, &op.VaultID, &op.Payload, &createdNs); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.CreatedAt = time.Unix(0, createdNs).UTC()
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// MarkPushed records that the given operations reached the backend.
func (s *Store) MarkPushed(opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE outbox SET pushed_at = ? WHERE op_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, id := range opIDs {
		if _, err := stmt.Exec(now, id); err != nil {
			return fmt.Errorf("mark pushed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Cursor returns the stored pull cursor for a vault, or "" when the
// vault has never pulled.
func (s *Store) Cursor(vaultID string) (string, error) {
	var cursor string
	err := s.db.QueryRow(`SELECT cursor FROM cursors WHERE vault_id = ?`, vaultID).Scan(&cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor stores the pull cursor for a vault.
func (s *Store) SetCursor(vaultID, cursor string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO cursors (vault_id, cursor, updated_at)
		VALUES (?, ?, ?)`,
		vaultID, cursor, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// SaveShare upserts a share record for a vault. Revocation is persisted
// by saving the mutated record.
func (s *Store) SaveShare(vaultID string, share sharing.Share) error {
	record, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("marshal share: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO shares (share_id, vault_id, resource_id, is_active, record)
		VALUES (?, ?, ?, ?, ?)`,
		share.ShareID, vaultID, share.ResourceID, boolToInt(share.IsActive), record,
	)
	if err != nil {
		return fmt.Errorf("save share: %w", err)
	}
	return nil
}

// GetShare retrieves one share by ID.
func (s *Store) GetShare(shareID string) (*sharing.Share, error) {
	var record []byte
	err := s.db.QueryRow(`SELECT record FROM shares WHERE share_id = ?`, shareID).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("get share: %w", err)
	}
	var share sharing.Share
	if err := json.Unmarshal(record, &share); err != nil {
		return nil, fmt.Errorf("unmarshal share: %w", err)
	}
	return &share, nil
}

// SharesForResource lists all shares issued for one resource, active
// and revoked alike, in creation order.
func (s *Store) SharesForResource(vaultID, resourceID string) ([]sharing.Share, error) {
	rows, err := s.db.Query(`
		SELECT record FROM shares
		WHERE vault_id = ? AND resource_id = ?`, vaultID, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	shares, err := scanShares(rows)
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// ActiveShares lists shares for a resource that have not been revoked.
// Expiry is the caller's concern; it depends on the clock at use time.
func (s *Store) ActiveShares(vaultID, resourceID string) ([]sharing.Share, error) {
	rows, err := s.db.Query(`
		SELECT record FROM shares
		WHERE vault_id = ? AND resource_id = ? AND is_active = 1`, vaultID, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active shares: %w", err)
	}
	defer rows.Close()

	return scanShares(rows)
}

// Flush pushes all pending operations for a vault and marks them
// pushed. A push failure leaves the outbox untouched for retry.
func (s *Store) Flush(ctx context.Context, backend Backend, vaultID string) error {
	ops, err := s.Pending(vaultID, 0)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if err := backend.PushOperations(ctx, vaultID, ops); err != nil {
		return fmt.Errorf("push operations: %w", err)
	}
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.OpID
	}
	return s.MarkPushed(ids)
}

// Pull fetches the next batch of operations from the backend, advancing
// the stored cursor only after the batch is in hand.
func (s *Store) Pull(ctx context.Context, backend Backend, vaultID string, limit int) ([]Operation, error) {
	cursor, err := s.Cursor(vaultID)
	if err != nil {
		return nil, err
	}
	ops, next, err := backend.PullOperations(ctx, vaultID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("pull operations: %w", err)
	}
	if next != cursor {
		if err := s.SetCursor(vaultID, next); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func scanShares(rows *sql.Rows) ([]sharing.Share, error) {
	var shares []sharing.Share
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		var share sharing.Share
		if err := json.Unmarshal(record, &share); err != nil {
			return nil, fmt.Errorf("unmarshal share: %w", err)
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return shares, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
