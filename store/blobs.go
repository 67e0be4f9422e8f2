package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/anancus/util"
	_ "modernc.org/sqlite"
)

var (
	// ErrNoSuchKey is returned when a blob does not exist.
	ErrNoSuchKey = errors.New("no such key")
	// ErrChecksumMismatch is returned when a stored blob no longer
	// matches its recorded checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrParameterNotFound is returned for an absent parameter path.
	ErrParameterNotFound = errors.New("parameter not found")
)

const (
	sqlCreateBlobsTable = `CREATE TABLE IF NOT EXISTS blobs(
                        key text NOT NULL PRIMARY KEY,
                        body blob NOT NULL,
                        checksum text NOT NULL,
                        created_at timestamp DEFAULT current_timestamp
                        )`
	sqlCreateParamsTable = `CREATE TABLE IF NOT EXISTS parameters(
                        path text NOT NULL PRIMARY KEY,
                        value text NOT NULL,
                        secure int NOT NULL DEFAULT 0
                        )`

	sqlSelectBlob  = `SELECT body, checksum FROM blobs WHERE key = ?`
	sqlUpsertBlob  = `INSERT INTO blobs(key, body, checksum) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET body = excluded.body, checksum = excluded.checksum`
	sqlDeleteBlob  = `DELETE FROM blobs WHERE key = ?`
	sqlListBlobs   = `SELECT key FROM blobs WHERE key LIKE ? ORDER BY key ASC LIMIT ?`
	sqlSelectParam = `SELECT value, secure FROM parameters WHERE path = ?`
	sqlUpsertParam = `INSERT INTO parameters(path, value, secure) VALUES (?, ?, ?) ON CONFLICT(path) DO UPDATE SET value = excluded.value, secure = excluded.secure`
)

// Store is one blob bucket plus the parameter store, backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (and when necessary creates) the bucket at the given path.
func Open(path string) (*Store, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store at %s: %w", path, err)
	}
	handle.SetMaxOpenConns(10)
	handle.SetConnMaxLifetime(time.Hour)
	handle.Exec("PRAGMA journal_mode = WAL")
	handle.Exec("PRAGMA busy_timeout = 5000")

	for _, stmt := range []string{sqlCreateBlobsTable, sqlCreateParamsTable} {
		if _, err := handle.Exec(stmt); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to create store table: %w", err)
		}
	}
	return &Store{db: handle}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetObject fetches a blob; ErrNoSuchKey when absent. The stored checksum
// is re-verified on every read.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	var checksum string
	err := s.db.QueryRowContext(ctx, sqlSelectBlob, key).Scan(&body, &checksum)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, key)
	}
	if err != nil {
		return nil, err
	}
	if util.Sha256Base64(body) != checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, key)
	}
	return body, nil
}

// PutObject writes a blob. When checksum is non-empty it must equal the
// body's SHA-256; a mismatching payload is never persisted.
func (s *Store) PutObject(ctx context.Context, key string, body []byte, checksum string) error {
	computed := util.Sha256Base64(body)
	if checksum == "" {
		checksum = computed
	} else if checksum != computed {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, key)
	}
	_, err := s.db.ExecContext(ctx, sqlUpsertBlob, key, body, checksum)
	return err
}

// DeleteObject removes a blob; deleting an absent key is a no-op.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, sqlDeleteBlob, key)
	return err
}

// List returns up to limit keys under a prefix in ascending order.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlListBlobs, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// LoadJSON fetches a blob and decodes it as a JSON object.
func (s *Store) LoadJSON(ctx context.Context, key string) (map[string]any, error) {
	body, err := s.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("corrupted document at %s: %w", key, err)
	}
	return doc, nil
}

// SaveJSON encodes a JSON object and writes it with its checksum.
func (s *Store) SaveJSON(ctx context.Context, key string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document for %s: %w", key, err)
	}
	return s.PutObject(ctx, key, body, "")
}

// GetParameter reads a parameter value; ErrParameterNotFound when absent.
// Secure parameters require withDecryption.
func (s *Store) GetParameter(ctx context.Context, path string, withDecryption bool) (string, error) {
	var value string
	var secure int
	err := s.db.QueryRowContext(ctx, sqlSelectParam, path).Scan(&value, &secure)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrParameterNotFound, path)
	}
	if err != nil {
		return "", err
	}
	if secure == 1 && !withDecryption {
		return "", fmt.Errorf("parameter %s is secure and requires decryption", path)
	}
	return value, nil
}

// PutParameter stores a parameter value.
func (s *Store) PutParameter(ctx context.Context, path, value string, secure bool) error {
	sec := 0
	if secure {
		sec = 1
	}
	_, err := s.db.ExecContext(ctx, sqlUpsertParam, path, value, sec)
	return err
}

func escapeLike(s string) string {
	// the key namespaces contain no LIKE metacharacters today; keep the
	// hook for future key layouts
	return s
}
