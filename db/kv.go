// Package db implements the wide key-value table backing the user and
// object indexes, including conditional writes, paged queries, and the
// change feed that drives counter maintenance.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/deemkeen/anancus/domain"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB wraps the sqlite handle behind the key-value table contract.
type DB struct {
	db *sql.DB
}

var (
	// ErrNotFound is returned when a requested item does not exist.
	ErrNotFound = errors.New("item not found")
	// ErrConditionFailed is returned when a conditional write predicate
	// does not hold.
	ErrConditionFailed = errors.New("conditional check failed")
	// ErrThroughput marks a contended write the caller should retry.
	ErrThroughput = errors.New("table busy")
)

// Condition guards a write.
type Condition int

const (
	CondNone Condition = iota
	// CondNotExists requires that no item with the same (pk, sk) exists.
	CondNotExists
	// CondExists requires that the item already exists.
	CondExists
)

// Item is one row of the wide table: a (pk, sk) pair plus a JSON attribute
// document.
type Item struct {
	PK    string
	SK    string
	Attrs map[string]any
}

const (
	sqlCreateItemsTable = `CREATE TABLE IF NOT EXISTS items(
                        pk text NOT NULL,
                        sk text NOT NULL,
                        attrs text NOT NULL DEFAULT '{}',
                        PRIMARY KEY (pk, sk)
                        )`
	sqlCreateChangeFeedTable = `CREATE TABLE IF NOT EXISTS change_feed(
                        seq integer PRIMARY KEY AUTOINCREMENT,
                        event_name text NOT NULL,
                        pk text NOT NULL,
                        sk text NOT NULL,
                        created_at timestamp DEFAULT current_timestamp
                        )`

	sqlSelectItem       = `SELECT attrs FROM items WHERE pk = ? AND sk = ?`
	sqlInsertItem       = `INSERT INTO items(pk, sk, attrs) VALUES (?, ?, ?)`
	sqlUpsertItem       = `INSERT INTO items(pk, sk, attrs) VALUES (?, ?, ?) ON CONFLICT(pk, sk) DO UPDATE SET attrs = excluded.attrs`
	sqlDeleteItem       = `DELETE FROM items WHERE pk = ? AND sk = ?`
	sqlInsertChange     = `INSERT INTO change_feed(event_name, pk, sk) VALUES (?, ?, ?)`
	sqlSelectChanges    = `SELECT seq, event_name, pk, sk FROM change_feed WHERE seq > ? ORDER BY seq ASC LIMIT ?`
	sqlDeleteChanges    = `DELETE FROM change_feed WHERE seq <= ?`
	sqlAddCounter       = `UPDATE items SET attrs = json_set(attrs, ?, COALESCE(json_extract(attrs, ?), 0) + ?) WHERE pk = ? AND sk = ?`
	sqlQueryForward     = `SELECT sk, attrs FROM items WHERE pk = ? AND sk > ? ORDER BY sk ASC LIMIT ?`
	sqlQueryBackward    = `SELECT sk, attrs FROM items WHERE pk = ? AND sk < ? ORDER BY sk DESC LIMIT ?`
	sqlQueryForwardAll  = `SELECT sk, attrs FROM items WHERE pk = ? ORDER BY sk ASC LIMIT ?`
	sqlQueryBackwardAll = `SELECT sk, attrs FROM items WHERE pk = ? ORDER BY sk DESC LIMIT ?`
)

// Open opens (and when necessary creates) the table at the given path. The
// handle is safe for concurrent use; there are no package-level singletons.
func Open(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	// Configure connection pool for concurrent access
	handle.SetMaxOpenConns(25)
	handle.SetMaxIdleConns(5)
	handle.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := handle.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("DB: Warning: failed to enable WAL mode: %v", err)
	} else {
		log.Printf("DB: journal mode: %s", journalMode)
	}
	handle.Exec("PRAGMA synchronous = NORMAL")
	handle.Exec("PRAGMA busy_timeout = 5000")
	handle.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: handle}
	if err := db.createTables(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) createTables() error {
	for _, stmt := range []string{sqlCreateItemsTable, sqlCreateChangeFeedTable} {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// GetItem fetches one item; ErrNotFound when absent.
func (db *DB) GetItem(ctx context.Context, pk, sk string) (*Item, error) {
	var attrsJSON string
	err := db.db.QueryRowContext(ctx, sqlSelectItem, pk, sk).Scan(&attrsJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: pk=%s sk=%s", ErrNotFound, pk, sk)
	}
	if err != nil {
		return nil, mapSqliteErr(err)
	}
	attrs := map[string]any{}
	if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
		return nil, fmt.Errorf("corrupted attributes at pk=%s sk=%s: %w", pk, sk, err)
	}
	return &Item{PK: pk, SK: sk, Attrs: attrs}, nil
}

// PutItem writes an item. With CondNotExists an existing (pk, sk) fails
// with ErrConditionFailed. Edge and reply keys are mirrored onto the change
// feed.
func (db *DB) PutItem(ctx context.Context, item *Item, cond Condition) error {
	attrs, err := json.Marshal(item.Attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		switch cond {
		case CondNotExists:
			if _, err := tx.ExecContext(ctx, sqlInsertItem, item.PK, item.SK, string(attrs)); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: pk=%s sk=%s", ErrConditionFailed, item.PK, item.SK)
				}
				return mapSqliteErr(err)
			}
		case CondExists:
			res, err := tx.ExecContext(ctx, `UPDATE items SET attrs = ? WHERE pk = ? AND sk = ?`, string(attrs), item.PK, item.SK)
			if err != nil {
				return mapSqliteErr(err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				return fmt.Errorf("%w: pk=%s sk=%s", ErrConditionFailed, item.PK, item.SK)
			}
		default:
			if _, err := tx.ExecContext(ctx, sqlUpsertItem, item.PK, item.SK, string(attrs)); err != nil {
				return mapSqliteErr(err)
			}
		}
		return db.recordChange(ctx, tx, domain.EventInsert, item.PK, item.SK)
	})
}

// DeleteItem removes an item. With CondExists a missing (pk, sk) fails with
// ErrConditionFailed.
func (db *DB) DeleteItem(ctx context.Context, pk, sk string, cond Condition) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteItem, pk, sk)
		if err != nil {
			return mapSqliteErr(err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if cond == CondExists {
				return fmt.Errorf("%w: pk=%s sk=%s", ErrConditionFailed, pk, sk)
			}
			return nil
		}
		return db.recordChange(ctx, tx, domain.EventRemove, pk, sk)
	})
}

// UpdateItem merges attribute values into an existing item. CondExists maps
// a missing item to ErrConditionFailed.
func (db *DB) UpdateItem(ctx context.Context, pk, sk string, set map[string]any, cond Condition) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var attrsJSON string
		err := tx.QueryRowContext(ctx, sqlSelectItem, pk, sk).Scan(&attrsJSON)
		if err == sql.ErrNoRows {
			if cond == CondExists {
				return fmt.Errorf("%w: pk=%s sk=%s", ErrConditionFailed, pk, sk)
			}
			attrsJSON = "{}"
		} else if err != nil {
			return mapSqliteErr(err)
		}

		attrs := map[string]any{}
		if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
			return fmt.Errorf("corrupted attributes at pk=%s sk=%s: %w", pk, sk, err)
		}
		for k, v := range set {
			attrs[k] = v
		}
		merged, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlUpsertItem, pk, sk, string(merged)); err != nil {
			return mapSqliteErr(err)
		}
		return nil
	})
}

// QueryInput describes one paged range query over a single partition.
type QueryInput struct {
	PK       string
	SKPrefix string // optional begins-with restriction
	// Forward scans ascending sort-key order; otherwise descending.
	Forward bool
	Limit   int
	// StartSK is the exclusive start key of the page; empty starts at the
	// partition's extreme end for the scan direction.
	StartSK string
	// Filter drops items after the scan bound is applied, mirroring the
	// post-limit filtering of the underlying store. Filtered-out rows
	// still advance the continuation key.
	Filter func(*Item) bool
}

// Query returns one page of items plus the continuation key of the scan.
// An empty continuation key means the partition is exhausted; a non-empty
// key with an empty item slice means the caller must continue paging.
func (db *DB) Query(ctx context.Context, in QueryInput) ([]Item, string, error) {
	if in.Limit <= 0 {
		return nil, "", fmt.Errorf("query limit must be positive")
	}

	var rows *sql.Rows
	var err error
	switch {
	case in.StartSK != "" && in.Forward:
		rows, err = db.db.QueryContext(ctx, sqlQueryForward, in.PK, in.StartSK, in.Limit)
	case in.StartSK != "":
		rows, err = db.db.QueryContext(ctx, sqlQueryBackward, in.PK, in.StartSK, in.Limit)
	case in.Forward:
		rows, err = db.db.QueryContext(ctx, sqlQueryForwardAll, in.PK, in.Limit)
	default:
		rows, err = db.db.QueryContext(ctx, sqlQueryBackwardAll, in.PK, in.Limit)
	}
	if err != nil {
		return nil, "", mapSqliteErr(err)
	}
	defer rows.Close()

	var items []Item
	var lastSK string
	scanned := 0
	for rows.Next() {
		var sk, attrsJSON string
		if err := rows.Scan(&sk, &attrsJSON); err != nil {
			return nil, "", err
		}
		scanned++
		lastSK = sk
		if in.SKPrefix != "" && !strings.HasPrefix(sk, in.SKPrefix) {
			continue
		}
		attrs := map[string]any{}
		if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
			return nil, "", fmt.Errorf("corrupted attributes at pk=%s sk=%s: %w", in.PK, sk, err)
		}
		item := Item{PK: in.PK, SK: sk, Attrs: attrs}
		if in.Filter != nil && !in.Filter(&item) {
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, "", mapSqliteErr(err)
	}
	if scanned < in.Limit {
		// partition exhausted
		lastSK = ""
	}
	return items, lastSK, nil
}

// recordChange mirrors edge and reply mutations onto the change feed; other
// key families are not streamed.
func (db *DB) recordChange(ctx context.Context, tx *sql.Tx, event, pk, sk string) error {
	if !isStreamedKey(pk, sk) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, sqlInsertChange, event, pk, sk); err != nil {
		return mapSqliteErr(err)
	}
	return nil
}

func isStreamedKey(pk, sk string) bool {
	if strings.HasPrefix(pk, "follower:") || strings.HasPrefix(pk, "followee:") {
		return true
	}
	return strings.HasPrefix(pk, "object:") && strings.HasPrefix(sk, "reply:")
}

// ReadChanges returns up to limit change events with seq greater than after,
// in stream order.
func (db *DB) ReadChanges(ctx context.Context, after int64, limit int) ([]domain.ChangeEvent, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectChanges, after, limit)
	if err != nil {
		return nil, mapSqliteErr(err)
	}
	defer rows.Close()

	var events []domain.ChangeEvent
	for rows.Next() {
		var ev domain.ChangeEvent
		if err := rows.Scan(&ev.Seq, &ev.EventName, &ev.PK, &ev.SK); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteChangesThrough drops drained events up to and including seq.
func (db *DB) DeleteChangesThrough(ctx context.Context, seq int64) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteChanges, seq)
	return mapSqliteErr(err)
}

// CounterUpdate adds a delta to one numeric attribute of an existing item.
type CounterUpdate struct {
	PK    string
	SK    string
	Attr  string
	Delta int64
}

// MaxBatchSize bounds one BatchUpdateCounters call.
const MaxBatchSize = 25

// BatchUpdateCounters applies up to MaxBatchSize counter deltas. Each
// statement is conditional on the item existing; failures are reported
// per statement and do not abort the batch.
func (db *DB) BatchUpdateCounters(ctx context.Context, updates []CounterUpdate) ([]error, error) {
	if len(updates) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds the maximum of %d statements", len(updates), MaxBatchSize)
	}

	results := make([]error, len(updates))
	for i, u := range updates {
		path := "$." + u.Attr
		res, err := db.db.ExecContext(ctx, sqlAddCounter, path, path, u.Delta, u.PK, u.SK)
		if err != nil {
			results[i] = mapSqliteErr(err)
			continue
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			results[i] = fmt.Errorf("%w: pk=%s sk=%s", ErrConditionFailed, u.PK, u.SK)
		}
	}
	return results, nil
}

func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSqliteErr(err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mapSqliteErr(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY {
		return fmt.Errorf("%w: %v", ErrThroughput, err)
	}
	return err
}
