// ABOUTME: Generic JSON-document collection implementing the per-service
// ABOUTME: persistence contract over the shared entities table.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fableforge/rift/internal/service"
)

// Collection persists one service's entities as JSON documents. It implements
// service.Store[T].
type Collection[T service.Entity] struct {
	db      *DB
	service string
}

// NewCollection binds a collection to its service name.
func NewCollection[T service.Entity](db *DB, serviceName string) *Collection[T] {
	return &Collection[T]{db: db, service: serviceName}
}

// Insert adds a new row. Returns service.ErrDuplicate when the id exists.
func (c *Collection[T]) Insert(ctx context.Context, e T) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entity: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = c.db.db.ExecContext(ctx,
		`INSERT INTO entities (service, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.service, e.EntityID(), string(data), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return service.ErrDuplicate
		}
		return fmt.Errorf("inserting entity: %w", err)
	}
	return nil
}

// Get loads one row. Returns service.ErrNotFound when absent.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	var data string
	err := c.db.db.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE service = ? AND id = ?`,
		c.service, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, service.ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("loading entity: %w", err)
	}
	return decode[T](data)
}

// Update applies the mutation inside a transaction so concurrent updates to
// the same row serialize on the row read.
func (c *Collection[T]) Update(ctx context.Context, id string, apply func(T) T) (T, error) {
	var zero T

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("starting update: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE service = ? AND id = ?`,
		c.service, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, service.ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("loading entity for update: %w", err)
	}

	e, err := decode[T](data)
	if err != nil {
		return zero, err
	}
	updated := apply(e)

	raw, err := json.Marshal(updated)
	if err != nil {
		return zero, fmt.Errorf("encoding updated entity: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET data = ?, updated_at = ? WHERE service = ? AND id = ?`,
		string(raw), now, c.service, id); err != nil {
		return zero, fmt.Errorf("updating entity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("committing update: %w", err)
	}
	return updated, nil
}

// Delete removes one row. Returns service.ErrNotFound when absent.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	res, err := c.db.db.ExecContext(ctx,
		`DELETE FROM entities WHERE service = ? AND id = ?`,
		c.service, id)
	if err != nil {
		return fmt.Errorf("deleting entity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return service.ErrNotFound
	}
	return nil
}

// List returns rows newest first.
func (c *Collection[T]) List(ctx context.Context, limit int) ([]T, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.db.QueryContext(ctx,
		`SELECT data FROM entities WHERE service = ? ORDER BY created_at DESC LIMIT ?`,
		c.service, limit)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()
	return scanAll[T](rows)
}

// ListBy returns rows whose top-level document field equals value, oldest
// first. Used for parent-scoped listings like a conversation's messages.
func (c *Collection[T]) ListBy(ctx context.Context, field, value string, limit int) ([]T, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := c.db.db.QueryContext(ctx,
		`SELECT data FROM entities
		 WHERE service = ? AND json_extract(data, '$.' || ?) = ?
		 ORDER BY created_at ASC LIMIT ?`,
		c.service, field, value, limit)
	if err != nil {
		return nil, fmt.Errorf("listing entities by %s: %w", field, err)
	}
	defer rows.Close()
	return scanAll[T](rows)
}

// CountBy counts rows whose top-level document field equals value.
func (c *Collection[T]) CountBy(ctx context.Context, field, value string) (int, error) {
	var n int
	err := c.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities
		 WHERE service = ? AND json_extract(data, '$.' || ?) = ?`,
		c.service, field, value).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting entities by %s: %w", field, err)
	}
	return n, nil
}

// DeleteBy removes every row whose top-level document field equals value,
// returning how many were removed.
func (c *Collection[T]) DeleteBy(ctx context.Context, field, value string) (int, error) {
	res, err := c.db.db.ExecContext(ctx,
		`DELETE FROM entities WHERE service = ? AND json_extract(data, '$.' || ?) = ?`,
		c.service, field, value)
	if err != nil {
		return 0, fmt.Errorf("deleting entities by %s: %w", field, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func decode[T any](data string) (T, error) {
	var e T
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return e, fmt.Errorf("decoding entity: %w", err)
	}
	return e, nil
}

func scanAll[T any](rows *sql.Rows) ([]T, error) {
	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		e, err := decode[T](data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return out, nil
}
