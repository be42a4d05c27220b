// ABOUTME: Durable per-principal service access map over the service_access
// ABOUTME: table. Source of truth behind the per-connection access caches.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fableforge/rift/internal/access"
)

// AccessStore implements service.AccessStore on the shared database.
type AccessStore struct {
	db *DB
}

// NewAccessStore binds the access store to the database.
func NewAccessStore(db *DB) *AccessStore {
	return &AccessStore{db: db}
}

// ServiceAccess loads every stored grant for the principal.
func (s *AccessStore) ServiceAccess(ctx context.Context, principalID string) (map[string]access.Level, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT service, level FROM service_access WHERE principal_id = ?`,
		principalID)
	if err != nil {
		return nil, fmt.Errorf("loading service access: %w", err)
	}
	defer rows.Close()

	out := make(map[string]access.Level)
	for rows.Next() {
		var svc, name string
		if err := rows.Scan(&svc, &name); err != nil {
			return nil, fmt.Errorf("scanning service access: %w", err)
		}
		level, err := access.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("stored grant for %s: %w", svc, err)
		}
		out[svc] = level
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating service access: %w", err)
	}
	return out, nil
}

// SetServiceAccess upserts one grant.
func (s *AccessStore) SetServiceAccess(ctx context.Context, principalID, serviceName string, level access.Level) error {
	if !level.Valid() {
		return fmt.Errorf("invalid access level %d", int(level))
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO service_access (principal_id, service, level, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (principal_id, service) DO UPDATE SET level = excluded.level, updated_at = excluded.updated_at`,
		principalID, serviceName, level.String(), now)
	if err != nil {
		return fmt.Errorf("storing service access: %w", err)
	}
	return nil
}
