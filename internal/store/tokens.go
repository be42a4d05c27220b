// ABOUTME: Durable agent-token records mapping opaque tokens to a principal
// ABOUTME: plus agent identity for MCP authentication.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTokenNotFound is returned for unknown or revoked tokens.
var ErrTokenNotFound = errors.New("token not found")

// Grant is what an agent token resolves to: the principal the agent acts as
// and the agent id its allow-list is keyed by.
type Grant struct {
	PrincipalID string
	AgentID     string
}

// TokenStore persists agent tokens.
type TokenStore struct {
	db *DB
}

// NewTokenStore binds the token store to the database.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

// Create stores a token.
func (s *TokenStore) Create(ctx context.Context, token, principalID, agentID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO agent_tokens (token, principal_id, agent_id, created_at) VALUES (?, ?, ?, ?)`,
		token, principalID, agentID, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("token already exists")
		}
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

// Lookup resolves a token to its grant.
func (s *TokenStore) Lookup(ctx context.Context, token string) (Grant, error) {
	var g Grant
	err := s.db.db.QueryRowContext(ctx,
		`SELECT principal_id, agent_id FROM agent_tokens WHERE token = ?`,
		token).Scan(&g.PrincipalID, &g.AgentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, ErrTokenNotFound
	}
	if err != nil {
		return Grant{}, fmt.Errorf("loading token: %w", err)
	}
	return g, nil
}

// Revoke removes a token. Revoking an unknown token is a no-op.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if _, err := s.db.db.ExecContext(ctx,
		`DELETE FROM agent_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}
