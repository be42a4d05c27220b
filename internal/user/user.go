// ABOUTME: User profile service built directly on the generic service base
// ABOUTME: Profiles are keyed by principal ID; owners edit their own row

package user

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fableforge/rift/internal/access"
	"github.com/fableforge/rift/internal/service"
)

// Profile is the public record for one principal. Its ID is the principal ID,
// so the self-subscribe rule applies directly.
type Profile struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	Bio         string      `json:"bio,omitempty"`
	ACL         access.List `json:"acl"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (p Profile) EntityID() string          { return p.ID }
func (p Profile) EntityAccess() access.List { return p.ACL }
func (p Profile) WithEntityAccess(l access.List) Profile {
	p.ACL = l
	return p
}

// Service exposes the "users" surface.
type Service struct {
	base   *service.Service[Profile]
	logger *slog.Logger
}

// Option configures the user service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger.With("component", "users") }
}

// New builds the user service on the given store.
func New(store service.Store[Profile], opts ...Option) *Service {
	s := &Service{logger: slog.Default().With("component", "users")}
	for _, opt := range opts {
		opt(s)
	}

	// Editing your own profile needs no grant; editing someone else's falls
	// back to their row ACL.
	s.base = service.New[Profile]("users", store,
		service.WithLogger[Profile](s.logger),
		service.WithEntryEvaluator[Profile](s.profileAccess),
	)

	s.base.Register("register", access.Read, s.handleRegister,
		service.WithEntryResolver(func(json.RawMessage) string { return "" }),
		service.WithDescription("Create the caller's own profile"))
	s.base.Register("get", access.Read, s.handleGet,
		service.WithDescription("Fetch a user profile by id"))
	s.base.Register("update", access.Moderate, s.handleUpdate,
		service.WithDescription("Update a user profile's display name or bio"))

	service.ExposeAdmin(s.base, service.FullAdminExposure())
	return s
}

// Surface returns the registrable service surface.
func (s *Service) Surface() service.Surface { return s.base }

// Base exposes the underlying generic service for wiring and tests.
func (s *Service) Base() *service.Service[Profile] { return s.base }

func (s *Service) profileAccess(ctx context.Context, caller *service.Caller, entryID string, need access.Level) (bool, error) {
	if caller.PrincipalID == entryID {
		return true, nil
	}
	p, err := s.base.Get(ctx, entryID)
	if err != nil {
		return false, err
	}
	return p.ACL.Grant(caller.PrincipalID).Sufficient(need), nil
}

type registerRequest struct {
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio,omitempty"`
}

func (s *Service) handleRegister(ctx context.Context, caller *service.Caller, payload json.RawMessage) (any, error) {
	var req registerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding register request: %w", err)
	}
	if req.DisplayName == "" {
		req.DisplayName = caller.PrincipalID
	}

	now := time.Now().UTC()
	p := Profile{
		ID:          caller.PrincipalID,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		ACL:         access.List{{PrincipalID: caller.PrincipalID, Level: access.Admin}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.base.Create(ctx, p)
}

type getRequest struct {
	ID string `json:"id"`
}

func (s *Service) handleGet(ctx context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
	var req getRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding get request: %w", err)
	}
	return s.base.Get(ctx, req.ID)
}

type updateRequest struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"displayName,omitempty"`
	Bio         *string `json:"bio,omitempty"`
}

func (s *Service) handleUpdate(ctx context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
	var req updateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding update request: %w", err)
	}

	updated, ok := s.base.Update(ctx, req.ID, func(p Profile) Profile {
		if req.DisplayName != nil {
			p.DisplayName = *req.DisplayName
		}
		if req.Bio != nil {
			p.Bio = *req.Bio
		}
		p.UpdatedAt = time.Now().UTC()
		return p
	})
	if !ok {
		return nil, service.ErrNotFound
	}
	return updated, nil
}
