// ABOUTME: Optional admin method scaffolding a service exposes selectively:
// ABOUTME: raw CRUD, entry ACL management, and subscription inspection.

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fableforge/rift/internal/access"
)

// Expose returns a pointer to level, for populating AdminExposure fields.
func Expose(level access.Level) *access.Level { return &level }

// AdminExposure selects which admin methods a service exposes and at what
// service-level requirement. A nil field leaves that method unregistered;
// populate fields with Expose, or use FullAdminExposure for the whole set.
// Admin methods check service level only, with one exception: delete also
// honors entry-level Admin, so a row's own admins can remove it.
type AdminExposure struct {
	List           *access.Level
	Get            *access.Level
	Create         *access.Level
	Update         *access.Level
	Delete         *access.Level
	SetEntryACL    *access.Level
	Subscribers    *access.Level
	Reemit         *access.Level
	UnsubscribeAll *access.Level

	// ListLimit caps adminList results. Zero means the store default.
	ListLimit int
}

// FullAdminExposure exposes every admin method at service-level Admin.
func FullAdminExposure() AdminExposure {
	return AdminExposure{
		List:           Expose(access.Admin),
		Get:            Expose(access.Admin),
		Create:         Expose(access.Admin),
		Update:         Expose(access.Admin),
		Delete:         Expose(access.Admin),
		SetEntryACL:    Expose(access.Admin),
		Subscribers:    Expose(access.Admin),
		Reemit:         Expose(access.Admin),
		UnsubscribeAll: Expose(access.Admin),
	}
}

// ExposeAdmin registers the selected admin methods on the service. Call once,
// after construction and before serving.
func ExposeAdmin[T Entity](s *Service[T], exp AdminExposure) {
	limit := exp.ListLimit
	if limit <= 0 {
		limit = 200
	}

	if exp.List != nil {
		s.Register("adminList", *exp.List, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			var req struct {
				Limit int `json:"limit"`
			}
			if len(payload) > 0 {
				_ = json.Unmarshal(payload, &req)
			}
			n := req.Limit
			if n <= 0 || n > limit {
				n = limit
			}
			return s.store.List(ctx, n)
		}, ServiceLevelOnly())
	}

	if exp.Get != nil {
		s.Register("adminGet", *exp.Get, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			id := ConventionalEntryID(payload)
			if id == "" {
				return nil, fmt.Errorf("adminGet: missing id")
			}
			return s.store.Get(ctx, id)
		}, ServiceLevelOnly())
	}

	if exp.Create != nil {
		s.Register("adminCreate", *exp.Create, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			var e T
			if err := json.Unmarshal(payload, &e); err != nil {
				return nil, fmt.Errorf("adminCreate: decoding entity: %w", err)
			}
			if e.EntityID() == "" {
				return nil, fmt.Errorf("adminCreate: entity id required")
			}
			return s.Create(ctx, e)
		}, ServiceLevelOnly())
	}

	if exp.Update != nil {
		s.Register("adminUpdate", *exp.Update, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			var req struct {
				ID    string                     `json:"id"`
				Patch map[string]json.RawMessage `json:"patch"`
			}
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("adminUpdate: decoding request: %w", err)
			}
			if req.ID == "" {
				return nil, fmt.Errorf("adminUpdate: missing id")
			}
			var patchErr error
			updated, ok := s.Update(ctx, req.ID, func(cur T) T {
				next, err := mergePatch(cur, req.Patch)
				if err != nil {
					patchErr = err
					return cur
				}
				return next
			})
			if patchErr != nil {
				return nil, patchErr
			}
			if !ok {
				return nil, ErrNotFound
			}
			return updated, nil
		}, ServiceLevelOnly())
	}

	if exp.Delete != nil {
		deleteLevel := *exp.Delete
		s.Register("adminDelete", deleteLevel, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			id := ConventionalEntryID(payload)
			if id == "" {
				return nil, fmt.Errorf("adminDelete: missing id")
			}
			if err := s.Delete(ctx, id); err != nil {
				return nil, err
			}
			return map[string]bool{"deleted": true}, nil
		}, withAuthorize(func(ctx context.Context, caller *Caller, entryID string) error {
			if err := s.EnsureServiceLevel(ctx, caller, deleteLevel); err == nil {
				return nil
			} else if errors.Is(err, ErrAuthRequired) {
				return err
			}
			ok, err := s.entryEval(ctx, caller, entryID, access.Admin)
			if err != nil {
				return err
			}
			if !ok {
				return ErrPermission
			}
			return nil
		}))
	}

	if exp.SetEntryACL != nil {
		s.Register("adminSetEntryACL", *exp.SetEntryACL, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			var req struct {
				ID  string      `json:"id"`
				ACL access.List `json:"acl"`
			}
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("adminSetEntryACL: decoding request: %w", err)
			}
			if req.ID == "" {
				return nil, fmt.Errorf("adminSetEntryACL: missing id")
			}
			updated, ok := s.Update(ctx, req.ID, func(cur T) T {
				carrier, okc := any(cur).(AccessCarrier[T])
				if !okc {
					return cur
				}
				return carrier.WithEntityAccess(req.ACL)
			})
			if !ok {
				return nil, ErrNotFound
			}
			if _, okc := any(updated).(AccessCarrier[T]); !okc {
				return nil, fmt.Errorf("adminSetEntryACL: %s entries carry no ACL", s.name)
			}
			return updated, nil
		}, ServiceLevelOnly())
	}

	if exp.Subscribers != nil {
		s.Register("adminGetSubscribers", *exp.Subscribers, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			id := ConventionalEntryID(payload)
			if id == "" {
				return nil, fmt.Errorf("adminGetSubscribers: missing id")
			}
			return map[string]any{"id": id, "connections": s.subs.ConnIDs(id)}, nil
		}, ServiceLevelOnly())
	}

	if exp.Reemit != nil {
		s.Register("adminReemit", *exp.Reemit, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			id := ConventionalEntryID(payload)
			if id == "" {
				return nil, fmt.Errorf("adminReemit: missing id")
			}
			e, err := s.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			s.Broadcast(id, e)
			return map[string]bool{"reemitted": true}, nil
		}, ServiceLevelOnly())
	}

	if exp.UnsubscribeAll != nil {
		s.Register("adminUnsubscribeAll", *exp.UnsubscribeAll, func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error) {
			id := ConventionalEntryID(payload)
			if id == "" {
				return nil, fmt.Errorf("adminUnsubscribeAll: missing id")
			}
			n := s.subs.Clear(id)
			return map[string]int{"removed": n}, nil
		}, ServiceLevelOnly())
	}
}
