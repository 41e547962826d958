// Package command implements the lease state machine that sits between the
// HTTP control server and the Command Store: input validation, identifier
// generation, and the claim/heartbeat/complete/fail transitions.
package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/taskrelay/internal/store"
)

var (
	// ErrInvalidType is returned when a command's type is not a known kind.
	ErrInvalidType = errors.New("unknown command type")
	// ErrInvalidPayload is returned when a payload doesn't match its type's shape.
	ErrInvalidPayload = errors.New("invalid command payload")
	// ErrMissingIdentity is returned when a lease-carrying request omits agentId or leaseId.
	ErrMissingIdentity = errors.New("agentId and leaseId are required")
)

// Manager encapsulates command lifecycle operations over a Command Store.
type Manager struct {
	store *store.Queries
}

// New constructs a Manager backed by the given Command Store.
func New(s *store.Queries) *Manager {
	return &Manager{store: s}
}

// Create validates and inserts a new PENDING command under a
// server-generated id, returning the stored command.
func (m *Manager) Create(ctx context.Context, typ string, payload json.RawMessage) (*store.Command, error) {
	t := store.Type(typ)
	if err := validatePayload(t, payload); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	createdAt := time.Now().UnixMilli()
	cmd, err := m.store.Create(ctx, id, t, string(payload), createdAt)
	if err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}
	return cmd, nil
}

// Get fetches a command by id. Returns (nil, nil) if not found.
func (m *Manager) Get(ctx context.Context, id string) (*store.Command, error) {
	cmd, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// Claim mints a new lease for the oldest PENDING command, if any. Returns
// (nil, nil) when there is no work.
func (m *Manager) Claim(ctx context.Context, agentID string, maxLeaseMs int64) (*store.Command, error) {
	if agentID == "" {
		return nil, ErrMissingIdentity
	}
	if maxLeaseMs <= 0 {
		return nil, fmt.Errorf("%w: maxLeaseMs must be positive", ErrInvalidPayload)
	}

	leaseID := uuid.NewString()
	now := time.Now().UnixMilli()
	cmd, err := m.store.Claim(ctx, agentID, leaseID, maxLeaseMs, now)
	if err != nil {
		return nil, fmt.Errorf("claim command: %w", err)
	}
	return cmd, nil
}

// Heartbeat extends the lease on commandID if agentID/leaseID match the
// current holder. Returns whether the lease was extended.
func (m *Manager) Heartbeat(ctx context.Context, commandID, agentID, leaseID string, extendMs int64) (bool, error) {
	if agentID == "" || leaseID == "" {
		return false, ErrMissingIdentity
	}
	now := time.Now().UnixMilli()
	ok, err := m.store.Heartbeat(ctx, commandID, agentID, leaseID, extendMs, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat command: %w", err)
	}
	return ok, nil
}

// Complete transitions commandID to COMPLETED if agentID/leaseID match the
// current holder. Returns whether the transition happened.
func (m *Manager) Complete(ctx context.Context, commandID, agentID, leaseID, result string) (bool, error) {
	if agentID == "" || leaseID == "" {
		return false, ErrMissingIdentity
	}
	ok, err := m.store.Complete(ctx, commandID, agentID, leaseID, result)
	if err != nil {
		return false, fmt.Errorf("complete command: %w", err)
	}
	return ok, nil
}

// Fail transitions commandID to FAILED if agentID/leaseID match the current
// holder. Returns whether the transition happened.
func (m *Manager) Fail(ctx context.Context, commandID, agentID, leaseID, errMsg string, result sql.NullString) (bool, error) {
	if agentID == "" || leaseID == "" {
		return false, ErrMissingIdentity
	}
	ok, err := m.store.Fail(ctx, commandID, agentID, leaseID, errMsg, result)
	if err != nil {
		return false, fmt.Errorf("fail command: %w", err)
	}
	return ok, nil
}

// ResetExpiredLeases resets every RUNNING command whose lease has expired
// back to PENDING. Returns the number reset.
func (m *Manager) ResetExpiredLeases(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	n, err := m.store.ResetExpiredLeases(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reset expired leases: %w", err)
	}
	return n, nil
}

func validatePayload(typ store.Type, payload json.RawMessage) error {
	switch typ {
	case store.TypeDelay:
		var body struct {
			Ms *float64 `json:"ms"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.Ms == nil || *body.Ms < 0 || *body.Ms != math.Trunc(*body.Ms) {
			return fmt.Errorf("%w: DELAY requires a non-negative integer ms", ErrInvalidPayload)
		}
		return nil
	case store.TypeHTTPGetJSON:
		var body struct {
			URL *string `json:"url"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.URL == nil || *body.URL == "" {
			return fmt.Errorf("%w: HTTP_GET_JSON requires a non-empty url", ErrInvalidPayload)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
}
