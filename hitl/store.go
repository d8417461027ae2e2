package hitl

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/model"
)

// Store persists ApprovalRequest rows, matching the row format in spec §6.
// Unlike the Checkpoint Store, rows are mutated in place by record_decision;
// callers serialize mutation through the resource lock the Manager takes
// (resource_id = "approval:" + request_id), so implementations need not be
// transactionally safe against concurrent updates of the same row.
type Store interface {
	Put(ctx context.Context, req model.ApprovalRequest) error
	Get(ctx context.Context, requestID string) (model.ApprovalRequest, error)
	Update(ctx context.Context, req model.ApprovalRequest) error
	// ListPending returns every row with status=pending. Filtering by agent
	// name is layered on top by hitl.Manager, since ApprovalRequest's spec §6
	// row format carries no agent_name column.
	ListPending(ctx context.Context) ([]model.ApprovalRequest, error)
	// ListExpirable returns every row with status=pending and
	// expires_at < asOf, for the background expire_pending() sweep.
	ListExpirable(ctx context.Context, asOf time.Time) ([]model.ApprovalRequest, error)
}

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]model.ApprovalRequest
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]model.ApprovalRequest)}
}

func (s *MemoryStore) Put(ctx context.Context, req model.ApprovalRequest) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[req.RequestID]; exists {
		return apperrors.New(apperrors.KindConflict, "hitl: request_id already exists")
	}
	s.rows[req.RequestID] = req
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, requestID string) (model.ApprovalRequest, error) {
	select {
	case <-ctx.Done():
		return model.ApprovalRequest{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.rows[requestID]
	if !ok {
		return model.ApprovalRequest{}, apperrors.New(apperrors.KindNotFound, "hitl: request not found")
	}
	return req, nil
}

func (s *MemoryStore) Update(ctx context.Context, req model.ApprovalRequest) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[req.RequestID]; !ok {
		return apperrors.New(apperrors.KindNotFound, "hitl: request not found")
	}
	s.rows[req.RequestID] = req
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]model.ApprovalRequest, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ApprovalRequest
	for _, req := range s.rows {
		if req.Status == model.ApprovalPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExpirable(ctx context.Context, asOf time.Time) ([]model.ApprovalRequest, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ApprovalRequest
	for _, req := range s.rows {
		if req.Status == model.ApprovalPending && req.ExpiresAt.Before(asOf) {
			out = append(out, req)
		}
	}
	return out, nil
}
