package liveness

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/outpost/pkg/types"
)

var (
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrMutationInFlight = errors.New("registry mutation already in flight")
	ErrConflict         = errors.New("registry entry modified concurrently")
)

// Status controller 登錄表裡的 agent 狀態
type Status string

const (
	StatusUnknown     Status = ""
	StatusRegistered  Status = "registered"
	StatusUnreachable Status = "unreachable"
	StatusRemoved     Status = "removed"
)

// Op 登錄表變更的種類
type Op string

const (
	OpAdmit           Op = "admit"
	OpMarkUnreachable Op = "mark_unreachable"
	OpRemove          Op = "remove"
)

// Registry 持久化的 agent 登錄表
type Registry interface {
	Status(ctx context.Context, id types.AgentID) (Status, error)
	Admit(ctx context.Context, id types.AgentID) error
	MarkUnreachable(ctx context.Context, id types.AgentID) error
	// Remove 留下 removed 紀錄而不是刪除
	Remove(ctx context.Context, id types.AgentID) error
}

// ============================================================================
// MemoryRegistry
// ============================================================================

// MemoryRegistry 單一 controller 行程用的登錄表，也用於測試
type MemoryRegistry struct {
	mu        sync.Mutex
	entries   map[types.AgentID]Status
	mutations int
	gate      func(ctx context.Context, op Op, id types.AgentID) error
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[types.AgentID]Status)}
}

// SetGate 每次變更套用前先呼叫 gate；gate 回傳錯誤則放棄變更
func (r *MemoryRegistry) SetGate(gate func(ctx context.Context, op Op, id types.AgentID) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = gate
}

// Mutations 已套用的變更次數
func (r *MemoryRegistry) Mutations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutations
}

func (r *MemoryRegistry) Status(_ context.Context, id types.AgentID) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id], nil
}

func (r *MemoryRegistry) Admit(ctx context.Context, id types.AgentID) error {
	return r.apply(ctx, OpAdmit, id, StatusRegistered)
}

func (r *MemoryRegistry) MarkUnreachable(ctx context.Context, id types.AgentID) error {
	return r.apply(ctx, OpMarkUnreachable, id, StatusUnreachable)
}

func (r *MemoryRegistry) Remove(ctx context.Context, id types.AgentID) error {
	return r.apply(ctx, OpRemove, id, StatusRemoved)
}

func (r *MemoryRegistry) apply(ctx context.Context, op Op, id types.AgentID, to Status) error {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		if err := gate(ctx, op, id); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = to
	r.mutations++
	return nil
}
