// ============================================================================
// Outpost Executor 管理器
// ============================================================================
//
// Package: internal/executormanager
// 文件: executor_manager.go
// 功能: 保存每個 (framework, executor) 的記錄與已完成 executor 的歷史
//
// Executor 狀態轉換:
//   REGISTERING → RUNNING → TERMINATING → TERMINATED
//   REGISTERING → TERMINATING（註冊逾時、被要求關閉）
//   REGISTERING/RUNNING → TERMINATED（容器自行結束）
//
// 任務集合:
//   - queued: 尚未交給 executor，可以直接丟棄（例如 kill during launch）
//   - launched: 已交給 executor，只能透過 kill 終止
//   - terminated: 已終止、等待終止更新被確認
//
// ============================================================================

package executormanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/outpost/pkg/types"
)

var (
	ErrDuplicateExecutor = errors.New("executor already exists")
	ErrExecutorNotFound  = errors.New("executor not found")
	ErrInvalidTransition = errors.New("invalid executor state transition")
)

// Key executor 複合鍵
type Key struct {
	FrameworkID types.FrameworkID
	ExecutorID  types.ExecutorID
}

// Completed 已完成 executor 的摘要
type Completed struct {
	ID          types.ExecutorID  `json:"id"`
	FrameworkID types.FrameworkID `json:"framework_id"`
	ContainerID string            `json:"container_id"`
	Tasks       []types.TaskID    `json:"tasks"`
	RemovedAt   time.Time         `json:"removed_at"`
}

// Manager executor 管理器
type Manager struct {
	mu           sync.RWMutex
	executors    map[Key]*Executor
	completed    map[types.FrameworkID][]Completed
	maxCompleted int
	now          func() time.Time
}

// NewManager 建立 executor 管理器；maxCompleted 為每個 framework 保留的已完成 executor 數
func NewManager(maxCompleted int) *Manager {
	return &Manager{
		executors:    make(map[Key]*Executor),
		completed:    make(map[types.FrameworkID][]Completed),
		maxCompleted: maxCompleted,
		now:          time.Now,
	}
}

// Add 建立 REGISTERING 狀態的 executor
func (m *Manager) Add(fw types.FrameworkID, info types.ExecutorInfo, cid types.ContainerID, checkpoint bool) (*Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key{fw, info.ExecutorID}
	if _, exists := m.executors[key]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateExecutor, fw, info.ExecutorID)
	}
	e := newExecutor(fw, info, cid, checkpoint, m.now())
	m.executors[key] = e
	return e, nil
}

// Get 取得 executor，不存在時回傳 nil
func (m *Manager) Get(fw types.FrameworkID, id types.ExecutorID) *Executor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executors[Key{fw, id}]
}

// Remove 移除 executor 並記錄到已完成歷史
func (m *Manager) Remove(fw types.FrameworkID, id types.ExecutorID, tasks []types.TaskID) *Executor {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key{fw, id}
	e, ok := m.executors[key]
	if !ok {
		return nil
	}
	e.StopTimers()
	delete(m.executors, key)

	if m.maxCompleted > 0 {
		history := append(m.completed[fw], Completed{
			ID:          id,
			FrameworkID: fw,
			ContainerID: e.ContainerID.String(),
			Tasks:       tasks,
			RemovedAt:   m.now(),
		})
		if len(history) > m.maxCompleted {
			history = history[len(history)-m.maxCompleted:]
		}
		m.completed[fw] = history
	}
	return e
}

// ByFramework 取得 framework 下所有 executor（依 ID 排序）
func (m *Manager) ByFramework(fw types.FrameworkID) []*Executor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Executor
	for k, e := range m.executors {
		if k.FrameworkID == fw {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All 取得所有 executor
func (m *Manager) All() []*Executor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Executor, 0, len(m.executors))
	for _, e := range m.executors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FrameworkID != out[j].FrameworkID {
			return out[i].FrameworkID < out[j].FrameworkID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Completed 已完成 executor 歷史
func (m *Manager) Completed(fw types.FrameworkID) []Completed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Completed(nil), m.completed[fw]...)
}

// ForgetFramework 清除 framework 的已完成歷史
func (m *Manager) ForgetFramework(fw types.FrameworkID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.completed, fw)
}

// Len executor 數量
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.executors)
}
