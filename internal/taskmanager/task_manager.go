// ============================================================================
// Outpost 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/taskmanager
// 文件: task_manager.go
// 功能: 管理 agent 上每個任務的記錄與狀態轉換
//
// 任務狀態轉換 (State Machine):
//   STAGED → STARTING → RUNNING → (KILLING) → {FINISHED, FAILED, KILLED, LOST, GONE}
//
// 狀態轉換規則:
//   - 非終止狀態只能前進，不能倒退
//   - 終止狀態可以覆寫任何非終止狀態
//   - 第一個被接受的終止更新勝出，之後的更新全部丟棄
//
// 兩種狀態:
//   - LatestState: 本地最新狀態（可能領先 controller）
//   - StatusUpdateState: controller 下一個會看到（或最後確認）的狀態
//   重新註冊時兩者都會送出，讓 controller 對帳
//
// 並發安全:
//   - 由 agent actor 擁有，但仍以 sync.RWMutex 保護，讓檢視操作可以並發讀取
//
// ============================================================================

package taskmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/outpost/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 同一 framework 下任務 ID 重複
	ErrDuplicateTask = errors.New("task already exists")
	// 任務不存在
	ErrTaskNotFound = errors.New("task not found")
	// 任務已是終止狀態，後續更新一律丟棄
	ErrDuplicateTerminalUpdate = errors.New("task already terminal")
	// 非終止狀態倒退
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Key 任務複合鍵
type Key struct {
	FrameworkID types.FrameworkID
	TaskID      types.TaskID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.FrameworkID, k.TaskID)
}

// Task 任務記錄
type Task struct {
	Info              types.TaskInfo    `json:"info"`
	FrameworkID       types.FrameworkID `json:"framework_id"`
	ExecutorID        types.ExecutorID  `json:"executor_id"`
	Resources         types.Resources   `json:"resources"`
	LatestState       types.TaskState   `json:"latest_state"`
	StatusUpdateState types.TaskState   `json:"status_update_state,omitempty"`
	PendingUpdateUUID string            `json:"pending_update_uuid,omitempty"`
	Launched          bool              `json:"launched"` // 已交給 executor
	CreatedAt         int64             `json:"created_at"`
	UpdatedAt         int64             `json:"updated_at"`
}

// Key 回傳任務的複合鍵
func (t Task) Key() Key {
	return Key{FrameworkID: t.FrameworkID, TaskID: t.Info.TaskID}
}

// TaskManager 任務管理器
type TaskManager struct {
	mu    sync.RWMutex
	tasks map[Key]*Task
	now   func() time.Time
}

// NewTaskManager 建立新的任務管理器實例
func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks: make(map[Key]*Task),
		now:   time.Now,
	}
}

// Assign 建立 STAGED 任務記錄
//
// 錯誤處理：
//   - ErrDuplicateTask: 同一 framework 下任務 ID 已存在
func (tm *TaskManager) Assign(info types.TaskInfo) (Task, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := Key{FrameworkID: info.FrameworkID, TaskID: info.TaskID}
	if _, exists := tm.tasks[key]; exists {
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, key)
	}

	now := tm.now().UnixMilli()
	task := &Task{
		Info:        info,
		FrameworkID: info.FrameworkID,
		ExecutorID:  info.ExecutorID,
		Resources:   info.Resources,
		LatestState: types.TaskStaged,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tm.tasks[key] = task
	return *task, nil
}

// Exists 任務是否存在
func (tm *TaskManager) Exists(fw types.FrameworkID, id types.TaskID) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, ok := tm.tasks[Key{fw, id}]
	return ok
}

// Get 取得任務副本
func (tm *TaskManager) Get(fw types.FrameworkID, id types.TaskID) (Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, ok := tm.tasks[Key{fw, id}]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// MarkLaunched 任務已交給 executor，狀態進入 STARTING
func (tm *TaskManager) MarkLaunched(fw types.FrameworkID, id types.TaskID) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[Key{fw, id}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, fw, id)
	}
	if task.LatestState.IsTerminal() {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateTerminalUpdate, fw, id)
	}
	task.Launched = true
	if types.CanTransition(task.LatestState, types.TaskStarting) {
		task.LatestState = types.TaskStarting
	}
	task.UpdatedAt = tm.now().UnixMilli()
	return nil
}

// ApplyUpdate 套用一筆狀態更新到 LatestState
//
// 返回值：
//   - 更新前的狀態
//   - ErrDuplicateTerminalUpdate: 任務已終止（第一個終止更新勝出）
//   - ErrInvalidTransition: 非終止狀態倒退
func (tm *TaskManager) ApplyUpdate(status types.TaskStatus) (types.TaskState, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := Key{FrameworkID: status.FrameworkID, TaskID: status.TaskID}
	task, ok := tm.tasks[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}

	prev := task.LatestState
	if prev.IsTerminal() {
		return prev, fmt.Errorf("%w: %s is %s, dropping %s", ErrDuplicateTerminalUpdate, key, prev, status.State)
	}
	if !types.CanTransition(prev, status.State) {
		return prev, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, prev, status.State)
	}

	task.LatestState = status.State
	task.UpdatedAt = tm.now().UnixMilli()
	return prev, nil
}

// SetStatusUpdateState 記錄 controller 端看到的狀態與對應 UUID
func (tm *TaskManager) SetStatusUpdateState(fw types.FrameworkID, id types.TaskID, state types.TaskState, uuid string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if task, ok := tm.tasks[Key{fw, id}]; ok {
		task.StatusUpdateState = state
		task.PendingUpdateUUID = uuid
	}
}

// Remove 刪除任務記錄
func (tm *TaskManager) Remove(fw types.FrameworkID, id types.TaskID) (Task, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := Key{fw, id}
	task, ok := tm.tasks[key]
	if !ok {
		return Task{}, false
	}
	delete(tm.tasks, key)
	return *task, true
}

// ByExecutor 取得某個 executor 的所有任務（依建立順序）
func (tm *TaskManager) ByExecutor(fw types.FrameworkID, ex types.ExecutorID) []Task {
	return tm.filter(func(t *Task) bool {
		return t.FrameworkID == fw && t.ExecutorID == ex
	})
}

// NonTerminalByExecutor 取得某個 executor 尚未終止的任務
func (tm *TaskManager) NonTerminalByExecutor(fw types.FrameworkID, ex types.ExecutorID) []Task {
	return tm.filter(func(t *Task) bool {
		return t.FrameworkID == fw && t.ExecutorID == ex && !t.LatestState.IsTerminal()
	})
}

// ByFramework 取得某個 framework 的所有任務
func (tm *TaskManager) ByFramework(fw types.FrameworkID) []Task {
	return tm.filter(func(t *Task) bool { return t.FrameworkID == fw })
}

// Len 任務總數
func (tm *TaskManager) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.tasks)
}

// Stats 依狀態統計任務數
func (tm *TaskManager) Stats() map[types.TaskState]int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	stats := make(map[types.TaskState]int)
	for _, t := range tm.tasks {
		stats[t.LatestState]++
	}
	return stats
}

// Snapshot 所有任務的副本
func (tm *TaskManager) Snapshot() []Task {
	return tm.filter(func(*Task) bool { return true })
}

// Restore 以恢復的任務覆蓋目前狀態
func (tm *TaskManager) Restore(tasks []Task) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tasks = make(map[Key]*Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		tm.tasks[t.Key()] = &t
	}
}

func (tm *TaskManager) filter(keep func(*Task) bool) []Task {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	var out []Task
	for _, t := range tm.tasks {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Info.TaskID < out[j].Info.TaskID
	})
	return out
}
