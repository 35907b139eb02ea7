package executormanager

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// Executor executor 記錄，只能由擁有它的 agent actor 修改
type Executor struct {
	ID          types.ExecutorID
	FrameworkID types.FrameworkID
	Info        types.ExecutorInfo
	ContainerID types.ContainerID
	State       types.ExecutorState
	Address     string // executor 註冊時回報的位址
	Version     string // 建立時的 agent 版本
	Checkpoint  bool
	CreatedAt   time.Time

	PID              int  // executor 行程，容器啟動後才有
	ContainerStarted bool // 容器已啟動（Destroy 才有意義）
	Recovered        bool // 由 checkpoint 恢復，等待重新註冊
	UpdateInFlight   bool // 正在更新容器資源，佇列任務等待交付

	// queued 尚未交給 executor 的任務，依指派順序
	queued []types.TaskInfo
	// launched 已交給 executor 的任務，依交付順序
	launched []types.TaskInfo
	// terminated 已終止但終止更新尚未被確認的任務
	terminated map[types.TaskID]types.TaskInfo
	// history 曾經指派給這個 executor 的任務
	history []types.TaskID

	registrationTimer clock.Timer
	shutdownTimer     clock.Timer
	killTimers        map[types.TaskID]clock.Timer
}

func newExecutor(fw types.FrameworkID, info types.ExecutorInfo, cid types.ContainerID, checkpoint bool, now time.Time) *Executor {
	return &Executor{
		ID:          info.ExecutorID,
		FrameworkID: fw,
		Info:        info,
		ContainerID: cid,
		State:       types.ExecutorRegistering,
		Checkpoint:  checkpoint,
		CreatedAt:   now,
		terminated:  make(map[types.TaskID]types.TaskInfo),
		killTimers:  make(map[types.TaskID]clock.Timer),
	}
}

// Transition 狀態轉換，不合法時回傳 ErrInvalidTransition
func (e *Executor) Transition(to types.ExecutorState) error {
	if !types.CanTransitionExecutor(e.State, to) {
		return fmt.Errorf("%w: executor %s %s -> %s", ErrInvalidTransition, e.ID, e.State, to)
	}
	e.State = to
	return nil
}

// Enqueue 加入等待交付的任務
func (e *Executor) Enqueue(task types.TaskInfo) {
	e.queued = append(e.queued, task)
	e.history = append(e.history, task.TaskID)
}

// Dequeue 從佇列中移除任務，回傳是否存在
func (e *Executor) Dequeue(id types.TaskID) bool {
	for i, t := range e.queued {
		if t.TaskID == id {
			e.queued = append(e.queued[:i:i], e.queued[i+1:]...)
			return true
		}
	}
	return false
}

// IsQueued 任務是否仍在佇列中
func (e *Executor) IsQueued(id types.TaskID) bool {
	for _, t := range e.queued {
		if t.TaskID == id {
			return true
		}
	}
	return false
}

// Queued 佇列副本
func (e *Executor) Queued() []types.TaskInfo {
	return append([]types.TaskInfo(nil), e.queued...)
}

// FlushQueue 依序取出所有佇列任務並標記為已交付
func (e *Executor) FlushQueue() []types.TaskInfo {
	flushed := e.queued
	e.queued = nil
	e.launched = append(e.launched, flushed...)
	return flushed
}

// FlushQueued 依佇列順序取出符合條件的任務並標記為已交付
func (e *Executor) FlushQueued(include func(types.TaskInfo) bool) []types.TaskInfo {
	var flushed, kept []types.TaskInfo
	for _, t := range e.queued {
		if include(t) {
			flushed = append(flushed, t)
		} else {
			kept = append(kept, t)
		}
	}
	e.queued = kept
	e.launched = append(e.launched, flushed...)
	return flushed
}

// Launch 直接交付任務（executor 已在 RUNNING）
func (e *Executor) Launch(task types.TaskInfo) {
	e.launched = append(e.launched, task)
	e.history = append(e.history, task.TaskID)
}

// History 曾經指派過的任務 ID
func (e *Executor) History() []types.TaskID {
	return append([]types.TaskID(nil), e.history...)
}

// IsLaunched 任務是否已交付
func (e *Executor) IsLaunched(id types.TaskID) bool {
	for _, t := range e.launched {
		if t.TaskID == id {
			return true
		}
	}
	return false
}

// Launched 已交付任務副本
func (e *Executor) Launched() []types.TaskInfo {
	return append([]types.TaskInfo(nil), e.launched...)
}

// TaskTerminated 將任務從佇列或已交付移到已終止
func (e *Executor) TaskTerminated(id types.TaskID) {
	for i, t := range e.launched {
		if t.TaskID == id {
			e.launched = append(e.launched[:i:i], e.launched[i+1:]...)
			e.terminated[id] = t
			e.StopKillTimer(id)
			return
		}
	}
	for i, t := range e.queued {
		if t.TaskID == id {
			e.queued = append(e.queued[:i:i], e.queued[i+1:]...)
			e.terminated[id] = t
			return
		}
	}
}

// RemoveTask 終止更新被確認後移除任務
func (e *Executor) RemoveTask(id types.TaskID) {
	e.Dequeue(id)
	for i, t := range e.launched {
		if t.TaskID == id {
			e.launched = append(e.launched[:i:i], e.launched[i+1:]...)
			break
		}
	}
	delete(e.terminated, id)
	e.StopKillTimer(id)
}

// HasPendingWork 是否還有未終止的任務
func (e *Executor) HasPendingWork() bool {
	return len(e.queued) > 0 || len(e.launched) > 0
}

// IsIdle 沒有任何任務（含等待確認的終止任務）
func (e *Executor) IsIdle() bool {
	return !e.HasPendingWork() && len(e.terminated) == 0
}

// Resources executor 本身加上所有未終止任務的資源
func (e *Executor) Resources() types.Resources {
	total := e.Info.Resources
	for _, t := range e.queued {
		total = total.Add(t.Resources)
	}
	for _, t := range e.launched {
		total = total.Add(t.Resources)
	}
	return total
}

// ============================================================================
// 計時器
// ============================================================================

func (e *Executor) SetRegistrationTimer(t clock.Timer) {
	e.StopRegistrationTimer()
	e.registrationTimer = t
}

func (e *Executor) StopRegistrationTimer() {
	if e.registrationTimer != nil {
		e.registrationTimer.Stop()
		e.registrationTimer = nil
	}
}

func (e *Executor) SetShutdownTimer(t clock.Timer) {
	e.StopShutdownTimer()
	e.shutdownTimer = t
}

func (e *Executor) StopShutdownTimer() {
	if e.shutdownTimer != nil {
		e.shutdownTimer.Stop()
		e.shutdownTimer = nil
	}
}

func (e *Executor) SetKillTimer(id types.TaskID, t clock.Timer) {
	e.StopKillTimer(id)
	e.killTimers[id] = t
}

func (e *Executor) StopKillTimer(id types.TaskID) {
	if t, ok := e.killTimers[id]; ok {
		t.Stop()
		delete(e.killTimers, id)
	}
}

// StopTimers 停止所有計時器
func (e *Executor) StopTimers() {
	e.StopRegistrationTimer()
	e.StopShutdownTimer()
	for id := range e.killTimers {
		e.StopKillTimer(id)
	}
}
