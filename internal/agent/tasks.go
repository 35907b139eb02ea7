package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/outpost/internal/executormanager"
	"github.com/ChuLiYu/outpost/internal/statusupdate"
	"github.com/ChuLiYu/outpost/internal/taskmanager"
	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/internal/worker"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// ============================================================================
// 任務指派
// ============================================================================

// RunTask 處理 controller 的任務指派
//
// 流程：
// 1. 驗證來源是目前 leader，以及批次內容
// 2. 建立（或沿用）framework 記錄
// 3. executor 不存在時建立並啟動；RUNNING 時直接交付；終止中則回報 LOST
//
// 批次內任何任務 ID 重複時整批拒絕。
func (a *Agent) RunTask(ctx context.Context, from string, msg transport.TaskAssignment) error {
	return a.ready(ctx, func() error { return a.runTask(from, msg) })
}

func (a *Agent) runTask(from string, msg transport.TaskAssignment) error {
	if err := a.checkLeader(from); err != nil {
		return err
	}
	if err := a.validateAssignment(&msg); err != nil {
		return err
	}
	fwID := msg.Framework.ID

	for _, t := range msg.Tasks {
		if a.tasks.Exists(fwID, t.TaskID) {
			return fmt.Errorf("%w: %s/%s", taskmanager.ErrDuplicateTask, fwID, t.TaskID)
		}
	}

	f := a.frameworks[fwID]
	if f == nil {
		f = &framework{info: msg.Framework, controller: from}
		a.frameworks[fwID] = f
		if f.info.Checkpoint {
			a.checkpointWrite(a.layout.FrameworkInfoPath(a.id, fwID), f.info)
		}
		a.logger.Info("Framework added", "framework_id", fwID, "name", f.info.Name)
	}
	if f.terminating {
		a.logger.Warn("dropping tasks for terminating framework", "framework_id", fwID, "tasks", len(msg.Tasks))
		return fmt.Errorf("%w: %s", ErrFrameworkTerminating, fwID)
	}

	e := a.executors.Get(fwID, msg.Executor.ExecutorID)
	switch {
	case e == nil:
		cid := types.NewContainerID(uuid.NewString())
		var err error
		e, err = a.executors.Add(fwID, msg.Executor, cid, f.info.Checkpoint)
		if err != nil {
			return err
		}
		e.Version = a.cfg.Version
		if e.Checkpoint {
			a.checkpointWrite(a.layout.ExecutorInfoPath(a.id, fwID, e.ID), e.Info)
			a.checkpointString(a.layout.LatestRunPath(a.id, fwID, e.ID), cid.String())
		}
		for _, t := range msg.Tasks {
			a.assign(e, t)
		}
		a.logger.Info("Launching executor",
			"framework_id", fwID, "executor_id", e.ID, "container_id", cid.String(), "tasks", len(msg.Tasks))
		a.launchExecutor(e)

	case e.State == types.ExecutorTerminating || e.State == types.ExecutorTerminated:
		a.logger.Warn("executor is terminating, tasks will be lost",
			"framework_id", fwID, "executor_id", e.ID, "state", e.State)
		for _, t := range msg.Tasks {
			a.assign(e, t)
			a.agentUpdate(e, t, types.LostState(f.info), types.ReasonExecutorTerminated, "executor is terminating")
		}
		a.maybeRemoveExecutor(e)

	default:
		for _, t := range msg.Tasks {
			a.assign(e, t)
		}
		a.deliverQueued(e)
	}
	return nil
}

func (a *Agent) validateAssignment(msg *transport.TaskAssignment) error {
	if msg.Framework.ID == "" {
		return fmt.Errorf("%w: missing framework id", ErrInvalidAssignment)
	}
	if msg.Executor.ExecutorID == "" {
		return fmt.Errorf("%w: missing executor id", ErrInvalidAssignment)
	}
	if len(msg.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidAssignment)
	}
	if msg.Executor.FrameworkID == "" {
		msg.Executor.FrameworkID = msg.Framework.ID
	}
	seen := make(map[types.TaskID]bool, len(msg.Tasks))
	for i := range msg.Tasks {
		t := &msg.Tasks[i]
		if t.TaskID == "" {
			return fmt.Errorf("%w: missing task id", ErrInvalidAssignment)
		}
		if seen[t.TaskID] {
			return fmt.Errorf("%w: %s/%s", taskmanager.ErrDuplicateTask, msg.Framework.ID, t.TaskID)
		}
		seen[t.TaskID] = true
		if t.FrameworkID == "" {
			t.FrameworkID = msg.Framework.ID
		}
		if t.ExecutorID == "" {
			t.ExecutorID = msg.Executor.ExecutorID
		}
		if t.FrameworkID != msg.Framework.ID || t.ExecutorID != msg.Executor.ExecutorID {
			return fmt.Errorf("%w: task %s belongs to %s/%s", ErrInvalidAssignment, t.TaskID, t.FrameworkID, t.ExecutorID)
		}
	}
	return nil
}

// assign 建立 STAGED 任務並放進 executor 的佇列
func (a *Agent) assign(e *executormanager.Executor, info types.TaskInfo) {
	if _, err := a.tasks.Assign(info); err != nil {
		a.logger.Error("failed to assign task", "task_id", info.TaskID, "error", err)
		return
	}
	e.Enqueue(info)
	if e.Checkpoint {
		a.checkpointWrite(a.runPaths(e).TaskInfoPath(info.TaskID), info)
	}
	a.recorder.RecordTaskAssigned()
}

// ============================================================================
// 交付佇列任務
// ============================================================================

// deliverQueued 先把容器擴充到涵蓋佇列任務的資源，成功後才交給 executor
//
// 同一時間只有一輪更新；更新期間被 kill 的任務不會被交付。
func (a *Agent) deliverQueued(e *executormanager.Executor) {
	if e.State != types.ExecutorRunning || e.UpdateInFlight || len(e.Queued()) == 0 {
		return
	}

	covered := make(map[types.TaskID]bool)
	for _, t := range e.Queued() {
		covered[t.TaskID] = true
	}
	fwID, exID, cid := e.FrameworkID, e.ID, e.ContainerID
	target := e.Resources()
	e.UpdateInFlight = true

	a.submit(worker.Task{
		Name: "container.update",
		Call: func(ctx context.Context) error {
			return a.containerizer.Update(ctx, cid, target)
		},
		Then: func(err error) {
			e := a.executorRun(fwID, exID, cid)
			if e == nil {
				return
			}
			e.UpdateInFlight = false
			if e.State != types.ExecutorRunning {
				return
			}
			if err != nil {
				a.containerUpdateFailed(e, err)
				return
			}

			tasks := e.FlushQueued(func(t types.TaskInfo) bool { return covered[t.TaskID] })
			for _, t := range tasks {
				if err := a.tasks.MarkLaunched(fwID, t.TaskID); err != nil {
					a.logger.Warn("failed to mark task launched", "task_id", t.TaskID, "error", err)
				}
			}
			if len(tasks) > 0 {
				a.logger.Info("Delivering tasks to executor",
					"framework_id", fwID, "executor_id", exID, "tasks", len(tasks))
				addr, fw, info := e.Address, a.frameworkInfo(fwID), e.Info
				a.send(func(ctx context.Context) {
					if err := a.driver.LaunchTasks(ctx, addr, fw, info, tasks); err != nil {
						a.logger.Warn("failed to deliver tasks", "executor_id", info.ExecutorID, "error", err)
					}
				})
			}
			a.deliverQueued(e)
		},
	})
}

// shrinkContainer 任務終止後把容器資源調回剩餘任務的總和
func (a *Agent) shrinkContainer(e *executormanager.Executor) {
	if e.State != types.ExecutorRunning || !e.ContainerStarted {
		return
	}
	fwID, exID, cid := e.FrameworkID, e.ID, e.ContainerID
	target := e.Resources()
	a.submit(worker.Task{
		Name: "container.update",
		Call: func(ctx context.Context) error {
			return a.containerizer.Update(ctx, cid, target)
		},
		Then: func(err error) {
			if err == nil {
				return
			}
			if e := a.executorRun(fwID, exID, cid); e != nil && e.State == types.ExecutorRunning {
				a.containerUpdateFailed(e, err)
			}
		},
	})
}

// containerUpdateFailed 容器資源無法調整時，所有未終止任務回報 LOST 並銷毀 executor
func (a *Agent) containerUpdateFailed(e *executormanager.Executor, err error) {
	a.logger.Error("container update failed, destroying executor",
		"framework_id", e.FrameworkID, "executor_id", e.ID, "error", err)
	if terr := e.Transition(types.ExecutorTerminating); terr != nil {
		a.logger.Warn("unexpected executor state", "error", terr)
	}
	lost := types.LostState(a.frameworkInfo(e.FrameworkID))
	a.failTasks(e, lost, types.ReasonContainerUpdateFailed, err.Error())
	a.destroyContainer(e)
}

// ============================================================================
// 終止任務
// ============================================================================

// KillTask 處理 controller 的終止請求
//
// 任務還在佇列中時直接回報 KILLED（killed during launch），executor 不會看到它；
// 已交付的任務轉給 executor，並啟動 kill 升級計時器。
func (a *Agent) KillTask(ctx context.Context, from string, fw types.FrameworkID, id types.TaskID) error {
	return a.ready(ctx, func() error { return a.killTask(from, fw, id) })
}

func (a *Agent) killTask(from string, fwID types.FrameworkID, id types.TaskID) error {
	if err := a.checkLeader(from); err != nil {
		return err
	}
	task, ok := a.tasks.Get(fwID, id)
	if !ok {
		return fmt.Errorf("%w: %s/%s", taskmanager.ErrTaskNotFound, fwID, id)
	}
	if task.LatestState.IsTerminal() {
		a.logger.Debug("ignoring kill for terminal task", "task_id", id, "state", task.LatestState)
		return nil
	}
	e := a.executors.Get(fwID, task.ExecutorID)
	if e == nil {
		return fmt.Errorf("%w: %s/%s", ErrUnknownExecutor, fwID, task.ExecutorID)
	}

	if e.IsQueued(id) {
		a.logger.Info("Killing task before delivery", "framework_id", fwID, "task_id", id)
		a.agentUpdate(e, task.Info, types.TaskKilled, types.ReasonTaskKilledDuringLaunch, "task killed before delivery to executor")
		if !e.HasPendingWork() && e.State != types.ExecutorTerminating && e.State != types.ExecutorTerminated {
			a.shutdownExecutor(e)
		}
		return nil
	}

	if e.State == types.ExecutorTerminating || e.State == types.ExecutorTerminated {
		a.logger.Debug("executor already terminating, kill dropped", "task_id", id, "executor_id", e.ID)
		return nil
	}

	a.logger.Info("Forwarding kill to executor", "framework_id", fwID, "task_id", id, "executor_id", e.ID)
	addr, exID, cid := e.Address, e.ID, e.ContainerID
	e.SetKillTimer(id, a.after(a.cfg.KillEscalationTimeout, func() {
		a.killEscalation(fwID, exID, cid, id)
	}))
	a.send(func(ctx context.Context) {
		if err := a.driver.KillTask(ctx, addr, fwID, id); err != nil {
			a.logger.Warn("failed to forward kill", "task_id", id, "error", err)
		}
	})
	return nil
}

// killEscalation executor 沒有在時限內回報終止，視為失去回應並關閉
func (a *Agent) killEscalation(fwID types.FrameworkID, exID types.ExecutorID, cid types.ContainerID, id types.TaskID) {
	e := a.executorRun(fwID, exID, cid)
	if e == nil || e.State == types.ExecutorTerminating || e.State == types.ExecutorTerminated {
		return
	}
	if task, ok := a.tasks.Get(fwID, id); !ok || task.LatestState.IsTerminal() {
		return
	}
	a.logger.Warn("executor did not kill task in time, shutting it down",
		"framework_id", fwID, "executor_id", exID, "task_id", id)
	a.recorder.RecordExecutorTimeout("kill")
	a.shutdownExecutor(e)
}

// ============================================================================
// 狀態更新
// ============================================================================

// ExecutorStatusUpdate 處理 executor 回報的狀態更新，處理後（含被丟棄的重複更新）一律回覆確認
func (a *Agent) ExecutorStatusUpdate(ctx context.Context, from string, update types.TaskStatus) error {
	return a.ready(ctx, func() error {
		update.Source = types.SourceExecutor
		accepted, err := a.handleStatusUpdate(update)
		if errors.Is(err, taskmanager.ErrTaskNotFound) {
			return err
		}
		ack := transport.StatusUpdateAcknowledgement{
			AgentID:     a.id,
			FrameworkID: accepted.FrameworkID,
			TaskID:      accepted.TaskID,
			UUID:        accepted.UUID,
		}
		a.send(func(ctx context.Context) {
			if err := a.driver.Acknowledge(ctx, from, ack); err != nil {
				a.logger.Warn("failed to acknowledge executor update", "task_id", ack.TaskID, "error", err)
			}
		})
		return err
	})
}

// handleStatusUpdate 套用並轉交一筆狀態更新
//
// 終止任務的後續更新、非終止狀態倒退都會被丟棄，不會送到 controller。
func (a *Agent) handleStatusUpdate(update types.TaskStatus) (types.TaskStatus, error) {
	task, ok := a.tasks.Get(update.FrameworkID, update.TaskID)
	if !ok {
		a.logger.Warn("status update for unknown task", "framework_id", update.FrameworkID, "task_id", update.TaskID)
		return update, fmt.Errorf("%w: %s/%s", taskmanager.ErrTaskNotFound, update.FrameworkID, update.TaskID)
	}
	e := a.executors.Get(task.FrameworkID, task.ExecutorID)

	update.AgentID = a.id
	if update.ExecutorID == "" {
		update.ExecutorID = task.ExecutorID
	}
	if update.ContainerID == "" && e != nil {
		update.ContainerID = e.ContainerID.String()
	}
	if update.UUID == "" {
		update.UUID = uuid.NewString()
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = a.clock.Now()
	}

	if _, err := a.tasks.ApplyUpdate(update); err != nil {
		reason := "invalid_transition"
		if errors.Is(err, taskmanager.ErrDuplicateTerminalUpdate) {
			reason = "duplicate_terminal"
		}
		a.logger.Warn("dropping status update",
			"task_id", update.TaskID, "state", update.State, "uuid", update.UUID, "error", err)
		a.updateRecorder.RecordUpdateDropped(reason)
		return update, err
	}

	if update.IsTerminal() {
		if e != nil {
			e.TaskTerminated(update.TaskID)
		}
		a.recorder.RecordTaskTerminal(update.State, update.Reason)
	}

	journal := ""
	if e != nil && e.Checkpoint {
		journal = a.runPaths(e).TaskUpdatesPath(update.TaskID)
	}
	if err := a.dispatcher.Update(update, journal); err != nil && !errors.Is(err, statusupdate.ErrDuplicateTerminalUpdate) {
		a.logger.Error("failed to forward status update", "task_id", update.TaskID, "uuid", update.UUID, "error", err)
		return update, err
	}
	a.refreshStatusUpdateState(update.FrameworkID, update.TaskID)

	if update.IsTerminal() && e != nil {
		a.shrinkContainer(e)
		// 未啟用 checkpoint 的 framework 不等確認
		if !e.Checkpoint {
			a.retireTask(update.FrameworkID, update.TaskID)
		}
	}
	return update, nil
}

// agentUpdate 產生並處理一筆由 agent 自己發出的更新
func (a *Agent) agentUpdate(e *executormanager.Executor, info types.TaskInfo, state types.TaskState, reason types.Reason, message string) {
	update := types.TaskStatus{
		TaskID:      info.TaskID,
		FrameworkID: e.FrameworkID,
		ExecutorID:  e.ID,
		ContainerID: e.ContainerID.String(),
		State:       state,
		Reason:      reason,
		Source:      types.SourceAgent,
		Message:     message,
		UUID:        uuid.NewString(),
		Timestamp:   a.clock.Now(),
	}
	if _, err := a.handleStatusUpdate(update); err != nil {
		a.logger.Debug("agent generated update not applied", "task_id", info.TaskID, "error", err)
	}
}

// failTasks 對 executor 所有未終止任務發出終止更新
func (a *Agent) failTasks(e *executormanager.Executor, state types.TaskState, reason types.Reason, message string) {
	for _, t := range a.tasks.NonTerminalByExecutor(e.FrameworkID, e.ID) {
		a.agentUpdate(e, t.Info, state, reason, message)
	}
}

func (a *Agent) refreshStatusUpdateState(fw types.FrameworkID, id types.TaskID) {
	if state, uuid, ok := a.dispatcher.StreamState(fw, id); ok {
		a.tasks.SetStatusUpdateState(fw, id, state, uuid)
	}
}

// ============================================================================
// 確認
// ============================================================================

// Acknowledge 處理 controller 對狀態更新的確認；只接受目前 leader 的確認
func (a *Agent) Acknowledge(ctx context.Context, from string, ack transport.StatusUpdateAcknowledgement) error {
	return a.ready(ctx, func() error {
		if ack.AgentID != "" && ack.AgentID != a.id {
			return fmt.Errorf("%w: ack for agent %s", ErrAgentMismatch, ack.AgentID)
		}
		return a.dispatcher.Acknowledge(from, ack.FrameworkID, ack.TaskID, ack.UUID)
	})
}

// acknowledged 分派器的確認回呼；在 Acknowledge 的呼叫端（事件迴圈）中執行
func (a *Agent) acknowledged(acked statusupdate.Acked) {
	u := acked.Update
	if acked.Next != nil {
		a.tasks.SetStatusUpdateState(u.FrameworkID, u.TaskID, acked.Next.State, acked.Next.UUID)
	} else {
		a.tasks.SetStatusUpdateState(u.FrameworkID, u.TaskID, u.State, u.UUID)
	}
	if u.IsTerminal() {
		a.retireTask(u.FrameworkID, u.TaskID)
	}
}

// retireTask 終止更新已確認，任務不再需要追蹤
func (a *Agent) retireTask(fwID types.FrameworkID, id types.TaskID) {
	task, ok := a.tasks.Remove(fwID, id)
	if !ok {
		return
	}
	a.logger.Debug("Task retired", "framework_id", fwID, "task_id", id, "state", task.LatestState)
	if e := a.executors.Get(fwID, task.ExecutorID); e != nil {
		e.RemoveTask(id)
		a.maybeRemoveExecutor(e)
		return
	}
	a.maybeRemoveFramework(fwID)
}

// checkLeader 只處理目前 leader 送來的訊息
func (a *Agent) checkLeader(from string) error {
	if a.leader == "" || from != a.leader {
		return fmt.Errorf("%w: from %q, leader is %q", ErrNotLeader, from, a.leader)
	}
	return nil
}
