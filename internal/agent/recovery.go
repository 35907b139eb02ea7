package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/outpost/internal/checkpoint"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// ============================================================================
// 崩潰恢復
// ============================================================================

// recover 在事件迴圈中執行；完成前所有操作都回傳 ErrRecovering
//
// 流程：
// 1. 讀取 checkpoint，還原 agent ID、資源版本、framework 與 executor
// 2. 重放每個任務的更新日誌，決定任務的最新狀態
// 3. 與容器協作者對帳：孤兒容器銷毀，已結束的 executor 進入 TERMINATED
// 4. reconnect 模式開啟重新註冊窗口；cleanup 模式關閉所有恢復的 executor
func (a *Agent) recover(ctx context.Context) error {
	start := a.clock.Now()

	state, err := a.checkpoints.Recover(a.cfg.Strict)
	if err != nil {
		return fmt.Errorf("failed to recover checkpoint: %w", err)
	}
	if state == nil {
		a.logger.Info("No checkpoint found, starting fresh")
		a.resourceVersions[resourceVersionKey] = uuid.NewString()
		if err := a.reconcileContainers(ctx, nil); err != nil {
			return err
		}
		a.finishRecovery(start)
		return nil
	}
	if state.Errors > 0 {
		a.logger.Warn("skipped unreadable checkpoint records", "count", state.Errors)
	}

	a.id = state.ID
	a.info.ID = state.ID
	for k, v := range state.ResourceVersions {
		a.resourceVersions[k] = v
	}
	if state.Info == nil || state.Info.Resources != a.info.Resources || a.resourceVersions[resourceVersionKey] == "" {
		a.logger.Info("Agent resources changed since last run, generating new resource version")
		a.resourceVersions[resourceVersionKey] = uuid.NewString()
	}

	journals, completed := a.recoverFrameworks(state)

	recovered, err := a.dispatcher.Recover(journals)
	if err != nil {
		return fmt.Errorf("failed to recover status updates: %w", err)
	}
	for _, r := range recovered {
		task, ok := a.tasks.Get(r.FrameworkID, r.TaskID)
		if !ok {
			continue
		}
		e := a.executors.Get(task.FrameworkID, task.ExecutorID)
		if r.Terminated {
			a.tasks.Remove(task.FrameworkID, task.Info.TaskID)
			if e != nil {
				e.RemoveTask(task.Info.TaskID)
			}
			continue
		}
		if r.Latest != nil {
			if _, err := a.tasks.ApplyUpdate(*r.Latest); err != nil {
				a.logger.Debug("recovered update not applied", "task_id", r.TaskID, "error", err)
			}
			if r.Latest.IsTerminal() && e != nil {
				e.TaskTerminated(task.Info.TaskID)
			}
		}
		a.refreshStatusUpdateState(r.FrameworkID, r.TaskID)
	}

	if err := a.reconcileContainers(ctx, completed); err != nil {
		return err
	}

	if a.cfg.Recover == RecoverCleanup {
		a.logger.Info("Cleanup mode, shutting down recovered executors")
		for _, e := range a.executors.All() {
			a.shutdownExecutor(e)
		}
	} else {
		a.openReregistration()
	}

	for fwID := range a.frameworks {
		a.maybeRemoveFramework(fwID)
	}
	a.finishRecovery(start)
	return nil
}

// recoverFrameworks 重建記憶體中的 framework、executor 與任務
//
// 只有最近一次 run 會被恢復；有位址的 executor 其任務視為已交付。
func (a *Agent) recoverFrameworks(state *checkpoint.AgentState) (map[types.FrameworkID]map[types.TaskID]string, map[string]bool) {
	journals := make(map[types.FrameworkID]map[types.TaskID]string)
	completed := make(map[string]bool)

	for fwID, fs := range state.Frameworks {
		if fs.Info == nil {
			continue
		}
		a.frameworks[fwID] = &framework{info: *fs.Info}

		for exID, es := range fs.Executors {
			run := es.LatestRun()
			if es.Info == nil || run == nil {
				a.logger.Warn("skipping executor without a recoverable run", "framework_id", fwID, "executor_id", exID)
				continue
			}
			e, err := a.executors.Add(fwID, *es.Info, run.ContainerID, true)
			if err != nil {
				a.logger.Warn("failed to recover executor", "executor_id", exID, "error", err)
				continue
			}
			e.Recovered = true
			e.Address = run.Address
			e.PID = run.ForkedPid
			e.ContainerStarted = run.ForkedPid > 0
			if run.Completed {
				completed[run.ContainerID.String()] = true
			}

			for taskID, ts := range run.Tasks {
				if ts.Info == nil {
					continue
				}
				info := *ts.Info
				if _, err := a.tasks.Assign(info); err != nil {
					a.logger.Warn("failed to recover task", "task_id", taskID, "error", err)
					continue
				}
				if run.Address != "" {
					e.Launch(info)
					if err := a.tasks.MarkLaunched(fwID, taskID); err != nil {
						a.logger.Warn("failed to mark task launched", "task_id", taskID, "error", err)
					}
				} else {
					e.Enqueue(info)
				}
				if journals[fwID] == nil {
					journals[fwID] = make(map[types.TaskID]string)
				}
				journals[fwID][taskID] = ts.UpdatesPath
			}
			a.logger.Info("Recovered executor",
				"framework_id", fwID, "executor_id", exID, "container_id", run.ContainerID.String(),
				"tasks", len(run.Tasks), "completed", run.Completed)
		}
	}
	return journals, completed
}

// reconcileContainers 與容器協作者對帳
func (a *Agent) reconcileContainers(ctx context.Context, completed map[string]bool) error {
	var known []types.ContainerID
	for _, e := range a.executors.All() {
		known = append(known, e.ContainerID)
	}
	orphans, err := a.containerizer.Recover(ctx, known)
	if err != nil {
		return fmt.Errorf("failed to recover containers: %w", err)
	}
	for _, cid := range orphans {
		a.logger.Warn("destroying orphan container", "container_id", cid.String())
		a.destroyOrphan(cid)
	}

	for _, e := range a.executors.All() {
		cid := e.ContainerID
		if completed[cid.String()] {
			e.ContainerStarted = false
			a.executorTerminated(e.FrameworkID, e.ID, cid, "executor completed before agent restart")
			continue
		}
		status, err := a.containerizer.Status(ctx, cid)
		if err != nil || !status.Running {
			e.ContainerStarted = false
			a.executorTerminated(e.FrameworkID, e.ID, cid, "executor container is gone after agent restart")
			continue
		}
		e.ContainerStarted = true
		if status.ExecutorPID > 0 {
			e.PID = status.ExecutorPID
		}
		a.watch(e)
	}
	return nil
}

func (a *Agent) finishRecovery(start time.Time) {
	d := a.clock.Now().Sub(start)
	a.recorder.RecordRecovery(d)
	a.recovering.Store(false)
	a.logger.Info("Recovery complete",
		"agent_id", a.id, "frameworks", len(a.frameworks), "executors", a.executors.Len(),
		"tasks", a.tasks.Len(), "duration", d)
}
