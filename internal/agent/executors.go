package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ChuLiYu/outpost/internal/checkpoint"
	"github.com/ChuLiYu/outpost/internal/containerizer"
	"github.com/ChuLiYu/outpost/internal/executormanager"
	"github.com/ChuLiYu/outpost/internal/secrets"
	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/internal/worker"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// executor 啟動時注入的環境變數
const (
	EnvAgentAddress  = "OUTPOST_AGENT_ADDRESS"
	EnvAgentID       = "OUTPOST_AGENT_ID"
	EnvFrameworkID   = "OUTPOST_FRAMEWORK_ID"
	EnvExecutorID    = "OUTPOST_EXECUTOR_ID"
	EnvContainerID   = "OUTPOST_CONTAINER_ID"
	EnvCheckpoint    = "OUTPOST_CHECKPOINT"
	EnvSandbox       = "OUTPOST_SANDBOX"
	EnvExecutorToken = "OUTPOST_EXECUTOR_AUTHENTICATION_TOKEN"
)

// ============================================================================
// 啟動
// ============================================================================

// launchExecutor 啟動註冊計時器，產生憑證後啟動容器
func (a *Agent) launchExecutor(e *executormanager.Executor) {
	fwID, exID, cid := e.FrameworkID, e.ID, e.ContainerID
	a.recorder.RecordExecutorLaunched()
	e.SetRegistrationTimer(a.after(a.cfg.ExecutorRegistrationTimeout, func() {
		a.registrationTimeout(fwID, exID, cid)
	}))

	if a.secrets == nil {
		a.launchContainer(e, nil)
		return
	}

	principal := secrets.Principal{
		Value: string(exID),
		Claims: map[string]string{
			"agent_id":     string(a.id),
			"framework_id": string(fwID),
			"executor_id":  string(exID),
			"container_id": cid.String(),
		},
	}
	var secret *secrets.Secret
	a.submit(worker.Task{
		Name: "secrets.generate",
		Call: func(ctx context.Context) error {
			s, err := a.secrets.Generate(ctx, principal)
			secret = s
			return err
		},
		Then: func(err error) {
			a.secretGenerated(fwID, exID, cid, secret, err)
		},
	})
}

// secretGenerated 憑證產生失敗、格式不對、或 executor 已被關閉，結果都一樣：
// 批次內所有任務 FAILED，executor 拆除
func (a *Agent) secretGenerated(fwID types.FrameworkID, exID types.ExecutorID, cid types.ContainerID, secret *secrets.Secret, err error) {
	e := a.executorRun(fwID, exID, cid)
	if e == nil {
		return
	}
	if err == nil {
		err = secrets.Validate(secret)
	}
	if err == nil && e.State != types.ExecutorRegistering {
		err = fmt.Errorf("executor %s is %s", exID, e.State)
	}
	if err != nil {
		a.logger.Error("executor secret generation failed",
			"framework_id", fwID, "executor_id", exID, "error", err)
		a.failTasks(e, types.TaskFailed, types.ReasonExecutorSecretGenerationFailed, err.Error())
		if e.State == types.ExecutorTerminated {
			a.maybeRemoveExecutor(e)
			return
		}
		a.shutdownExecutor(e)
		return
	}
	a.launchContainer(e, secret)
}

func (a *Agent) launchContainer(e *executormanager.Executor, secret *secrets.Secret) {
	fwID, exID, cid := e.FrameworkID, e.ID, e.ContainerID
	sandbox := a.sandboxDir(e)

	env := make(map[string]string, len(e.Info.Command.Environment)+8)
	for k, v := range e.Info.Command.Environment {
		env[k] = v
	}
	env[EnvAgentAddress] = a.transport.Address()
	env[EnvAgentID] = string(a.id)
	env[EnvFrameworkID] = string(fwID)
	env[EnvExecutorID] = string(exID)
	env[EnvContainerID] = cid.String()
	env[EnvCheckpoint] = strconv.FormatBool(e.Checkpoint)
	env[EnvSandbox] = sandbox
	if secret != nil {
		env[EnvExecutorToken] = string(secret.Value)
	}

	cmd := e.Info.Command
	io := containerizer.IOSpec{
		Stdout: filepath.Join(sandbox, "stdout"),
		Stderr: filepath.Join(sandbox, "stderr"),
	}

	var pid int
	a.submit(worker.Task{
		Name: "container.launch",
		Call: func(ctx context.Context) error {
			if err := os.MkdirAll(sandbox, 0755); err != nil {
				return fmt.Errorf("create sandbox: %w", err)
			}
			p, err := a.containerizer.Launch(ctx, cid, cmd, io, env)
			pid = p
			return err
		},
		Then: func(err error) {
			a.containerLaunched(fwID, exID, cid, pid, err)
		},
	})
}

func (a *Agent) containerLaunched(fwID types.FrameworkID, exID types.ExecutorID, cid types.ContainerID, pid int, err error) {
	e := a.executorRun(fwID, exID, cid)
	if e == nil || e.State == types.ExecutorTerminated {
		if err == nil {
			a.logger.Warn("container launched for a gone executor, destroying", "container_id", cid.String())
			a.destroyOrphan(cid)
		}
		return
	}
	if err != nil {
		a.logger.Error("container launch failed",
			"framework_id", fwID, "executor_id", exID, "container_id", cid.String(), "error", err)
		a.failTasks(e, types.TaskFailed, types.ReasonContainerLaunchFailed, err.Error())
		a.executorTerminated(fwID, exID, cid, "container launch failed: "+err.Error())
		return
	}

	e.PID = pid
	e.ContainerStarted = true
	if e.Checkpoint {
		a.checkpointString(a.runPaths(e).ForkedPidPath(), strconv.Itoa(pid))
	}
	a.logger.Info("Container launched",
		"framework_id", fwID, "executor_id", exID, "container_id", cid.String(), "pid", pid)
	a.watch(e)

	if e.State == types.ExecutorTerminating {
		a.destroyContainer(e)
	}
}

// watch 等待容器結束，結束後回到事件迴圈處理
func (a *Agent) watch(e *executormanager.Executor) {
	fwID, exID, cid := e.FrameworkID, e.ID, e.ContainerID
	go func() {
		status, err := a.containerizer.Wait(a.ctx, cid)
		if a.ctx.Err() != nil {
			return
		}
		msg := status.Message
		if err != nil {
			msg = err.Error()
		} else if msg == "" {
			msg = fmt.Sprintf("executor exited with code %d", status.Code)
		}
		a.post(func() { a.executorTerminated(fwID, exID, cid, msg) })
	}()
}

// ============================================================================
// 註冊
// ============================================================================

func (a *Agent) registrationTimeout(fwID types.FrameworkID, exID types.ExecutorID, cid types.ContainerID) {
	e := a.executorRun(fwID, exID, cid)
	if e == nil || e.State != types.ExecutorRegistering {
		return
	}
	a.logger.Warn("executor did not register in time",
		"framework_id", fwID, "executor_id", exID, "timeout", a.cfg.ExecutorRegistrationTimeout)
	a.recorder.RecordExecutorTimeout("registration")

	if err := e.Transition(types.ExecutorTerminating); err != nil {
		a.logger.Warn("unexpected executor state", "error", err)
	}
	a.failTasks(e, types.LostState(a.frameworkInfo(fwID)), types.ReasonExecutorRegistrationTimeout,
		"executor did not register within "+a.cfg.ExecutorRegistrationTimeout.String())
	a.destroyContainer(e)
}

// RegisterExecutor executor 啟動後報到
//
// RUNNING 狀態下的重複報到只在重啟後的重新註冊窗口內被忽略，
// 窗口外視為重複的 executor，強制銷毀容器。
func (a *Agent) RegisterExecutor(ctx context.Context, from string, msg transport.RegisterExecutor) error {
	return a.ready(ctx, func() error {
		e := a.executors.Get(msg.FrameworkID, msg.ExecutorID)
		if e == nil {
			a.logger.Warn("registration from unknown executor", "framework_id", msg.FrameworkID, "executor_id", msg.ExecutorID, "from", from)
			a.sendShutdown(from, msg.FrameworkID, msg.ExecutorID)
			return fmt.Errorf("%w: %s/%s", ErrUnknownExecutor, msg.FrameworkID, msg.ExecutorID)
		}

		switch e.State {
		case types.ExecutorTerminating, types.ExecutorTerminated:
			a.sendShutdown(from, e.FrameworkID, e.ID)
			return fmt.Errorf("%w: %s", ErrExecutorTerminating, e.ID)

		case types.ExecutorRunning:
			if a.reregistrationOpen && e.Recovered {
				a.logger.Debug("ignoring repeated registration during reregistration window", "executor_id", e.ID)
				return nil
			}
			a.logger.Warn("duplicate executor registration, destroying executor",
				"framework_id", e.FrameworkID, "executor_id", e.ID, "from", from)
			a.destroyExecutor(e)
			return fmt.Errorf("%w: %s", ErrDuplicateRegistration, e.ID)
		}

		if e.Recovered {
			a.sendShutdown(from, e.FrameworkID, e.ID)
			return fmt.Errorf("%w: recovered executor %s must reregister", ErrReregistrationRefused, e.ID)
		}

		e.StopRegistrationTimer()
		if err := e.Transition(types.ExecutorRunning); err != nil {
			return err
		}
		e.Address = from
		if e.Checkpoint {
			a.checkpointString(a.runPaths(e).ExecutorAddressPath(), from)
		}
		a.logger.Info("Executor registered",
			"framework_id", e.FrameworkID, "executor_id", e.ID, "address", from, "queued", len(e.Queued()))
		a.deliverQueued(e)
		return nil
	})
}

// ReregisterExecutor 重啟後恢復的 executor 重新報到，帶回它手上的任務與未確認的更新
func (a *Agent) ReregisterExecutor(ctx context.Context, from string, msg transport.ReregisterExecutor) error {
	return a.ready(ctx, func() error {
		e := a.executors.Get(msg.FrameworkID, msg.ExecutorID)
		if e == nil {
			a.sendShutdown(from, msg.FrameworkID, msg.ExecutorID)
			return fmt.Errorf("%w: %s/%s", ErrUnknownExecutor, msg.FrameworkID, msg.ExecutorID)
		}
		if a.reregistrationOpen && e.Recovered && e.State == types.ExecutorRunning {
			a.logger.Debug("ignoring repeated reregistration during reregistration window", "executor_id", e.ID)
			return nil
		}
		if !a.reregistrationOpen || !e.Recovered || e.State != types.ExecutorRegistering {
			a.logger.Warn("refusing executor reregistration, destroying executor",
				"executor_id", e.ID, "state", e.State, "window_open", a.reregistrationOpen, "from", from)
			a.sendShutdown(from, e.FrameworkID, e.ID)
			a.destroyExecutor(e)
			return fmt.Errorf("%w: %s", ErrReregistrationRefused, e.ID)
		}

		if err := e.Transition(types.ExecutorRunning); err != nil {
			return err
		}
		e.Address = from
		if e.Checkpoint {
			a.checkpointString(a.runPaths(e).ExecutorAddressPath(), from)
		}

		for _, t := range msg.Tasks {
			t.FrameworkID, t.ExecutorID = e.FrameworkID, e.ID
			if !a.tasks.Exists(e.FrameworkID, t.TaskID) {
				if _, err := a.tasks.Assign(t); err != nil {
					a.logger.Warn("failed to adopt task", "task_id", t.TaskID, "error", err)
					continue
				}
				e.Launch(t)
				if e.Checkpoint {
					a.checkpointWrite(a.runPaths(e).TaskInfoPath(t.TaskID), t)
				}
			} else if e.IsQueued(t.TaskID) {
				id := t.TaskID
				e.FlushQueued(func(q types.TaskInfo) bool { return q.TaskID == id })
			}
			if err := a.tasks.MarkLaunched(e.FrameworkID, t.TaskID); err != nil {
				a.logger.Debug("task not marked launched", "task_id", t.TaskID, "error", err)
			}
		}
		for _, u := range msg.Updates {
			u.Source = types.SourceExecutor
			if _, err := a.handleStatusUpdate(u); err != nil {
				a.logger.Debug("replayed executor update not applied", "task_id", u.TaskID, "error", err)
			}
		}

		a.logger.Info("Executor reregistered",
			"framework_id", e.FrameworkID, "executor_id", e.ID, "address", from, "tasks", len(msg.Tasks))
		a.deliverQueued(e)
		a.closeReregistrationIfDone()
		return nil
	})
}

// ============================================================================
// 關閉
// ============================================================================

// ShutdownExecutor 處理 controller 的關閉請求
func (a *Agent) ShutdownExecutor(ctx context.Context, from string, fwID types.FrameworkID, exID types.ExecutorID) error {
	return a.ready(ctx, func() error {
		if err := a.checkLeader(from); err != nil {
			return err
		}
		e := a.executors.Get(fwID, exID)
		if e == nil {
			return fmt.Errorf("%w: %s/%s", ErrUnknownExecutor, fwID, exID)
		}
		a.shutdownExecutor(e)
		return nil
	})
}

// ShutdownFramework 關閉 framework 的所有 executor，之後的任務指派都會被拒絕
func (a *Agent) ShutdownFramework(ctx context.Context, from string, fwID types.FrameworkID) error {
	return a.ready(ctx, func() error {
		if err := a.checkLeader(from); err != nil {
			return err
		}
		f := a.frameworks[fwID]
		if f == nil {
			return fmt.Errorf("%w: %s", ErrUnknownFramework, fwID)
		}
		a.logger.Info("Shutting down framework", "framework_id", fwID)
		f.terminating = true
		for _, e := range a.executors.ByFramework(fwID) {
			a.shutdownExecutor(e)
		}
		a.maybeRemoveFramework(fwID)
		return nil
	})
}

// shutdownExecutor 有位址的 executor 先請它自行結束，寬限期過後才銷毀容器
func (a *Agent) shutdownExecutor(e *executormanager.Executor) {
	if e.State == types.ExecutorTerminating || e.State == types.ExecutorTerminated {
		return
	}
	if err := e.Transition(types.ExecutorTerminating); err != nil {
		a.logger.Warn("unexpected executor state", "error", err)
		return
	}
	e.StopRegistrationTimer()

	if e.Address == "" || !e.ContainerStarted {
		a.destroyContainer(e)
		return
	}

	grace := e.Info.ShutdownGracePeriod
	if grace <= 0 {
		grace = a.cfg.ExecutorShutdownGracePeriod
	}
	a.logger.Info("Shutting down executor",
		"framework_id", e.FrameworkID, "executor_id", e.ID, "grace_period", grace)

	fwID, exID, cid := e.FrameworkID, e.ID, e.ContainerID
	e.SetShutdownTimer(a.after(grace, func() {
		if e := a.executorRun(fwID, exID, cid); e != nil && e.State == types.ExecutorTerminating {
			a.logger.Warn("executor did not exit within grace period, destroying", "executor_id", exID)
			a.recorder.RecordExecutorTimeout("shutdown")
			a.destroyContainer(e)
		}
	}))
	a.sendShutdown(e.Address, fwID, exID)
}

func (a *Agent) sendShutdown(addr string, fwID types.FrameworkID, exID types.ExecutorID) {
	if addr == "" {
		return
	}
	a.send(func(ctx context.Context) {
		if err := a.driver.Shutdown(ctx, addr, fwID, exID); err != nil {
			a.logger.Warn("failed to send executor shutdown", "executor_id", exID, "error", err)
		}
	})
}

// destroyExecutor 不經寬限期直接銷毀；已在關閉中的 executor 不重複處理
func (a *Agent) destroyExecutor(e *executormanager.Executor) {
	if e.State == types.ExecutorTerminating || e.State == types.ExecutorTerminated {
		return
	}
	e.StopTimers()
	if err := e.Transition(types.ExecutorTerminating); err != nil {
		a.logger.Warn("unexpected executor state", "error", err)
		return
	}
	a.destroyContainer(e)
}

// destroyContainer 容器從未啟動時直接視為結束；否則等 watch 回報
func (a *Agent) destroyContainer(e *executormanager.Executor) {
	fwID, exID, cid := e.FrameworkID, e.ID, e.ContainerID
	if !e.ContainerStarted {
		a.executorTerminated(fwID, exID, cid, "container was never started")
		return
	}
	a.submit(worker.Task{
		Name: "container.destroy",
		Call: func(ctx context.Context) error {
			return a.containerizer.Destroy(ctx, cid)
		},
		Then: func(err error) {
			switch {
			case err == nil:
			case errors.Is(err, containerizer.ErrUnknownContainer):
				a.executorTerminated(fwID, exID, cid, "container is gone")
			default:
				// 銷毀失敗等同容器等待失敗：executor 直接結束，錯誤記在終止訊息裡
				a.logger.Error("failed to destroy container", "container_id", cid.String(), "error", err)
				a.executorTerminated(fwID, exID, cid, "failed to destroy container: "+err.Error())
			}
		},
	})
}

func (a *Agent) destroyOrphan(cid types.ContainerID) {
	a.submit(worker.Task{
		Name: "container.destroy",
		Call: func(ctx context.Context) error {
			return a.containerizer.Destroy(ctx, cid)
		},
		Then: func(err error) {
			if err != nil && !errors.Is(err, containerizer.ErrUnknownContainer) {
				a.logger.Error("failed to destroy orphan container", "container_id", cid.String(), "error", err)
			}
		},
	})
}

// ============================================================================
// 結束與移除
// ============================================================================

// executorTerminated 容器已結束：剩餘未終止任務 FAILED，等所有終止更新確認後移除
func (a *Agent) executorTerminated(fwID types.FrameworkID, exID types.ExecutorID, cid types.ContainerID, message string) {
	e := a.executorRun(fwID, exID, cid)
	if e == nil || e.State == types.ExecutorTerminated {
		return
	}
	e.StopTimers()
	if err := e.Transition(types.ExecutorTerminated); err != nil {
		a.logger.Warn("unexpected executor state", "error", err)
		return
	}
	a.logger.Info("Executor terminated",
		"framework_id", fwID, "executor_id", exID, "container_id", cid.String(), "message", message)

	a.failTasks(e, types.TaskFailed, types.ReasonExecutorTerminated, message)
	if e.Checkpoint {
		a.checkpointString(a.runPaths(e).CompletedPath(), "")
	}
	a.maybeRemoveExecutor(e)
}

// maybeRemoveExecutor 已結束且所有終止更新都被確認
func (a *Agent) maybeRemoveExecutor(e *executormanager.Executor) {
	if e.State != types.ExecutorTerminated || !e.IsIdle() || a.executors.Get(e.FrameworkID, e.ID) != e {
		return
	}
	a.executors.Remove(e.FrameworkID, e.ID, e.History())
	a.recorder.RecordExecutorRemoved()
	if e.Checkpoint {
		a.checkpointRemove(a.layout.ExecutorPath(a.id, e.FrameworkID, e.ID))
	}
	a.logger.Info("Executor removed", "framework_id", e.FrameworkID, "executor_id", e.ID)
	a.maybeRemoveFramework(e.FrameworkID)
}

func (a *Agent) maybeRemoveFramework(fwID types.FrameworkID) {
	f := a.frameworks[fwID]
	if f == nil {
		return
	}
	if len(a.executors.ByFramework(fwID)) > 0 || len(a.tasks.ByFramework(fwID)) > 0 {
		return
	}
	a.removeFramework(f)
}

func (a *Agent) removeFramework(f *framework) {
	fwID := f.info.ID
	delete(a.frameworks, fwID)

	a.completedFrameworks = append(a.completedFrameworks, completedFramework{
		info:      f.info,
		executors: a.executors.Completed(fwID),
	})
	if n := len(a.completedFrameworks) - a.cfg.MaxCompletedFrameworks; n > 0 {
		a.completedFrameworks = a.completedFrameworks[n:]
	}
	a.executors.ForgetFramework(fwID)
	a.dispatcher.Cleanup(fwID)
	if f.info.Checkpoint {
		a.checkpointRemove(a.layout.FrameworkPath(a.id, fwID))
	}
	a.logger.Info("Framework removed", "framework_id", fwID)
}

// ============================================================================
// 重新註冊窗口
// ============================================================================

// openReregistration 恢復完成後等待 executor 重新報到
func (a *Agent) openReregistration() {
	waiting := a.awaitingReregistration()
	if len(waiting) == 0 {
		return
	}
	a.reregistrationOpen = true
	a.logger.Info("Waiting for executors to reregister",
		"executors", len(waiting), "timeout", a.cfg.ExecutorReregistrationTimeout)
	a.reregistrationTimer = a.after(a.cfg.ExecutorReregistrationTimeout, a.reregistrationTimeout)
	a.reconnectExecutors()
}

// reconnectExecutors 提醒已知位址的 executor 重新報到，並依設定重複提醒
func (a *Agent) reconnectExecutors() {
	if !a.reregistrationOpen {
		return
	}
	for _, e := range a.awaitingReregistration() {
		if e.Address == "" {
			continue
		}
		addr, id := e.Address, a.id
		a.send(func(ctx context.Context) {
			if err := a.driver.Reconnect(ctx, addr, id); err != nil {
				a.logger.Debug("failed to reconnect executor", "address", addr, "error", err)
			}
		})
	}
	if a.cfg.ExecutorReregistrationRetryInterval > 0 {
		a.reconnectTimer = a.after(a.cfg.ExecutorReregistrationRetryInterval, a.reconnectExecutors)
	}
}

func (a *Agent) reregistrationTimeout() {
	if !a.reregistrationOpen {
		return
	}
	a.closeReregistration()
	for _, e := range a.awaitingReregistration() {
		a.logger.Warn("executor did not reregister in time", "framework_id", e.FrameworkID, "executor_id", e.ID)
		a.recorder.RecordExecutorTimeout("reregistration")
		if err := e.Transition(types.ExecutorTerminating); err != nil {
			a.logger.Warn("unexpected executor state", "error", err)
			continue
		}
		a.failTasks(e, types.LostState(a.frameworkInfo(e.FrameworkID)), types.ReasonExecutorReregistrationTimeout,
			"executor did not reregister within "+a.cfg.ExecutorReregistrationTimeout.String())
		a.destroyContainer(e)
	}
}

func (a *Agent) closeReregistrationIfDone() {
	if a.reregistrationOpen && len(a.awaitingReregistration()) == 0 {
		a.logger.Info("All executors reregistered")
		a.closeReregistration()
	}
}

func (a *Agent) closeReregistration() {
	a.reregistrationOpen = false
	if a.reregistrationTimer != nil {
		a.reregistrationTimer.Stop()
		a.reregistrationTimer = nil
	}
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
}

func (a *Agent) awaitingReregistration() []*executormanager.Executor {
	var out []*executormanager.Executor
	for _, e := range a.executors.All() {
		if e.Recovered && e.State == types.ExecutorRegistering {
			out = append(out, e)
		}
	}
	return out
}

// ============================================================================
// 輔助函式
// ============================================================================

// executorRun 取得目前這次 run 的 executor；容器 ID 不符表示是舊 run 的事件
func (a *Agent) executorRun(fwID types.FrameworkID, exID types.ExecutorID, cid types.ContainerID) *executormanager.Executor {
	e := a.executors.Get(fwID, exID)
	if e == nil || e.ContainerID.String() != cid.String() {
		return nil
	}
	return e
}

func (a *Agent) frameworkInfo(fwID types.FrameworkID) types.FrameworkInfo {
	if f := a.frameworks[fwID]; f != nil {
		return f.info
	}
	return types.FrameworkInfo{ID: fwID}
}

func (a *Agent) runPaths(e *executormanager.Executor) checkpoint.RunPaths {
	return a.layout.Run(a.id, e.FrameworkID, e.ID, e.ContainerID)
}

func (a *Agent) sandboxDir(e *executormanager.Executor) string {
	return filepath.Join(a.cfg.WorkDir, "sandboxes", string(e.FrameworkID), string(e.ID), "runs", e.ContainerID.String())
}

// checkpoint 寫入失敗只記錄日誌：記憶體中的狀態仍是權威，下次寫入會覆蓋
func (a *Agent) checkpointWrite(path string, v any) {
	if err := a.checkpoints.Write(path, v); err != nil {
		a.logger.Error("checkpoint write failed", "path", path, "error", err)
	}
}

func (a *Agent) checkpointString(path, value string) {
	if err := a.checkpoints.WriteString(path, value); err != nil {
		a.logger.Error("checkpoint write failed", "path", path, "error", err)
	}
}

func (a *Agent) checkpointRemove(path string) {
	if err := a.checkpoints.Remove(path); err != nil {
		a.logger.Warn("checkpoint cleanup failed", "path", path, "error", err)
	}
}
