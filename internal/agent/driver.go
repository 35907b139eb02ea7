package agent

import (
	"context"

	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// ExecutorDriver 送往 executor 的訊息
//
// 所有呼叫都在 outbox goroutine 中依序執行，失敗只記錄日誌；
// executor 收不到訊息時由註冊逾時或 kill 升級計時器收尾。
type ExecutorDriver interface {
	LaunchTasks(ctx context.Context, addr string, fw types.FrameworkInfo, ex types.ExecutorInfo, tasks []types.TaskInfo) error
	KillTask(ctx context.Context, addr string, fw types.FrameworkID, task types.TaskID) error
	Shutdown(ctx context.Context, addr string, fw types.FrameworkID, ex types.ExecutorID) error
	Acknowledge(ctx context.Context, addr string, ack transport.StatusUpdateAcknowledgement) error
	Reconnect(ctx context.Context, addr string, agentID types.AgentID) error
}

// TransportDriver 以 transport 訊息實作 ExecutorDriver
type TransportDriver struct {
	Transport transport.Transport
}

func (d TransportDriver) LaunchTasks(ctx context.Context, addr string, fw types.FrameworkInfo, ex types.ExecutorInfo, tasks []types.TaskInfo) error {
	return d.Transport.Send(ctx, addr, transport.TypeTaskAssignment, transport.TaskAssignment{
		Framework: fw,
		Executor:  ex,
		Tasks:     tasks,
	})
}

func (d TransportDriver) KillTask(ctx context.Context, addr string, fw types.FrameworkID, task types.TaskID) error {
	return d.Transport.Send(ctx, addr, transport.TypeKillTask, transport.KillTask{FrameworkID: fw, TaskID: task})
}

func (d TransportDriver) Shutdown(ctx context.Context, addr string, fw types.FrameworkID, ex types.ExecutorID) error {
	return d.Transport.Send(ctx, addr, transport.TypeShutdownExecutor, transport.ShutdownExecutor{FrameworkID: fw, ExecutorID: ex})
}

func (d TransportDriver) Acknowledge(ctx context.Context, addr string, ack transport.StatusUpdateAcknowledgement) error {
	return d.Transport.Send(ctx, addr, transport.TypeStatusUpdateAck, ack)
}

func (d TransportDriver) Reconnect(ctx context.Context, addr string, agentID types.AgentID) error {
	return d.Transport.Send(ctx, addr, transport.TypeReconnectExecutor, transport.ReconnectExecutor{AgentID: agentID})
}

// statusSender 把分派器的送出排進 outbox，避免在分派器的鎖或計時器 goroutine 中做網路 I/O
type statusSender struct {
	agent *Agent
}

func (s statusSender) SendStatusUpdate(_ context.Context, to string, update types.TaskStatus) error {
	a := s.agent
	a.send(func(ctx context.Context) {
		if err := a.transport.Send(ctx, to, transport.TypeStatusUpdate, transport.StatusUpdate{Update: update}); err != nil {
			a.logger.Warn("failed to send status update",
				"task_id", update.TaskID, "uuid", update.UUID, "controller", to, "error", err)
		}
	})
	return nil
}
