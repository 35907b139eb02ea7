// Package server 把 transport 收到的訊息分派到 agent、註冊流程與存活監控
//
//   - AgentEndpoint：agent 行程的入口，處理 controller 與 executor 送來的訊息
//   - ControllerEndpoint：最小的 controller，負責註冊、存活探測與狀態更新確認
//   - NewHTTPHandler：/state 與 /metrics
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

var log = slog.Default().With("component", "server")

// AgentService agent 對外的操作
type AgentService interface {
	RunTask(ctx context.Context, from string, msg transport.TaskAssignment) error
	KillTask(ctx context.Context, from string, fw types.FrameworkID, id types.TaskID) error
	ShutdownExecutor(ctx context.Context, from string, fw types.FrameworkID, ex types.ExecutorID) error
	ShutdownFramework(ctx context.Context, from string, fw types.FrameworkID) error
	Acknowledge(ctx context.Context, from string, ack transport.StatusUpdateAcknowledgement) error
	RegisterExecutor(ctx context.Context, from string, msg transport.RegisterExecutor) error
	ReregisterExecutor(ctx context.Context, from string, msg transport.ReregisterExecutor) error
	ExecutorStatusUpdate(ctx context.Context, from string, update types.TaskStatus) error
}

// RegistrationService 註冊流程對外的操作
type RegistrationService interface {
	HandleRegistered(ctx context.Context, from string, id types.AgentID, pingTimeout time.Duration) error
	HandlePing(ctx context.Context, from string, msg transport.Ping) error
}

// ============================================================================
// AgentEndpoint
// ============================================================================

type AgentEndpoint struct {
	agent        AgentService
	registration RegistrationService
}

func NewAgentEndpoint(a AgentService, r RegistrationService) *AgentEndpoint {
	return &AgentEndpoint{agent: a, registration: r}
}

func (e *AgentEndpoint) Handle(ctx context.Context, env transport.Envelope) error {
	err := e.dispatch(ctx, env)
	if err != nil {
		log.Debug("message rejected", "type", env.Type, "from", env.From, "error", err)
	}
	return err
}

func (e *AgentEndpoint) dispatch(ctx context.Context, env transport.Envelope) error {
	switch env.Type {
	// controller -> agent
	case transport.TypeRegistered:
		var msg transport.Registered
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.registration.HandleRegistered(ctx, env.From, msg.AgentID, msg.PingTimeout)

	case transport.TypeReregistered:
		var msg transport.Reregistered
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.registration.HandleRegistered(ctx, env.From, msg.AgentID, msg.PingTimeout)

	case transport.TypePing:
		var msg transport.Ping
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.registration.HandlePing(ctx, env.From, msg)

	case transport.TypeTaskAssignment:
		var msg transport.TaskAssignment
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.agent.RunTask(ctx, env.From, msg)

	case transport.TypeKillTask:
		var msg transport.KillTask
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.agent.KillTask(ctx, env.From, msg.FrameworkID, msg.TaskID)

	case transport.TypeShutdownExecutor:
		var msg transport.ShutdownExecutor
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.agent.ShutdownExecutor(ctx, env.From, msg.FrameworkID, msg.ExecutorID)

	case transport.TypeShutdownFramework:
		var msg transport.ShutdownFramework
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.agent.ShutdownFramework(ctx, env.From, msg.FrameworkID)

	case transport.TypeStatusUpdateAck:
		var msg transport.StatusUpdateAcknowledgement
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.agent.Acknowledge(ctx, env.From, msg)

	// executor -> agent
	case transport.TypeRegisterExecutor:
		var msg transport.RegisterExecutor
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.agent.RegisterExecutor(ctx, env.From, msg)

	case transport.TypeReregisterExecutor:
		var msg transport.ReregisterExecutor
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.agent.ReregisterExecutor(ctx, env.From, msg)

	case transport.TypeStatusUpdate:
		var msg transport.StatusUpdate
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return e.agent.ExecutorStatusUpdate(ctx, env.From, msg.Update)

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, env.Type)
	}
}
