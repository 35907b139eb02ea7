package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

var (
	ErrUnexpectedMessage = errors.New("unexpected message type")
	ErrAgentNotConnected = errors.New("agent not connected")
)

// Liveness controller 端的存活監控
type Liveness interface {
	Admit(ctx context.Context, id types.AgentID, address string) (time.Duration, error)
	Pong(from string, id types.AgentID) error
	Unregister(ctx context.Context, id types.AgentID) error
}

type taskKey struct {
	agent     types.AgentID
	framework types.FrameworkID
	task      types.TaskID
}

// ControllerEndpoint 最小的 controller：接受註冊、回 Pong 給監控、確認所有狀態更新
type ControllerEndpoint struct {
	liveness  Liveness
	transport transport.Transport

	mu        sync.Mutex
	addresses map[types.AgentID]string
	byAddress map[string]types.AgentID
	latest    map[taskKey]types.TaskStatus
	received  []types.TaskStatus
}

func NewControllerEndpoint(l Liveness, t transport.Transport) *ControllerEndpoint {
	return &ControllerEndpoint{
		liveness:  l,
		transport: t,
		addresses: make(map[types.AgentID]string),
		byAddress: make(map[string]types.AgentID),
		latest:    make(map[taskKey]types.TaskStatus),
	}
}

func (c *ControllerEndpoint) Handle(ctx context.Context, env transport.Envelope) error {
	switch env.Type {
	case transport.TypeRegister:
		var msg transport.Register
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return c.register(ctx, env.From)

	case transport.TypeReregister:
		var msg transport.Reregister
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return c.reregister(ctx, env.From, msg)

	case transport.TypePong:
		var msg transport.Pong
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return c.liveness.Pong(env.From, msg.AgentID)

	case transport.TypeUnregister:
		var msg transport.Unregister
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if err := c.liveness.Unregister(ctx, msg.AgentID); err != nil {
			return err
		}
		c.forget(msg.AgentID)
		return nil

	case transport.TypeStatusUpdate:
		var msg transport.StatusUpdate
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return c.statusUpdate(ctx, env.From, msg.Update)

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, env.Type)
	}
}

// register 同一個位址重送的 Register 沿用先前配發的 id
func (c *ControllerEndpoint) register(ctx context.Context, from string) error {
	c.mu.Lock()
	id, ok := c.byAddress[from]
	if !ok {
		id = types.AgentID(uuid.NewString())
	}
	c.mu.Unlock()

	timeout, err := c.liveness.Admit(ctx, id, from)
	if err != nil {
		return err
	}
	c.remember(id, from)
	log.Info("agent registered", "agent_id", id, "address", from)
	return c.transport.Send(ctx, from, transport.TypeRegistered, transport.Registered{AgentID: id, PingTimeout: timeout})
}

func (c *ControllerEndpoint) reregister(ctx context.Context, from string, msg transport.Reregister) error {
	id := msg.Agent.ID
	if id == "" {
		return fmt.Errorf("reregister from %s without agent id", from)
	}
	timeout, err := c.liveness.Admit(ctx, id, from)
	if err != nil {
		return err
	}
	c.remember(id, from)

	// 以 agent 回報的 latestState 補上尚未收到更新的任務
	c.mu.Lock()
	for _, t := range msg.Tasks {
		key := taskKey{agent: id, framework: t.Info.FrameworkID, task: t.Info.TaskID}
		if _, ok := c.latest[key]; !ok {
			c.latest[key] = types.TaskStatus{
				TaskID:      t.Info.TaskID,
				FrameworkID: t.Info.FrameworkID,
				ExecutorID:  t.Info.ExecutorID,
				AgentID:     id,
				State:       t.LatestState,
			}
		}
	}
	c.mu.Unlock()

	log.Info("agent reregistered", "agent_id", id, "address", from, "tasks", len(msg.Tasks))
	return c.transport.Send(ctx, from, transport.TypeReregistered, transport.Reregistered{AgentID: id, PingTimeout: timeout})
}

func (c *ControllerEndpoint) statusUpdate(ctx context.Context, from string, update types.TaskStatus) error {
	c.mu.Lock()
	c.received = append(c.received, update)
	c.latest[taskKey{agent: update.AgentID, framework: update.FrameworkID, task: update.TaskID}] = update
	c.mu.Unlock()

	return c.transport.Send(ctx, from, transport.TypeStatusUpdateAck, transport.StatusUpdateAcknowledgement{
		AgentID:     update.AgentID,
		FrameworkID: update.FrameworkID,
		TaskID:      update.TaskID,
		UUID:        update.UUID,
	})
}

func (c *ControllerEndpoint) remember(id types.AgentID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.addresses[id]; ok && old != address {
		delete(c.byAddress, old)
	}
	c.addresses[id] = address
	c.byAddress[address] = id
}

func (c *ControllerEndpoint) forget(id types.AgentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr, ok := c.addresses[id]; ok {
		delete(c.byAddress, addr)
		delete(c.addresses, id)
	}
}

// AgentUnreachable 給 liveness.Config.OnUnreachable 使用
func (c *ControllerEndpoint) AgentUnreachable(id types.AgentID) {
	log.Warn("agent unreachable, dropping route", "agent_id", id)
	c.forget(id)
}

// ============================================================================
// 對 agent 下指令
// ============================================================================

func (c *ControllerEndpoint) address(id types.AgentID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.addresses[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotConnected, id)
	}
	return addr, nil
}

func (c *ControllerEndpoint) Assign(ctx context.Context, id types.AgentID, msg transport.TaskAssignment) error {
	addr, err := c.address(id)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, addr, transport.TypeTaskAssignment, msg)
}

func (c *ControllerEndpoint) Kill(ctx context.Context, id types.AgentID, fw types.FrameworkID, task types.TaskID) error {
	addr, err := c.address(id)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, addr, transport.TypeKillTask, transport.KillTask{FrameworkID: fw, TaskID: task})
}

func (c *ControllerEndpoint) ShutdownFramework(ctx context.Context, id types.AgentID, fw types.FrameworkID) error {
	addr, err := c.address(id)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, addr, transport.TypeShutdownFramework, transport.ShutdownFramework{FrameworkID: fw})
}

// ============================================================================
// 查詢
// ============================================================================

// Updates 收到的所有狀態更新（含重送）
func (c *ControllerEndpoint) Updates() []types.TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TaskStatus, len(c.received))
	copy(out, c.received)
	return out
}

// Agents 目前可路由的 agent
func (c *ControllerEndpoint) Agents() map[types.AgentID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.AgentID]string, len(c.addresses))
	for id, addr := range c.addresses {
		out[id] = addr
	}
	return out
}

// Reconcile 回傳 agent 上每個任務最後已知的狀態，標記為 controller 產生的對帳更新
func (c *ControllerEndpoint) Reconcile(id types.AgentID) []types.TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.TaskStatus
	for key, st := range c.latest {
		if key.agent != id {
			continue
		}
		st.Source = types.SourceController
		st.Reason = types.ReasonReconciliation
		st.UUID = ""
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FrameworkID != out[j].FrameworkID {
			return out[i].FrameworkID < out[j].FrameworkID
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}
