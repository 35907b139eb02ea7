package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outpost/internal/agent"
	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/internal/containerizer"
	"github.com/ChuLiYu/outpost/internal/liveness"
	"github.com/ChuLiYu/outpost/internal/metrics"
	"github.com/ChuLiYu/outpost/internal/registration"
	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

const (
	e2eController = "controller:5050"
	e2eAgent      = "agent:5051"
	e2eExecutor   = "executor:7001"

	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeExecutor 收到任務後非同步回報 RUNNING 與 FINISHED
type fakeExecutor struct {
	t         *testing.T
	transport *transport.MemoryTransport

	mu       sync.Mutex
	received []transport.Envelope
	wg       sync.WaitGroup
}

func (e *fakeExecutor) Handle(_ context.Context, env transport.Envelope) error {
	e.mu.Lock()
	e.received = append(e.received, env)
	e.mu.Unlock()

	if env.Type != transport.TypeTaskAssignment {
		return nil
	}
	var msg transport.TaskAssignment
	if err := env.Decode(&msg); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, task := range msg.Tasks {
			for _, state := range []types.TaskState{types.TaskRunning, types.TaskFinished} {
				err := e.transport.Send(context.Background(), e2eAgent, transport.TypeStatusUpdate, transport.StatusUpdate{
					Update: types.TaskStatus{
						TaskID:      task.TaskID,
						FrameworkID: msg.Framework.ID,
						ExecutorID:  msg.Executor.ExecutorID,
						State:       state,
					},
				})
				assert.NoError(e.t, err)
			}
		}
	}()
	return nil
}

func (e *fakeExecutor) count(msgType transport.MessageType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, env := range e.received {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

type stack struct {
	clock      *clock.Fake
	network    *transport.Network
	containers *containerizer.Fake
	agent      *agent.Agent
	reg        *registration.Manager
	monitor    *liveness.Monitor
	controller *ControllerEndpoint
	executor   *fakeExecutor
	registry   *prometheus.Registry
	metrics    *metrics.Collector
}

func newStack(t *testing.T) *stack {
	s := &stack{
		clock:      clock.NewFake(time.Unix(1_700_000_000, 0)),
		network:    transport.NewNetwork(),
		containers: containerizer.NewFake(),
		registry:   prometheus.NewRegistry(),
	}
	s.metrics = metrics.NewCollector(s.registry)

	agentTransport := s.network.Endpoint(e2eAgent)
	a, err := agent.New(agent.Config{
		WorkDir:                     t.TempDir(),
		Info:                        types.AgentInfo{Hostname: "node-1", Resources: types.Resources{CPUs: 4, Mem: 2048}},
		ExecutorRegistrationTimeout: time.Hour,
		StatusUpdateRetryMin:        10 * time.Second,
		StatusUpdateRetryMax:        time.Minute,
		Workers:                     2,
	}, agent.Deps{
		Clock:         s.clock,
		Containerizer: s.containers,
		Transport:     agentTransport,
		Recorder:      s.metrics,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	s.agent = a
	t.Cleanup(a.Stop)

	s.reg = registration.New(registration.Config{BackoffFactor: time.Second, BackoffMax: 4 * time.Second},
		a, registration.NewStandalone(e2eController), agentTransport, s.clock, s.metrics)
	t.Cleanup(s.reg.Stop)
	require.NoError(t, agentTransport.Listen(NewAgentEndpoint(a, s.reg)))

	ctrlTransport := s.network.Endpoint(e2eController)
	var ctrl *ControllerEndpoint
	s.monitor, err = liveness.New(liveness.Config{
		PingTimeout:     15 * time.Second,
		MaxPingTimeouts: 5,
		OnUnreachable:   func(id types.AgentID) { ctrl.AgentUnreachable(id) },
	}, liveness.NewMemoryRegistry(), ctrlTransport, s.clock, s.metrics)
	require.NoError(t, err)
	t.Cleanup(s.monitor.Stop)
	ctrl = NewControllerEndpoint(s.monitor, ctrlTransport)
	s.controller = ctrl
	require.NoError(t, ctrlTransport.Listen(ctrl))

	execTransport := s.network.Endpoint(e2eExecutor)
	s.executor = &fakeExecutor{t: t, transport: execTransport}
	require.NoError(t, execTransport.Listen(s.executor))
	t.Cleanup(s.executor.wg.Wait)
	return s
}

func (s *stack) ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// start 啟動 agent 並推進時間直到註冊完成
func (s *stack) start(t *testing.T) types.AgentID {
	t.Helper()
	require.NoError(t, s.agent.Start(s.ctx(t)))
	s.reg.Start()
	require.Eventually(t, func() bool {
		if s.reg.State() == registration.StateRegistered {
			return true
		}
		s.clock.Advance(time.Second)
		return false
	}, waitFor, tick)

	agents := s.controller.Agents()
	require.Len(t, agents, 1)
	for id, addr := range agents {
		assert.Equal(t, e2eAgent, addr)
		return id
	}
	return ""
}

func TestEndToEndTaskLifecycle(t *testing.T) {
	s := newStack(t)
	id := s.start(t)

	view, err := s.agent.State(s.ctx(t))
	require.NoError(t, err)
	assert.Equal(t, id, view.ID)
	assert.Equal(t, e2eController, view.Leader)

	require.NoError(t, s.controller.Assign(s.ctx(t), id, transport.TaskAssignment{
		Framework: types.FrameworkInfo{ID: "fw-1", Name: "batch", Checkpoint: true},
		Executor: types.ExecutorInfo{
			ExecutorID: "ex-1",
			Command:    types.CommandInfo{Value: "run-executor"},
			Resources:  types.Resources{CPUs: 0.1, Mem: 32},
		},
		Tasks: []types.TaskInfo{{TaskID: "t1", Resources: types.Resources{CPUs: 1, Mem: 128}}},
	}))
	require.Eventually(t, func() bool { return s.containers.LaunchCount() == 1 }, waitFor, tick)

	require.NoError(t, s.network.Endpoint(e2eExecutor).Send(s.ctx(t), e2eAgent, transport.TypeRegisterExecutor,
		transport.RegisterExecutor{FrameworkID: "fw-1", ExecutorID: "ex-1"}))

	// controller 依序收到 RUNNING 與 FINISHED，每一筆都被確認
	require.Eventually(t, func() bool {
		updates := s.controller.Updates()
		return len(updates) == 2 && updates[1].State == types.TaskFinished
	}, waitFor, tick)
	updates := s.controller.Updates()
	assert.Equal(t, types.TaskRunning, updates[0].State)
	assert.Equal(t, id, updates[0].AgentID)
	assert.Equal(t, types.SourceExecutor, updates[1].Source)

	// 確認轉發給 executor，任務在確認後退場
	require.Eventually(t, func() bool { return s.executor.count(transport.TypeStatusUpdateAck) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		v, err := s.agent.State(s.ctx(t))
		if err != nil || len(v.Frameworks) != 1 || len(v.Frameworks[0].Executors) != 1 {
			return false
		}
		return len(v.Frameworks[0].Executors[0].Tasks) == 0
	}, waitFor, tick)

	assert.Equal(t, 1.0, counterValue(t, s.registry, "outpost_tasks_assigned_total"))
	assert.Equal(t, 2.0, counterValue(t, s.registry, "outpost_status_updates_acked_total"))
}

func TestEndToEndPingKeepsAgentAlive(t *testing.T) {
	s := newStack(t)
	id := s.start(t)

	for i := 0; i < 10; i++ {
		s.clock.Advance(15 * time.Second)
	}
	agents := s.monitor.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, id, agents[0].ID)
	assert.Zero(t, agents[0].Misses)
	assert.Equal(t, registration.StateRegistered, s.reg.State())
	assert.NotEmpty(t, s.network.SentOf(transport.TypePong))
}

func TestEndToEndUnresponsiveAgentMarkedUnreachable(t *testing.T) {
	s := newStack(t)
	id := s.start(t)

	// agent 不再回應 Ping
	s.network.SetFilter(func(env transport.Envelope) bool { return env.Type != transport.TypePong })
	for i := 0; i < 6; i++ {
		s.clock.Advance(15 * time.Second)
	}
	require.Eventually(t, func() bool { return len(s.controller.Agents()) == 0 }, waitFor, tick)
	assert.Empty(t, s.monitor.Agents())

	err := s.controller.Kill(s.ctx(t), id, "fw-1", "t1")
	assert.ErrorIs(t, err, ErrAgentNotConnected)
}

// counterValue 從 registry 取出沒有 label 的 counter 值
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
