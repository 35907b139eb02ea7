// Package registration 負責 agent 向 controller 的註冊與重新註冊
//
// 狀態：RECOVERING -> DISCONNECTED -> CONNECTING -> REGISTERED
//
// 偵測到 leader 後先等一段隨機退避再送出註冊，沒有回應就加倍退避重送。
// 註冊完成後靠 controller 的 Ping 維持連線；超過 ping timeout 沒收到
// 就視同斷線，重新走一次註冊流程。
package registration

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ChuLiYu/outpost/internal/agent"
	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

var log = slog.Default().With("component", "registration")

var (
	ErrNotLeader  = errors.New("message not from current leader")
	ErrStaleReply = errors.New("registration reply from a superseded attempt")
)

type State string

const (
	StateRecovering   State = "RECOVERING"
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateRegistered   State = "REGISTERED"
)

// Agent 註冊流程需要的 agent 操作
type Agent interface {
	ID(ctx context.Context) (types.AgentID, error)
	RegistrationSnapshot(ctx context.Context) (transport.Reregister, error)
	Registered(ctx context.Context, leader string, id types.AgentID) error
	Disconnected(ctx context.Context) error
}

// Recorder 註冊相關的指標
type Recorder interface {
	RecordRegistrationAttempt(reregister bool)
	RecordPingTimeout()
}

type noopRecorder struct{}

func (noopRecorder) RecordRegistrationAttempt(bool) {}
func (noopRecorder) RecordPingTimeout()             {}

type Config struct {
	BackoffFactor      time.Duration
	BackoffMax         time.Duration
	DefaultPingTimeout time.Duration
	// CallTimeout 每次呼叫 agent 與送訊息的上限
	CallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.BackoffMax < c.BackoffFactor {
		c.BackoffMax = c.BackoffFactor
	}
	if c.DefaultPingTimeout <= 0 {
		c.DefaultPingTimeout = 75 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

type Manager struct {
	cfg       Config
	agent     Agent
	detector  Detector
	transport transport.Transport
	clock     clock.Clock
	recorder  Recorder

	mu            sync.Mutex
	state         State
	leader        string
	generation    uint64 // leader 每換一次（或重新連線）就加一，過期的計時器據此作廢
	attempted     uint64 // 最近一次送出註冊時的 generation
	backoff       *backoff.Backoff
	registerTimer clock.Timer
	pingTimer     clock.Timer
	pingTimeout   time.Duration
	jitter        func() float64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New recorder 可以是 nil
func New(cfg Config, a Agent, detector Detector, t transport.Transport, clk clock.Clock, recorder Recorder) *Manager {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		agent:     a,
		detector:  detector,
		transport: t,
		clock:     clk,
		recorder:  recorder,
		state:     StateRecovering,
		backoff:   &backoff.Backoff{Min: cfg.BackoffFactor, Max: cfg.BackoffMax, Factor: 2},
		jitter:    rand.Float64,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start agent 完成恢復後呼叫，開始偵測 leader
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.state = StateDisconnected
	m.mu.Unlock()

	m.wg.Add(1)
	go m.detectLoop()
}

func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Leader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// ============================================================================
// leader 偵測
// ============================================================================

func (m *Manager) detectLoop() {
	defer m.wg.Done()

	previous := ""
	retry := &backoff.Backoff{Min: m.cfg.BackoffFactor, Max: m.cfg.BackoffMax, Factor: 2}
	for {
		leader, err := m.detector.Detect(m.ctx, previous)
		if m.ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := retry.Duration()
			log.Warn("leader detection failed", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
				continue
			case <-m.ctx.Done():
				return
			}
		}
		retry.Reset()
		m.leaderChanged(leader)
		previous = leader
	}
}

func (m *Manager) leaderChanged(leader string) {
	m.mu.Lock()
	m.stopTimersLocked()
	m.generation++
	m.leader = leader
	if leader == "" {
		m.state = StateDisconnected
	} else {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	m.disconnectAgent()
	if leader == "" {
		log.Warn("no controller leader detected")
		return
	}
	log.Info("controller leader detected", "leader", leader)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoff.Reset()
	m.scheduleRegistrationLocked()
}

func (m *Manager) disconnectAgent() {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := m.agent.Disconnected(ctx); err != nil && m.ctx.Err() == nil {
		log.Warn("agent disconnect failed", "error", err)
	}
}

// ============================================================================
// 註冊
// ============================================================================

// scheduleRegistrationLocked 在 [0, cap) 之間隨機等待後送出註冊，cap 每次加倍直到上限
func (m *Manager) scheduleRegistrationLocked() {
	limit := m.backoff.Duration()
	delay := time.Duration(m.jitter() * float64(limit))
	gen := m.generation
	m.registerTimer = m.clock.AfterFunc(delay, func() { m.register(gen) })
}

func (m *Manager) register(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	leader := m.leader
	m.attempted = gen
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()

	snapshot, err := m.agent.RegistrationSnapshot(ctx)
	switch {
	case err != nil:
		log.Warn("registration snapshot unavailable", "error", err)
	case snapshot.Agent.ID == "":
		m.recorder.RecordRegistrationAttempt(false)
		err = m.transport.Send(ctx, leader, transport.TypeRegister, snapshot.AsRegister())
	default:
		m.recorder.RecordRegistrationAttempt(true)
		err = m.transport.Send(ctx, leader, transport.TypeReregister, snapshot)
	}
	if err != nil && m.ctx.Err() == nil {
		log.Warn("registration attempt failed", "leader", leader, "error", err)
	}

	// 不論成功與否都排下一次；收到 Registered 時計時器會被取消
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.generation && m.state == StateConnecting && m.ctx.Err() == nil {
		m.scheduleRegistrationLocked()
	}
}

// HandleRegistered 處理 Registered 與 Reregistered；只接受目前 leader 送來的
func (m *Manager) HandleRegistered(ctx context.Context, from string, id types.AgentID, pingTimeout time.Duration) error {
	m.mu.Lock()
	if from == "" || from != m.leader {
		m.mu.Unlock()
		log.Warn("ignoring registration reply from non-leader", "from", from)
		return ErrNotLeader
	}
	// 這一輪還沒送出註冊，回覆只可能屬於已作廢的嘗試
	if m.attempted != m.generation || (m.state != StateConnecting && m.state != StateRegistered) {
		state := m.state
		m.mu.Unlock()
		log.Warn("ignoring stale registration reply", "from", from, "state", state)
		return ErrStaleReply
	}
	gen := m.generation
	m.mu.Unlock()

	if err := m.agent.Registered(ctx, from, id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return ErrStaleReply
	}
	if m.registerTimer != nil {
		m.registerTimer.Stop()
		m.registerTimer = nil
	}
	if m.state != StateRegistered {
		log.Info("registered with controller", "leader", from, "agent_id", id)
	}
	m.state = StateRegistered
	m.pingTimeout = pingTimeout
	if m.pingTimeout <= 0 {
		m.pingTimeout = m.cfg.DefaultPingTimeout
	}
	m.resetPingTimerLocked()
	return nil
}

// ============================================================================
// Ping
// ============================================================================

// HandlePing 回 Pong；connected 為 false 代表 controller 不認得我們，需要重新註冊
func (m *Manager) HandlePing(ctx context.Context, from string, msg transport.Ping) error {
	m.mu.Lock()
	if from == "" || from != m.leader {
		m.mu.Unlock()
		return ErrNotLeader
	}
	reconnect := false
	if m.state == StateRegistered {
		if msg.Connected {
			m.resetPingTimerLocked()
		} else {
			reconnect = true
		}
	}
	m.mu.Unlock()

	if reconnect {
		log.Warn("controller reports agent disconnected, re-registering", "leader", from)
		m.reconnect(from)
		return nil
	}

	id, err := m.agent.ID(ctx)
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, from, transport.TypePong, transport.Pong{AgentID: id})
}

func (m *Manager) resetPingTimerLocked() {
	if m.pingTimer != nil {
		m.pingTimer.Stop()
	}
	gen := m.generation
	m.pingTimer = m.clock.AfterFunc(m.pingTimeout, func() { m.pingExpired(gen) })
}

func (m *Manager) pingExpired(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateRegistered {
		m.mu.Unlock()
		return
	}
	leader := m.leader
	timeout := m.pingTimeout
	m.mu.Unlock()

	log.Warn("no ping from controller", "leader", leader, "timeout", timeout)
	m.recorder.RecordPingTimeout()
	m.reconnect(leader)
}

// reconnect 對同一個 leader 重新開始註冊流程
func (m *Manager) reconnect(leader string) {
	m.mu.Lock()
	if leader != m.leader {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.generation++
	m.state = StateConnecting
	m.mu.Unlock()

	m.disconnectAgent()

	m.mu.Lock()
	defer m.mu.Unlock()
	if leader != m.leader || m.state != StateConnecting {
		return
	}
	m.backoff.Reset()
	m.scheduleRegistrationLocked()
}

// Unregister 通知 controller 這個 agent 要永久離開
func (m *Manager) Unregister(ctx context.Context) error {
	id, err := m.agent.ID(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	leader := m.leader
	m.stopTimersLocked()
	m.generation++
	m.state = StateDisconnected
	m.mu.Unlock()

	if leader == "" || id == "" {
		return nil
	}
	log.Info("unregistering from controller", "leader", leader, "agent_id", id)
	return m.transport.Send(ctx, leader, transport.TypeUnregister, transport.Unregister{AgentID: id})
}

func (m *Manager) stopTimersLocked() {
	if m.registerTimer != nil {
		m.registerTimer.Stop()
		m.registerTimer = nil
	}
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
}

var _ Agent = (*agent.Agent)(nil)
