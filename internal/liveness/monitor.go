// Package liveness 是 controller 端對 agent 的存活探測
//
// 每個 agent 定期收到 Ping；連續沒回 Pong 的次數到達上限後，
// 先向全叢集共用的 rate limiter 取得移除許可，再把 agent 標記為 unreachable。
// 許可還在排隊時收到 Pong，許可會被取消，agent 繼續存活。
//
// 同一個 agent 同時最多只有一個登錄表變更在進行（以 agent id 為鍵的 slot）：
// 後到的 unregister 或 unreachable 觸發直接放棄。
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

var log = slog.Default().With("component", "liveness")

// Recorder 存活探測的指標
type Recorder interface {
	RecordProbeMissed()
	RecordRemovalCancelled()
	RecordAgentUnreachable()
	RecordAgentRemoved()
}

type noopRecorder struct{}

func (noopRecorder) RecordProbeMissed()      {}
func (noopRecorder) RecordRemovalCancelled() {}
func (noopRecorder) RecordAgentUnreachable() {}
func (noopRecorder) RecordAgentRemoved()     {}

type Config struct {
	// PingTimeout 兩次 Ping 的間隔，也是等 Pong 的期限
	PingTimeout     time.Duration
	MaxPingTimeouts int
	// RemovalRateLimit 例如 "1/20mins"；空字串代表不限速
	RemovalRateLimit string
	// OnUnreachable agent 被標記 unreachable 後呼叫
	OnUnreachable func(id types.AgentID)
	CallTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingTimeout <= 0 {
		c.PingTimeout = 15 * time.Second
	}
	if c.MaxPingTimeouts <= 0 {
		c.MaxPingTimeouts = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// TotalPingTimeout agent 端應等待 Ping 的總時間
func (c Config) TotalPingTimeout() time.Duration {
	c.applyDefaults()
	return c.PingTimeout * time.Duration(c.MaxPingTimeouts)
}

// ParseRateLimit 解析 "N/duration"，例如 "1/20mins"、"5/1h"
//
// 回傳 nil 表示不限速。
func ParseRateLimit(s string) (*rate.Limiter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	count, period, ok := strings.Cut(s, "/")
	if !ok {
		return nil, fmt.Errorf("invalid rate limit %q: expected N/duration", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid rate limit %q: permit count must be a positive integer", s)
	}
	d, err := parsePeriod(strings.TrimSpace(period))
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", s, err)
	}
	return rate.NewLimiter(rate.Every(d/time.Duration(n)), 1), nil
}

var periodUnits = strings.NewReplacer("mins", "m", "min", "m", "secs", "s", "sec", "s", "hrs", "h", "hr", "h")

func parsePeriod(s string) (time.Duration, error) {
	d, err := time.ParseDuration(periodUnits.Replace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("period must be positive")
	}
	return d, nil
}

// ============================================================================
// 單一 agent 的存活紀錄
// ============================================================================

type record struct {
	id       types.AgentID
	address  string
	misses   int
	awaiting bool // 已送出 Ping 還沒收到 Pong
	timer    clock.Timer
	// generation 每次收到 Pong 或重新納管就加一，舊的計時器與許可因此作廢
	generation   uint64
	cancelPermit context.CancelFunc
}

// AgentView 監控中的 agent 狀態
type AgentView struct {
	ID             types.AgentID `json:"id"`
	Address        string        `json:"address"`
	Misses         int           `json:"misses"`
	RemovalPending bool          `json:"removal_pending"`
}

// slots 以 agent id 為鍵的變更鎖，只提供 try-acquire
type slots struct {
	mu   sync.Mutex
	held map[types.AgentID]Op
}

func (s *slots) acquire(id types.AgentID, op Op) (Op, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.held[id]; ok {
		return current, false
	}
	s.held[id] = op
	return op, true
}

func (s *slots) release(id types.AgentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, id)
}

// ============================================================================
// Monitor
// ============================================================================

type Monitor struct {
	cfg       Config
	registry  Registry
	transport transport.Transport
	clock     clock.Clock
	recorder  Recorder
	limiter   *rate.Limiter

	mu     sync.Mutex
	agents map[types.AgentID]*record
	slots  slots

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, registry Registry, t transport.Transport, clk clock.Clock, recorder Recorder) (*Monitor, error) {
	cfg.applyDefaults()
	limiter, err := ParseRateLimit(cfg.RemovalRateLimit)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:       cfg,
		registry:  registry,
		transport: t,
		clock:     clk,
		recorder:  recorder,
		limiter:   limiter,
		agents:    make(map[types.AgentID]*record),
		slots:     slots{held: make(map[types.AgentID]Op)},
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetLimiter 替換移除許可的 limiter；nil 代表不限速
func (m *Monitor) SetLimiter(l *rate.Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiter = l
}

func (m *Monitor) Stop() {
	m.cancel()
	m.mu.Lock()
	for _, rec := range m.agents {
		m.untrackLocked(rec)
	}
	m.agents = make(map[types.AgentID]*record)
	m.mu.Unlock()
	m.wg.Wait()
}

// Admit 處理 Register / Reregister；回傳 agent 應使用的 ping timeout
//
// 只有未知、unreachable 或已移除的 agent 需要寫登錄表。
func (m *Monitor) Admit(ctx context.Context, id types.AgentID, address string) (time.Duration, error) {
	if id == "" || address == "" {
		return 0, fmt.Errorf("admit: agent id and address are required")
	}
	op, ok := m.slots.acquire(id, OpAdmit)
	if !ok {
		return 0, fmt.Errorf("%w: %s for agent %s", ErrMutationInFlight, op, id)
	}
	defer m.slots.release(id)

	status, err := m.registry.Status(ctx, id)
	if err != nil {
		return 0, err
	}
	if status != StatusRegistered {
		if err := m.registry.Admit(ctx, id); err != nil {
			return 0, fmt.Errorf("admit agent %s: %w", id, err)
		}
		log.Info("agent admitted", "agent_id", id, "previous", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.agents[id]; ok {
		if old.cancelPermit != nil {
			m.recorder.RecordRemovalCancelled()
		}
		m.untrackLocked(old)
	}
	rec := &record{id: id, address: address}
	m.agents[id] = rec
	m.armProbeLocked(rec)
	return m.cfg.TotalPingTimeout(), nil
}

// Pong agent 回應；若正在等移除許可則取消
func (m *Monitor) Pong(from string, id types.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[id]
	if !ok || rec.address != from {
		return fmt.Errorf("%w: %s from %s", ErrUnknownAgent, id, from)
	}
	rec.misses = 0
	rec.awaiting = false
	if rec.cancelPermit != nil {
		rec.cancelPermit()
		rec.cancelPermit = nil
		rec.generation++
		m.recorder.RecordRemovalCancelled()
		log.Info("agent responded, removal cancelled", "agent_id", id)
		m.armProbeLocked(rec)
	}
	return nil
}

// Unregister agent 主動離開；unreachable 變更進行中時放棄
//
// 只接受目前納管中的 agent：已標記 unreachable、已移除或從未註冊的 agent
// 回傳 ErrUnknownAgent，登錄表不變。
func (m *Monitor) Unregister(ctx context.Context, id types.AgentID) error {
	op, ok := m.slots.acquire(id, OpRemove)
	if !ok {
		log.Warn("ignoring unregister, registry mutation in flight", "agent_id", id, "op", op)
		return fmt.Errorf("%w: %s for agent %s", ErrMutationInFlight, op, id)
	}
	defer m.slots.release(id)

	m.mu.Lock()
	rec, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		log.Warn("ignoring unregister from non-registered agent", "agent_id", id)
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	m.untrackLocked(rec)
	delete(m.agents, id)
	m.mu.Unlock()

	if err := m.registry.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove agent %s: %w", id, err)
	}
	m.recorder.RecordAgentRemoved()
	log.Info("agent unregistered", "agent_id", id)
	return nil
}

func (m *Monitor) Agents() []AgentView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentView, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, AgentView{
			ID:             rec.id,
			Address:        rec.address,
			Misses:         rec.misses,
			RemovalPending: rec.cancelPermit != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// 探測
// ============================================================================

func (m *Monitor) armProbeLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	gen := rec.generation
	rec.timer = m.clock.AfterFunc(m.cfg.PingTimeout, func() { m.probe(rec.id, gen) })
}

func (m *Monitor) untrackLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	if rec.cancelPermit != nil {
		rec.cancelPermit()
		rec.cancelPermit = nil
	}
	rec.generation++
}

func (m *Monitor) probe(id types.AgentID, gen uint64) {
	m.mu.Lock()
	rec, ok := m.agents[id]
	if !ok || rec.generation != gen || rec.cancelPermit != nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if rec.awaiting {
		rec.misses++
		m.recorder.RecordProbeMissed()
		log.Debug("agent missed ping", "agent_id", id, "misses", rec.misses)
		if rec.misses >= m.cfg.MaxPingTimeouts {
			m.requestRemovalLocked(rec)
			m.mu.Unlock()
			return
		}
	}
	rec.awaiting = true
	address := rec.address
	m.armProbeLocked(rec)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := m.transport.Send(ctx, address, transport.TypePing, transport.Ping{Connected: true}); err != nil {
		log.Debug("ping failed", "agent_id", id, "error", err)
	}
}

// requestRemovalLocked 停止探測並在背景等待移除許可
func (m *Monitor) requestRemovalLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	ctx, cancel := context.WithCancel(m.ctx)
	rec.cancelPermit = cancel
	gen := rec.generation
	limiter := m.limiter
	log.Warn("agent failed health checks, requesting removal permit", "agent_id", rec.id, "misses", rec.misses)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.awaitPermit(ctx, limiter, rec.id, gen)
	}()
}

func (m *Monitor) awaitPermit(ctx context.Context, limiter *rate.Limiter, id types.AgentID, gen uint64) {
	if limiter != nil {
		// 取消時 Wait 會把預留的許可還回去
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	m.mu.Lock()
	rec, ok := m.agents[id]
	if !ok || rec.generation != gen || rec.cancelPermit == nil {
		m.mu.Unlock()
		return
	}
	rec.cancelPermit = nil
	m.mu.Unlock()

	m.markUnreachable(id, gen)
}

func (m *Monitor) markUnreachable(id types.AgentID, gen uint64) {
	op, ok := m.slots.acquire(id, OpMarkUnreachable)
	if !ok {
		log.Warn("ignoring unreachable trigger, registry mutation in flight", "agent_id", id, "op", op)
		return
	}
	defer m.slots.release(id)

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := m.registry.MarkUnreachable(ctx, id); err != nil {
		log.Error("failed to mark agent unreachable", "agent_id", id, "error", err)
		// 繼續探測；下一次逾時會再次申請許可
		m.mu.Lock()
		if rec, ok := m.agents[id]; ok && rec.generation == gen && m.ctx.Err() == nil {
			m.armProbeLocked(rec)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if rec, ok := m.agents[id]; ok && rec.generation == gen {
		m.untrackLocked(rec)
		delete(m.agents, id)
	}
	m.mu.Unlock()

	m.recorder.RecordAgentUnreachable()
	log.Warn("agent marked unreachable", "agent_id", id)
	if m.cfg.OnUnreachable != nil {
		m.cfg.OnUnreachable(id)
	}
}
