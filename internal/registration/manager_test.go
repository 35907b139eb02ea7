package registration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

const (
	agentAddr  = "agent:5051"
	leaderA    = "controller-a:5050"
	leaderB    = "controller-b:5050"
	waitFor    = 2 * time.Second
	tick       = 5 * time.Millisecond
	halfJitter = 0.5
)

// fakeAgent 記錄 manager 對 agent 的呼叫
type fakeAgent struct {
	mu           sync.Mutex
	id           types.AgentID
	leader       string
	disconnected int
}

func (f *fakeAgent) ID(context.Context) (types.AgentID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, nil
}

func (f *fakeAgent) RegistrationSnapshot(context.Context) (transport.Reregister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.Reregister{
		Agent:   types.AgentInfo{ID: f.id, Hostname: "node-1"},
		Version: "test",
	}, nil
}

func (f *fakeAgent) Registered(_ context.Context, leader string, id types.AgentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
	f.leader = leader
	return nil
}

func (f *fakeAgent) Disconnected(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = ""
	f.disconnected++
	return nil
}

func (f *fakeAgent) currentLeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

type fixture struct {
	t        *testing.T
	clock    *clock.Fake
	network  *transport.Network
	agent    *fakeAgent
	detector *Standalone
	manager  *Manager
}

func newFixture(t *testing.T, id types.AgentID) *fixture {
	f := &fixture{
		t:        t,
		clock:    clock.NewFake(time.Unix(1_700_000_000, 0)),
		network:  transport.NewNetwork(),
		agent:    &fakeAgent{id: id},
		detector: NewStandalone(leaderA),
	}
	noop := transport.HandlerFunc(func(context.Context, transport.Envelope) error { return nil })
	require.NoError(t, f.network.Endpoint(leaderA).Listen(noop))
	require.NoError(t, f.network.Endpoint(leaderB).Listen(noop))

	cfg := Config{BackoffFactor: time.Second, BackoffMax: 8 * time.Second, DefaultPingTimeout: 20 * time.Second}
	f.manager = New(cfg, f.agent, f.detector, f.network.Endpoint(agentAddr), f.clock, nil)
	f.manager.jitter = func() float64 { return halfJitter }
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *fixture) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	f.t.Cleanup(cancel)
	return ctx
}

// connect 啟動並等到排好第一次註冊
func (f *fixture) connect() {
	f.t.Helper()
	f.manager.Start()
	f.awaitRegistration()
}

// awaitRegistration 等到下一次註冊已經排進計時器
func (f *fixture) awaitRegistration() {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		f.manager.mu.Lock()
		defer f.manager.mu.Unlock()
		return f.manager.state == StateConnecting && f.manager.registerTimer != nil
	}, waitFor, tick)
}

func (f *fixture) sentTo(to string, msgType transport.MessageType) []transport.Envelope {
	var out []transport.Envelope
	for _, env := range f.network.SentOf(msgType) {
		if env.To == to {
			out = append(out, env)
		}
	}
	return out
}

func (f *fixture) registered(from string) {
	f.t.Helper()
	require.NoError(f.t, f.manager.HandleRegistered(f.ctx(), from, "agent-1", 0))
	require.Equal(f.t, StateRegistered, f.manager.State())
}

// ============================================================================
// 註冊
// ============================================================================

func TestStartsInRecovering(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, StateRecovering, f.manager.State())
}

func TestFirstRegistrationAfterJitteredBackoff(t *testing.T) {
	f := newFixture(t, "")
	f.connect()

	f.clock.Advance(400 * time.Millisecond)
	assert.Empty(t, f.network.SentOf(transport.TypeRegister), "must wait for the jittered delay")

	f.clock.Advance(100 * time.Millisecond)
	sent := f.sentTo(leaderA, transport.TypeRegister)
	require.Len(t, sent, 1)
	var msg transport.Register
	require.NoError(t, sent[0].Decode(&msg))
	assert.Equal(t, "node-1", msg.Agent.Hostname)
	assert.Empty(t, f.network.SentOf(transport.TypeReregister))
}

func TestKnownAgentReregisters(t *testing.T) {
	f := newFixture(t, "agent-1")
	f.connect()

	f.clock.Advance(time.Second)
	require.Len(t, f.sentTo(leaderA, transport.TypeReregister), 1)
	assert.Empty(t, f.network.SentOf(transport.TypeRegister))
}

func TestRegistrationRetriesWithGrowingBackoff(t *testing.T) {
	f := newFixture(t, "")
	f.connect()

	// 延遲依序為 0.5s、1s、2s、4s（上限 8s 的一半）
	f.clock.Advance(500 * time.Millisecond)
	f.clock.Advance(time.Second)
	f.clock.Advance(2 * time.Second)
	require.Len(t, f.network.SentOf(transport.TypeRegister), 3)

	f.clock.Advance(3 * time.Second)
	assert.Len(t, f.network.SentOf(transport.TypeRegister), 3)
	f.clock.Advance(time.Second)
	assert.Len(t, f.network.SentOf(transport.TypeRegister), 4)

	f.clock.Advance(time.Minute)
	attempts := len(f.network.SentOf(transport.TypeRegister))
	assert.LessOrEqual(t, attempts, 4+60/4+1, "delay is capped at half the maximum")
}

func TestRegisteredStopsRetries(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)

	f.registered(leaderA)
	assert.Equal(t, leaderA, f.agent.currentLeader())
	id, _ := f.agent.ID(f.ctx())
	assert.Equal(t, types.AgentID("agent-1"), id)

	f.clock.Advance(10 * time.Second)
	assert.Len(t, f.network.SentOf(transport.TypeRegister), 1)
}

func TestRegisteredFromNonLeaderIgnored(t *testing.T) {
	f := newFixture(t, "")
	f.connect()

	err := f.manager.HandleRegistered(f.ctx(), leaderB, "agent-1", 0)
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Equal(t, StateConnecting, f.manager.State())
	assert.Empty(t, f.agent.currentLeader())
}

func TestLeaderChangeReregistersWithNewLeader(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)
	f.registered(leaderA)

	f.detector.Appoint(leaderB)
	require.Eventually(t, func() bool { return f.manager.Leader() == leaderB }, waitFor, tick)
	f.awaitRegistration()
	assert.Empty(t, f.agent.currentLeader(), "agent is told it is disconnected")

	// 舊 leader 的回覆不再被接受
	assert.ErrorIs(t, f.manager.HandleRegistered(f.ctx(), leaderA, "agent-1", 0), ErrNotLeader)

	f.clock.Advance(500 * time.Millisecond)
	require.Len(t, f.sentTo(leaderB, transport.TypeReregister), 1)
	f.registered(leaderB)
	assert.Equal(t, leaderB, f.agent.currentLeader())
}

func TestStaleRegisteredDoesNotTouchAgent(t *testing.T) {
	f := newFixture(t, "")
	f.connect()

	// 還沒送出任何註冊
	assert.ErrorIs(t, f.manager.HandleRegistered(f.ctx(), leaderA, "agent-1", 0), ErrStaleReply)
	assert.Empty(t, f.agent.currentLeader())

	f.clock.Advance(500 * time.Millisecond)
	f.registered(leaderA)

	// ping 逾時後重新連線；上一輪的回覆晚到
	f.clock.Advance(20 * time.Second)
	require.Equal(t, StateConnecting, f.manager.State())
	assert.ErrorIs(t, f.manager.HandleRegistered(f.ctx(), leaderA, "agent-1", 0), ErrStaleReply)
	assert.Empty(t, f.agent.currentLeader(), "agent stays disconnected")
	assert.Equal(t, StateConnecting, f.manager.State())

	f.clock.Advance(500 * time.Millisecond)
	require.Len(t, f.sentTo(leaderA, transport.TypeReregister), 1)
	f.registered(leaderA)
	assert.Equal(t, leaderA, f.agent.currentLeader())
}

func TestLeaderLostDisconnects(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)
	f.registered(leaderA)

	f.detector.Appoint("")
	require.Eventually(t, func() bool { return f.manager.State() == StateDisconnected }, waitFor, tick)
	f.clock.Advance(time.Minute)
	assert.Len(t, f.network.SentOf(transport.TypeRegister), 1)
}

// ============================================================================
// Ping
// ============================================================================

func TestPingFromLeaderRepliesPong(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)
	f.registered(leaderA)

	require.NoError(t, f.manager.HandlePing(f.ctx(), leaderA, transport.Ping{Connected: true}))
	pongs := f.sentTo(leaderA, transport.TypePong)
	require.Len(t, pongs, 1)
	var pong transport.Pong
	require.NoError(t, pongs[0].Decode(&pong))
	assert.Equal(t, types.AgentID("agent-1"), pong.AgentID)

	assert.ErrorIs(t, f.manager.HandlePing(f.ctx(), leaderB, transport.Ping{Connected: true}), ErrNotLeader)
	assert.Len(t, f.network.SentOf(transport.TypePong), 1)
}

func TestPingResetsTimeout(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)
	f.registered(leaderA)

	for i := 0; i < 3; i++ {
		f.clock.Advance(15 * time.Second)
		require.NoError(t, f.manager.HandlePing(f.ctx(), leaderA, transport.Ping{Connected: true}))
	}
	assert.Equal(t, StateRegistered, f.manager.State())
}

func TestPingTimeoutTriggersReregistration(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)
	f.registered(leaderA)

	f.clock.Advance(20 * time.Second)
	assert.Equal(t, StateConnecting, f.manager.State())
	assert.Empty(t, f.agent.currentLeader())

	f.clock.Advance(500 * time.Millisecond)
	assert.Len(t, f.sentTo(leaderA, transport.TypeReregister), 1)
}

func TestPingTimeoutFromController(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)
	require.NoError(t, f.manager.HandleRegistered(f.ctx(), leaderA, "agent-1", 5*time.Second))

	f.clock.Advance(4 * time.Second)
	assert.Equal(t, StateRegistered, f.manager.State())
	f.clock.Advance(time.Second)
	assert.Equal(t, StateConnecting, f.manager.State())
}

func TestPingNotConnectedForcesReregistration(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)
	f.registered(leaderA)

	require.NoError(t, f.manager.HandlePing(f.ctx(), leaderA, transport.Ping{Connected: false}))
	assert.Equal(t, StateConnecting, f.manager.State())
	assert.Empty(t, f.network.SentOf(transport.TypePong))
}

func TestUnregister(t *testing.T) {
	f := newFixture(t, "")
	f.connect()
	f.clock.Advance(500 * time.Millisecond)
	f.registered(leaderA)

	require.NoError(t, f.manager.Unregister(f.ctx()))
	sent := f.sentTo(leaderA, transport.TypeUnregister)
	require.Len(t, sent, 1)
	var msg transport.Unregister
	require.NoError(t, sent[0].Decode(&msg))
	assert.Equal(t, types.AgentID("agent-1"), msg.AgentID)
	assert.Equal(t, StateDisconnected, f.manager.State())

	f.clock.Advance(time.Minute)
	assert.Equal(t, StateDisconnected, f.manager.State(), "ping timer is cancelled")
}

func TestStandaloneDetect(t *testing.T) {
	d := NewStandalone("a")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	leader, err := d.Detect(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "a", leader)

	done := make(chan string, 1)
	go func() {
		l, _ := d.Detect(ctx, "a")
		done <- l
	}()
	d.Appoint("a")
	d.Appoint("b")
	select {
	case l := <-done:
		assert.Equal(t, "b", l)
	case <-ctx.Done():
		t.Fatal("detect did not observe the new leader")
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = d.Detect(short, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
