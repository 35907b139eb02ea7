package statusupdate

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/pkg/types"
)

const leader = "controller-1:5050"

type recordingSender struct {
	mu   sync.Mutex
	sent []types.TaskStatus
	to   []string
}

func (r *recordingSender) SendStatusUpdate(_ context.Context, to string, u types.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, u)
	r.to = append(r.to, to)
	return nil
}

func (r *recordingSender) uuids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.sent {
		out = append(out, u.UUID)
	}
	return out
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingSender, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1000, 0))
	sender := &recordingSender{}
	d := New(Config{RetryMin: 10 * time.Second, RetryMax: 40 * time.Second}, clk, sender)
	d.SetLeader(leader)
	d.Resume()
	t.Cleanup(d.Close)
	return d, sender, clk
}

func upd(task, uuid string, state types.TaskState) types.TaskStatus {
	return types.TaskStatus{TaskID: types.TaskID(task), FrameworkID: "fw-1", State: state, UUID: uuid, Source: types.SourceExecutor}
}

func TestOneInFlightAndOrdering(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)

	require.NoError(t, d.Update(upd("t1", "u1", types.TaskStarting), ""))
	require.NoError(t, d.Update(upd("t1", "u2", types.TaskRunning), ""))
	require.NoError(t, d.Update(upd("t1", "u3", types.TaskFinished), ""))

	assert.Equal(t, []string{"u1"}, sender.uuids(), "only the first update is in flight")
	assert.Equal(t, 1, d.InFlight("fw-1", "t1"))

	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))
	assert.Equal(t, []string{"u1", "u2"}, sender.uuids())

	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u2"))
	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u3"))
	assert.Equal(t, []string{"u1", "u2", "u3"}, sender.uuids())
	assert.Empty(t, d.Pending("fw-1", "t1"))
}

func TestRetryBackoffIsCapped(t *testing.T) {
	d, sender, clk := newTestDispatcher(t)
	require.NoError(t, d.Update(upd("t1", "u1", types.TaskRunning), ""))

	clk.Advance(10 * time.Second) // 第一次重送
	assert.Len(t, sender.uuids(), 2)
	clk.Advance(20 * time.Second) // 間隔加倍
	assert.Len(t, sender.uuids(), 3)
	clk.Advance(40 * time.Second) // 上限 40s
	assert.Len(t, sender.uuids(), 4)
	clk.Advance(40 * time.Second)
	assert.Len(t, sender.uuids(), 5)

	for _, u := range sender.uuids() {
		assert.Equal(t, "u1", u)
	}
}

// gatedSender 第 blockOn 次呼叫會停在 gate 上，直到 release 關閉才記錄
type gatedSender struct {
	recordingSender
	blockOn int32
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSender) SendStatusUpdate(ctx context.Context, to string, u types.TaskStatus) error {
	if g.calls.Add(1) == g.blockOn {
		close(g.entered)
		<-g.release
	}
	return g.recordingSender.SendStatusUpdate(ctx, to, u)
}

func TestRetryNeverOvertakesNextUpdate(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	sender := &gatedSender{blockOn: 2, entered: make(chan struct{}), release: make(chan struct{})}
	d := New(Config{RetryMin: 10 * time.Second, RetryMax: 10 * time.Second}, clk, sender)
	d.SetLeader(leader)
	d.Resume()
	defer d.Close()

	require.NoError(t, d.Update(upd("t1", "u1", types.TaskRunning), ""))

	fired := make(chan struct{})
	go func() {
		defer close(fired)
		clk.Advance(10 * time.Second) // u1 重送，卡在送出途中
	}()
	<-sender.entered

	// 重送還沒送完時 u1 被確認、u2 進來
	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))
	require.NoError(t, d.Update(upd("t1", "u2", types.TaskFinished), ""))
	assert.Equal(t, []string{"u1"}, sender.uuids(), "u2 waits behind the send in progress")

	close(sender.release)
	<-fired
	assert.Equal(t, []string{"u1", "u1", "u2"}, sender.uuids())
}

func TestStaleQueuedSendDropped(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	sender := &gatedSender{blockOn: 1, entered: make(chan struct{}), release: make(chan struct{})}
	d := New(Config{RetryMin: 10 * time.Second, RetryMax: 10 * time.Second}, clk, sender)
	d.SetLeader(leader)
	d.Resume()
	defer d.Close()

	sent := make(chan error, 1)
	go func() { sent <- d.Update(upd("t1", "u1", types.TaskRunning), "") }()
	<-sender.entered

	// 第一次送出還卡著時重送被排進佇列，接著 u1 被確認
	clk.Advance(10 * time.Second)
	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))

	close(sender.release)
	require.NoError(t, <-sent)
	assert.Equal(t, []string{"u1"}, sender.uuids(), "queued retry of an acknowledged update is not sent")
}

func TestAckFromNonLeaderIsIgnored(t *testing.T) {
	d, sender, clk := newTestDispatcher(t)
	require.NoError(t, d.Update(upd("t1", "u1", types.TaskRunning), ""))

	err := d.Acknowledge("old-controller:5050", "fw-1", "t1", "u1")
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Len(t, d.Pending("fw-1", "t1"), 1)

	clk.Advance(10 * time.Second)
	assert.Equal(t, []string{"u1", "u1"}, sender.uuids(), "update still retried")
}

func TestIdempotentAck(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	var acked []Acked
	d.OnAcknowledged(func(a Acked) { acked = append(acked, a) })

	require.NoError(t, d.Update(upd("t1", "u1", types.TaskRunning), ""))
	require.NoError(t, d.Update(upd("t1", "u2", types.TaskRunning), ""))
	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))
	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))

	assert.Len(t, acked, 1)
	require.NotNil(t, acked[0].Next)
	assert.Equal(t, "u2", acked[0].Next.UUID)
	assert.Equal(t, []string{"u1", "u2"}, sender.uuids())
	assert.Len(t, d.Pending("fw-1", "t1"), 1)
}

func TestUnexpectedAck(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Update(upd("t1", "u1", types.TaskRunning), ""))
	require.NoError(t, d.Update(upd("t1", "u2", types.TaskRunning), ""))

	assert.ErrorIs(t, d.Acknowledge(leader, "fw-1", "t1", "u2"), ErrUnexpectedAck)
	assert.ErrorIs(t, d.Acknowledge(leader, "fw-1", "t9", "u1"), ErrUnknownStream)
}

func TestDuplicateTerminalUpdateDropped(t *testing.T) {
	d, sender, clk := newTestDispatcher(t)
	require.NoError(t, d.Update(upd("t1", "u1", types.TaskFinished), ""))
	assert.ErrorIs(t, d.Update(upd("t1", "u2", types.TaskKilled), ""), ErrDuplicateTerminalUpdate)

	// 重複的 UUID 直接忽略
	require.NoError(t, d.Update(upd("t1", "u1", types.TaskFinished), ""))

	clk.Advance(10 * time.Second)
	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))
	clk.Advance(time.Hour)

	for _, u := range sender.sent {
		assert.Equal(t, types.TaskFinished, u.State)
	}
	assert.Len(t, sender.sent, 2)
}

func TestPausedUntilResume(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sender := &recordingSender{}
	d := New(Config{RetryMin: time.Second, RetryMax: time.Second}, clk, sender)
	defer d.Close()

	require.NoError(t, d.Update(upd("t1", "u1", types.TaskRunning), ""))
	clk.Advance(time.Minute)
	assert.Empty(t, sender.uuids())

	d.SetLeader(leader)
	d.Resume()
	assert.Equal(t, []string{"u1"}, sender.uuids())
	assert.Equal(t, []string{leader}, sender.to)

	d.Pause()
	clk.Advance(time.Minute)
	assert.Len(t, sender.uuids(), 1)
}

func TestStreamState(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Update(upd("t1", "u1", types.TaskRunning), ""))
	require.NoError(t, d.Update(upd("t1", "u2", types.TaskFinished), ""))

	state, uuid, ok := d.StreamState("fw-1", "t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskRunning, state)
	assert.Equal(t, "u1", uuid)

	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))
	state, uuid, _ = d.StreamState("fw-1", "t1")
	assert.Equal(t, types.TaskFinished, state)
	assert.Equal(t, "u2", uuid)
}

func TestRecoverFromJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t1", "task.updates")

	d, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Update(upd("t1", "u1", types.TaskRunning), path))
	require.NoError(t, d.Update(upd("t1", "u2", types.TaskFinished), path))
	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))
	d.Close()

	clk := clock.NewFake(time.Unix(0, 0))
	sender := &recordingSender{}
	restarted := New(Config{RetryMin: time.Second, RetryMax: time.Second}, clk, sender)
	defer restarted.Close()

	recovered, err := restarted.Recover(map[types.FrameworkID]map[types.TaskID]string{"fw-1": {"t1": path}})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	rec := recovered[0]
	assert.False(t, rec.Terminated)
	require.Len(t, rec.Pending, 1)
	assert.Equal(t, "u2", rec.Pending[0].UUID)
	assert.Equal(t, "u1", rec.LastAcked.UUID)
	assert.Equal(t, types.TaskFinished, rec.Latest.State)

	restarted.SetLeader(leader)
	restarted.Resume()
	assert.Equal(t, []string{"u2"}, sender.uuids())
}

func TestRecoverTerminatedStreamIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t1", "task.updates")
	d, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Update(upd("t1", "u1", types.TaskFinished), path))
	require.NoError(t, d.Acknowledge(leader, "fw-1", "t1", "u1"))

	restarted := New(Config{}, clock.NewFake(time.Unix(0, 0)), &recordingSender{})
	defer restarted.Close()
	recovered, err := restarted.Recover(map[types.FrameworkID]map[types.TaskID]string{"fw-1": {"t1": path}})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.True(t, recovered[0].Terminated)
	_, _, ok := restarted.StreamState("fw-1", "t1")
	assert.False(t, ok)
}
