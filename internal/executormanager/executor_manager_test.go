package executormanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/pkg/types"
)

func execInfo(id string) types.ExecutorInfo {
	return types.ExecutorInfo{ExecutorID: types.ExecutorID(id), FrameworkID: "fw-1", Resources: types.Resources{CPUs: 0.1, Mem: 32}}
}

func task(id string) types.TaskInfo {
	return types.TaskInfo{TaskID: types.TaskID(id), FrameworkID: "fw-1", ExecutorID: "ex-1", Resources: types.Resources{CPUs: 1, Mem: 128}}
}

func TestAddAndDuplicate(t *testing.T) {
	m := NewManager(10)
	e, err := m.Add("fw-1", execInfo("ex-1"), types.NewContainerID("c1"), true)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorRegistering, e.State)
	assert.Same(t, e, m.Get("fw-1", "ex-1"))

	_, err = m.Add("fw-1", execInfo("ex-1"), types.NewContainerID("c2"), true)
	assert.ErrorIs(t, err, ErrDuplicateExecutor)
}

func TestQueueFlushPreservesOrder(t *testing.T) {
	m := NewManager(10)
	e, _ := m.Add("fw-1", execInfo("ex-1"), types.NewContainerID("c1"), false)

	for _, id := range []string{"t1", "t2", "t3"} {
		e.Enqueue(task(id))
	}
	assert.True(t, e.Dequeue("t2"))
	assert.False(t, e.Dequeue("t2"))

	flushed := e.FlushQueue()
	require.Len(t, flushed, 2)
	assert.Equal(t, types.TaskID("t1"), flushed[0].TaskID)
	assert.Equal(t, types.TaskID("t3"), flushed[1].TaskID)
	assert.Empty(t, e.Queued())
	assert.True(t, e.IsLaunched("t1"))
	assert.True(t, e.HasPendingWork())
}

func TestTaskLifecycleWithinExecutor(t *testing.T) {
	m := NewManager(10)
	e, _ := m.Add("fw-1", execInfo("ex-1"), types.NewContainerID("c1"), false)
	e.Enqueue(task("t1"))
	e.FlushQueue()

	assert.InDelta(t, 1.1, e.Resources().CPUs, 1e-9)

	e.TaskTerminated("t1")
	assert.False(t, e.HasPendingWork())
	assert.False(t, e.IsIdle(), "terminal update not acknowledged yet")
	assert.InDelta(t, 0.1, e.Resources().CPUs, 1e-9)

	e.RemoveTask("t1")
	assert.True(t, e.IsIdle())
}

func TestTransitions(t *testing.T) {
	m := NewManager(10)
	e, _ := m.Add("fw-1", execInfo("ex-1"), types.NewContainerID("c1"), false)

	require.NoError(t, e.Transition(types.ExecutorRunning))
	require.NoError(t, e.Transition(types.ExecutorTerminating))
	assert.ErrorIs(t, e.Transition(types.ExecutorRunning), ErrInvalidTransition)
	require.NoError(t, e.Transition(types.ExecutorTerminated))
}

func TestRemoveKeepsBoundedHistory(t *testing.T) {
	m := NewManager(2)
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Add("fw-1", execInfo(id), types.NewContainerID(id), false)
		require.NoError(t, err)
		m.Remove("fw-1", types.ExecutorID(id), []types.TaskID{"t-" + types.TaskID(id)})
	}

	history := m.Completed("fw-1")
	require.Len(t, history, 2)
	assert.Equal(t, types.ExecutorID("b"), history[0].ID)
	assert.Equal(t, types.ExecutorID("c"), history[1].ID)
	assert.Equal(t, 0, m.Len())

	m.ForgetFramework("fw-1")
	assert.Empty(t, m.Completed("fw-1"))
}

func TestRemoveStopsTimers(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	m := NewManager(0)
	e, _ := m.Add("fw-1", execInfo("ex-1"), types.NewContainerID("c1"), false)

	fired := false
	e.SetRegistrationTimer(c.AfterFunc(time.Second, func() { fired = true }))
	e.SetKillTimer("t1", c.AfterFunc(time.Second, func() { fired = true }))

	m.Remove("fw-1", "ex-1", nil)
	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Empty(t, m.Completed("fw-1"))
}
