package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskStaged, TaskStarting, true},
		{TaskStaged, TaskRunning, true},
		{TaskRunning, TaskRunning, true},
		{TaskRunning, TaskKilling, true},
		{TaskKilling, TaskKilled, true},
		{TaskStaged, TaskLost, true},
		{TaskRunning, TaskStarting, false},
		{TaskKilling, TaskRunning, false},
		{TaskFinished, TaskKilled, false},
		{TaskFinished, TaskRunning, false},
		{TaskRunning, TaskState("bogus"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCanTransitionExecutor(t *testing.T) {
	assert.True(t, CanTransitionExecutor(ExecutorRegistering, ExecutorRunning))
	assert.True(t, CanTransitionExecutor(ExecutorRegistering, ExecutorTerminating))
	assert.True(t, CanTransitionExecutor(ExecutorRunning, ExecutorTerminated))
	assert.False(t, CanTransitionExecutor(ExecutorRunning, ExecutorRegistering))
	assert.False(t, CanTransitionExecutor(ExecutorTerminated, ExecutorRunning))
}

func TestLostState(t *testing.T) {
	assert.Equal(t, TaskLost, LostState(FrameworkInfo{}))
	assert.Equal(t, TaskGone, LostState(FrameworkInfo{PartitionAware: true}))
}

func TestContainerIDLineage(t *testing.T) {
	id := NewContainerID("a").Child("b").Child("c")
	assert.Equal(t, []string{"a", "b", "c"}, id.Lineage())
	assert.Equal(t, "a.b.c", id.String())
	assert.Equal(t, id.String(), ParseContainerID("a.b.c").String())
	assert.True(t, ContainerID{}.IsZero())
}

func TestResources(t *testing.T) {
	a := Resources{CPUs: 1, Mem: 256}
	b := Resources{CPUs: 0.5, Mem: 512}
	assert.Equal(t, Resources{CPUs: 1.5, Mem: 768}, a.Add(b))
	assert.Equal(t, Resources{CPUs: 0.5}, a.Subtract(b))
	assert.True(t, Resources{}.IsEmpty())
}
