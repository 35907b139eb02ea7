package taskmanager

import (
	"errors"
	"sync"
	"testing"

	"github.com/ChuLiYu/outpost/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestTask(id string) types.TaskInfo {
	return types.TaskInfo{
		TaskID:      types.TaskID(id),
		FrameworkID: "fw-1",
		ExecutorID:  "ex-1",
		Resources:   types.Resources{CPUs: 1, Mem: 128},
	}
}

func status(id string, state types.TaskState) types.TaskStatus {
	return types.TaskStatus{TaskID: types.TaskID(id), FrameworkID: "fw-1", State: state}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func assertState(t *testing.T, tm *TaskManager, id string, want types.TaskState) {
	t.Helper()
	task, ok := tm.Get("fw-1", types.TaskID(id))
	if !ok {
		t.Errorf("task %s not found", id)
		return
	}
	if task.LatestState != want {
		t.Errorf("task %s state = %s, want %s", id, task.LatestState, want)
	}
}

// ============================================================================
// Assign
// ============================================================================

func TestAssign(t *testing.T) {
	tm := NewTaskManager()

	task, err := tm.Assign(newTestTask("t1"))
	assertNoError(t, err)
	if task.LatestState != types.TaskStaged {
		t.Errorf("new task state = %s, want STAGED", task.LatestState)
	}
	if tm.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tm.Len())
	}
}

func TestAssignDuplicate(t *testing.T) {
	tm := NewTaskManager()
	_, err := tm.Assign(newTestTask("t1"))
	assertNoError(t, err)

	_, err = tm.Assign(newTestTask("t1"))
	assertError(t, err, ErrDuplicateTask)

	// 不同 framework 可以使用相同任務 ID
	other := newTestTask("t1")
	other.FrameworkID = "fw-2"
	_, err = tm.Assign(other)
	assertNoError(t, err)
}

// ============================================================================
// 狀態轉換
// ============================================================================

func TestApplyUpdateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		updates []types.TaskState
		want    types.TaskState
		wantErr error
	}{
		{"forward", []types.TaskState{types.TaskStarting, types.TaskRunning}, types.TaskRunning, nil},
		{"repeated running", []types.TaskState{types.TaskRunning, types.TaskRunning}, types.TaskRunning, nil},
		{"terminal overrides", []types.TaskState{types.TaskRunning, types.TaskFinished}, types.TaskFinished, nil},
		{"backward rejected", []types.TaskState{types.TaskRunning, types.TaskStarting}, types.TaskRunning, ErrInvalidTransition},
		{"first terminal wins", []types.TaskState{types.TaskFinished, types.TaskKilled}, types.TaskFinished, ErrDuplicateTerminalUpdate},
		{"terminal then running", []types.TaskState{types.TaskFailed, types.TaskRunning}, types.TaskFailed, ErrDuplicateTerminalUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := NewTaskManager()
			_, err := tm.Assign(newTestTask("t1"))
			assertNoError(t, err)

			var last error
			for _, s := range tt.updates {
				_, last = tm.ApplyUpdate(status("t1", s))
			}
			if tt.wantErr == nil {
				assertNoError(t, last)
			} else {
				assertError(t, last, tt.wantErr)
			}
			assertState(t, tm, "t1", tt.want)
		})
	}
}

func TestApplyUpdateUnknownTask(t *testing.T) {
	tm := NewTaskManager()
	_, err := tm.ApplyUpdate(status("missing", types.TaskRunning))
	assertError(t, err, ErrTaskNotFound)
}

func TestMarkLaunched(t *testing.T) {
	tm := NewTaskManager()
	_, _ = tm.Assign(newTestTask("t1"))

	assertNoError(t, tm.MarkLaunched("fw-1", "t1"))
	assertState(t, tm, "t1", types.TaskStarting)

	task, _ := tm.Get("fw-1", "t1")
	if !task.Launched {
		t.Error("task should be marked launched")
	}

	_, _ = tm.ApplyUpdate(status("t1", types.TaskKilled))
	assertError(t, tm.MarkLaunched("fw-1", "t1"), ErrDuplicateTerminalUpdate)
}

// ============================================================================
// 查詢
// ============================================================================

func TestByExecutorOrderAndNonTerminal(t *testing.T) {
	tm := NewTaskManager()
	for _, id := range []string{"a", "b", "c"} {
		_, err := tm.Assign(newTestTask(id))
		assertNoError(t, err)
	}
	other := newTestTask("d")
	other.ExecutorID = "ex-2"
	_, _ = tm.Assign(other)

	_, _ = tm.ApplyUpdate(status("b", types.TaskFinished))

	all := tm.ByExecutor("fw-1", "ex-1")
	if len(all) != 3 {
		t.Fatalf("ByExecutor len = %d, want 3", len(all))
	}

	live := tm.NonTerminalByExecutor("fw-1", "ex-1")
	if len(live) != 2 || live[0].Info.TaskID != "a" || live[1].Info.TaskID != "c" {
		t.Errorf("NonTerminalByExecutor = %+v, want [a c]", live)
	}

	stats := tm.Stats()
	if stats[types.TaskStaged] != 3 || stats[types.TaskFinished] != 1 {
		t.Errorf("Stats = %v", stats)
	}
}

func TestStatusUpdateStateAndRemove(t *testing.T) {
	tm := NewTaskManager()
	_, _ = tm.Assign(newTestTask("t1"))
	tm.SetStatusUpdateState("fw-1", "t1", types.TaskRunning, "uuid-1")

	task, _ := tm.Get("fw-1", "t1")
	if task.StatusUpdateState != types.TaskRunning || task.PendingUpdateUUID != "uuid-1" {
		t.Errorf("status update state = %s/%s", task.StatusUpdateState, task.PendingUpdateUUID)
	}

	if _, ok := tm.Remove("fw-1", "t1"); !ok {
		t.Error("Remove should report existing task")
	}
	if tm.Exists("fw-1", "t1") {
		t.Error("task should be gone")
	}
	if _, ok := tm.Remove("fw-1", "t1"); ok {
		t.Error("second Remove should report missing task")
	}
}

func TestSnapshotRestore(t *testing.T) {
	tm := NewTaskManager()
	_, _ = tm.Assign(newTestTask("t1"))
	_, _ = tm.Assign(newTestTask("t2"))
	_, _ = tm.ApplyUpdate(status("t2", types.TaskRunning))

	restored := NewTaskManager()
	restored.Restore(tm.Snapshot())

	if restored.Len() != 2 {
		t.Fatalf("restored Len = %d, want 2", restored.Len())
	}
	assertState(t, restored, "t2", types.TaskRunning)
}

// ============================================================================
// 並發
// ============================================================================

func TestConcurrentAssignAndRead(t *testing.T) {
	tm := NewTaskManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = tm.Assign(newTestTask(string(rune('A' + i))))
		}(i)
		go func() {
			defer wg.Done()
			_ = tm.Stats()
		}()
	}
	wg.Wait()
	if tm.Len() != 50 {
		t.Errorf("Len = %d, want 50", tm.Len())
	}
}
