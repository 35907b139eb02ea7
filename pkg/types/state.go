package types

// TaskState 任務狀態
type TaskState string

// 任務狀態常數
//
//	STAGED → STARTING → RUNNING → (KILLING) → {FINISHED, FAILED, KILLED, LOST, GONE}
const (
	TaskStaged   TaskState = "TASK_STAGED"
	TaskStarting TaskState = "TASK_STARTING"
	TaskRunning  TaskState = "TASK_RUNNING"
	TaskKilling  TaskState = "TASK_KILLING"
	TaskFinished TaskState = "TASK_FINISHED"
	TaskFailed   TaskState = "TASK_FAILED"
	TaskKilled   TaskState = "TASK_KILLED"
	TaskLost     TaskState = "TASK_LOST"
	TaskGone     TaskState = "TASK_GONE"
)

// 非終止狀態的先後次序，用於判斷是否倒退
var taskStateRank = map[TaskState]int{
	TaskStaged:   0,
	TaskStarting: 1,
	TaskRunning:  2,
	TaskKilling:  3,
}

// IsTerminal 終止狀態是吸收態，進入後不再轉換
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost, TaskGone:
		return true
	}
	return false
}

// IsValid 是否為已知狀態
func (s TaskState) IsValid() bool {
	_, ok := taskStateRank[s]
	return ok || s.IsTerminal()
}

// CanTransition 判斷 from → to 是否合法
//
// 規則：
//   - 終止狀態不能再轉換
//   - 終止狀態可以覆寫任何非終止狀態
//   - 非終止狀態只能前進或維持（例如重複的 RUNNING）
func CanTransition(from, to TaskState) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	return taskStateRank[to] >= taskStateRank[from]
}

// ExecutorState executor 狀態
type ExecutorState string

const (
	ExecutorRegistering ExecutorState = "REGISTERING"
	ExecutorRunning     ExecutorState = "RUNNING"
	ExecutorTerminating ExecutorState = "TERMINATING"
	ExecutorTerminated  ExecutorState = "TERMINATED"
)

var executorTransitions = map[ExecutorState][]ExecutorState{
	ExecutorRegistering: {ExecutorRunning, ExecutorTerminating, ExecutorTerminated},
	ExecutorRunning:     {ExecutorTerminating, ExecutorTerminated},
	ExecutorTerminating: {ExecutorTerminated},
}

// CanTransitionExecutor 判斷 executor 狀態轉換是否合法
func CanTransitionExecutor(from, to ExecutorState) bool {
	for _, next := range executorTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reason 狀態更新原因
type Reason string

const (
	ReasonTaskKilledDuringLaunch         Reason = "killed during launch"
	ReasonExecutorRegistrationTimeout    Reason = "executor registration timeout"
	ReasonExecutorReregistrationTimeout  Reason = "executor reregistration timeout"
	ReasonExecutorTerminated             Reason = "executor terminated"
	ReasonContainerUpdateFailed          Reason = "container update failed"
	ReasonContainerLaunchFailed          Reason = "container launch failed"
	ReasonExecutorSecretGenerationFailed Reason = "executor secret generation failed"
	ReasonReconciliation                 Reason = "reconciliation"
)

// Source 狀態更新來源
type Source string

const (
	SourceAgent      Source = "SOURCE_AGENT"
	SourceExecutor   Source = "SOURCE_EXECUTOR"
	SourceController Source = "SOURCE_CONTROLLER"
)

// LostState 分區感知框架使用 GONE，其餘使用 LOST
func LostState(info FrameworkInfo) TaskState {
	if info.PartitionAware {
		return TaskGone
	}
	return TaskLost
}
