package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/ChuLiYu/outpost/pkg/types"
)

var log = slog.Default()

// AgentState 從 checkpoint 目錄恢復的 agent 狀態
type AgentState struct {
	ID               types.AgentID
	Info             *types.AgentInfo
	ResourceVersions map[string]string
	Frameworks       map[types.FrameworkID]*FrameworkState
	Errors           int // 非 strict 模式下略過的損壞記錄數
}

// FrameworkState 恢復的 framework
type FrameworkState struct {
	ID        types.FrameworkID
	Info      *types.FrameworkInfo
	Executors map[types.ExecutorID]*ExecutorState
}

// ExecutorState 恢復的 executor
type ExecutorState struct {
	ID     types.ExecutorID
	Info   *types.ExecutorInfo
	Latest *types.ContainerID
	Runs   map[string]*RunState // key: ContainerID.String()
}

// RunState 一次 executor run
type RunState struct {
	ContainerID types.ContainerID
	ForkedPid   int
	Address     string
	Resources   *types.Resources
	Completed   bool
	Children    []types.ContainerID // 巢狀容器
	Tasks       map[types.TaskID]*TaskState
}

// TaskState 恢復的任務
type TaskState struct {
	ID          types.TaskID
	Info        *types.TaskInfo
	UpdatesPath string
}

// LatestRun 回傳最近一次 run
func (e *ExecutorState) LatestRun() *RunState {
	if e.Latest == nil {
		return nil
	}
	return e.Runs[e.Latest.String()]
}

// Recover 走訪 checkpoint 目錄重建狀態
//
// 行為：
//   - 沒有任何 agent checkpoint 時回傳 (nil, nil)
//   - strict=true 時任何損壞記錄都是錯誤
//   - strict=false 時略過損壞記錄並累計 Errors
func (m *Manager) Recover(strict bool) (*AgentState, error) {
	latest, err := m.ReadString(m.layout.LatestAgentPath())
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			return nil, nil
		}
		return nil, err
	}

	agentID := types.AgentID(latest)
	state := &AgentState{
		ID:               agentID,
		ResourceVersions: make(map[string]string),
		Frameworks:       make(map[types.FrameworkID]*FrameworkState),
	}

	skip := func(what string, err error) error {
		if strict {
			return fmt.Errorf("recover %s: %w", what, err)
		}
		log.Warn("skipping unreadable checkpoint", "what", what, "error", err)
		state.Errors++
		return nil
	}

	var info types.AgentInfo
	if err := m.Read(m.layout.AgentInfoPath(agentID), &info); err != nil {
		if err := skip("agent info", err); err != nil {
			return nil, err
		}
	} else {
		state.Info = &info
	}

	if err := m.Read(m.layout.ResourceVersionsPath(agentID), &state.ResourceVersions); err != nil &&
		!errors.Is(err, ErrCheckpointNotFound) {
		if err := skip("resource versions", err); err != nil {
			return nil, err
		}
	}

	fwIDs, err := listDirs(m.layout.FrameworksDir(agentID))
	if err != nil {
		return nil, err
	}
	for _, id := range fwIDs {
		fw, err := m.recoverFramework(agentID, types.FrameworkID(id), skip)
		if err != nil {
			return nil, err
		}
		if fw != nil {
			state.Frameworks[fw.ID] = fw
		}
	}

	return state, nil
}

func (m *Manager) recoverFramework(agentID types.AgentID, fwID types.FrameworkID, skip func(string, error) error) (*FrameworkState, error) {
	var info types.FrameworkInfo
	if err := m.Read(m.layout.FrameworkInfoPath(agentID, fwID), &info); err != nil {
		return nil, skip("framework "+string(fwID), err)
	}
	fw := &FrameworkState{ID: fwID, Info: &info, Executors: make(map[types.ExecutorID]*ExecutorState)}

	exIDs, err := listDirs(m.layout.ExecutorsDir(agentID, fwID))
	if err != nil {
		return nil, err
	}
	for _, id := range exIDs {
		exID := types.ExecutorID(id)
		var exInfo types.ExecutorInfo
		if err := m.Read(m.layout.ExecutorInfoPath(agentID, fwID, exID), &exInfo); err != nil {
			if err := skip("executor "+id, err); err != nil {
				return nil, err
			}
			continue
		}
		ex := &ExecutorState{ID: exID, Info: &exInfo, Runs: make(map[string]*RunState)}

		if latest, err := m.ReadString(m.layout.LatestRunPath(agentID, fwID, exID)); err == nil && latest != "" {
			cid := types.ParseContainerID(latest)
			ex.Latest = &cid
		}

		runIDs, err := listDirs(m.layout.RunsDir(agentID, fwID, exID))
		if err != nil {
			return nil, err
		}
		for _, runID := range runIDs {
			run, err := m.recoverRun(agentID, fwID, exID, types.NewContainerID(runID), skip)
			if err != nil {
				return nil, err
			}
			ex.Runs[run.ContainerID.String()] = run
		}
		fw.Executors[exID] = ex
	}
	return fw, nil
}

func (m *Manager) recoverRun(agentID types.AgentID, fwID types.FrameworkID, exID types.ExecutorID, cid types.ContainerID, skip func(string, error) error) (*RunState, error) {
	paths := m.layout.Run(agentID, fwID, exID, cid)
	run := &RunState{ContainerID: cid, Tasks: make(map[types.TaskID]*TaskState)}

	if pid, err := m.ReadString(paths.ForkedPidPath()); err == nil {
		if n, convErr := strconv.Atoi(pid); convErr == nil {
			run.ForkedPid = n
		}
	}
	if addr, err := m.ReadString(paths.ExecutorAddressPath()); err == nil {
		run.Address = addr
	}
	var res types.Resources
	if err := m.Read(paths.ResourcesPath(), &res); err == nil {
		run.Resources = &res
	}
	run.Completed = m.Exists(paths.CompletedPath())
	run.Children = m.recoverChildren(paths.ChildrenDir(), cid)

	taskIDs, err := listDirs(paths.TasksDir())
	if err != nil {
		return nil, err
	}
	for _, id := range taskIDs {
		taskID := types.TaskID(id)
		var info types.TaskInfo
		if err := m.Read(paths.TaskInfoPath(taskID), &info); err != nil {
			if err := skip("task "+id, err); err != nil {
				return nil, err
			}
			continue
		}
		run.Tasks[taskID] = &TaskState{ID: taskID, Info: &info, UpdatesPath: paths.TaskUpdatesPath(taskID)}
	}
	return run, nil
}

func (m *Manager) recoverChildren(dir string, parent types.ContainerID) []types.ContainerID {
	names, err := listDirs(dir)
	if err != nil {
		return nil
	}
	var children []types.ContainerID
	for _, name := range names {
		child := parent.Child(name)
		children = append(children, child)
		children = append(children, m.recoverChildren(filepath.Join(dir, name, containersDir), child)...)
	}
	return children
}
