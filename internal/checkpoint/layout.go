package checkpoint

import (
	"path/filepath"

	"github.com/ChuLiYu/outpost/pkg/types"
)

// Layout checkpoint 目錄結構
//
//	meta/
//	├── agents/latest                         # 最近一次的 agent ID
//	├── agents/<agent>/agent.info
//	├── agents/<agent>/resources.versions
//	└── agents/<agent>/frameworks/<fw>/
//	    ├── framework.info
//	    └── executors/<ex>/
//	        ├── executor.info
//	        └── runs/
//	            ├── latest                    # 最近一次 run 的容器 ID
//	            └── <container>/
//	                ├── pids/forked.pid
//	                ├── pids/executor.addr
//	                ├── resources.info
//	                ├── completed
//	                ├── containers/<child>/... # 巢狀容器
//	                └── tasks/<task>/{task.info,task.updates}
type Layout struct {
	Root string
}

const containersDir = "containers"

// BuildPathForContainer 依容器血統產生路徑
//
// 例如 base=runs、ID 為 a.b 時產生 runs/a/containers/b
func BuildPathForContainer(base string, id types.ContainerID) string {
	lineage := id.Lineage()
	parts := []string{base, lineage[0]}
	for _, child := range lineage[1:] {
		parts = append(parts, containersDir, child)
	}
	return filepath.Join(parts...)
}

func (l Layout) AgentsDir() string {
	return filepath.Join(l.Root, "agents")
}

func (l Layout) LatestAgentPath() string {
	return filepath.Join(l.AgentsDir(), "latest")
}

func (l Layout) AgentPath(agentID types.AgentID) string {
	return filepath.Join(l.AgentsDir(), string(agentID))
}

func (l Layout) AgentInfoPath(agentID types.AgentID) string {
	return filepath.Join(l.AgentPath(agentID), "agent.info")
}

func (l Layout) ResourceVersionsPath(agentID types.AgentID) string {
	return filepath.Join(l.AgentPath(agentID), "resources.versions")
}

func (l Layout) FrameworksDir(agentID types.AgentID) string {
	return filepath.Join(l.AgentPath(agentID), "frameworks")
}

func (l Layout) FrameworkPath(agentID types.AgentID, fw types.FrameworkID) string {
	return filepath.Join(l.FrameworksDir(agentID), string(fw))
}

func (l Layout) FrameworkInfoPath(agentID types.AgentID, fw types.FrameworkID) string {
	return filepath.Join(l.FrameworkPath(agentID, fw), "framework.info")
}

func (l Layout) ExecutorsDir(agentID types.AgentID, fw types.FrameworkID) string {
	return filepath.Join(l.FrameworkPath(agentID, fw), "executors")
}

func (l Layout) ExecutorPath(agentID types.AgentID, fw types.FrameworkID, ex types.ExecutorID) string {
	return filepath.Join(l.ExecutorsDir(agentID, fw), string(ex))
}

func (l Layout) ExecutorInfoPath(agentID types.AgentID, fw types.FrameworkID, ex types.ExecutorID) string {
	return filepath.Join(l.ExecutorPath(agentID, fw, ex), "executor.info")
}

func (l Layout) RunsDir(agentID types.AgentID, fw types.FrameworkID, ex types.ExecutorID) string {
	return filepath.Join(l.ExecutorPath(agentID, fw, ex), "runs")
}

func (l Layout) LatestRunPath(agentID types.AgentID, fw types.FrameworkID, ex types.ExecutorID) string {
	return filepath.Join(l.RunsDir(agentID, fw, ex), "latest")
}

// ContainerPath 一個 executor run（或其巢狀容器）的目錄
func (l Layout) ContainerPath(agentID types.AgentID, fw types.FrameworkID, ex types.ExecutorID, cid types.ContainerID) string {
	return BuildPathForContainer(l.RunsDir(agentID, fw, ex), cid)
}

// RunPaths 一個容器目錄下的檔案
type RunPaths struct {
	Dir string
}

func (l Layout) Run(agentID types.AgentID, fw types.FrameworkID, ex types.ExecutorID, cid types.ContainerID) RunPaths {
	return RunPaths{Dir: l.ContainerPath(agentID, fw, ex, cid)}
}

func (r RunPaths) ForkedPidPath() string {
	return filepath.Join(r.Dir, "pids", "forked.pid")
}

func (r RunPaths) ExecutorAddressPath() string {
	return filepath.Join(r.Dir, "pids", "executor.addr")
}

func (r RunPaths) ResourcesPath() string {
	return filepath.Join(r.Dir, "resources.info")
}

func (r RunPaths) CompletedPath() string {
	return filepath.Join(r.Dir, "completed")
}

func (r RunPaths) ChildrenDir() string {
	return filepath.Join(r.Dir, containersDir)
}

func (r RunPaths) TasksDir() string {
	return filepath.Join(r.Dir, "tasks")
}

func (r RunPaths) TaskPath(task types.TaskID) string {
	return filepath.Join(r.TasksDir(), string(task))
}

func (r RunPaths) TaskInfoPath(task types.TaskID) string {
	return filepath.Join(r.TaskPath(task), "task.info")
}

// TaskUpdatesPath 任務的狀態更新日誌
func (r RunPaths) TaskUpdatesPath(task types.TaskID) string {
	return filepath.Join(r.TaskPath(task), "task.updates")
}
