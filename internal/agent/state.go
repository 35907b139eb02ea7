package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// ============================================================================
// 註冊相關
// ============================================================================

// RegistrationSnapshot 產生註冊訊息需要的完整快照；恢復期間回傳 ErrRecovering
func (a *Agent) RegistrationSnapshot(ctx context.Context) (transport.Reregister, error) {
	var msg transport.Reregister
	err := a.ready(ctx, func() error {
		info := a.info
		info.ID = a.id
		info.Resources = a.totalResources()
		msg = transport.Reregister{
			Agent:            info,
			Version:          a.cfg.Version,
			ResourceVersions: a.copyResourceVersions(),
		}

		for _, f := range a.sortedFrameworks() {
			msg.Frameworks = append(msg.Frameworks, f.info)
			for _, e := range a.executors.ByFramework(f.info.ID) {
				msg.Executors = append(msg.Executors, transport.ExecutorSnapshot{
					Info:        e.Info,
					ContainerID: e.ContainerID.String(),
					State:       e.State,
				})
			}
			for _, t := range a.tasks.ByFramework(f.info.ID) {
				msg.Tasks = append(msg.Tasks, transport.TaskSnapshot{
					Info:              t.Info,
					LatestState:       t.LatestState,
					StatusUpdateState: t.StatusUpdateState,
					StatusUpdateUUID:  t.PendingUpdateUUID,
				})
			}
		}
		for _, cf := range a.completedFrameworks {
			snap := transport.CompletedFramework{Info: cf.info}
			for _, c := range cf.executors {
				snap.Executors = append(snap.Executors, c.ID)
			}
			msg.CompletedFrameworks = append(msg.CompletedFrameworks, snap)
		}
		return nil
	})
	return msg, err
}

// Registered controller 確認註冊；之後只接受這個 leader 的訊息與確認
func (a *Agent) Registered(ctx context.Context, leader string, id types.AgentID) error {
	return a.ready(ctx, func() error {
		if id == "" {
			return fmt.Errorf("%w: empty agent id", ErrAgentMismatch)
		}
		if a.id != "" && a.id != id {
			return fmt.Errorf("%w: registered as %s, checkpointed as %s", ErrAgentMismatch, id, a.id)
		}
		first := a.id == ""
		a.id = id
		a.info.ID = id
		a.leader = leader

		a.checkpointWrite(a.layout.AgentInfoPath(id), a.info)
		a.checkpointWrite(a.layout.ResourceVersionsPath(id), a.resourceVersions)
		if first {
			a.checkpointString(a.layout.LatestAgentPath(), string(id))
		}
		a.dispatcher.SetLeader(leader)
		a.dispatcher.Resume()
		a.logger.Info("Registered with controller", "agent_id", id, "leader", leader, "first", first)
		return nil
	})
}

// Disconnected 失去 leader；狀態更新暫停重送，舊 leader 的確認不再被接受
func (a *Agent) Disconnected(ctx context.Context) error {
	return a.call(ctx, func() error {
		if a.leader != "" {
			a.logger.Info("Disconnected from controller", "leader", a.leader)
		}
		a.leader = ""
		a.dispatcher.SetLeader("")
		a.dispatcher.Pause()
		return nil
	})
}

// UpdateProvider 更新某個資源提供者貢獻的資源；只有內容改變時才換版本
func (a *Agent) UpdateProvider(ctx context.Context, name string, res types.Resources) error {
	if name == "" || name == resourceVersionKey {
		return fmt.Errorf("invalid resource provider name %q", name)
	}
	return a.ready(ctx, func() error {
		if prev, ok := a.providers[name]; ok && prev == res {
			return nil
		}
		a.providers[name] = res
		a.resourceVersions[name] = uuid.NewString()
		if a.id != "" {
			a.checkpointWrite(a.layout.ResourceVersionsPath(a.id), a.resourceVersions)
		}
		a.logger.Info("Resource provider updated", "provider", name, "version", a.resourceVersions[name])
		return nil
	})
}

func (a *Agent) totalResources() types.Resources {
	total := a.info.Resources
	for _, name := range sortedKeys(a.providers) {
		total = total.Add(a.providers[name])
	}
	return total
}

func (a *Agent) copyResourceVersions() map[string]string {
	out := make(map[string]string, len(a.resourceVersions))
	for k, v := range a.resourceVersions {
		out[k] = v
	}
	return out
}

func (a *Agent) sortedFrameworks() []*framework {
	out := make([]*framework, 0, len(a.frameworks))
	for _, f := range a.frameworks {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].info.ID < out[j].info.ID })
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// 唯讀檢視
// ============================================================================

// TaskView 任務檢視
type TaskView struct {
	ID                types.TaskID    `json:"id"`
	Name              string          `json:"name,omitempty"`
	State             types.TaskState `json:"state"`
	StatusUpdateState types.TaskState `json:"status_update_state,omitempty"`
	StatusUpdateUUID  string          `json:"status_update_uuid,omitempty"`
	Launched          bool            `json:"launched"`
	Resources         types.Resources `json:"resources"`
}

// ExecutorView executor 檢視
type ExecutorView struct {
	ID          types.ExecutorID    `json:"id"`
	ContainerID string              `json:"container_id"`
	State       types.ExecutorState `json:"state"`
	Address     string              `json:"address,omitempty"`
	PID         int                 `json:"pid,omitempty"`
	Resources   types.Resources     `json:"resources"`
	Queued      []types.TaskID      `json:"queued,omitempty"`
	Tasks       []TaskView          `json:"tasks,omitempty"`
}

// FrameworkView framework 檢視
type FrameworkView struct {
	Info      types.FrameworkInfo `json:"info"`
	Executors []ExecutorView      `json:"executors,omitempty"`
}

// CompletedFrameworkView 已結束的 framework
type CompletedFrameworkView struct {
	Info      types.FrameworkInfo `json:"info"`
	Executors []types.ExecutorID  `json:"executors,omitempty"`
}

// StateView agent 狀態檢視（/state 端點與 outpost status 使用）
type StateView struct {
	ID                  types.AgentID            `json:"id"`
	Info                types.AgentInfo          `json:"info"`
	Leader              string                   `json:"leader,omitempty"`
	Version             string                   `json:"version"`
	Resources           types.Resources          `json:"resources"`
	ResourceVersions    map[string]string        `json:"resource_versions"`
	Frameworks          []FrameworkView          `json:"frameworks"`
	CompletedFrameworks []CompletedFrameworkView `json:"completed_frameworks,omitempty"`
	TaskStats           map[types.TaskState]int  `json:"task_stats"`
	ReregistrationOpen  bool                     `json:"reregistration_open"`
}

// State 唯讀檢視；恢復期間回傳 ErrRecovering，不回傳過期資料
func (a *Agent) State(ctx context.Context) (StateView, error) {
	var view StateView
	err := a.ready(ctx, func() error {
		view = StateView{
			ID:                 a.id,
			Info:               a.info,
			Leader:             a.leader,
			Version:            a.cfg.Version,
			Resources:          a.totalResources(),
			ResourceVersions:   a.copyResourceVersions(),
			TaskStats:          a.tasks.Stats(),
			ReregistrationOpen: a.reregistrationOpen,
		}
		for _, f := range a.sortedFrameworks() {
			fv := FrameworkView{Info: f.info}
			for _, e := range a.executors.ByFramework(f.info.ID) {
				ev := ExecutorView{
					ID:          e.ID,
					ContainerID: e.ContainerID.String(),
					State:       e.State,
					Address:     e.Address,
					PID:         e.PID,
					Resources:   e.Resources(),
				}
				for _, q := range e.Queued() {
					ev.Queued = append(ev.Queued, q.TaskID)
				}
				for _, t := range a.tasks.ByExecutor(f.info.ID, e.ID) {
					ev.Tasks = append(ev.Tasks, TaskView{
						ID:                t.Info.TaskID,
						Name:              t.Info.Name,
						State:             t.LatestState,
						StatusUpdateState: t.StatusUpdateState,
						StatusUpdateUUID:  t.PendingUpdateUUID,
						Launched:          t.Launched,
						Resources:         t.Resources,
					})
				}
				fv.Executors = append(fv.Executors, ev)
			}
			view.Frameworks = append(view.Frameworks, fv)
		}
		for _, cf := range a.completedFrameworks {
			cv := CompletedFrameworkView{Info: cf.info}
			for _, c := range cf.executors {
				cv.Executors = append(cv.Executors, c.ID)
			}
			view.CompletedFrameworks = append(view.CompletedFrameworks, cv)
		}
		return nil
	})
	return view, err
}
