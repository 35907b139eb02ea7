// Package types 定義了 outpost agent 中使用的核心領域模型
package types

import (
	"strings"
	"time"
)

// 強型別識別碼，避免不同實體的 ID 混用
type (
	AgentID     string
	FrameworkID string
	ExecutorID  string
	TaskID      string
)

// ContainerID 容器識別碼，巢狀容器透過 Parent 串接
type ContainerID struct {
	Value  string       `json:"value"`
	Parent *ContainerID `json:"parent,omitempty"`
}

// NewContainerID 建立頂層容器 ID
func NewContainerID(value string) ContainerID {
	return ContainerID{Value: value}
}

// Child 建立以 c 為父容器的巢狀容器 ID
func (c ContainerID) Child(value string) ContainerID {
	parent := c
	return ContainerID{Value: value, Parent: &parent}
}

// Lineage 回傳由最外層到自身的 ID 序列
func (c ContainerID) Lineage() []string {
	var ids []string
	for cur := &c; cur != nil; cur = cur.Parent {
		ids = append([]string{cur.Value}, ids...)
	}
	return ids
}

// String 以 "." 連接整條血統，作為 map key 使用
func (c ContainerID) String() string {
	return strings.Join(c.Lineage(), ".")
}

// IsZero 是否為空 ID
func (c ContainerID) IsZero() bool {
	return c.Value == "" && c.Parent == nil
}

// ParseContainerID 將 String() 的輸出還原為 ContainerID
func ParseContainerID(s string) ContainerID {
	var id *ContainerID
	for _, part := range strings.Split(s, ".") {
		next := ContainerID{Value: part, Parent: id}
		id = &next
	}
	return *id
}

// Resources 資源量
type Resources struct {
	CPUs float64 `json:"cpus" yaml:"cpus"`
	Mem  float64 `json:"mem" yaml:"mem"`   // MB
	Disk float64 `json:"disk" yaml:"disk"` // MB
}

// Add 回傳 r + o
func (r Resources) Add(o Resources) Resources {
	return Resources{CPUs: r.CPUs + o.CPUs, Mem: r.Mem + o.Mem, Disk: r.Disk + o.Disk}
}

// Subtract 回傳 r - o，不會小於 0
func (r Resources) Subtract(o Resources) Resources {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}
	return Resources{CPUs: clamp(r.CPUs - o.CPUs), Mem: clamp(r.Mem - o.Mem), Disk: clamp(r.Disk - o.Disk)}
}

// IsEmpty 是否沒有任何資源
func (r Resources) IsEmpty() bool {
	return r.CPUs == 0 && r.Mem == 0 && r.Disk == 0
}

// CommandInfo 要執行的命令
type CommandInfo struct {
	Value       string            `json:"value"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Shell       bool              `json:"shell,omitempty"`
	Image       string            `json:"image,omitempty"` // 使用 docker 容器時的映像
}

// FrameworkInfo 框架描述
type FrameworkInfo struct {
	ID             FrameworkID `json:"id"`
	Name           string      `json:"name"`
	User           string      `json:"user,omitempty"`
	Principal      string      `json:"principal,omitempty"`
	Checkpoint     bool        `json:"checkpoint"`      // 是否將狀態寫入 checkpoint
	PartitionAware bool        `json:"partition_aware"` // 分區感知框架以 GONE 取代 LOST
}

// ExecutorInfo executor 描述
type ExecutorInfo struct {
	ExecutorID  ExecutorID  `json:"executor_id"`
	FrameworkID FrameworkID `json:"framework_id"`
	Name        string      `json:"name,omitempty"`
	Command     CommandInfo `json:"command"`
	Resources   Resources   `json:"resources"`

	// ShutdownGracePeriod 覆寫 agent 預設的關閉寬限期，0 表示使用預設值
	ShutdownGracePeriod time.Duration `json:"shutdown_grace_period,omitempty"`
}

// TaskInfo 任務描述
type TaskInfo struct {
	TaskID      TaskID            `json:"task_id"`
	Name        string            `json:"name,omitempty"`
	FrameworkID FrameworkID       `json:"framework_id"`
	ExecutorID  ExecutorID        `json:"executor_id"`
	Resources   Resources         `json:"resources"`
	Command     *CommandInfo      `json:"command,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// DomainInfo 故障域資訊
type DomainInfo struct {
	Region string `json:"region,omitempty" yaml:"region"`
	Zone   string `json:"zone,omitempty" yaml:"zone"`
}

// AgentInfo agent 本身的描述，註冊時送往 controller
type AgentInfo struct {
	ID           AgentID     `json:"id,omitempty"`
	Hostname     string      `json:"hostname"`
	Port         int         `json:"port,omitempty"`
	Resources    Resources   `json:"resources"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Domain       *DomainInfo `json:"domain,omitempty"`
}

// TaskStatus 一筆狀態更新
type TaskStatus struct {
	TaskID      TaskID      `json:"task_id"`
	FrameworkID FrameworkID `json:"framework_id"`
	ExecutorID  ExecutorID  `json:"executor_id,omitempty"`
	AgentID     AgentID     `json:"agent_id,omitempty"`
	ContainerID string      `json:"container_id,omitempty"`
	State       TaskState   `json:"state"`
	Reason      Reason      `json:"reason,omitempty"`
	Source      Source      `json:"source"`
	Message     string      `json:"message,omitempty"`
	UUID        string      `json:"uuid"`
	Timestamp   time.Time   `json:"timestamp"`
}

// IsTerminal 是否為終止狀態更新
func (s TaskStatus) IsTerminal() bool {
	return s.State.IsTerminal()
}
