// Package transport 在 agent、executor 與 controller 之間傳遞協定訊息
//
// 每個訊息包在 Envelope 裡，From 是送出者的位址；確認與 ping 的來源檢查都依賴它。
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/outpost/pkg/types"
)

// MessageType 訊息種類
type MessageType string

const (
	TypeRegister          MessageType = "Register"
	TypeReregister        MessageType = "Reregister"
	TypeRegistered        MessageType = "Registered"
	TypeReregistered      MessageType = "Reregistered"
	TypeTaskAssignment    MessageType = "TaskAssignment"
	TypeKillTask          MessageType = "KillTask"
	TypeShutdownExecutor  MessageType = "ShutdownExecutor"
	TypeShutdownFramework MessageType = "ShutdownFramework"
	TypeStatusUpdate      MessageType = "StatusUpdate"
	TypeStatusUpdateAck   MessageType = "StatusUpdateAcknowledgement"
	TypePing              MessageType = "Ping"
	TypePong              MessageType = "Pong"
	TypeUnregister        MessageType = "Unregister"

	// executor <-> agent
	TypeRegisterExecutor   MessageType = "RegisterExecutor"
	TypeReregisterExecutor MessageType = "ReregisterExecutor"
	TypeReconnectExecutor  MessageType = "ReconnectExecutor"
)

// Envelope 線上傳輸的單位
type Envelope struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope 編碼 payload
func NewEnvelope(msgType MessageType, from, to string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, From: from, To: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode 解碼 payload
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ============================================================================
// agent -> controller
// ============================================================================

// Register 第一次註冊（尚無 agent id）
type Register struct {
	Agent            types.AgentInfo   `json:"agent"`
	Version          string            `json:"version"`
	ResourceVersions map[string]string `json:"resource_versions,omitempty"`
}

// TaskSnapshot 重新註冊時每個任務的對帳資訊
type TaskSnapshot struct {
	Info              types.TaskInfo  `json:"info"`
	LatestState       types.TaskState `json:"latest_state"`
	StatusUpdateState types.TaskState `json:"status_update_state,omitempty"`
	StatusUpdateUUID  string          `json:"status_update_uuid,omitempty"`
}

// ExecutorSnapshot 重新註冊時的 executor 資訊
type ExecutorSnapshot struct {
	Info        types.ExecutorInfo  `json:"info"`
	ContainerID string              `json:"container_id"`
	State       types.ExecutorState `json:"state"`
}

// CompletedFramework 已結束的 framework，只帶識別資訊
type CompletedFramework struct {
	Info      types.FrameworkInfo  `json:"info"`
	Executors []types.ExecutorID `json:"executors,omitempty"`
}

// Reregister 已有 agent id 時的重新註冊，帶完整快照
type Reregister struct {
	Agent               types.AgentInfo       `json:"agent"`
	Version             string                `json:"version"`
	ResourceVersions    map[string]string     `json:"resource_versions,omitempty"`
	Frameworks          []types.FrameworkInfo `json:"frameworks,omitempty"`
	Executors           []ExecutorSnapshot    `json:"executors,omitempty"`
	Tasks               []TaskSnapshot        `json:"tasks,omitempty"`
	CompletedFrameworks []CompletedFramework  `json:"completed_frameworks,omitempty"`
}

// AsRegister 取出第一次註冊需要的欄位
func (r Reregister) AsRegister() Register {
	return Register{Agent: r.Agent, Version: r.Version, ResourceVersions: r.ResourceVersions}
}

// StatusUpdate 狀態更新
type StatusUpdate struct {
	Update types.TaskStatus `json:"update"`
}

// Pong 回應 Ping
type Pong struct {
	AgentID types.AgentID `json:"agent_id"`
}

// Unregister agent 主動離開
type Unregister struct {
	AgentID types.AgentID `json:"agent_id"`
}

// ============================================================================
// controller -> agent
// ============================================================================

// Registered 註冊完成；PingTimeout 是 controller 判定 agent 失聯的總時間
type Registered struct {
	AgentID     types.AgentID `json:"agent_id"`
	PingTimeout time.Duration `json:"ping_timeout,omitempty"`
}

// Reregistered 重新註冊完成
type Reregistered struct {
	AgentID     types.AgentID `json:"agent_id"`
	PingTimeout time.Duration `json:"ping_timeout,omitempty"`
}

// TaskAssignment 一個或一批任務，以及執行它們的 executor
type TaskAssignment struct {
	Framework types.FrameworkInfo `json:"framework"`
	Executor  types.ExecutorInfo  `json:"executor"`
	Tasks     []types.TaskInfo    `json:"tasks"`
}

// KillTask 終止任務
type KillTask struct {
	FrameworkID types.FrameworkID `json:"framework_id"`
	TaskID      types.TaskID      `json:"task_id"`
}

// ShutdownExecutor 關閉 executor
type ShutdownExecutor struct {
	FrameworkID types.FrameworkID `json:"framework_id"`
	ExecutorID  types.ExecutorID  `json:"executor_id"`
}

// ShutdownFramework 關閉 framework 的所有 executor
type ShutdownFramework struct {
	FrameworkID types.FrameworkID `json:"framework_id"`
}

// StatusUpdateAcknowledgement 必須帶回更新的 UUID
type StatusUpdateAcknowledgement struct {
	AgentID     types.AgentID     `json:"agent_id"`
	FrameworkID types.FrameworkID `json:"framework_id"`
	TaskID      types.TaskID      `json:"task_id"`
	UUID        string            `json:"uuid"`
}

// Ping controller 的存活探測；Connected 表示 controller 認為 agent 已註冊
type Ping struct {
	Connected bool `json:"connected"`
}

// ============================================================================
// executor <-> agent
// ============================================================================

// RegisterExecutor executor 啟動後向 agent 報到
type RegisterExecutor struct {
	FrameworkID types.FrameworkID `json:"framework_id"`
	ExecutorID  types.ExecutorID  `json:"executor_id"`
}

// ReregisterExecutor agent 重啟後 executor 重新報到，帶回已收到的任務與未確認的更新
type ReregisterExecutor struct {
	FrameworkID types.FrameworkID  `json:"framework_id"`
	ExecutorID  types.ExecutorID   `json:"executor_id"`
	Tasks       []types.TaskInfo   `json:"tasks,omitempty"`
	Updates     []types.TaskStatus `json:"updates,omitempty"`
}

// ReconnectExecutor 提醒恢復的 executor 重新報到
type ReconnectExecutor struct {
	AgentID types.AgentID `json:"agent_id"`
}
