package wal

import "github.com/ChuLiYu/outpost/pkg/types"

// ============================================================================
// 日誌記錄類型定義
// 職責: 任務狀態更新日誌中的每一筆記錄
// ============================================================================

// EventType 日誌記錄類型
type EventType string

const (
	EventUpdate EventType = "UPDATE" // 收到並排入待送的狀態更新
	EventAck    EventType = "ACK"    // controller 確認了該 UUID 的更新
)

// Event 日誌中的一行
type Event struct {
	Seq       uint64            `json:"seq"`              // 每個日誌檔內單調遞增
	Type      EventType         `json:"type"`             // 記錄類型
	TaskID    types.TaskID      `json:"task_id"`          // 所屬任務
	UUID      string            `json:"uuid"`             // 更新的 UUID（UPDATE 與 ACK）
	Update    *types.TaskStatus `json:"update,omitempty"` // 完整更新，只有 UPDATE 記錄有
	Timestamp int64             `json:"timestamp"`        // Unix 毫秒時間戳
	Checksum  uint32            `json:"checksum"`         // CRC32 校驗和
}

// EventHandler Replay 時處理每筆記錄的函式
type EventHandler func(event Event) error
