package checkpoint

// ============================================================================
// 職責說明：
// 1. 將 agent / framework / executor / task 記錄寫入 checkpoint 目錄
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedCheckpoint = errors.New("checkpoint file is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
	ErrCheckpointNotFound  = errors.New("checkpoint file not found")
)

const schemaVersion = 1

// record 每個 checkpoint 檔案的外層結構
type record struct {
	SchemaVer int             `json:"schema_ver"`
	Data      json.RawMessage `json:"data"`
}

// Manager checkpoint 管理器，所有路徑都由 Layout 產生
type Manager struct {
	layout Layout
	mu     sync.Mutex // 保護檔案操作
}

// NewManager 建立 checkpoint 管理器
func NewManager(workDir string) *Manager {
	return &Manager{layout: Layout{Root: filepath.Join(workDir, "meta")}}
}

// Layout 回傳路徑配置
func (m *Manager) Layout() Layout {
	return m.layout
}

// Write 原子性寫入一筆記錄
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	payload, err := json.MarshalIndent(record{SchemaVer: schemaVersion, Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return m.writeFile(path, payload)
}

// Read 讀取一筆記錄到 v
func (m *Manager) Read(path string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptedCheckpoint, path, err)
	}
	if rec.SchemaVer != schemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, schemaVersion)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptedCheckpoint, path, err)
	}
	return nil
}

// WriteString 原子性寫入純文字（pid、位址、latest 指標）
func (m *Manager) WriteString(path, value string) error {
	return m.writeFile(path, []byte(value))
}

// ReadString 讀取純文字檔案
func (m *Manager) ReadString(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// Exists 檢查路徑是否存在
func (m *Manager) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove 刪除路徑（含子目錄）
func (m *Manager) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return os.RemoveAll(path)
}

func (m *Manager) writeFile(path string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

// listDirs 列出 dir 下的子目錄名稱；目錄不存在時回傳空
func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
