package wal

// ============================================================================
// 狀態更新日誌（每個任務一個檔案）
// 職責：
// 1. 追加 UPDATE / ACK 記錄（append-only）
// 2. 重放記錄以在 agent 重啟後重建待送出的更新
// 3. 偵測並截斷寫到一半的尾端記錄
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/outpost/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 一個任務的狀態更新日誌
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // 日誌檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // 日誌檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

/*
NewWAL 建立或開啟一個日誌

行為：
- 如果檔案不存在，建立新檔案（含上層目錄），seq 從 0 開始
- 如果檔案已存在，讀取最後一個完好事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		// 尾端損毀時 LastEvent 仍回傳最後一個完好事件
		if last, err := LastEvent(path); err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Path 日誌檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// AppendUpdate 追加一筆 UPDATE 記錄
func (w *WAL) AppendUpdate(update types.TaskStatus) (Event, error) {
	u := update
	return w.append(Event{Type: EventUpdate, TaskID: update.TaskID, UUID: update.UUID, Update: &u})
}

// AppendAck 追加一筆 ACK 記錄
func (w *WAL) AppendAck(taskID types.TaskID, uuid string) (Event, error) {
	return w.append(Event{Type: EventAck, TaskID: taskID, UUID: uuid})
}

// append 寫入並立即 flush；呼叫端必須在送出更新前等到這裡回傳
func (w *WAL) append(event Event) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	event.Seq = w.seq + 1
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	if err := w.encoder.Encode(event); err != nil {
		return Event{}, fmt.Errorf("wal: append seq=%d task=%s: %w", event.Seq, event.TaskID, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	w.seq = event.Seq
	return event, nil
}

// Replay 重放所有事件
//
// 行為：
// - 從頭讀取檔案
// - 無法解析的記錄回傳 *CorruptionError（含可截斷的 offset）
// - 校驗和不符回傳 *ChecksumError
// - handler 回傳錯誤時立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return replayFile(w.path, handler)
}

// Truncate 將檔案截斷到 offset，用於丟棄寫到一半的尾端記錄
func (w *WAL) Truncate(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := os.Truncate(w.path, offset); err != nil {
		return fmt.Errorf("wal: truncate %s to %d: %w", w.path, offset, err)
	}
	// 重新計算 seq
	w.seq = 0
	return replayFile(w.path, func(e Event) error {
		w.seq = e.Seq
		return nil
	})
}

// Close 關閉日誌，關閉後不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: recordStart(path, offset), Cause: err}
		}

		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Offset:   recordStart(path, offset),
				Expected: CalculateChecksum(event),
				Actual:   event.Checksum,
			}
		}

		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
}

// recordStart 跳過上一筆記錄後的換行，回傳下一筆記錄真正的起點
func recordStart(path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	buf := make([]byte, 1)
	for {
		if _, err := f.ReadAt(buf, offset); err != nil {
			return offset
		}
		if buf[0] != '\n' && buf[0] != ' ' && buf[0] != '\r' && buf[0] != '\t' {
			return offset
		}
		offset++
	}
}
