package wal

// ============================================================================
// 日誌錯誤定義
// ============================================================================

import (
	"errors"
	"fmt"
)

// 預定義錯誤
var (
	// ErrCorruptedWAL 記錄無法解析
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch 校驗和不符（資料損毀或被竄改）
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed 日誌已關閉
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed fsync 失敗
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError 校驗和錯誤的詳細資訊
type ChecksumError struct {
	Seq      uint64 // 失敗事件的序號
	Offset   int64  // 記錄的位元組偏移
	Expected uint32 // 預期值
	Actual   uint32 // 實際值
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d offset=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Offset, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError 無法解碼的記錄；Offset 之前的內容都是完好的
type CorruptionError struct {
	Seq    uint64 // 最後一個完好事件的序號
	Offset int64  // 檔案中的位元組偏移
	Cause  error  // 底層錯誤
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record after seq=%d at offset=%d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruptedWAL
}
