package wal

// ============================================================================
// 日誌工具函式
// ============================================================================

import "errors"

// LastEvent 從日誌檔案讀取最後一個完好事件
//
// 尾端有損毀記錄時仍回傳損毀前的最後一個事件；檔案為空時回傳 nil
func LastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	var corrupt *CorruptionError
	if err != nil && !errors.As(err, &corrupt) {
		return nil, err
	}
	return last, nil
}

// ReadAll 讀取所有完好事件，並回傳尾端損毀（如果有）
func ReadAll(path string) ([]Event, error) {
	var events []Event
	err := replayFile(path, func(e Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

