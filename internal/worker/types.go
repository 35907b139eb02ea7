package worker

import (
	"context"
	"time"
)

// Task 一次對外部協作者的呼叫（容器啟動、更新、銷毀、憑證產生）
type Task struct {
	Name    string                          // 用於日誌與指標
	Timeout time.Duration                   // 0 表示不限時
	Call    func(ctx context.Context) error // 在 worker goroutine 中執行
	Then    func(err error)                 // continuation，由擁有者在自己的事件迴圈中執行
}

// Result 呼叫結果，連同 continuation 一起交回擁有者
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
	Then     func(err error)
}

// Resume 在呼叫端的 goroutine 執行 continuation
func (r Result) Resume() {
	if r.Then != nil {
		r.Then(r.Err)
	}
}
