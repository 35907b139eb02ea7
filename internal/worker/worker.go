// ============================================================================
// Outpost Worker - 協作者呼叫的執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 執行會阻塞的協作者呼叫，agent 事件迴圈不必等待容器 runtime 或憑證產生
//
// 執行模型:
//   for { 從 taskCh 取任務或停止 }
//     ├─ 由 pool context 衍生帶逾時的 context
//     ├─ task.Call(ctx)
//     └─ 把 Result（連同 continuation）送到 resultCh
//
// continuation 不在這裡執行：擁有者在自己的 goroutine 收到 Result 後呼叫 Result.Resume
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker 執行單元
type Worker struct {
	id       int
	base     context.Context
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, base context.Context, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		base:     base,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run Worker 主迴圈
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case task = <-w.taskCh:
		case <-w.stopCh:
			return
		}

		start := time.Now()
		err := w.execute(task)

		result := Result{
			Name:     task.Name,
			Err:      err,
			Duration: time.Since(start),
			Then:     task.Then,
		}

		// continuation 不能被丟棄；只有 pool 停止時才放棄
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) execute(task Task) (err error) {
	ctx := w.base
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", task.Name, r)
		}
	}()

	if task.Call == nil {
		return nil
	}
	return task.Call(ctx)
}
