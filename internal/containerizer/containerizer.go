// Package containerizer 容器監管協作者：agent 透過它啟動 executor
//
// 提供三種實作：本機行程（Posix）、docker、以及測試用的記憶體版本（Fake）。
package containerizer

import (
	"context"
	"errors"

	"github.com/ChuLiYu/outpost/pkg/types"
)

var (
	ErrUnknownContainer = errors.New("unknown container")
	ErrAlreadyLaunched  = errors.New("container already launched")
)

// IOSpec executor 輸出寫到哪裡
type IOSpec struct {
	Stdout string
	Stderr string
}

// ContainerStatus 容器當下的狀態
type ContainerStatus struct {
	ContainerID types.ContainerID
	ExecutorPID int
	Running     bool
}

// ExitStatus 容器結束後由 Wait 回報
type ExitStatus struct {
	Code      int
	Destroyed bool // 經由 Destroy 結束，而非自行退出
	Message   string
}

// Containerizer 容器監管介面
//
// 所有呼叫都可能阻塞在底層 runtime 上，agent 只在 worker pool 中呼叫。
type Containerizer interface {
	// Recover 重啟後與 runtime 對帳；known 是 checkpoint 中的容器，
	// 回傳 runtime 上仍在執行但 agent 不認得的孤兒容器
	Recover(ctx context.Context, known []types.ContainerID) ([]types.ContainerID, error)
	Launch(ctx context.Context, id types.ContainerID, cmd types.CommandInfo, io IOSpec, env map[string]string) (int, error)
	Update(ctx context.Context, id types.ContainerID, resources types.Resources) error
	// Destroy 終止容器，容器消失後才返回
	Destroy(ctx context.Context, id types.ContainerID) error
	Status(ctx context.Context, id types.ContainerID) (ContainerStatus, error)
	// Wait 阻塞直到容器結束
	Wait(ctx context.Context, id types.ContainerID) (ExitStatus, error)
}

var (
	_ Containerizer = (*Posix)(nil)
	_ Containerizer = (*Docker)(nil)
	_ Containerizer = (*Fake)(nil)
)

func knownSet(known []types.ContainerID) map[string]bool {
	set := make(map[string]bool, len(known))
	for _, id := range known {
		set[id.String()] = true
	}
	return set
}
