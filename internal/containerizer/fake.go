package containerizer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/outpost/pkg/types"
)

// Fake 測試用的記憶體 Containerizer
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextPid    int

	// 注入錯誤；每次呼叫都會重新檢查，測試可以在呼叫之間切換
	LaunchErr  func(id types.ContainerID) error
	UpdateErr  func(id types.ContainerID, resources types.Resources) error
	DestroyErr func(id types.ContainerID) error

	// Recover 時回報為執行中的容器，不在 known 中的視為孤兒
	Running []types.ContainerID

	Launched  []types.ContainerID
	Updates   []FakeUpdate
	Destroyed []types.ContainerID
}

// FakeUpdate 一次 Update 呼叫的記錄
type FakeUpdate struct {
	ContainerID types.ContainerID
	Resources   types.Resources
}

type fakeContainer struct {
	id   types.ContainerID
	pid  int
	exit *ExitStatus
	done chan struct{}
}

// NewFake 建立空的 Fake
func NewFake() *Fake {
	return &Fake{containers: make(map[string]*fakeContainer), nextPid: 1000}
}

func (f *Fake) Recover(_ context.Context, known []types.ContainerID) ([]types.ContainerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set := knownSet(known)
	var orphans []types.ContainerID
	for _, id := range f.Running {
		if set[id.String()] {
			f.track(id)
			continue
		}
		orphans = append(orphans, id)
		f.track(id)
	}
	return orphans, nil
}

func (f *Fake) Launch(_ context.Context, id types.ContainerID, _ types.CommandInfo, _ IOSpec, _ map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.LaunchErr != nil {
		if err := f.LaunchErr(id); err != nil {
			return 0, err
		}
	}
	if _, ok := f.containers[id.String()]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyLaunched, id)
	}
	c := f.track(id)
	f.Launched = append(f.Launched, id)
	return c.pid, nil
}

func (f *Fake) Update(_ context.Context, id types.ContainerID, resources types.Resources) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Updates = append(f.Updates, FakeUpdate{ContainerID: id, Resources: resources})
	if f.UpdateErr != nil {
		if err := f.UpdateErr(id, resources); err != nil {
			return err
		}
	}
	if _, ok := f.containers[id.String()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	return nil
}

func (f *Fake) Destroy(_ context.Context, id types.ContainerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Destroyed = append(f.Destroyed, id)
	if f.DestroyErr != nil {
		if err := f.DestroyErr(id); err != nil {
			return err
		}
	}
	c, ok := f.containers[id.String()]
	if !ok {
		return nil
	}
	f.finish(c, ExitStatus{Code: 137, Destroyed: true, Message: "destroyed"})
	return nil
}

func (f *Fake) Status(_ context.Context, id types.ContainerID) (ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id.String()]
	if !ok {
		return ContainerStatus{}, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	return ContainerStatus{ContainerID: id, ExecutorPID: c.pid, Running: c.exit == nil}, nil
}

func (f *Fake) Wait(ctx context.Context, id types.ContainerID) (ExitStatus, error) {
	f.mu.Lock()
	c, ok := f.containers[id.String()]
	f.mu.Unlock()
	if !ok {
		return ExitStatus{}, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return *c.exit, nil
}

// Exit 模擬容器自行結束
func (f *Fake) Exit(id types.ContainerID, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id.String()]; ok {
		f.finish(c, ExitStatus{Code: code, Message: "exited"})
	}
}

// IsDestroyed 是否對 id 呼叫過 Destroy
func (f *Fake) IsDestroyed(id types.ContainerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.Destroyed {
		if d.String() == id.String() {
			return true
		}
	}
	return false
}

// LaunchCount 成功啟動的次數
func (f *Fake) LaunchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Launched)
}

// UpdateCalls 回傳 Update 記錄的副本
func (f *Fake) UpdateCalls() []FakeUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeUpdate(nil), f.Updates...)
}

func (f *Fake) track(id types.ContainerID) *fakeContainer {
	if c, ok := f.containers[id.String()]; ok {
		return c
	}
	f.nextPid++
	c := &fakeContainer{id: id, pid: f.nextPid, done: make(chan struct{})}
	f.containers[id.String()] = c
	return c
}

func (f *Fake) finish(c *fakeContainer, status ExitStatus) {
	if c.exit != nil {
		return
	}
	c.exit = &status
	close(c.done)
}
