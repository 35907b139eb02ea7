package containerizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/outpost/internal/checkpoint"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// Posix 以一般子行程執行 executor
//
// 每個容器在 runtimeDir/containers/<id>[/containers/<child>...]/pid 留一個 pid 檔，
// 重啟後的 agent 靠它找回之前啟動的行程。
type Posix struct {
	runtimeDir string
	logger     *slog.Logger
	pollEvery  time.Duration

	mu    sync.Mutex
	procs map[string]*posixProc
}

type posixProc struct {
	id   types.ContainerID
	pid  int
	cmd  *exec.Cmd // 重啟後恢復的行程為 nil
	done chan struct{}
	exit ExitStatus

	destroyed bool
}

// NewPosix 以 runtimeDir 為根目錄建立
func NewPosix(runtimeDir string, logger *slog.Logger) *Posix {
	if logger == nil {
		logger = slog.Default()
	}
	return &Posix{
		runtimeDir: runtimeDir,
		logger:     logger.With("component", "posix-launcher"),
		pollEvery:  time.Second,
		procs:      make(map[string]*posixProc),
	}
}

func (p *Posix) containerDir(id types.ContainerID) string {
	return checkpoint.BuildPathForContainer(filepath.Join(p.runtimeDir, "containers"), id)
}

func (p *Posix) pidPath(id types.ContainerID) string {
	return filepath.Join(p.containerDir(id), "pid")
}

func (p *Posix) exitStatusPath(id types.ContainerID) string {
	return filepath.Join(p.containerDir(id), "exit_status")
}

func (p *Posix) Recover(_ context.Context, known []types.ContainerID) ([]types.ContainerID, error) {
	set := knownSet(known)
	found, err := p.scan(filepath.Join(p.runtimeDir, "containers"), nil)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var orphans []types.ContainerID
	for _, id := range found {
		raw, err := os.ReadFile(p.pidPath(id))
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		if !processAlive(pid) {
			os.RemoveAll(p.containerDir(id))
			continue
		}
		proc := &posixProc{id: id, pid: pid, done: make(chan struct{})}
		p.procs[id.String()] = proc
		go p.poll(proc)

		if !set[id.String()] {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

func (p *Posix) scan(dir string, parent *types.ContainerID) ([]types.ContainerID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []types.ContainerID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := types.NewContainerID(e.Name())
		if parent != nil {
			id = parent.Child(e.Name())
		}
		ids = append(ids, id)
		children, err := p.scan(filepath.Join(dir, e.Name(), "containers"), &id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, children...)
	}
	return ids, nil
}

func (p *Posix) Launch(_ context.Context, id types.ContainerID, command types.CommandInfo, io IOSpec, env map[string]string) (int, error) {
	p.mu.Lock()
	if _, ok := p.procs[id.String()]; ok {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAlreadyLaunched, id)
	}
	p.mu.Unlock()

	var cmd *exec.Cmd
	if command.Shell {
		cmd = exec.Command("/bin/sh", "-c", command.Value)
	} else {
		cmd = exec.Command(command.Value, command.Arguments...)
	}

	cmd.Env = os.Environ()
	for k, v := range command.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := os.MkdirAll(p.containerDir(id), 0755); err != nil {
		return 0, fmt.Errorf("failed to create container dir: %w", err)
	}
	var files []*os.File
	if io.Stdout != "" {
		f, err := os.OpenFile(io.Stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open stdout: %w", err)
		}
		cmd.Stdout = f
		files = append(files, f)
	}
	if io.Stderr != "" {
		f, err := os.OpenFile(io.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			closeAll(files)
			return 0, fmt.Errorf("failed to open stderr: %w", err)
		}
		cmd.Stderr = f
		files = append(files, f)
	}

	if err := cmd.Start(); err != nil {
		closeAll(files)
		return 0, fmt.Errorf("failed to start process: %w", err)
	}
	pid := cmd.Process.Pid

	if err := os.WriteFile(p.pidPath(id), []byte(strconv.Itoa(pid)), 0644); err != nil {
		p.logger.Warn("failed to checkpoint pid", "container", id.String(), "error", err)
	}

	proc := &posixProc{id: id, pid: pid, cmd: cmd, done: make(chan struct{})}
	p.mu.Lock()
	p.procs[id.String()] = proc
	p.mu.Unlock()

	p.logger.Info("process launched", "container", id.String(), "pid", pid)

	go func() {
		err := cmd.Wait()
		closeAll(files)
		status := ExitStatus{Message: "exited"}
		if cmd.ProcessState != nil {
			status.Code = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			status.Message = err.Error()
		}
		p.complete(proc, status)
	}()
	return pid, nil
}

// Update 一般行程沒有資源隔離，不做任何事
func (p *Posix) Update(_ context.Context, id types.ContainerID, _ types.Resources) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.procs[id.String()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	return nil
}

func (p *Posix) Destroy(ctx context.Context, id types.ContainerID) error {
	p.mu.Lock()
	proc, ok := p.procs[id.String()]
	if ok {
		proc.destroyed = true
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	// 整個 process group 一起結束
	if err := syscall.Kill(-proc.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if err := syscall.Kill(proc.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("failed to kill %d: %w", proc.pid, err)
		}
	}

	select {
	case <-proc.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	delete(p.procs, id.String())
	p.mu.Unlock()
	return os.RemoveAll(p.containerDir(id))
}

func (p *Posix) Status(_ context.Context, id types.ContainerID) (ContainerStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proc, ok := p.procs[id.String()]
	if !ok {
		return ContainerStatus{}, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	running := true
	select {
	case <-proc.done:
		running = false
	default:
	}
	return ContainerStatus{ContainerID: id, ExecutorPID: proc.pid, Running: running}, nil
}

func (p *Posix) Wait(ctx context.Context, id types.ContainerID) (ExitStatus, error) {
	p.mu.Lock()
	proc, ok := p.procs[id.String()]
	p.mu.Unlock()
	if !ok {
		return ExitStatus{}, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	select {
	case <-proc.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return proc.exit, nil
}

func (p *Posix) complete(proc *posixProc, status ExitStatus) {
	p.mu.Lock()
	status.Destroyed = proc.destroyed
	proc.exit = status
	p.mu.Unlock()

	if err := os.WriteFile(p.exitStatusPath(proc.id), []byte(strconv.Itoa(status.Code)), 0644); err != nil {
		p.logger.Debug("failed to checkpoint exit status", "container", proc.id.String(), "error", err)
	}
	close(proc.done)
	p.logger.Info("process terminated", "container", proc.id.String(), "pid", proc.pid, "code", status.Code)
}

// poll 監看已不是自己子行程的 process
func (p *Posix) poll(proc *posixProc) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for range ticker.C {
		if !processAlive(proc.pid) {
			p.complete(proc, ExitStatus{Code: -1, Message: "recovered process exited"})
			return
		}
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
