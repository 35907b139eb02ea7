// ============================================================================
// Outpost Agent - 單一事件迴圈的 agent actor
// ============================================================================
//
// Package: internal/agent
// 文件: agent.go
// 功能: 接收 controller 指派的任務，管理 executor 與任務的生命週期，
//       並把狀態更新交給 statusupdate.Dispatcher 可靠地送回 controller
//
// 架構設計:
//   所有任務、executor、framework 記錄都只在事件迴圈（run）中修改：
//   - mailbox: 外部呼叫（訊息處理、檢視）與計時器回呼
//   - pool.Results(): 外部協作者呼叫完成後的 continuation
//   - outbox: 依序送往 executor 與 controller 的訊息（無上限佇列，不阻塞事件迴圈）
//
//   ┌────────────┐  post()   ┌──────────────┐  submit()  ┌─────────────┐
//   │ server /   │ ────────→ │  event loop  │ ─────────→ │ worker.Pool │
//   │ timers     │           │  (mailbox)   │ ←───────── │ (container, │
//   └────────────┘           └──────────────┘  Results   │  secrets)   │
//                                   │                    └─────────────┘
//                                   ↓ outbox
//                            ExecutorDriver / controller
//
// 崩潰恢復流程:
//   Start() 時在事件迴圈中執行 recover()：
//   1. 讀取 checkpoint 目錄（framework / executor / run / task）
//   2. 重放每個任務的狀態更新日誌
//   3. 容器協作者恢復，銷毀不在 checkpoint 中的孤兒容器
//   4. 仍在執行的 executor 進入重新註冊窗口
//   恢復期間所有操作回傳 ErrRecovering
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/outpost/internal/checkpoint"
	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/internal/containerizer"
	"github.com/ChuLiYu/outpost/internal/executormanager"
	"github.com/ChuLiYu/outpost/internal/secrets"
	"github.com/ChuLiYu/outpost/internal/statusupdate"
	"github.com/ChuLiYu/outpost/internal/taskmanager"
	"github.com/ChuLiYu/outpost/internal/transport"
	"github.com/ChuLiYu/outpost/internal/worker"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrRecovering            = errors.New("agent is recovering")
	ErrStopped               = errors.New("agent stopped")
	ErrNotLeader             = errors.New("message not from leading controller")
	ErrInvalidAssignment     = errors.New("invalid task assignment")
	ErrUnknownFramework      = errors.New("unknown framework")
	ErrUnknownExecutor       = errors.New("unknown executor")
	ErrFrameworkTerminating  = errors.New("framework is terminating")
	ErrExecutorTerminating   = errors.New("executor is terminating")
	ErrDuplicateRegistration = errors.New("executor already registered")
	ErrReregistrationRefused = errors.New("executor reregistration refused")
	ErrAgentMismatch         = errors.New("message addressed to another agent")
)

// RecoverMode 重啟後如何處理仍在執行的 executor
type RecoverMode string

const (
	RecoverReconnect RecoverMode = "reconnect" // 等待 executor 重新註冊
	RecoverCleanup   RecoverMode = "cleanup"   // 關閉所有恢復的 executor
)

// resourceVersionKey agent 本身資源的版本鍵
const resourceVersionKey = "agent"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config agent 配置
type Config struct {
	WorkDir string
	Info    types.AgentInfo // hostname、資源、能力、故障域
	Version string

	ExecutorRegistrationTimeout         time.Duration
	ExecutorShutdownGracePeriod         time.Duration
	ExecutorReregistrationTimeout       time.Duration
	ExecutorReregistrationRetryInterval time.Duration // 0 表示不主動提醒
	KillEscalationTimeout               time.Duration // 0 表示使用關閉寬限期

	StatusUpdateRetryMin time.Duration
	StatusUpdateRetryMax time.Duration
	SyncJournal          bool

	MaxCompletedExecutorsPerFramework int
	MaxCompletedFrameworks            int

	Recover RecoverMode
	Strict  bool // 恢復時 checkpoint 損壞視為錯誤

	Workers     int           // 協作者呼叫的並發數
	CallTimeout time.Duration // 單次協作者呼叫上限
}

func (c *Config) applyDefaults() {
	if c.ExecutorRegistrationTimeout <= 0 {
		c.ExecutorRegistrationTimeout = time.Minute
	}
	if c.ExecutorShutdownGracePeriod <= 0 {
		c.ExecutorShutdownGracePeriod = 5 * time.Second
	}
	if c.ExecutorReregistrationTimeout <= 0 {
		c.ExecutorReregistrationTimeout = 2 * time.Second
	}
	if c.KillEscalationTimeout <= 0 {
		c.KillEscalationTimeout = c.ExecutorShutdownGracePeriod
	}
	if c.StatusUpdateRetryMin <= 0 {
		c.StatusUpdateRetryMin = 10 * time.Second
	}
	if c.StatusUpdateRetryMax <= 0 {
		c.StatusUpdateRetryMax = 10 * time.Minute
	}
	if c.MaxCompletedExecutorsPerFramework <= 0 {
		c.MaxCompletedExecutorsPerFramework = 150
	}
	if c.MaxCompletedFrameworks <= 0 {
		c.MaxCompletedFrameworks = 50
	}
	if c.Recover == "" {
		c.Recover = RecoverReconnect
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = time.Minute
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// Recorder 指標介面，由 metrics.Collector 實作
type Recorder interface {
	RecordTaskAssigned()
	RecordTaskTerminal(state types.TaskState, reason types.Reason)
	RecordExecutorLaunched()
	RecordExecutorTimeout(kind string)
	RecordExecutorRemoved()
	RecordRecovery(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordTaskAssigned()                              {}
func (noopRecorder) RecordTaskTerminal(types.TaskState, types.Reason) {}
func (noopRecorder) RecordExecutorLaunched()                          {}
func (noopRecorder) RecordExecutorTimeout(string)                     {}
func (noopRecorder) RecordExecutorRemoved()                           {}
func (noopRecorder) RecordRecovery(time.Duration)                     {}
func (noopRecorder) RecordUpdateSent(bool)                            {}
func (noopRecorder) RecordUpdateAcked()                               {}
func (noopRecorder) RecordUpdateDropped(string)                       {}

// Deps 外部協作者
type Deps struct {
	Clock         clock.Clock
	Containerizer containerizer.Containerizer
	Secrets       secrets.Generator // nil 表示不產生 executor 憑證
	Driver        ExecutorDriver    // nil 時使用 TransportDriver
	Transport     transport.Transport
	Recorder      Recorder
	Logger        *slog.Logger
}

// framework 記錄
type framework struct {
	info        types.FrameworkInfo
	controller  string // 指派第一個任務的 controller 位址
	terminating bool
}

type completedFramework struct {
	info      types.FrameworkInfo
	executors []executormanager.Completed
}

// Agent 核心 actor
type Agent struct {
	cfg           Config
	clock         clock.Clock
	containerizer containerizer.Containerizer
	secrets       secrets.Generator
	driver        ExecutorDriver
	transport     transport.Transport
	recorder      Recorder
	logger        *slog.Logger

	// updateRecorder 狀態更新相關指標；Recorder 未實作時為 noop
	updateRecorder statusupdate.Recorder

	checkpoints *checkpoint.Manager
	layout      checkpoint.Layout
	dispatcher  *statusupdate.Dispatcher
	pool        *worker.Pool
	tasks       *taskmanager.TaskManager
	executors   *executormanager.Manager

	// 以下欄位只在事件迴圈中存取
	id                  types.AgentID
	info                types.AgentInfo
	leader              string
	frameworks          map[types.FrameworkID]*framework
	completedFrameworks []completedFramework
	providers           map[string]types.Resources
	resourceVersions    map[string]string
	reregistrationOpen  bool
	reregistrationTimer clock.Timer
	reconnectTimer      clock.Timer

	recovering atomic.Bool
	mailbox    chan func()
	outMu      sync.Mutex
	outbox     []func(context.Context)
	outReady   chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	stopCh     chan struct{}
	stopOnce   sync.Once
	started    bool
	loopWg     sync.WaitGroup
	startTime  time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 agent；呼叫 Start 之前不處理任何事件
func New(cfg Config, deps Deps) (*Agent, error) {
	cfg.applyDefaults()
	if cfg.WorkDir == "" {
		return nil, errors.New("agent work dir is required")
	}
	if deps.Containerizer == nil {
		return nil, errors.New("containerizer is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Driver == nil {
		deps.Driver = TransportDriver{Transport: deps.Transport}
	}

	ctx, cancel := context.WithCancel(context.Background())
	checkpoints := checkpoint.NewManager(cfg.WorkDir)

	a := &Agent{
		cfg:              cfg,
		clock:            deps.Clock,
		containerizer:    deps.Containerizer,
		secrets:          deps.Secrets,
		driver:           deps.Driver,
		transport:        deps.Transport,
		recorder:         deps.Recorder,
		logger:           deps.Logger.With("component", "agent"),
		checkpoints:      checkpoints,
		layout:           checkpoints.Layout(),
		pool:             worker.NewPool(256),
		tasks:            taskmanager.NewTaskManager(),
		executors:        executormanager.NewManager(cfg.MaxCompletedExecutorsPerFramework),
		info:             cfg.Info,
		frameworks:       make(map[types.FrameworkID]*framework),
		providers:        make(map[string]types.Resources),
		resourceVersions: make(map[string]string),
		mailbox:          make(chan func(), 4096),
		outReady:         make(chan struct{}, 1),
		ctx:              ctx,
		cancel:           cancel,
		stopCh:           make(chan struct{}),
	}
	a.recovering.Store(true)

	a.dispatcher = statusupdate.New(statusupdate.Config{
		RetryMin:    cfg.StatusUpdateRetryMin,
		RetryMax:    cfg.StatusUpdateRetryMax,
		SyncJournal: cfg.SyncJournal,
		Strict:      cfg.Strict,
	}, deps.Clock, statusSender{agent: a})
	a.dispatcher.OnAcknowledged(a.acknowledged)
	a.updateRecorder = noopRecorder{}
	if r, ok := deps.Recorder.(statusupdate.Recorder); ok {
		a.updateRecorder = r
		a.dispatcher.SetRecorder(r)
	}
	return a, nil
}

// Start 啟動事件迴圈並執行恢復
func (a *Agent) Start(ctx context.Context) error {
	a.startTime = a.clock.Now()

	if err := a.pool.Start(a.cfg.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	a.started = true
	a.loopWg.Add(2)
	go a.run()
	go a.runOutbox()

	a.logger.Info("Starting recovery...", "work_dir", a.cfg.WorkDir)
	if err := a.call(ctx, func() error { return a.recover(ctx) }); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	return nil
}

// Stop 停止事件迴圈；executor 不會被關閉，重啟後可重新接管
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.logger.Info("Stopping agent...")
		close(a.stopCh)
		a.cancel()
		if a.started {
			a.pool.Stop()
		}
		a.loopWg.Wait()
		a.dispatcher.Close()
		a.logger.Info("Agent stopped")
	})
}

// ID 目前的 agent ID（尚未註冊時為空）
func (a *Agent) ID(ctx context.Context) (types.AgentID, error) {
	var id types.AgentID
	err := a.call(ctx, func() error {
		id = a.id
		return nil
	})
	return id, err
}

// Recovering 是否仍在恢復中
func (a *Agent) Recovering() bool {
	return a.recovering.Load()
}

// ============================================================================
// 事件迴圈
// ============================================================================

func (a *Agent) run() {
	defer a.loopWg.Done()
	results := a.pool.Results()
	for {
		select {
		case <-a.stopCh:
			a.logger.Info("Event loop stopped")
			return
		case fn := <-a.mailbox:
			fn()
		case r, ok := <-results:
			if !ok {
				return
			}
			r.Resume()
		}
	}
}

// runOutbox 依序執行 outbox；送出可能同步回到 mailbox（例如 controller 的確認），
// 所以事件迴圈只排入、從不等待這裡
func (a *Agent) runOutbox() {
	defer a.loopWg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.outReady:
		}
		for {
			a.outMu.Lock()
			if len(a.outbox) == 0 {
				a.outMu.Unlock()
				break
			}
			fn := a.outbox[0]
			a.outbox[0] = nil
			a.outbox = a.outbox[1:]
			a.outMu.Unlock()

			if a.ctx.Err() != nil {
				return
			}
			fn(a.ctx)
		}
	}
}

// post 把事件放進 mailbox；不可在事件迴圈內呼叫
func (a *Agent) post(fn func()) bool {
	select {
	case a.mailbox <- fn:
		return true
	case <-a.stopCh:
		return false
	}
}

// call 在事件迴圈中執行 fn 並等待結果
func (a *Agent) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !a.post(func() { done <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopCh:
		return ErrStopped
	}
}

// ready 恢復完成後才接受操作
func (a *Agent) ready(ctx context.Context, fn func() error) error {
	if a.recovering.Load() {
		return ErrRecovering
	}
	return a.call(ctx, fn)
}

// after 計時器到期時在事件迴圈中執行 fn
func (a *Agent) after(d time.Duration, fn func()) clock.Timer {
	return a.clock.AfterFunc(d, func() { a.post(fn) })
}

// submit 交給 worker pool；通道滿時改由 goroutine 等待，事件迴圈不阻塞
func (a *Agent) submit(task worker.Task) {
	if task.Timeout == 0 {
		task.Timeout = a.cfg.CallTimeout
	}
	ok, err := a.pool.TrySubmit(task)
	if err != nil {
		a.logger.Warn("dropping collaborator call", "call", task.Name, "error", err)
		return
	}
	if !ok {
		go func() {
			if err := a.pool.Submit(task); err != nil && !errors.Is(err, worker.ErrPoolClosed) {
				a.logger.Error("failed to submit collaborator call", "call", task.Name, "error", err)
			}
		}()
	}
}

// send 依序送出訊息；只排入佇列，不會阻塞
func (a *Agent) send(fn func(ctx context.Context)) {
	a.outMu.Lock()
	a.outbox = append(a.outbox, fn)
	a.outMu.Unlock()
	select {
	case a.outReady <- struct{}{}:
	default:
	}
}
