// Package statusupdate 負責把狀態更新可靠地送到 controller
//
// 每個任務一條串流：更新先寫入日誌，再送出；前一筆被確認之前不會送出下一筆，
// 未確認的更新以指數退避無限重送。只接受來自目前 leader 位址的確認。
package statusupdate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/internal/storage/wal"
	"github.com/ChuLiYu/outpost/pkg/types"
)

var log = slog.Default().With("component", "statusupdate")

var (
	ErrNotLeader               = errors.New("acknowledgement not from leading controller")
	ErrUnexpectedAck           = errors.New("acknowledgement does not match in-flight update")
	ErrUnknownStream           = errors.New("no status update stream for task")
	ErrDuplicateTerminalUpdate = errors.New("terminal update already queued")
)

// Sender 送出狀態更新到指定的 controller
type Sender interface {
	SendStatusUpdate(ctx context.Context, to string, update types.TaskStatus) error
}

// Recorder 指標介面，由 metrics.Collector 實作
type Recorder interface {
	RecordUpdateSent(retry bool)
	RecordUpdateAcked()
	RecordUpdateDropped(reason string)
}

type noopRecorder struct{}

func (noopRecorder) RecordUpdateSent(bool)      {}
func (noopRecorder) RecordUpdateAcked()         {}
func (noopRecorder) RecordUpdateDropped(string) {}

// Config 重送設定
type Config struct {
	RetryMin    time.Duration
	RetryMax    time.Duration
	SyncJournal bool // 每筆日誌寫入都 fsync
	Strict      bool // 恢復時日誌損毀視為錯誤
}

// Acked 一筆被確認的更新
type Acked struct {
	Update types.TaskStatus
	// Next 下一筆待送更新（如果有）
	Next *types.TaskStatus
}

// Recovered 從日誌恢復的串流狀態
type Recovered struct {
	FrameworkID types.FrameworkID
	TaskID      types.TaskID
	Latest      *types.TaskStatus // 最後收到的更新
	Pending     []types.TaskStatus
	LastAcked   *types.TaskStatus
	Terminated  bool // 終止更新已確認
}

type outbound struct {
	to     string
	update types.TaskStatus
	retry  bool
	seq    uint64 // 排入時串流的送出序號
}

// Dispatcher 狀態更新分派器
type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Clock
	sender   Sender
	recorder Recorder
	onAck    func(Acked)

	streams map[streamKey]*stream
	leader  string
	paused  bool
}

// New 建立分派器；初始為暫停狀態，註冊完成後由 Resume 開始送出
func New(cfg Config, clk clock.Clock, sender Sender) *Dispatcher {
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 10 * time.Second
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	return &Dispatcher{
		cfg:      cfg,
		clock:    clk,
		sender:   sender,
		recorder: noopRecorder{},
		streams:  make(map[streamKey]*stream),
		paused:   true,
	}
}

// SetRecorder 設定指標
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r != nil {
		d.recorder = r
	}
}

// OnAcknowledged 設定確認回呼；回呼在鎖外執行
func (d *Dispatcher) OnAcknowledged(f func(Acked)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAck = f
}

// Update 接收一筆狀態更新
//
// journalPath 為空表示不寫日誌（framework 未啟用 checkpoint）。
// 同一 UUID 重複送入會被忽略；終止更新之後的終止更新回傳 ErrDuplicateTerminalUpdate。
func (d *Dispatcher) Update(update types.TaskStatus, journalPath string) error {
	d.mu.Lock()
	key := streamKey{update.FrameworkID, update.TaskID}
	s, ok := d.streams[key]
	if !ok {
		var journal *wal.WAL
		if journalPath != "" {
			var err error
			journal, err = wal.NewWAL(journalPath, d.cfg.SyncJournal)
			if err != nil {
				d.mu.Unlock()
				return fmt.Errorf("open journal for %s/%s: %w", key.fw, key.task, err)
			}
		}
		s = newStream(key, journal, d.cfg)
		d.streams[key] = s
	}

	if s.received[update.UUID] {
		d.mu.Unlock()
		log.Debug("ignoring duplicate status update", "task", update.TaskID, "uuid", update.UUID)
		return nil
	}
	if s.terminalQueued && update.IsTerminal() {
		d.recorder.RecordUpdateDropped("duplicate_terminal")
		d.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrDuplicateTerminalUpdate, key.fw, key.task)
	}

	if s.journal != nil {
		if _, err := s.journal.AppendUpdate(update); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	s.received[update.UUID] = true
	s.pending = append(s.pending, update)
	if update.IsTerminal() {
		s.terminalQueued = true
	}

	var out []*stream
	if len(s.pending) == 1 {
		out = d.sendFrontLocked(s, false)
	}
	d.mu.Unlock()

	d.flush(out)
	return nil
}

// Acknowledge 處理 controller 的確認
//
// 來源不是目前 leader 時回傳 ErrNotLeader 且不影響重送；
// 已確認過的 UUID 重複確認沒有任何效果。
func (d *Dispatcher) Acknowledge(from string, fw types.FrameworkID, task types.TaskID, uuid string) error {
	d.mu.Lock()
	if from != d.leader || d.leader == "" {
		d.recorder.RecordUpdateDropped("not_leader")
		d.mu.Unlock()
		return fmt.Errorf("%w: ack from %q, leader is %q", ErrNotLeader, from, d.leader)
	}

	key := streamKey{fw, task}
	s, ok := d.streams[key]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownStream, fw, task)
	}
	if s.acknowledged[uuid] {
		d.mu.Unlock()
		return nil
	}
	front := s.front()
	if front == nil || front.UUID != uuid {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s/%s uuid %s", ErrUnexpectedAck, fw, task, uuid)
	}

	if s.journal != nil {
		if _, err := s.journal.AppendAck(task, uuid); err != nil {
			d.mu.Unlock()
			return err
		}
	}

	acked := *front
	s.acknowledged[uuid] = true
	s.lastAcked = &acked
	s.pending = s.pending[1:]
	s.inFlight = false
	s.stopTimer()
	s.backoff.Reset()
	d.recorder.RecordUpdateAcked()

	result := Acked{Update: acked}
	var out []*stream
	if acked.IsTerminal() {
		s.close()
		delete(d.streams, key)
	} else if next := s.front(); next != nil {
		n := *next
		result.Next = &n
		out = d.sendFrontLocked(s, false)
	}
	onAck := d.onAck
	d.mu.Unlock()

	d.flush(out)
	if onAck != nil {
		onAck(result)
	}
	return nil
}

// SetLeader 設定目前 leader 位址
func (d *Dispatcher) SetLeader(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leader = addr
}

// Leader 目前 leader 位址
func (d *Dispatcher) Leader() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leader
}

// Pause 停止送出（與 controller 斷線時）
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	for _, s := range d.streams {
		s.stopTimer()
		s.inFlight = false
	}
}

// Resume 恢復送出，每條串流立即重送佇列最前面的更新
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	var out []*stream
	for _, s := range d.streams {
		if s.front() != nil {
			s.stopTimer()
			s.backoff.Reset()
			out = append(out, d.sendFrontLocked(s, s.inFlight)...)
		}
	}
	d.mu.Unlock()
	d.flush(out)
}

// Recover 由日誌恢復串流；恢復後的更新在 Resume 時送出
//
// paths: 每個任務的日誌路徑。終止更新已確認的串流不會保留。
func (d *Dispatcher) Recover(paths map[types.FrameworkID]map[types.TaskID]string) ([]Recovered, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Recovered
	for fw, tasks := range paths {
		for task, path := range tasks {
			key := streamKey{fw, task}
			journal, err := wal.NewWAL(path, d.cfg.SyncJournal)
			if err != nil {
				return nil, fmt.Errorf("open journal for %s/%s: %w", fw, task, err)
			}
			s := newStream(key, journal, d.cfg)
			if err := s.replay(d.cfg.Strict); err != nil {
				s.close()
				return nil, fmt.Errorf("replay journal for %s/%s: %w", fw, task, err)
			}

			rec := Recovered{
				FrameworkID: fw,
				TaskID:      task,
				Pending:     append([]types.TaskStatus(nil), s.pending...),
				LastAcked:   s.lastAcked,
				Terminated:  s.terminated(),
			}
			if n := len(s.pending); n > 0 {
				latest := s.pending[n-1]
				rec.Latest = &latest
			} else if s.lastAcked != nil {
				latest := *s.lastAcked
				rec.Latest = &latest
			}
			out = append(out, rec)

			if rec.Terminated {
				s.close()
				continue
			}
			d.streams[key] = s
		}
	}
	return out, nil
}

// StreamState 回傳 controller 下一個會看到的狀態與 UUID
//
// 有待送更新時為佇列最前面的更新，否則為最後一筆被確認的更新。
func (d *Dispatcher) StreamState(fw types.FrameworkID, task types.TaskID) (types.TaskState, string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.streams[streamKey{fw, task}]
	if !ok {
		return "", "", false
	}
	if front := s.front(); front != nil {
		return front.State, front.UUID, true
	}
	if s.lastAcked != nil {
		return s.lastAcked.State, s.lastAcked.UUID, true
	}
	return "", "", false
}

// Pending 任務尚未確認的更新
func (d *Dispatcher) Pending(fw types.FrameworkID, task types.TaskID) []types.TaskStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.streams[streamKey{fw, task}]; ok {
		return append([]types.TaskStatus(nil), s.pending...)
	}
	return nil
}

// InFlight 在途（已送出未確認）更新數
func (d *Dispatcher) InFlight(fw types.FrameworkID, task types.TaskID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.streams[streamKey{fw, task}]; ok && s.inFlight {
		return 1
	}
	return 0
}

// Cleanup 停止 framework 的所有串流
func (d *Dispatcher) Cleanup(fw types.FrameworkID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, s := range d.streams {
		if key.fw == fw {
			s.close()
			delete(d.streams, key)
		}
	}
}

// Close 關閉所有日誌
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, s := range d.streams {
		s.close()
		delete(d.streams, key)
	}
}

// ============================================================================
// 內部方法
// ============================================================================

// sendFrontLocked 把 pending[0] 排入串流的送出佇列並排定重送；暫停或沒有 leader 時不送
//
// 回傳需要由呼叫端在鎖外排空的串流。串流已有 goroutine 在送時只排入佇列，
// 同一串流的訊息因此不會互相超車。
func (d *Dispatcher) sendFrontLocked(s *stream, retry bool) []*stream {
	front := s.front()
	if front == nil || d.paused || d.leader == "" {
		return nil
	}
	s.inFlight = true
	uuid := front.UUID
	delay := s.backoff.Duration()
	key := s.key
	s.stopTimer()
	s.timer = d.clock.AfterFunc(delay, func() { d.retry(key, uuid) })

	s.sendSeq++
	s.outq = append(s.outq, outbound{to: d.leader, update: *front, retry: retry, seq: s.sendSeq})
	if s.sending {
		return nil
	}
	s.sending = true
	return []*stream{s}
}

func (d *Dispatcher) retry(key streamKey, uuid string) {
	d.mu.Lock()
	s, ok := d.streams[key]
	if !ok || d.paused {
		d.mu.Unlock()
		return
	}
	front := s.front()
	if front == nil || front.UUID != uuid || s.acknowledged[uuid] {
		d.mu.Unlock()
		return
	}
	log.Info("retrying unacknowledged status update",
		"task", key.task, "framework", key.fw, "state", front.State, "uuid", uuid)
	out := d.sendFrontLocked(s, true)
	d.mu.Unlock()
	d.flush(out)
}

// flush 排空串流的送出佇列
//
// 取出時才檢查訊息是否仍是最新一次送出的在途更新：
// 已被確認、被較新的送出取代、或串流已移除的訊息直接丟棄。
func (d *Dispatcher) flush(streams []*stream) {
	for _, s := range streams {
		for {
			d.mu.Lock()
			if len(s.outq) == 0 {
				s.sending = false
				d.mu.Unlock()
				break
			}
			o := s.outq[0]
			s.outq = s.outq[1:]
			front := s.front()
			stale := o.seq != s.sendSeq || d.paused || d.streams[s.key] != s ||
				front == nil || front.UUID != o.update.UUID
			d.mu.Unlock()

			if stale {
				log.Debug("dropping superseded status update send", "task", o.update.TaskID, "uuid", o.update.UUID)
				continue
			}
			d.recorder.RecordUpdateSent(o.retry)
			if err := d.sender.SendStatusUpdate(context.Background(), o.to, o.update); err != nil {
				// 交給重送計時器處理
				log.Warn("failed to send status update", "task", o.update.TaskID, "uuid", o.update.UUID, "error", err)
			}
		}
	}
}
