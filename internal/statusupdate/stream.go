package statusupdate

import (
	"errors"
	"fmt"

	"github.com/jpillora/backoff"

	"github.com/ChuLiYu/outpost/internal/clock"
	"github.com/ChuLiYu/outpost/internal/storage/wal"
	"github.com/ChuLiYu/outpost/pkg/types"
)

type streamKey struct {
	fw   types.FrameworkID
	task types.TaskID
}

// stream 一個任務的更新佇列；pending[0] 是唯一可以在途的更新
type stream struct {
	key     streamKey
	journal *wal.WAL // 不做 checkpoint 的 framework 為 nil

	pending      []types.TaskStatus
	received     map[string]bool
	acknowledged map[string]bool
	lastAcked    *types.TaskStatus

	terminalQueued bool // 已收到終止更新
	inFlight       bool // pending[0] 已送出且尚未確認
	backoff        *backoff.Backoff
	timer          clock.Timer

	// 送出佇列，只由 sending 為 true 的那個 goroutine 排空
	outq    []outbound
	sendSeq uint64
	sending bool
}

func newStream(key streamKey, journal *wal.WAL, cfg Config) *stream {
	return &stream{
		key:          key,
		journal:      journal,
		received:     make(map[string]bool),
		acknowledged: make(map[string]bool),
		backoff:      &backoff.Backoff{Min: cfg.RetryMin, Max: cfg.RetryMax, Factor: 2},
	}
}

func (s *stream) front() *types.TaskStatus {
	if len(s.pending) == 0 {
		return nil
	}
	return &s.pending[0]
}

func (s *stream) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *stream) close() {
	s.stopTimer()
	if s.journal != nil {
		s.journal.Close()
		s.journal = nil
	}
}

// replay 由日誌重建佇列
//
// 尾端寫到一半的記錄會被截斷；其他損毀在 strict 模式下回傳錯誤
func (s *stream) replay(strict bool) error {
	if s.journal == nil {
		return nil
	}
	err := s.journal.Replay(s.apply)
	var corrupt *wal.CorruptionError
	if errors.As(err, &corrupt) && !strict {
		log.Warn("truncating torn status update journal",
			"task", s.key.task, "framework", s.key.fw, "offset", corrupt.Offset, "error", corrupt.Cause)
		return s.journal.Truncate(corrupt.Offset)
	}
	return err
}

func (s *stream) apply(e wal.Event) error {
	switch e.Type {
	case wal.EventUpdate:
		if e.Update == nil {
			return fmt.Errorf("update record seq=%d without payload", e.Seq)
		}
		if s.received[e.UUID] {
			return nil
		}
		s.received[e.UUID] = true
		s.pending = append(s.pending, *e.Update)
		if e.Update.IsTerminal() {
			s.terminalQueued = true
		}
	case wal.EventAck:
		if s.acknowledged[e.UUID] {
			return nil
		}
		front := s.front()
		if front == nil || front.UUID != e.UUID {
			return fmt.Errorf("%w: journal ack %s does not match pending update", ErrUnexpectedAck, e.UUID)
		}
		s.acknowledged[e.UUID] = true
		acked := *front
		s.lastAcked = &acked
		s.pending = s.pending[1:]
	}
	return nil
}

// terminated 終止更新已被確認
func (s *stream) terminated() bool {
	return s.lastAcked != nil && s.lastAcked.IsTerminal()
}
