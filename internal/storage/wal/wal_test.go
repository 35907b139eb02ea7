package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outpost/pkg/types"
)

func update(task, uuid string, state types.TaskState) types.TaskStatus {
	return types.TaskStatus{
		TaskID:      types.TaskID(task),
		FrameworkID: "fw-1",
		State:       state,
		Source:      types.SourceExecutor,
		UUID:        uuid,
	}
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks", "t1", "task.updates")
	w, err := NewWAL(path, true)
	require.NoError(t, err)

	_, err = w.AppendUpdate(update("t1", "u1", types.TaskRunning))
	require.NoError(t, err)
	_, err = w.AppendAck("t1", "u1")
	require.NoError(t, err)
	_, err = w.AppendUpdate(update("t1", "u2", types.TaskFinished))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), w.GetLastSeq())

	var got []Event
	require.NoError(t, w.Replay(func(e Event) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, EventUpdate, got[0].Type)
	assert.Equal(t, types.TaskRunning, got[0].Update.State)
	assert.Equal(t, EventAck, got[1].Type)
	assert.Equal(t, "u1", got[1].UUID)
	assert.Equal(t, types.TaskFinished, got[2].Update.State)
	require.NoError(t, w.Close())
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.updates")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	_, err = w.AppendUpdate(update("t1", "u1", types.TaskRunning))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.GetLastSeq())

	ev, err := w.AppendAck("t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestReplayTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.updates")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	_, err = w.AppendUpdate(update("t1", "u1", types.TaskRunning))
	require.NoError(t, err)

	// 模擬寫到一半就崩潰
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"UPD`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	count := 0
	err = w.Replay(func(Event) error {
		count++
		return nil
	})
	var corrupt *CorruptionError
	require.True(t, errors.As(err, &corrupt))
	assert.True(t, errors.Is(err, ErrCorruptedWAL))
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(1), corrupt.Seq)

	require.NoError(t, w.Truncate(corrupt.Offset))
	events, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	ev, err := w.AppendAck("t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Seq)

	events, err = ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	require.NoError(t, w.Close())
}

func TestChecksumMismatch(t *testing.T) {
	ev := Event{Seq: 1, Type: EventAck, TaskID: "t1", UUID: "u1"}
	ev.Checksum = CalculateChecksum(ev)
	assert.True(t, VerifyChecksum(ev))

	ev.UUID = "u2"
	assert.False(t, VerifyChecksum(ev))

	err := &ChecksumError{Seq: 1}
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestAppendAfterClose(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "task.updates"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.AppendAck("t1", "u1")
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestLastEventMissingFile(t *testing.T) {
	last, err := LastEvent(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, last)
}
