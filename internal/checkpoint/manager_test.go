package checkpoint

// ============================================================================
// Checkpoint Manager 測試檔案
// 職責：驗證原子性寫入、版本驗證、目錄結構與恢復
// ============================================================================

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outpost/pkg/types"
)

// TestWriteAndRead 測試寫入與讀取記錄
func TestWriteAndRead(t *testing.T) {
	m := NewManager(t.TempDir())
	path := m.Layout().FrameworkInfoPath("agent-1", "fw-1")

	info := types.FrameworkInfo{ID: "fw-1", Name: "batch", Checkpoint: true}
	require.NoError(t, m.Write(path, info))

	var got types.FrameworkInfo
	require.NoError(t, m.Read(path, &got))
	assert.Equal(t, info, got)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

// TestReadMissing 測試讀取不存在的記錄
func TestReadMissing(t *testing.T) {
	m := NewManager(t.TempDir())
	var got types.FrameworkInfo
	err := m.Read(filepath.Join(t.TempDir(), "nope"), &got)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

// TestReadCorruptedAndIncompatible 測試損壞與版本不符
func TestReadCorruptedAndIncompatible(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	bad := filepath.Join(dir, "bad.info")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	var v map[string]any
	assert.ErrorIs(t, m.Read(bad, &v), ErrCorruptedCheckpoint)

	old := filepath.Join(dir, "old.info")
	require.NoError(t, os.WriteFile(old, []byte(`{"schema_ver":7,"data":{}}`), 0644))
	assert.ErrorIs(t, m.Read(old, &v), ErrIncompatibleVersion)
}

// TestBuildPathForContainer 巢狀容器成為子目錄
func TestBuildPathForContainer(t *testing.T) {
	top := types.NewContainerID("a9dd")
	nested := top.Child("4e3a").Child("77ff")

	assert.Equal(t, filepath.Join("runs", "a9dd"), BuildPathForContainer("runs", top))
	assert.Equal(t,
		filepath.Join("runs", "a9dd", "containers", "4e3a", "containers", "77ff"),
		BuildPathForContainer("runs", nested))
}

// TestRecoverEmpty 沒有 checkpoint 時回傳 nil
func TestRecoverEmpty(t *testing.T) {
	m := NewManager(t.TempDir())
	state, err := m.Recover(true)
	require.NoError(t, err)
	assert.Nil(t, state)
}

// TestRecoverFullTree 測試完整恢復
func TestRecoverFullTree(t *testing.T) {
	m := NewManager(t.TempDir())
	l := m.Layout()
	agent := types.AgentID("agent-1")
	cid := types.NewContainerID("c1")
	run := l.Run(agent, "fw-1", "ex-1", cid)

	require.NoError(t, m.WriteString(l.LatestAgentPath(), string(agent)))
	require.NoError(t, m.Write(l.AgentInfoPath(agent), types.AgentInfo{ID: agent, Hostname: "host-a"}))
	require.NoError(t, m.Write(l.ResourceVersionsPath(agent), map[string]string{"agent": "v1"}))
	require.NoError(t, m.Write(l.FrameworkInfoPath(agent, "fw-1"), types.FrameworkInfo{ID: "fw-1", Checkpoint: true}))
	require.NoError(t, m.Write(l.ExecutorInfoPath(agent, "fw-1", "ex-1"), types.ExecutorInfo{ExecutorID: "ex-1", FrameworkID: "fw-1"}))
	require.NoError(t, m.WriteString(l.LatestRunPath(agent, "fw-1", "ex-1"), cid.String()))
	require.NoError(t, m.WriteString(run.ForkedPidPath(), "4242"))
	require.NoError(t, m.WriteString(run.ExecutorAddressPath(), "127.0.0.1:7000"))
	require.NoError(t, m.Write(run.TaskInfoPath("t1"), types.TaskInfo{TaskID: "t1", FrameworkID: "fw-1", ExecutorID: "ex-1"}))
	require.NoError(t, os.MkdirAll(filepath.Join(run.ChildrenDir(), "n1"), 0755))

	state, err := m.Recover(true)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, agent, state.ID)
	assert.Equal(t, "host-a", state.Info.Hostname)
	assert.Equal(t, "v1", state.ResourceVersions["agent"])

	fw := state.Frameworks["fw-1"]
	require.NotNil(t, fw)
	ex := fw.Executors["ex-1"]
	require.NotNil(t, ex)
	latest := ex.LatestRun()
	require.NotNil(t, latest)
	assert.Equal(t, 4242, latest.ForkedPid)
	assert.Equal(t, "127.0.0.1:7000", latest.Address)
	assert.False(t, latest.Completed)
	require.Len(t, latest.Children, 1)
	assert.Equal(t, "c1.n1", latest.Children[0].String())
	require.Contains(t, latest.Tasks, types.TaskID("t1"))
	assert.Equal(t, run.TaskUpdatesPath("t1"), latest.Tasks["t1"].UpdatesPath)
}

// TestRecoverNonStrictSkipsCorruption 非 strict 模式略過損壞記錄
func TestRecoverNonStrictSkipsCorruption(t *testing.T) {
	m := NewManager(t.TempDir())
	l := m.Layout()
	agent := types.AgentID("agent-1")

	require.NoError(t, m.WriteString(l.LatestAgentPath(), string(agent)))
	require.NoError(t, m.Write(l.AgentInfoPath(agent), types.AgentInfo{ID: agent}))
	require.NoError(t, os.MkdirAll(l.FrameworkPath(agent, "fw-bad"), 0755))
	require.NoError(t, os.WriteFile(l.FrameworkInfoPath(agent, "fw-bad"), []byte("garbage"), 0644))

	state, err := m.Recover(false)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Errors)
	assert.Empty(t, state.Frameworks)

	_, err = m.Recover(true)
	assert.ErrorIs(t, err, ErrCorruptedCheckpoint)
}
