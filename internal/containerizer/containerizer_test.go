package containerizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outpost/pkg/types"
)

func TestFakeLaunchWaitDestroy(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	id := types.NewContainerID("c1")

	pid, err := f.Launch(ctx, id, types.CommandInfo{Value: "sleep"}, IOSpec{}, nil)
	require.NoError(t, err)
	assert.NotZero(t, pid)

	_, err = f.Launch(ctx, id, types.CommandInfo{}, IOSpec{}, nil)
	assert.ErrorIs(t, err, ErrAlreadyLaunched)

	done := make(chan ExitStatus, 1)
	go func() {
		st, _ := f.Wait(ctx, id)
		done <- st
	}()

	require.NoError(t, f.Destroy(ctx, id))
	select {
	case st := <-done:
		assert.True(t, st.Destroyed)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after destroy")
	}
	assert.True(t, f.IsDestroyed(id))

	status, err := f.Status(ctx, id)
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestFakeInjectedFailures(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	boom := errors.New("boom")
	f.UpdateErr = func(types.ContainerID, types.Resources) error { return boom }

	id := types.NewContainerID("c1")
	_, err := f.Launch(ctx, id, types.CommandInfo{}, IOSpec{}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Update(ctx, id, types.Resources{CPUs: 1}), boom)
	assert.Len(t, f.UpdateCalls(), 1)
}

func TestFakeRecoverOrphans(t *testing.T) {
	f := NewFake()
	known := types.NewContainerID("known")
	orphan := types.NewContainerID("orphan")
	f.Running = []types.ContainerID{known, orphan}

	orphans, err := f.Recover(context.Background(), []types.ContainerID{known})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "orphan", orphans[0].String())
}

func TestPosixLaunchAndExit(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	p := NewPosix(dir, nil)
	ctx := context.Background()
	id := types.NewContainerID("c1").Child("n1")

	out := filepath.Join(dir, "stdout")
	pid, err := p.Launch(ctx, id, types.CommandInfo{Value: "echo $GREETING; exit 3", Shell: true},
		IOSpec{Stdout: out}, map[string]string{"GREETING": "hello"})
	require.NoError(t, err)
	assert.NotZero(t, pid)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := p.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Destroyed)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	_, err = os.Stat(filepath.Join(dir, "containers", "c1", "containers", "n1", "pid"))
	assert.NoError(t, err)
}

func TestPosixDestroy(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	p := NewPosix(t.TempDir(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id := types.NewContainerID("c1")

	_, err := p.Launch(ctx, id, types.CommandInfo{Value: "sleep 30", Shell: true}, IOSpec{}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Destroy(ctx, id))

	_, err = p.Status(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownContainer)
}
