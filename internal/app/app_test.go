package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldwork/flagpost/internal/config"
	"github.com/fieldwork/flagpost/internal/flagtable"
	"github.com/fieldwork/flagpost/internal/registry"
)

func TestSizeNeededComposesRecordAndTable(t *testing.T) {
	assert.Equal(t, registry.Size()+flagtable.SizeFor(4), SizeNeeded(4))
}

func TestAttachSharedFreshAndReattach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	shared, err := AttachShared(path, 4)
	require.NoError(t, err)
	defer shared.Segment.Close()

	require.True(t, shared.Segment.Created())
	require.Equal(t, 4, shared.Flags.Len())

	// Fresh segment: every cell reads zero; a write reads back.
	assert.Zero(t, shared.Flags.Get(2))
	shared.Flags.Set(2, 7)
	assert.Equal(t, uint64(7), shared.Flags.Get(2))

	// A second attacher sees the same cells and the same registry record.
	other, err := AttachShared(path, 4)
	require.NoError(t, err)
	defer other.Segment.Close()

	assert.False(t, other.Segment.Created())
	assert.Equal(t, uint64(7), other.Flags.Get(2))
	assert.Equal(t, shared.Registry.Pid(), other.Registry.Pid())
}

func TestAttachSharedRejectsMismatchedFlagCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	shared, err := AttachShared(path, 4)
	require.NoError(t, err)
	require.NoError(t, shared.Segment.Close())

	_, err = AttachShared(path, 8)
	assert.Error(t, err)
}

func TestRunPublishesWorkerAndHeartbeat(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "seg")

	t.Setenv("SEGMENT_PATH", segPath)
	t.Setenv("NUM_FLAGS", "8")
	t.Setenv("WORKER_DELAY_MS", "5")
	t.Setenv("POLL_PARENT", "false")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := config.Parse(config.Flags{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(cfg, config.Flags{}).Run(ctx) }()

	// Observe the running worker from a second attachment, the way an
	// external collaborator would.
	require.Eventually(t, func() bool {
		shared, err := AttachShared(segPath, 8)
		if err != nil {
			return false
		}
		defer shared.Segment.Close()
		return shared.Registry.Pid() != 0 && shared.Flags.Get(heartbeatFlag) > 0
	}, 10*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app never shut down")
	}
}
