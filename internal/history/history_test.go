package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "logs", FileName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartFinishGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return base.Add(90 * time.Second) }

	r := &Run{StartedAt: base, Namespace: "lab", Resumed: true}
	require.NoError(t, s.Start(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusRunning, r.Status)

	require.NoError(t, s.Update(ctx, r.ID, "sim-1", "bcm-01", "11.30.0"))
	require.NoError(t, s.Update(ctx, r.ID, "", "", ""))
	require.NoError(t, s.Finish(ctx, r.ID, StatusFailed, "ssh_configured", errors.New("install failed")))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "sim-1", got.SimulationID)
	assert.Equal(t, "bcm-01", got.SimulationName)
	assert.Equal(t, "11.30.0", got.BCMVersion)
	assert.Equal(t, "lab", got.Namespace)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "ssh_configured", got.LastStep)
	assert.Equal(t, "install failed", got.Error)
	assert.True(t, got.Resumed)
	assert.Equal(t, 90*time.Second, got.Duration())
}

func TestRecentOrdering(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Start(ctx, &Run{ID: string(rune('a' + i)), StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	runs, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"e", "d", "c"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})
	assert.Zero(t, runs[0].Duration())
}

func TestForSimulationAndUnknownRun(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, &Run{ID: "one", SimulationID: "sim-x"}))
	require.NoError(t, s.Start(ctx, &Run{ID: "two", SimulationID: "sim-y"}))

	runs, err := s.ForSimulation(ctx, "sim-x")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "one", runs[0].ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Finish(ctx, "missing", StatusSucceeded, "completed", nil), ErrNotFound)
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), &Run{ID: "persisted"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "persisted")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}
