package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCategoryLog(t *testing.T, dir string, cat Category) string {
	t.Helper()
	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_"+string(cat)+".log"))
	require.NoError(t, err)
	return string(data)
}

func TestAllCategoriesLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Dir: dir, Level: "debug"}))
	defer CloseAll()

	categories := []Category{
		CategoryBoot, CategoryAPI, CategoryDeploy, CategoryRemote, CategoryShell,
		CategoryProgress, CategoryTopology, CategoryFeatures, CategoryStore,
	}
	for _, cat := range categories {
		assert.True(t, IsCategoryEnabled(cat), "category %s", cat)
		l := Get(cat)
		l.Info("info for %s", cat)
		l.Debug("debug for %s", cat)
		l.Warn("warn for %s", cat)
		l.Error("error for %s", cat)
	}
	CloseAll()

	for _, cat := range categories {
		content := readCategoryLog(t, dir, cat)
		assert.Contains(t, content, "info for "+string(cat))
		assert.Contains(t, content, "debug for "+string(cat))
		assert.Contains(t, content, "WARN")
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Dir: dir, Level: "warn"}))
	defer CloseAll()

	Deploy("hidden info")
	DeployDebug("hidden debug")
	DeployWarn("visible warn")
	CloseAll()

	content := readCategoryLog(t, dir, CategoryDeploy)
	assert.NotContains(t, content, "hidden")
	assert.Contains(t, content, "visible warn")
}

func TestDisabledCategory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{
		Dir:        dir,
		Categories: map[string]bool{"api": false},
	}))
	defer CloseAll()

	assert.False(t, IsCategoryEnabled(CategoryAPI))
	assert.True(t, IsCategoryEnabled(CategoryDeploy))

	API("should not be written")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	_, err := os.Stat(filepath.Join(dir, date+"_api.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestDisabledLoggingIsNoop(t *testing.T) {
	require.NoError(t, Initialize(Options{Disabled: true}))
	defer CloseAll()

	assert.False(t, IsCategoryEnabled(CategoryBoot))
	// Must not panic.
	Get(CategoryRemote).With("sim", "x").Error("ignored %d", 1)
}

func TestJSONFormat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Dir: dir, Level: "info", JSONFormat: true}))
	defer CloseAll()

	Get(CategoryProgress).With("step", "simulation_created").Info("checkpoint %s", "saved")
	CloseAll()

	content := readCategoryLog(t, dir, CategoryProgress)
	lines := strings.Split(strings.TrimSpace(content), "\n")
	require.NotEmpty(t, lines)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	assert.Equal(t, "checkpoint saved", entry["msg"])
	assert.Equal(t, "progress", entry["cat"])
	assert.Equal(t, "simulation_created", entry["step"])
}

func TestTimerThreshold(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Dir: dir, Level: "debug"}))
	defer CloseAll()

	timer := StartTimer(CategoryAPI, "slow call")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	CloseAll()

	assert.Contains(t, readCategoryLog(t, dir, CategoryAPI), "slow call took")
}
