package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(Options{Dir: dir}))
	require.NoError(t, InitAudit())
	defer func() {
		CloseAudit()
		CloseAll()
	}()

	a := Audit("run-1").WithSimulation("sim-42")
	a.Phase(AuditPhaseStart, "simulation_created", nil)
	a.APICall("POST", "/api/v2/simulations/import/", 201, 40*time.Millisecond, nil)
	a.Phase(AuditPhaseError, "simulation_loaded", errors.New("timeout"))
	CloseAudit()

	date := time.Now().Format("2006-01-02")
	f, err := os.Open(filepath.Join(dir, date+"_audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 3)

	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, "sim-42", events[0].Simulation)
	assert.Equal(t, AuditAPICall, events[1].EventType)
	assert.Equal(t, int64(40), events[1].DurationMs)
	assert.False(t, events[2].Success)
	assert.Equal(t, "timeout", events[2].Error)
}

func TestAuditWithoutFileIsNoop(t *testing.T) {
	CloseAudit()
	var a *AuditLogger
	a.Log(AuditEvent{EventType: AuditRunStart})
	Audit("x").Upload("a", "b", 1, time.Second, nil)
}
