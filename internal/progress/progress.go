// Package progress persists the deployment checkpoint so an interrupted run
// can pick up after the last completed step.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"airbcm/internal/logging"

	"github.com/danjacques/gofslock/fslock"
)

// Step names one checkpoint in the deployment.
type Step string

const (
	StepInit               Step = "init"
	StepVersionSelected    Step = "bcm_version_selected"
	StepPasswordConfigured Step = "password_configured"
	StepNameSet            Step = "simulation_name_set"
	StepSimulationCreated  Step = "simulation_created"
	StepCloudInit          Step = "cloudinit_configured"
	StepSimulationStarted  Step = "simulation_started"
	StepSimulationLoaded   Step = "simulation_loaded"
	StepSSHEnabled         Step = "ssh_enabled"
	StepNodeReady          Step = "node_ready"
	StepSSHConfigured      Step = "ssh_configured"
	StepBCMInstalled       Step = "bcm_installed"
	StepFeatures           Step = "features_configured"
	StepCompleted          Step = "completed"
)

// Steps is the checkpoint order.
var Steps = []Step{
	StepInit,
	StepVersionSelected,
	StepPasswordConfigured,
	StepNameSet,
	StepSimulationCreated,
	StepCloudInit,
	StepSimulationStarted,
	StepSimulationLoaded,
	StepSSHEnabled,
	StepNodeReady,
	StepSSHConfigured,
	StepBCMInstalled,
	StepFeatures,
	StepCompleted,
}

// FileName is the checkpoint file inside the log directory.
const FileName = "progress.json"

const (
	keyLastStep    = "last_step"
	keyLastUpdated = "last_updated"
)

// ErrLocked is returned by Lock when another run holds the checkpoint.
var ErrLocked = errors.New("another deployment is using this progress file")

// Index returns the position of step in Steps, or -1.
func Index(step Step) int {
	for i, s := range Steps {
		if s == step {
			return i
		}
	}
	return -1
}

// Tracker reads and writes one checkpoint file.
type Tracker struct {
	mu   sync.Mutex
	path string
	data map[string]any
	now  func() time.Time
}

// Open loads the checkpoint in dir. A missing or unreadable file starts empty.
func Open(dir string) *Tracker {
	t := &Tracker{
		path: filepath.Join(dir, FileName),
		now:  time.Now,
	}
	t.data = readFile(t.path)
	return t
}

// Path returns the checkpoint file path.
func (t *Tracker) Path() string { return t.path }

func readFile(path string) map[string]any {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.ProgressWarn("Failed to read %s: %v", path, err)
		}
		return map[string]any{}
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		logging.ProgressWarn("Ignoring corrupt checkpoint %s: %v", path, err)
		return map[string]any{}
	}
	return data
}

// Exists reports whether any progress has been recorded.
func (t *Tracker) Exists() bool {
	return t.LastStep() != ""
}

// LastStep returns the most recently completed step, or "".
func (t *Tracker) LastStep() Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, _ := t.data[keyLastStep].(string)
	return Step(s)
}

// LastUpdated returns the timestamp of the last write, if any.
func (t *Tracker) LastUpdated() string {
	return t.GetString(keyLastUpdated)
}

// IsCompleted reports whether step is at or before the last completed step.
func (t *Tracker) IsCompleted(step Step) bool {
	last := t.LastStep()
	if last == "" {
		return false
	}
	return Index(step) <= Index(last)
}

// Complete records step as done and stores kv alongside it.
func (t *Tracker) Complete(step Step, kv map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	maps.Copy(t.data, kv)
	t.data[keyLastStep] = string(step)
	logging.Progress("Completed step %s", step)
	return t.saveLocked()
}

// Set stores kv without advancing the last step.
func (t *Tracker) Set(kv map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	maps.Copy(t.data, kv)
	return t.saveLocked()
}

// Get returns a stored value.
func (t *Tracker) Get(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.data[key]
	return v, ok
}

// GetString returns a stored string, or "" when absent or not a string.
func (t *Tracker) GetString(key string) string {
	v, _ := t.Get(key)
	s, _ := v.(string)
	return s
}

// GetStringOr returns the stored string or def when it is empty.
func (t *Tracker) GetStringOr(key, def string) string {
	if s := t.GetString(key); s != "" {
		return s
	}
	return def
}

// GetBool returns a stored bool.
func (t *Tracker) GetBool(key string) bool {
	v, _ := t.Get(key)
	b, _ := v.(bool)
	return b
}

// GetInt returns a stored integer. JSON numbers come back as float64.
func (t *Tracker) GetInt(key string) (int, bool) {
	v, ok := t.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// State returns a copy of everything recorded.
func (t *Tracker) State() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.data)
}

// Clear forgets all progress and removes the file.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data = map[string]any{}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove progress file: %w", err)
	}
	logging.Progress("Cleared %s", t.path)
	return nil
}

// Reload re-reads the file, dropping in-memory state.
func (t *Tracker) Reload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = readFile(t.path)
}

func (t *Tracker) saveLocked() error {
	t.data[keyLastUpdated] = t.now().Format(time.RFC3339)

	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create progress directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".progress-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp progress file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		return fmt.Errorf("failed to replace progress file: %w", err)
	}
	logging.ProgressDebug("Saved %d keys to %s", len(t.data), t.path)
	return nil
}

// Lock takes an exclusive lock beside the checkpoint file. The returned
// function releases it.
func (t *Tracker) Lock() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create progress directory: %w", err)
	}
	h, err := fslock.Lock(t.path + ".lock")
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock progress file: %w", err)
	}
	return h.Unlock, nil
}
