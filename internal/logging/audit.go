package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies a deployment audit event.
type AuditEventType string

const (
	AuditRunStart      AuditEventType = "run_start"
	AuditRunEnd        AuditEventType = "run_end"
	AuditPhaseStart    AuditEventType = "phase_start"
	AuditPhaseComplete AuditEventType = "phase_complete"
	AuditPhaseSkipped  AuditEventType = "phase_skipped"
	AuditPhaseError    AuditEventType = "phase_error"
	AuditAPICall       AuditEventType = "api_call"
	AuditRemoteExec    AuditEventType = "remote_exec"
	AuditUpload        AuditEventType = "upload"
	AuditLocalExec     AuditEventType = "local_exec"
	AuditFallback      AuditEventType = "fallback"
)

// AuditEvent is one JSON line in the audit trail.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	Simulation string                 `json:"sim,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes audit events scoped to a run.
type AuditLogger struct {
	runID string
	simID string
}

// InitAudit opens <dir>/<date>_audit.jsonl. No-op when file logging is off.
func InitAudit() error {
	dir := Dir()
	if dir == "" || !IsCategoryEnabled(CategoryDeploy) {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_audit.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an audit logger for a deployment run.
func Audit(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// WithSimulation scopes subsequent events to a simulation ID.
func (a *AuditLogger) WithSimulation(simID string) *AuditLogger {
	return &AuditLogger{runID: a.runID, simID: simID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}
	if event.Simulation == "" {
		event.Simulation = a.simID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// Phase records a phase transition.
func (a *AuditLogger) Phase(eventType AuditEventType, phase string, err error) {
	ev := AuditEvent{EventType: eventType, Target: phase, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}

// APICall records one HTTP request against the simulation platform.
func (a *AuditLogger) APICall(method, path string, status int, dur time.Duration, err error) {
	ev := AuditEvent{
		EventType:  AuditAPICall,
		Action:     method,
		Target:     path,
		Success:    err == nil && status < 400,
		DurationMs: dur.Milliseconds(),
		Fields:     map[string]interface{}{"status": status},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}

// Exec records a command run on the head node or locally.
func (a *AuditLogger) Exec(eventType AuditEventType, target, command string, exitCode int, dur time.Duration, err error) {
	ev := AuditEvent{
		EventType:  eventType,
		Target:     target,
		Action:     command,
		Success:    err == nil && exitCode == 0,
		DurationMs: dur.Milliseconds(),
		Fields:     map[string]interface{}{"exit_code": exitCode},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}

// Upload records a file transfer.
func (a *AuditLogger) Upload(local, remote string, bytes int64, dur time.Duration, err error) {
	ev := AuditEvent{
		EventType:  AuditUpload,
		Target:     remote,
		Action:     local,
		Success:    err == nil,
		DurationMs: dur.Milliseconds(),
		Fields:     map[string]interface{}{"bytes": bytes},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}
