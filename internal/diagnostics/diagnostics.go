// Package diagnostics writes a best-effort JSON snapshot of everything the
// platform API knows about a simulation that failed to load.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"airbcm/internal/air"
	"airbcm/internal/logging"

	"golang.org/x/sync/errgroup"
)

const (
	maxFailedJobs = 5
	maxWorkers    = 3
	eventsNote    = "the platform API exposes no simulation events endpoint"
)

// Fetcher is the slice of the API client a dump needs.
type Fetcher interface {
	GetRaw(ctx context.Context, path string) air.RawResponse
	BaseURL() string
}

// Input describes the failed simulation.
type Input struct {
	SimulationID   string
	SimulationName string
	Reason         string
	// SimData is the last simulation payload seen by the wait loop.
	SimData map[string]any
	Now     time.Time
}

// Report is the file written to disk.
type Report struct {
	Timestamp      string         `json:"timestamp"`
	Reason         string         `json:"reason"`
	APIBaseURL     string         `json:"api_base_url"`
	SimulationID   string         `json:"simulation_id"`
	SimulationName string         `json:"simulation_name,omitempty"`
	SimData        map[string]any `json:"sim_data_from_wait_loop"`
	Endpoints      map[string]any `json:"endpoints"`
}

// FileName returns air-sim-failure-<id>-<ts>.json.
func FileName(simID string, now time.Time) string {
	return fmt.Sprintf("air-sim-failure-%s-%s.json", simID, now.Format("20060102-150405"))
}

// Collect gathers the report. Individual endpoint failures are recorded in
// the report rather than returned.
func Collect(ctx context.Context, f Fetcher, in Input) *Report {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	rep := &Report{
		Timestamp:      in.Now.Format(time.RFC3339),
		Reason:         in.Reason,
		APIBaseURL:     f.BaseURL(),
		SimulationID:   in.SimulationID,
		SimulationName: in.SimulationName,
		SimData:        in.SimData,
		Endpoints:      map[string]any{},
	}

	var mu sync.Mutex
	put := func(key string, v any) {
		mu.Lock()
		rep.Endpoints[key] = v
		mu.Unlock()
	}

	id := in.SimulationID
	bySim := url.Values{"simulation": {id}}.Encode()
	simple := map[string]string{
		"simulation":    "/api/v2/simulations/" + id + "/",
		"nodes":         "/api/v2/simulations/nodes/?" + bySim,
		"simulation_v1": "/api/v1/simulation/" + id + "/",
		"services_v2":   "/api/v2/simulations/nodes/interfaces/services/?" + bySim,
		"services_v1":   "/api/v1/service/?" + bySim,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for key, path := range simple {
		eg.Go(func() error {
			put(key, f.GetRaw(egCtx, path))
			return nil
		})
	}

	// Jobs lead to failed job details, which lead to worker records.
	eg.Go(func() error {
		jobs := f.GetRaw(egCtx, "/api/v2/jobs/?"+bySim)
		put("jobs", jobs)

		details := map[string]air.RawResponse{}
		var workers []string
		seenWorker := map[string]bool{}
		for _, jid := range failedJobIDs(jobs.JSON) {
			d := f.GetRaw(egCtx, "/api/v1/job/"+jid+"/")
			details[jid] = d
			if m, ok := d.JSON.(map[string]any); ok {
				if w, ok := m["worker"].(string); ok && w != "" && !seenWorker[w] {
					seenWorker[w] = true
					workers = append(workers, w)
				}
			}
		}
		put("jobs_v1_failed_details", details)

		if len(workers) > maxWorkers {
			workers = workers[:maxWorkers]
		}
		wres := map[string]air.RawResponse{}
		for _, w := range workers {
			wres[w] = f.GetRaw(egCtx, w)
		}
		put("workers_v1", wres)
		return nil
	})

	// Nothing above returns an error.
	_ = eg.Wait()

	rep.Endpoints["events"] = air.RawResponse{OK: false, Text: eventsNote}
	return rep
}

// failedJobIDs lists FAILED job ids from a v2 jobs page, START jobs first,
// without duplicates, capped at maxFailedJobs.
func failedJobIDs(page any) []string {
	m, ok := page.(map[string]any)
	if !ok {
		return nil
	}
	results, _ := m["results"].([]any)

	var start, other []string
	for _, r := range results {
		job, ok := r.(map[string]any)
		if !ok || job["state"] != "FAILED" {
			continue
		}
		id, _ := job["id"].(string)
		if id == "" {
			continue
		}
		if job["category"] == "START" {
			start = append(start, id)
		} else {
			other = append(other, id)
		}
	}

	seen := map[string]bool{}
	var out []string
	for _, id := range append(start, other...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) == maxFailedJobs {
			break
		}
	}
	return out
}

// Dump collects a report and writes it into dir. Callers log the error and
// carry on; a failed dump never fails a deployment.
func Dump(ctx context.Context, f Fetcher, dir string, in Input) (string, error) {
	if in.SimulationID == "" {
		return "", fmt.Errorf("no simulation id to diagnose")
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	rep := Collect(ctx, f, in)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create diagnostics dir: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode diagnostics: %w", err)
	}
	path := filepath.Join(dir, FileName(in.SimulationID, in.Now))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write diagnostics: %w", err)
	}
	logging.Deploy("Wrote simulation failure diagnostics to %s", path)
	return path, nil
}
