package air

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Job is a platform job (start, stop, rebuild...) attached to a simulation.
type Job struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	State    string `json:"state"`
}

// ListJobs returns the jobs of a simulation.
func (c *Client) ListJobs(ctx context.Context, simID string) ([]Job, error) {
	jobs, err := listAll[Job](ctx, c, withQuery("/api/v2/jobs/", "simulation", simID))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// RawResponse is a best-effort capture of an endpoint for diagnostics.
type RawResponse struct {
	OK         bool              `json:"ok"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	JSON       any               `json:"json,omitempty"`
	Text       string            `json:"text,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// GetRaw fetches path (or an absolute URL) without failing on status. JSON
// bodies are decoded; anything else is kept as truncated text.
func (c *Client) GetRaw(ctx context.Context, path string) RawResponse {
	if err := c.limiter.Wait(ctx); err != nil {
		return RawResponse{Error: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return RawResponse{Error: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RawResponse{Error: err.Error()}
	}
	defer resp.Body.Close()

	out := RawResponse{StatusCode: resp.StatusCode, Headers: map[string]string{}}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, 8<<20)); err != nil {
		out.Error = err.Error()
	}

	isJSON := strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "application/json")
	if resp.StatusCode == http.StatusOK && isJSON {
		if err := json.Unmarshal(buf.Bytes(), &out.JSON); err == nil {
			out.OK = true
			return out
		}
	}
	out.Text = truncate(buf.Bytes())
	return out
}

// GetJobV1 fetches the v1 job object, which carries failure notes and the
// worker URL that v2 omits.
func (c *Client) GetJobV1(ctx context.Context, id string) RawResponse {
	return c.GetRaw(ctx, "/api/v1/job/"+id+"/")
}
