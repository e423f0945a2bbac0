package air

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:  srv.URL + "/",
		Username: "user@example.com",
		Token:    "api-token",
		Retries:  2,
		Backoff:  time.Millisecond,
	})
	c.SetJWT("jwt")
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/login/", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "user@example.com", r.PostForm.Get("username"))
		assert.Equal(t, "api-token", r.PostForm.Get("password"))
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, 200, map[string]string{"token": "fresh"})
	}))
	c.SetJWT("")
	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, "fresh", c.jwt)
}

func TestLoginFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, map[string]string{"detail": "bad credentials"})
	}))
	err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "bad credentials")
}

func TestRetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, 200, map[string]any{"id": "s1", "title": "lab", "state": "LOADED"})
	}))

	sim, err := c.GetSimulation(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "lab", sim.DisplayName())
	assert.True(t, sim.IsActive())
}

func TestRetriesGiveUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	_, err := c.GetSimulation(context.Background(), "s1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	err := c.LoadSimulation(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotFound(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.GetSimulation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAllFollowsNext(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/simulations/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, 200, map[string]any{"next": nil, "results": []map[string]string{{"id": "b", "title": "B"}}})
			return
		}
		next := srvURL + "/api/v2/simulations/?page=2"
		writeJSON(w, 200, map[string]any{"next": next, "results": []map[string]string{{"id": "a", "title": "A"}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := NewClient(Config{BaseURL: srv.URL})
	sims, err := c.ListSimulations(context.Background())
	require.NoError(t, err)
	require.Len(t, sims, 2)
	assert.Equal(t, "B", sims[1].Title)

	found, err := c.FindSimulationByName(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, "b", found.ID)

	_, err = c.FindSimulationByName(context.Background(), "C")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAcceptsBareArray(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sim-1", r.URL.Query().Get("simulation"))
		writeJSON(w, 200, []map[string]string{
			{"id": "n1", "name": "bcm-01", "state": "booted"},
			{"id": "n2", "name": "leaf01", "state": "NEW"},
		})
	}))
	nodes, err := c.ListNodes(context.Background(), "sim-1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.True(t, nodes[0].Ready())
	assert.False(t, nodes[1].Ready())
}

func TestImportSimulation(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v2/simulations/import/", r.URL.Path)
		var doc map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		assert.Equal(t, "my-lab", doc["title"])
		writeJSON(w, 201, map[string]any{"id": "new-id", "title": doc["title"], "state": "NEW"})
	}))
	sim, err := c.ImportSimulation(context.Background(), map[string]any{"title": "my-lab", "format": "JSON"})
	require.NoError(t, err)
	assert.Equal(t, "new-id", sim.ID)
}

func TestImportSimulationForbidden(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := c.ImportSimulation(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDeleteSimulation(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v2/simulations/s1/", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, c.DeleteSimulation(context.Background(), "s1"))
}

func TestNextSimulationName(t *testing.T) {
	now := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"results": []map[string]string{
			{"title": "202603001-BCM-Lab"},
			{"title": "202603007-BCM-Lab"},
			{"title": "202602042-BCM-Lab"},
			{"title": "something else"},
		}})
	}))
	assert.Equal(t, "202603008-BCM-Lab", c.NextSimulationName(context.Background(), now))

	broken := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	assert.Equal(t, "202603001-BCM-Lab", broken.NextSimulationName(context.Background(), now))
}

func TestGetRaw(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/job/j1/":
			writeJSON(w, 200, map[string]string{"worker": "https://worker"})
		default:
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, "<html>bad gateway</html>")
		}
	}))
	ok := c.GetJobV1(context.Background(), "j1")
	assert.True(t, ok.OK)
	assert.Equal(t, "https://worker", ok.JSON.(map[string]any)["worker"])

	bad := c.GetRaw(context.Background(), "/elsewhere/")
	assert.False(t, bad.OK)
	assert.Equal(t, 502, bad.StatusCode)
	assert.Contains(t, bad.Text, "bad gateway")
}

func TestRateLimiterHonoursContext(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", RateLimit: 0.001, Burst: 1})
	// First token is free; the second would take ~1000s.
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetSimulation(ctx, "x")
	assert.Error(t, err)
}
