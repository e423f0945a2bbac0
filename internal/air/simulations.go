package air

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"airbcm/internal/logging"
)

// Simulation states reported by the API.
const (
	StateNew     = "NEW"
	StateStored  = "STORED"
	StateLoading = "LOADING"
	StateLoaded  = "LOADED"
	StateRunning = "RUNNING"
	StateError   = "ERROR"
	StateFailed  = "FAILED"
)

// Simulation is the subset of the v2 simulation object the deployer reads.
type Simulation struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Name    string         `json:"name,omitempty"`
	State   string         `json:"state"`
	Created string         `json:"created,omitempty"`
	Extra   map[string]any `json:"-"`
}

// DisplayName returns the title, falling back to name.
func (s Simulation) DisplayName() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Name
}

// IsActive reports whether the simulation is already loaded or running.
func (s Simulation) IsActive() bool {
	return s.State == StateLoaded || s.State == StateRunning
}

// Failed reports a terminal error state.
func (s Simulation) Failed() bool {
	return s.State == StateError || s.State == StateFailed
}

// ListSimulations returns every simulation visible to the user.
func (c *Client) ListSimulations(ctx context.Context) ([]Simulation, error) {
	sims, err := listAll[Simulation](ctx, c, "/api/v2/simulations/")
	if err != nil {
		return nil, fmt.Errorf("failed to list simulations: %w", err)
	}
	return sims, nil
}

// GetSimulation fetches one simulation. The raw document is kept in Extra for
// diagnostics.
func (c *Client) GetSimulation(ctx context.Context, id string) (*Simulation, error) {
	var raw map[string]any
	if _, err := c.do(ctx, http.MethodGet, "/api/v2/simulations/"+id+"/", nil, &raw); err != nil {
		return nil, err
	}
	sim := &Simulation{ID: id, Extra: raw}
	sim.Title, _ = raw["title"].(string)
	sim.Name, _ = raw["name"].(string)
	sim.State, _ = raw["state"].(string)
	sim.Created, _ = raw["created"].(string)
	if v, ok := raw["id"].(string); ok && v != "" {
		sim.ID = v
	}
	return sim, nil
}

// FindSimulationByName returns the first simulation whose title or name
// equals name.
func (c *Client) FindSimulationByName(ctx context.Context, name string) (*Simulation, error) {
	sims, err := c.ListSimulations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sims {
		if sims[i].Title == name || sims[i].Name == name {
			return &sims[i], nil
		}
	}
	return nil, fmt.Errorf("simulation %q: %w", name, ErrNotFound)
}

// ImportSimulation creates a simulation from a topology document and returns
// the created simulation.
func (c *Client) ImportSimulation(ctx context.Context, doc map[string]any) (*Simulation, error) {
	var out Simulation
	_, err := c.do(ctx, http.MethodPost, "/api/v2/simulations/import/", doc, &out, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("failed to import simulation: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("no simulation ID in import response")
	}
	logging.API("Imported simulation %s (%s)", out.ID, out.Title)
	return &out, nil
}

// LoadSimulation starts a simulation.
func (c *Client) LoadSimulation(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v2/simulations/"+id+"/load/", nil, nil,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	if err != nil {
		return fmt.Errorf("failed to start simulation: %w", err)
	}
	return nil
}

// DeleteSimulation removes a simulation.
func (c *Client) DeleteSimulation(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v2/simulations/"+id+"/", nil, nil,
		http.StatusOK, http.StatusAccepted, http.StatusNoContent)
	if err != nil {
		return fmt.Errorf("failed to delete simulation: %w", err)
	}
	logging.API("Deleted simulation %s", id)
	return nil
}

// SimulationName formats the default name for sequence n in the month of now.
func SimulationName(now time.Time, n int) string {
	return fmt.Sprintf("%s%03d-BCM-Lab", now.Format("200601"), n)
}

// NextSimulationName returns YYYYMMNNN-BCM-Lab with NNN one past the highest
// sequence already used this month. Listing failures fall back to 001.
func (c *Client) NextSimulationName(ctx context.Context, now time.Time) string {
	sims, err := c.ListSimulations(ctx)
	if err != nil {
		logging.APIWarn("Could not check existing simulations: %v", err)
		return SimulationName(now, 1)
	}
	return SimulationName(now, nextSequence(sims, now))
}

func nextSequence(sims []Simulation, now time.Time) int {
	pattern := regexp.MustCompile(`^` + now.Format("200601") + `(\d{3})-BCM-Lab$`)
	highest := 0
	for _, s := range sims {
		m := pattern.FindStringSubmatch(s.Title)
		if m == nil {
			continue
		}
		if n, _ := strconv.Atoi(m[1]); n > highest {
			highest = n
		}
	}
	return highest + 1
}
