// Package client is a typed HTTP client for the galactic-sim API.
// Read calls are public; run control sends the admin bearer token.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/llm"
	"github.com/talgya/galactic-sim/internal/realtime"
	"github.com/talgya/galactic-sim/internal/rules"
	"github.com/talgya/galactic-sim/internal/simulation"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one galacticd instance.
type Client struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// New creates a Client targeting baseURL with optional admin auth.
func New(baseURL, adminKey string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status mirrors GET /api/v1/status.
type Status struct {
	Name        string                `json:"name"`
	UptimeSec   int                   `json:"uptime_sec"`
	Runs        int                   `json:"runs"`
	RunsBy      map[engine.Status]int `json:"runs_by"`
	Providers   []string              `json:"providers"`
	Connections int                   `json:"connections"`
	LLM         bool                  `json:"llm"`
	LLMUsage    llm.Usage             `json:"llm_usage"`
	Entropy     bool                  `json:"entropy"`
	Persistence bool                  `json:"persistence"`
}

// StepResult mirrors POST /api/v1/simulations/{id}/step.
type StepResult struct {
	Simulation engine.RunInfo     `json:"simulation"`
	Events     []simulation.Event `json:"events"`
}

func (c *Client) do(ctx context.Context, method, path string, admin bool, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin && c.AdminKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Status fetches server status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", false, nil, &s)
	return s, err
}

// Providers lists registered simulation providers.
func (c *Client) Providers(ctx context.Context) ([]string, error) {
	var out struct {
		Providers []string `json:"providers"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/providers", false, nil, &out)
	return out.Providers, err
}

// Channels fetches realtime channel stats.
func (c *Client) Channels(ctx context.Context) (realtime.ChannelStats, error) {
	var st realtime.ChannelStats
	err := c.do(ctx, http.MethodGet, "/api/v1/channels", false, nil, &st)
	return st, err
}

// PreviewOutcome asks for outcome bands.
func (c *Client) PreviewOutcome(ctx context.Context, in rules.OutcomeInput) (rules.OutcomePreview, error) {
	var p rules.OutcomePreview
	err := c.do(ctx, http.MethodPost, "/api/outcome/preview", false, in, &p)
	return p, err
}

// PreviewTTC asks for a time-to-complete estimate.
func (c *Client) PreviewTTC(ctx context.Context, in rules.TTCInput) (rules.TTCPreview, error) {
	var p rules.TTCPreview
	err := c.do(ctx, http.MethodPost, "/api/outcome/ttc", false, in, &p)
	return p, err
}

// Roll makes a classic roll. A nil seed draws from the server's entropy source.
func (c *Client) Roll(ctx context.Context, in rules.OutcomeInput, seed *int64) (rules.RollResult, error) {
	body := struct {
		rules.OutcomeInput
		Seed *int64 `json:"seed,omitempty"`
	}{in, seed}
	var r rules.RollResult
	err := c.do(ctx, http.MethodPost, "/api/outcome/classic", false, body, &r)
	return r, err
}

// ListRuns lists every simulation run.
func (c *Client) ListRuns(ctx context.Context) ([]engine.RunInfo, error) {
	var out struct {
		Simulations []engine.RunInfo `json:"simulations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/simulations", false, nil, &out)
	return out.Simulations, err
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, id string) (engine.RunInfo, error) {
	var info engine.RunInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/simulations/"+url.PathEscape(id), false, nil, &info)
	return info, err
}

// CreateRun creates a run, optionally starting it right away.
func (c *Client) CreateRun(ctx context.Context, provider string, cfg simulation.Config, start bool) (engine.RunInfo, error) {
	body := map[string]any{"provider": provider, "config": cfg, "start": start}
	var info engine.RunInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/simulations", true, body, &info)
	return info, err
}

func (c *Client) control(ctx context.Context, id, action string) (engine.RunInfo, error) {
	var info engine.RunInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/simulations/"+url.PathEscape(id)+"/"+action, true, nil, &info)
	return info, err
}

// StartRun schedules a run.
func (c *Client) StartRun(ctx context.Context, id string) (engine.RunInfo, error) {
	return c.control(ctx, id, "start")
}

// PauseRun pauses a run.
func (c *Client) PauseRun(ctx context.Context, id string) (engine.RunInfo, error) {
	return c.control(ctx, id, "pause")
}

// StopRun stops a run for good.
func (c *Client) StopRun(ctx context.Context, id string) (engine.RunInfo, error) {
	return c.control(ctx, id, "stop")
}

// Step advances a paused run by n ticks.
func (c *Client) Step(ctx context.Context, id string, n int) (StepResult, error) {
	var out StepResult
	err := c.do(ctx, http.MethodPost, "/api/v1/simulations/"+url.PathEscape(id)+"/step", true, map[string]int{"steps": n}, &out)
	return out, err
}

// Events fetches a run's most recent events.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]simulation.Event, error) {
	path := "/api/v1/simulations/" + url.PathEscape(id) + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Events []simulation.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, path, false, nil, &out)
	return out.Events, err
}

// Dispatch fetches the current dispatch for a run.
func (c *Client) Dispatch(ctx context.Context, id string) (llm.Dispatch, error) {
	var d llm.Dispatch
	err := c.do(ctx, http.MethodGet, "/api/v1/simulations/"+url.PathEscape(id)+"/dispatch", false, nil, &d)
	return d, err
}

// ExportSnapshot downloads a run's state.
func (c *Client) ExportSnapshot(ctx context.Context, id string) (simulation.Snapshot, error) {
	var snap simulation.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/simulations/"+url.PathEscape(id)+"/snapshot", true, nil, &snap)
	return snap, err
}

// ImportSnapshot replaces a run's state.
func (c *Client) ImportSnapshot(ctx context.Context, id string, snap simulation.Snapshot) (engine.RunInfo, error) {
	var info engine.RunInfo
	err := c.do(ctx, http.MethodPost, "/api/v1/simulations/"+url.PathEscape(id)+"/snapshot", true, snap, &info)
	return info, err
}

// SetSpeed changes one run's speed, or every run's when id is empty.
func (c *Client) SetSpeed(ctx context.Context, id string, speed float64) error {
	return c.do(ctx, http.MethodPost, "/api/v1/speed", true, map[string]any{"run_id": id, "speed": speed}, nil)
}

// WaitReady polls the status endpoint with exponential backoff until it
// responds or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		_, err := c.Status(ctx)
		if err == nil {
			slog.Debug("API is ready", "url", c.BaseURL)
			return nil
		}
		slog.Debug("API not ready, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return fmt.Errorf("API not ready at %s: %w", c.BaseURL, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
