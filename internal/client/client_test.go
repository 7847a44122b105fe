package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/galactic-sim/internal/api"
	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/realtime"
	"github.com/talgya/galactic-sim/internal/rules"
	"github.com/talgya/galactic-sim/internal/simulation"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	m := engine.NewManager(simulation.DefaultRegistry(), engine.Options{Interval: time.Millisecond})
	s := &api.Server{Manager: m, Hub: realtime.NewHub(), AdminKey: "k"}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		m.Shutdown(context.Background())
	})
	return ts
}

func TestClient_EndToEnd(t *testing.T) {
	ctx := context.Background()
	c := New(newBackend(t).URL+"/", "k")

	require.NoError(t, c.WaitReady(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "galactic-sim", st.Name)

	providers, err := c.Providers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{simulation.SandboxName}, providers)

	preview, err := c.PreviewOutcome(ctx, rules.OutcomeInput{Difficulty: 3, SkillRank: 4})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, preview.Chance.Sum(), 1e-9)

	ttc, err := c.PreviewTTC(ctx, rules.TTCInput{BaseSec: 60, SkillRank: 5})
	require.NoError(t, err)
	assert.Less(t, ttc.TTCSec, 60)

	seed := int64(99)
	r1, err := c.Roll(ctx, rules.OutcomeInput{Difficulty: 3}, &seed)
	require.NoError(t, err)
	r2, err := c.Roll(ctx, rules.OutcomeInput{Difficulty: 3}, &seed)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.True(t, r1.Seeded)

	info, err := c.CreateRun(ctx, "", simulation.Config{Seed: 8, Params: map[string]float64{"event_rate": 0.4}}, false)
	require.NoError(t, err)

	step, err := c.Step(ctx, info.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), step.Simulation.Tick)

	events, err := c.Events(ctx, info.ID, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	snap, err := c.ExportSnapshot(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), snap.Tick)

	other, err := c.CreateRun(ctx, simulation.SandboxName, simulation.Config{Seed: 1}, false)
	require.NoError(t, err)
	restored, err := c.ImportSnapshot(ctx, other.ID, snap)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), restored.Tick)

	_, err = c.StartRun(ctx, info.ID)
	require.NoError(t, err)
	require.NoError(t, c.SetSpeed(ctx, info.ID, 2))
	paused, err := c.PauseRun(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPaused, paused.Status)
	assert.Equal(t, 2.0, paused.Speed)

	d, err := c.Dispatch(ctx, info.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, d.Content)

	stopped, err := c.StopRun(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusStopped, stopped.Status)

	runs, err := c.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestClient_APIError(t *testing.T) {
	ctx := context.Background()
	c := New(newBackend(t).URL, "wrong")

	_, err := c.GetRun(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, engine.ErrRunNotFound.Error(), apiErr.Message)

	_, err = c.CreateRun(ctx, "", simulation.Config{}, false)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestWaitReady_ContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := New("http://127.0.0.1:1", "")
	err := c.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
