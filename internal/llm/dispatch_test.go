package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/galactic-sim/internal/simulation"
)

var sampleEvents = []simulation.Event{
	{Tick: 3, Kind: "discovery", Sector: "S001", Description: "Derelict found in Vega Reach", Magnitude: 0.4},
	{Tick: 5, Kind: "unrest", Sector: "S004", Description: "Riots in Orion Drift", Magnitude: 0.9},
	{Tick: 7, Kind: "discovery", Sector: "S002", Description: "Ice moon charted", Magnitude: 0.2},
}

func TestNewClient_DisabledWithoutKey(t *testing.T) {
	c := NewClient("")
	assert.Nil(t, c)
	assert.False(t, c.Enabled())

	_, err := c.Complete(context.Background(), "", "hi", 10)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestGenerateDispatch_Fallback(t *testing.T) {
	d := GenerateDispatch(context.Background(), nil, DispatchData{RunID: "r", Tick: 7, Stardate: "Cycle 1, Day 1, Watch 2 (07:00)", Events: sampleEvents})
	assert.Equal(t, SourceFallback, d.Source)
	assert.Contains(t, d.Content, "3 events logged: 2 discovery, 1 unrest.")
	assert.Contains(t, d.Content, "Most significant: Riots in Orion Drift (tick 5).")
	assert.Contains(t, d.Content, "Latest: Ice moon charted.")

	quiet := GenerateDispatch(context.Background(), nil, DispatchData{RunID: "r"})
	assert.Contains(t, quiet.Content, "All sectors quiet")
}

func TestGenerateDispatch_LLM(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"content":[{"text":"  Riots flare in S004.  "}],"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	c := NewClient("test-key").WithEndpoint(srv.URL)
	d := GenerateDispatch(context.Background(), c, DispatchData{RunID: "r", Tick: 7, Events: sampleEvents})
	assert.Equal(t, SourceLLM, d.Source)
	assert.Equal(t, "Riots flare in S004.", d.Content)
	require.Len(t, got.Messages, 1)
	assert.Contains(t, got.Messages[0].Content, "Riots in Orion Drift")
}

func TestGenerateDispatch_APIErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("k").WithEndpoint(srv.URL)
	c.retryDelay = time.Millisecond
	d := GenerateDispatch(context.Background(), c, DispatchData{Events: sampleEvents})
	assert.Equal(t, SourceFallback, d.Source)
	assert.Equal(t, 1, c.Usage().Failures)
}

func TestClient_RetriesOverloaded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"Quiet "},{"type":"text","text":"watch."}],"usage":{"input_tokens":7,"output_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewClient("k").WithEndpoint(srv.URL)
	c.retryDelay = time.Millisecond
	text, err := c.Complete(context.Background(), "", "p", 5)
	require.NoError(t, err)
	assert.Equal(t, "Quiet watch.", text)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, Usage{Calls: 1, InputTokens: 7, OutputTokens: 3}, c.Usage())
}

func TestClient_APIErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer srv.Close()

	c := NewClient("k").WithEndpoint(srv.URL)
	_, err := c.Complete(context.Background(), "", "p", 5)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_request_error", apiErr.Type)
	assert.Equal(t, "max_tokens too large", apiErr.Message)
	assert.False(t, apiErr.Retryable())
}

func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"text":"ok"}]}`))
	}))
	defer srv.Close()

	c := NewClient("k").WithEndpoint(srv.URL)
	c.maxPerMin = 2
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Complete(ctx, "", "p", 5)
		require.NoError(t, err)
	}
	_, err := c.Complete(ctx, "", "p", 5)
	assert.ErrorIs(t, err, ErrRateLimited)
}
