package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/llm"
	"github.com/talgya/galactic-sim/internal/realtime"
	"github.com/talgya/galactic-sim/internal/rules"
	"github.com/talgya/galactic-sim/internal/simulation"
)

const testAdminKey = "admin-secret"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, nil)
}

// newTestServerWith lets a test adjust the server before it starts serving.
func newTestServerWith(t *testing.T, configure func(*Server)) (*Server, *httptest.Server) {
	t.Helper()
	hub := realtime.NewHub()
	m := engine.NewManager(simulation.DefaultRegistry(), engine.Options{Interval: time.Millisecond, MaxStepsPerRequest: 100})
	m.Publisher = hub
	s := &Server{
		Manager:  m,
		Hub:      hub,
		AdminKey: testAdminKey,
		RelayKey: "relay-secret",
	}
	if configure != nil {
		configure(s)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		m.Shutdown(context.Background())
	})
	return s, ts
}

func do(t *testing.T, ts *httptest.Server, method, path, key string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestOutcomePreview(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/outcome/preview", "", map[string]any{"difficulty": 4, "skillRank": 6})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	want := rules.PreviewOutcome(rules.OutcomeInput{Difficulty: 4, SkillRank: 6})
	assert.InDelta(t, want.Score, body["score"], 1e-9)
	chance := body["chance"].(map[string]any)
	assert.InDelta(t, want.Chance.Success, chance["success"], 1e-9)

	resp, body = do(t, ts, http.MethodPost, "/api/outcome/preview", "", map[string]any{"skillRank": 6})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "difficulty must be a number", body["error"])

	resp, body = do(t, ts, http.MethodPost, "/api/outcome/preview", "", map[string]any{"difficulty": 2, "toolQuality": "fine"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "toolQuality must be a number", body["error"])

	resp, body = do(t, ts, http.MethodPost, "/api/outcome/preview", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid json", body["error"])
}

func TestTTCPreview(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/outcome/ttc", "", map[string]any{"baseSec": 100})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 100.0, body["ttcSec"])
	assert.Equal(t, 80.0, body["optimisticSec"])
	assert.Equal(t, 135.0, body["pessimisticSec"])

	resp, body = do(t, ts, http.MethodPost, "/api/outcome/ttc", "", map[string]any{"difficulty": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "baseSec must be a number", body["error"])

	resp, _ = do(t, ts, http.MethodPost, "/api/outcome/ttc", "", map[string]any{"baseSec": -5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTTCPreview_HugeAssistantCountStaysCapped(t *testing.T) {
	_, ts := newTestServer(t)

	prev := 0.0
	for i, n := range []float64{0, 1, 4, 16, 17, 1e6, 1e20, 1e300} {
		resp, body := do(t, ts, http.MethodPost, "/api/outcome/ttc", "", map[string]any{"baseSec": 600, "assistants": n})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		ttc := body["ttcSec"].(float64)
		if i > 0 {
			assert.LessOrEqual(t, ttc, prev, "assistants=%g", n)
		}
		prev = ttc
	}

	_, capped := do(t, ts, http.MethodPost, "/api/outcome/ttc", "", map[string]any{"baseSec": 600, "assistants": rules.MaxAssistants})
	_, huge := do(t, ts, http.MethodPost, "/api/outcome/ttc", "", map[string]any{"baseSec": 600, "assistants": 1e20})
	assert.Equal(t, capped["ttcSec"], huge["ttcSec"])
}

func TestClassicRoll_Seeded(t *testing.T) {
	_, ts := newTestServer(t)

	in := map[string]any{"difficulty": 5, "seed": 1234}
	_, a := do(t, ts, http.MethodPost, "/api/outcome/classic", "", in)
	_, b := do(t, ts, http.MethodPost, "/api/outcome/classic", "", in)
	assert.Equal(t, a["roll"], b["roll"])
	assert.Equal(t, a["tier"], b["tier"])
	assert.Equal(t, true, a["seeded"])

	resp, body := do(t, ts, http.MethodPost, "/api/outcome/classic", "", map[string]any{"difficulty": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["seeded"])
	assert.GreaterOrEqual(t, body["roll"].(float64), 0.0)

	resp, body = do(t, ts, http.MethodPost, "/api/outcome/classic", "", map[string]any{"difficulty": 5, "seed": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "seed must be an integer", body["error"])
}

func TestAdminAuth(t *testing.T) {
	s, ts := newTestServer(t)

	resp, _ := do(t, ts, http.MethodPost, "/api/v1/simulations", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/simulations", "wrong", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	s.AdminKey = ""
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/simulations", "anything", map[string]any{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSimulationLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp, created := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey,
		map[string]any{"config": map[string]any{"seed": 21, "params": map[string]any{"event_rate": 0.5}}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.Equal(t, simulation.SandboxName, created["provider"])
	assert.Equal(t, "created", created["status"])

	resp, stepped := do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/step", testAdminKey, map[string]any{"steps": 20})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 20.0, stepped["simulation"].(map[string]any)["tick"])
	assert.NotEmpty(t, stepped["events"])

	resp, body := do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/step", testAdminKey, map[string]any{"steps": 101})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "steps must be 1-100")

	resp, body = do(t, ts, http.MethodGet, "/api/v1/simulations/"+id+"/events?limit=5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 5)

	resp, _ = do(t, ts, http.MethodGet, "/api/v1/simulations/"+id+"/events?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/start", testAdminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/start", testAdminKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, engine.ErrRunActive.Error(), body["error"])

	resp, paused := do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/pause", testAdminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", paused["status"])

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/stop", testAdminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/step", testAdminKey, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, list := do(t, ts, http.MethodGet, "/api/v1/simulations", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["simulations"], 1)

	resp, _ = do(t, ts, http.MethodGet, "/api/v1/simulations/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreate_UnknownProviderAndBadConfig(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey, map[string]any{"provider": "procedural-sandbx"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "did you mean")

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey,
		map[string]any{"config": map[string]any{"sectors": 1000}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotExportImport(t *testing.T) {
	_, ts := newTestServer(t)

	_, a := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey, map[string]any{"config": map[string]any{"seed": 5}})
	_, b := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey, map[string]any{"config": map[string]any{"seed": 6}})
	idA, idB := a["id"].(string), b["id"].(string)

	do(t, ts, http.MethodPost, "/api/v1/simulations/"+idA+"/step", testAdminKey, map[string]any{"steps": 15})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/simulations/"+idA+"/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var snap simulation.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, uint64(15), snap.Tick)

	resp, restored := do(t, ts, http.MethodPost, "/api/v1/simulations/"+idB+"/snapshot", testAdminKey, snap)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 15.0, restored["tick"])
	assert.Equal(t, "paused", restored["status"])

	snap.Digest = strings.Repeat("0", 64)
	resp, body := do(t, ts, http.MethodPost, "/api/v1/simulations/"+idB+"/snapshot", testAdminKey, snap)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "digest")

	resp, body = do(t, ts, http.MethodPost, "/api/v1/simulations/"+idB+"/snapshot", testAdminKey, map[string]any{"provider": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "validate snapshot")
}

func TestSnapshotRawBodyReimport(t *testing.T) {
	_, ts := newTestServer(t)

	_, a := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey, map[string]any{"config": map[string]any{"seed": 11}})
	id := a["id"].(string)
	do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/step", testAdminKey, map[string]any{"steps": 7})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/simulations/"+id+"/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/step", testAdminKey, map[string]any{"steps": 3})

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/api/v1/simulations/"+id+"/snapshot", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, info)
	assert.Equal(t, 7.0, info["tick"])
}

func TestSpeed(t *testing.T) {
	_, ts := newTestServer(t)
	_, a := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey, map[string]any{})

	resp, body := do(t, ts, http.MethodPost, "/api/v1/speed", testAdminKey, map[string]any{"speed": 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["simulations"], 1)

	resp, got := do(t, ts, http.MethodGet, "/api/v1/simulations/"+a["id"].(string), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.0, got["speed"])

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/speed", testAdminKey, map[string]any{"speed": 5000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/speed", testAdminKey, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDispatch_FallbackAndCache(t *testing.T) {
	_, ts := newTestServer(t)
	_, a := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey,
		map[string]any{"config": map[string]any{"seed": 3, "params": map[string]any{"event_rate": 0.5}}})
	id := a["id"].(string)
	do(t, ts, http.MethodPost, "/api/v1/simulations/"+id+"/step", testAdminKey, map[string]any{"steps": 10})

	resp, d1 := do(t, ts, http.MethodGet, "/api/v1/simulations/"+id+"/dispatch", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, llm.SourceFallback, d1["source"])
	assert.Contains(t, d1["content"], "events logged")

	_, d2 := do(t, ts, http.MethodGet, "/api/v1/simulations/"+id+"/dispatch", "", nil)
	assert.Equal(t, d1["generated_at"], d2["generated_at"])
}

func TestDispatch_SlowGenerationDoesNotBlockOtherRuns(t *testing.T) {
	firstCall := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(firstCall)
			<-release
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"All quiet."}]}`))
	}))
	defer llmSrv.Close()
	defer close(release)

	_, ts := newTestServerWith(t, func(s *Server) {
		s.LLM = llm.NewClient("k").WithEndpoint(llmSrv.URL)
	})

	_, a := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey, map[string]any{})
	_, b := do(t, ts, http.MethodPost, "/api/v1/simulations", testAdminKey, map[string]any{})
	idA, idB := a["id"].(string), b["id"].(string)

	slow := make(chan int, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/api/v1/simulations/" + idA + "/dispatch")
		if err != nil {
			slow <- 0
			return
		}
		resp.Body.Close()
		slow <- resp.StatusCode
	}()

	select {
	case <-firstCall:
	case <-time.After(5 * time.Second):
		t.Fatal("first dispatch never reached the LLM")
	}

	done := make(chan map[string]any, 1)
	go func() {
		_, body := do(t, ts, http.MethodGet, "/api/v1/simulations/"+idB+"/dispatch", "", nil)
		done <- body
	}()

	select {
	case body := <-done:
		assert.Equal(t, llm.SourceLLM, body["source"])
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch for another run waited on a slow generation")
	}

	release <- struct{}{}
	assert.Equal(t, http.StatusOK, <-slow)
}

func TestStatusProvidersChannels(t *testing.T) {
	_, ts := newTestServer(t)

	resp, status := do(t, ts, http.MethodGet, "/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "galactic-sim", status["name"])
	assert.Equal(t, false, status["llm"])

	_, providers := do(t, ts, http.MethodGet, "/api/v1/providers", "", nil)
	assert.Equal(t, []any{simulation.SandboxName}, providers["providers"])

	_, channels := do(t, ts, http.MethodGet, "/api/v1/channels", "", nil)
	assert.Equal(t, 0.0, channels["channels"])
}

func TestStream(t *testing.T) {
	s, ts := newTestServer(t)

	resp, _ := do(t, ts, http.MethodGet, "/api/v1/stream?channel=lobby", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream?channel=lobby", nil)
	req.Header.Set("Authorization", "Bearer relay-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return s.Hub.Channels.Stats().Members["lobby"] == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Hub.Publish("lobby", realtime.TypeEvent, map[string]string{"hello": "world"}))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if strings.HasPrefix(sc.Text(), "data: ") && strings.Contains(sc.Text(), "hello") {
			break
		}
	}
	assert.Contains(t, lines, "event: event")
}

func TestRecoverAndCORS(t *testing.T) {
	h := recoverMiddleware(corsMiddleware([]string{"https://ui.example"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://ui.example")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `{"error":"boom"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	h := RateLimitMiddleware(rl, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 192.168.0.1")
		h(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Another client has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	h(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
