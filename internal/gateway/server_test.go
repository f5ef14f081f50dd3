package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/executor"
	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/state"
)

func testServer(t *testing.T, store state.Store) *Server {
	t.Helper()

	registry := engine.NewRegistry()
	registry.MustRegister(executor.NewTrigger(), executor.NewNote())

	driver := engine.NewDriver(registry, engine.WithWorkers(2), engine.WithLogger(logger.NewNop()))
	hub := NewHub(logger.NewNop(), nil)
	go hub.Run()

	runs := NewRunManager(RunManagerConfig{
		Driver: driver,
		Hub:    hub,
		Store:  store,
		Log:    logger.NewNop(),
	})

	return NewServer(ServerConfig{
		Runs: runs,
		Hub:  hub,
		Log:  logger.NewNop(),
		HTTP: config.HTTPConfig{Port: 0},
	})
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()

	req := SubmitRequest{
		Flow: flow.Definition{
			Name: "smoke",
			Nodes: []flow.Node{
				{ID: "t1", Kind: flow.KindTrigger},
				{ID: "n1", Kind: flow.KindNote},
			},
			Edges: []flow.Edge{{Source: "t1", Target: "n1"}},
		},
		Options: SubmitOptions{ClearResults: true, FlowID: "flow-smoke"},
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestRunLifecycle(t *testing.T) {
	store := state.NewMemoryStore()
	server := testServer(t, store)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", submitBody(t)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.RunID)

	// Poll until the run settles.
	var detail struct {
		Status  string             `json:"status"`
		Summary *engine.RunSummary `json:"summary"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = httptest.NewRecorder()
		server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+submitted.RunID, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		if detail.Status != "running" {
			break
		}
		require.True(t, time.Now().Before(deadline), "run did not settle in time")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, "completed", detail.Status)
	require.NotNil(t, detail.Summary)
	assert.Equal(t, 2, detail.Summary.Executed)
	assert.Zero(t, detail.Summary.Failed)

	// List shows the finished run.
	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []struct {
			RunID  string `json:"runId"`
			Status string `json:"status"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, submitted.RunID, list.Runs[0].RunID)

	// The session persisted a record for the flow.
	waitFor(t, time.Second, func() bool {
		_, err := store.LoadLatest(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "flow-smoke")
		return err == nil
	})
}

func TestSubmitRejectsInvalidFlow(t *testing.T) {
	server := testServer(t, nil)

	body := bytes.NewBufferString(`{"flow":{"nodes":[],"edges":[{"source":"a","target":"b"}]}}`)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", body))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetUnknownRun(t *testing.T) {
	server := testServer(t, nil)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopUnknownRun(t *testing.T) {
	server := testServer(t, nil)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs/nope/stop", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
