package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robproject/lre-sendes/pkg/acquisition"
	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/sendesdb"
	"github.com/robproject/lre-sendes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	server *Server
	store  *sendesdb.Store
	sim    *device.Simulated
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := sendesdb.Open(context.Background(), filepath.Join(dir, "sendes.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := NewHub(zap.NewNop())
	sim := device.NewSimulated(device.SimOptions{})
	ctrl := acquisition.NewController(sim, acquisition.DefaultOptions(), zap.NewNop(), hub)

	server, err := NewServer(store, ctrl, hub, filepath.Join(dir, "plots"), zap.NewNop())
	require.NoError(t, err)
	return &fixture{server: server, store: store, sim: sim}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, nil, nil, "", zap.NewNop())
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	f := setupTestServer(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Busy)
}

func TestRunRequiresActiveConfig(t *testing.T) {
	f := setupTestServer(t)
	rec := f.do(t, http.MethodPost, "/tests", map[string]bool{"live": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFullWorkflow(t *testing.T) {
	f := setupTestServer(t)

	rec := f.do(t, http.MethodPost, "/constants", func() types.PhysicalConstants {
		c := types.SampleConstants()
		c.IsActive = true
		return c
	}())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	constants := decode[CreatedResponse[types.PhysicalConstants]](t, rec)
	assert.True(t, constants.Item.IsActive)

	rec = f.do(t, http.MethodPost, "/configs", ConfigRequest{ScanRate: 267, ReadCount: 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cfg := decode[CreatedResponse[types.AcquisitionConfig]](t, rec)
	assert.True(t, cfg.Item.IsValid)
	assert.True(t, cfg.Item.IsActive)
	assert.Equal(t, "None", cfg.Item.ErrorMessage)

	rec = f.do(t, http.MethodPost, "/tests", map[string]bool{"live": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[map[string]any](t, rec)
	testID := int64(run["id"].(float64))
	assert.EqualValues(t, 665, run["scan_count"])
	assert.NotContains(t, run, "reads")

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/tests/%d", testID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Contains(t, got, "stats")

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/results/%d", testID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		ConstantsID int64 `json:"constants_id"`
		Result      struct {
			CdNominal float64 `json:"cd_nominal"`
		} `json:"result"`
		Image string `json:"image"`
	}](t, rec)
	assert.InDelta(t, 0.5989645095936884, res.Result.CdNominal, 1e-6)
	assert.Equal(t, constants.Item.ID, res.ConstantsID)
	assert.True(t, strings.HasPrefix(res.Image, "/plots/"))

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/tests/%d/window", testID), WindowRequest{WindowStart: 300, WindowFinish: 400})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/tests/%d/window", testID), WindowRequest{WindowStart: 400, WindowFinish: 300})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/tests/%d/images", testID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	images := decode[ImagesResponse](t, rec)
	require.Len(t, images.Images, 2)
	assert.Contains(t, images.Images[0], "_300_400_")

	rec = f.do(t, http.MethodGet, images.Images[0], nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/tests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.Test](t, rec), 1)
}

func TestErrorStatuses(t *testing.T) {
	f := setupTestServer(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/tests/42", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/tests/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/constants/9/activate", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/configs", ConfigRequest{ScanRate: 1, ReadCount: 5}).Code)

	bad := types.SampleConstants()
	bad.OrificeAvg = 1
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/constants", bad).Code)
}

func TestInvalidConfigIsNotActivated(t *testing.T) {
	f := setupTestServer(t)
	f.sim.Faults.DeviceBacklog = 500

	rec := f.do(t, http.MethodPost, "/configs", ConfigRequest{ScanRate: 267, ReadCount: 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cfg := decode[CreatedResponse[types.AcquisitionConfig]](t, rec)
	assert.False(t, cfg.Item.IsValid)
	assert.False(t, cfg.Item.IsActive)
	assert.True(t, strings.HasPrefix(cfg.Item.ErrorMessage, "Too many backlogs"))

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/configs/%d/activate", cfg.Item.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestServer(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sendes_")
}

func TestWebsocketReceivesRunProgress(t *testing.T) {
	f := setupTestServer(t)
	_, _, err := f.store.CreateConstants(context.Background(), types.SampleConstants())
	require.NoError(t, err)

	srv := httptest.NewServer(f.server.echo)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.server.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	go f.server.controller.Run(context.Background(), types.NewAcquisitionConfig(267, 3, 0, 0), 1, false)

	var events []Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var e Event
		require.NoError(t, conn.ReadJSON(&e))
		events = append(events, e)
		if e.Type != EventRead {
			break
		}
	}
	require.Len(t, events, 4)
	assert.Equal(t, 1, events[0].Read.Index)
	assert.Equal(t, EventDone, events[3].Type)
	assert.Equal(t, 399, events[3].Summary.TotalScans)
}

func TestBroadcastDropsStalledClient(t *testing.T) {
	f := setupTestServer(t)
	f.server.hub.writeWait = 50 * time.Millisecond

	srv := httptest.NewServer(f.server.echo)
	defer srv.Close()

	// never reads, so the socket buffers fill up
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.server.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		big := strings.Repeat("x", 16<<20)
		for f.server.hub.Clients() > 0 {
			f.server.hub.Broadcast(Event{Type: EventFailed, RunID: "r1", Error: big})
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("broadcast blocked on a client that does not read")
	}
	assert.Equal(t, 0, f.server.hub.Clients())
}
