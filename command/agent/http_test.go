package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/wplace-tools/guardmaster/ci"
	"github.com/wplace-tools/guardmaster/helper/testlog"
	"github.com/wplace-tools/guardmaster/structs"
	"github.com/wplace-tools/guardmaster/testutil"
)

func makeHTTPServer(t *testing.T) (*HTTPServer, *Agent) {
	t.Helper()

	config := DefaultConfig()
	config.BindAddr = "127.0.0.1"
	config.Port = 0
	config.DatabaseURL = "sqlite://" + filepath.Join(t.TempDir(), "master.db")

	agent, err := NewAgent(config, testlog.HCLogger(t))
	require.NoError(t, err)

	srv, err := NewHTTPServer(agent, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.Shutdown()
		agent.Shutdown()
	})
	return srv, agent
}

func httpJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// dialSlave connects a fake worker and consumes its connect ack.
func dialSlave(t *testing.T, srv *HTTPServer, id string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws/slave?id=%s", srv.Addr, id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, structs.MsgTypeConnected, ack["type"])
	return conn
}

func TestHTTP_AgentHealth(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)

	var out map[string]any
	resp := httpJSON(t, http.MethodGet, "http://"+srv.Addr+"/v1/agent/health", nil, &out)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Eq(t, "healthy", out["status"])
	must.Eq(t, float64(0), out["slaves"].(float64))
}

func TestHTTP_GuardConfig(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)
	base := "http://" + srv.Addr

	var out map[string]any
	httpJSON(t, http.MethodGet, base+"/v1/guard/config", nil, &out)
	cfg := out["config"].(map[string]any)
	must.Eq(t, "random", cfg["protectionPattern"])

	var updated map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/guard/config", map[string]any{
		"protectionPattern": "spiral",
		"pixelsPerBatch":    25,
	}, &updated)
	changed := updated["changed"].(map[string]any)
	must.Eq(t, "spiral", changed["protectionPattern"])
	must.Eq(t, float64(25), changed["pixelsPerBatch"].(float64))

	httpJSON(t, http.MethodGet, base+"/v1/guard/config", nil, &out)
	cfg = out["config"].(map[string]any)
	must.Eq(t, "spiral", cfg["protectionPattern"])
	must.Eq(t, float64(25), cfg["pixelsPerBatch"].(float64))
}

func TestHTTP_GuardCheckNoSlaves(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)
	resp := httpJSON(t, http.MethodPost, "http://"+srv.Addr+"/v1/guard/check", map[string]any{}, nil)
	must.Eq(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_ProjectsAndSessions(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)
	base := "http://" + srv.Addr

	// Name is required.
	resp := httpJSON(t, http.MethodPost, base+"/v1/projects", map[string]any{"mode": "Guard"}, nil)
	must.Eq(t, http.StatusBadRequest, resp.StatusCode)

	var created map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/projects", map[string]any{
		"name":   "mural",
		"mode":   structs.ProjectModeGuard,
		"config": map[string]any{"width": 64},
	}, &created)
	projectID := created["project_id"].(string)
	must.NotEq(t, "", projectID)

	var got map[string]any
	httpJSON(t, http.MethodGet, base+"/v1/project/"+projectID, nil, &got)
	must.Eq(t, "mural", got["name"])

	resp = httpJSON(t, http.MethodGet, base+"/v1/project/missing", nil, nil)
	must.Eq(t, http.StatusNotFound, resp.StatusCode)

	var listed map[string]any
	httpJSON(t, http.MethodGet, base+"/v1/projects", nil, &listed)
	must.Len(t, 1, listed["projects"].([]any))

	// Sessions need an existing project and a slave list.
	resp = httpJSON(t, http.MethodPost, base+"/v1/sessions", map[string]any{
		"project_id": "missing", "slave_ids": []string{"a"},
	}, nil)
	must.Eq(t, http.StatusNotFound, resp.StatusCode)

	resp = httpJSON(t, http.MethodPost, base+"/v1/sessions", map[string]any{
		"project_id": projectID,
	}, nil)
	must.Eq(t, http.StatusBadRequest, resp.StatusCode)

	var sessCreated map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/sessions", map[string]any{
		"project_id": projectID,
		"slave_ids":  []string{"a", "b"},
		"strategy":   structs.StrategyBalanced,
	}, &sessCreated)
	sessionID := sessCreated["session_id"].(string)

	// Starting with no connected workers is rejected.
	resp = httpJSON(t, http.MethodPost, base+"/v1/session/"+sessionID+"/start", map[string]any{}, nil)
	must.Eq(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_ProjectsClearAll(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)
	base := "http://" + srv.Addr

	var created map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/projects", map[string]any{
		"name": "one", "mode": structs.ProjectModeImage, "config": map[string]any{},
	}, &created)

	var out map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/projects/clear-all", map[string]any{}, &out)
	must.Eq(t, float64(1), out["projects_deleted"].(float64))

	var listed map[string]any
	httpJSON(t, http.MethodGet, base+"/v1/projects", nil, &listed)
	must.Len(t, 0, listed["projects"].([]any))
}

func TestHTTP_SelectedSlaves(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)
	base := "http://" + srv.Addr

	var out map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/ui/selected-slaves", map[string]any{
		"slave_ids": []string{"a", "b", "a"},
	}, &out)
	must.Eq(t, []any{"a", "b"}, out["slave_ids"].([]any))

	httpJSON(t, http.MethodGet, base+"/v1/ui/selected-slaves", nil, &out)
	must.Eq(t, []any{"a", "b"}, out["slave_ids"].([]any))
}

func TestHTTP_RepairOrders(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)
	base := "http://" + srv.Addr

	var out map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/repair/orders", map[string]any{
		"pixels": []any{},
	}, &out)
	must.Eq(t, float64(0), out["distributed"].(float64))

	resp := httpJSON(t, http.MethodPost, base+"/v1/repair/orders", map[string]any{
		"pixels": []any{map[string]any{"x": 1, "y": 1, "expectedColor": 3}},
	}, nil)
	must.Eq(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_SlaveSocketLifecycle(t *testing.T) {
	ci.Parallel(t)

	srv, agent := makeHTTPServer(t)
	base := "http://" + srv.Addr

	conn := dialSlave(t, srv, "S1")

	var listed map[string]any
	httpJSON(t, http.MethodGet, base+"/v1/slaves", nil, &listed)
	slaves := listed["slaves"].([]any)
	must.Len(t, 1, slaves)
	first := slaves[0].(map[string]any)
	must.Eq(t, "S1", first["id"])
	must.Eq(t, true, first["is_favorite"])

	// Telemetry frames update the record.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": structs.MsgTypeTelemetry,
		"data": map[string]any{"remaining_charges": 12, "status": structs.SlaveStatusWorking},
	}))
	testutil.WaitForResult(func() (bool, error) {
		sl, err := agent.registry.Slave("S1")
		if err != nil {
			return false, err
		}
		return sl.RemainingCharges() == 12 && sl.Status == structs.SlaveStatusWorking, nil
	}, func(err error) {
		t.Fatalf("telemetry never applied: %v", err)
	})

	// Closing the socket removes the worker.
	conn.Close()
	testutil.WaitForResult(func() (bool, error) {
		return !agent.registry.IsConnected("S1"), nil
	}, func(err error) {
		t.Fatalf("slave never disconnected: %v", err)
	})
}

func TestHTTP_SetFavoriteEndpoint(t *testing.T) {
	ci.Parallel(t)

	srv, agent := makeHTTPServer(t)
	base := "http://" + srv.Addr

	dialSlave(t, srv, "S1")
	dialSlave(t, srv, "S2")

	var out map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/slave/S2/favorite", map[string]any{}, &out)
	must.Eq(t, "S2", out["favorite"])
	must.Eq(t, []any{"S1"}, out["demoted"].([]any))
	must.Eq(t, "S2", agent.registry.FavoriteID())

	// Promoting the favorite again is a no-op refresh.
	httpJSON(t, http.MethodPost, base+"/v1/slave/S2/favorite", map[string]any{}, &out)
	must.Eq(t, true, out["unchanged"])

	resp := httpJSON(t, http.MethodPost, base+"/v1/slave/ghost/favorite", map[string]any{}, nil)
	must.Eq(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_UISocketInitialState(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)

	dialSlave(t, srv, "S1")

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr+"/ws/ui", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var state map[string]any
	require.NoError(t, conn.ReadJSON(&state))
	must.Eq(t, "initial_state", state["type"])
	must.Len(t, 1, state["slaves"].([]any))
	must.NotNil(t, state["available_colors"])
}

func TestHTTP_GuardUploadRequiresFavorite(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)
	resp := httpJSON(t, http.MethodPost, "http://"+srv.Addr+"/v1/guard/upload", map[string]any{
		"filename": "ref.json",
		"data":     map[string]any{"originalPixels": []any{}},
	}, nil)
	must.Eq(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_GuardUploadReachesFavorite(t *testing.T) {
	ci.Parallel(t)

	srv, agent := makeHTTPServer(t)
	base := "http://" + srv.Addr

	conn := dialSlave(t, srv, "S1")

	var out map[string]any
	httpJSON(t, http.MethodPost, base+"/v1/guard/upload", map[string]any{
		"filename": "ref.json",
		"data": map[string]any{
			"originalPixels": []any{map[string]any{"x": 1, "y": 1}},
		},
	}, &out)
	must.Eq(t, "S1", out["sent_to"])
	must.Eq(t, "ref.json", out["filename"])
	must.NotNil(t, agent.GuardUpload())

	// Election pushes a guardConfig frame first; skip to the guard data.
	var frame map[string]any
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.ReadJSON(&frame))
		if frame["type"] == structs.MsgTypeGuardData {
			break
		}
	}
	must.Eq(t, structs.MsgTypeGuardData, frame["type"])
	must.Eq(t, "ref.json", frame["filename"])
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	ci.Parallel(t)

	srv, _ := makeHTTPServer(t)
	base := "http://" + srv.Addr

	resp := httpJSON(t, http.MethodDelete, base+"/v1/slaves", nil, nil)
	must.Eq(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = httpJSON(t, http.MethodGet, base+"/v1/guard/check", nil, nil)
	must.Eq(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
