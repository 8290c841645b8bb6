package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaycore/internal/registry"
	"relaycore/internal/relaymetrics"
	"relaycore/internal/room"
	"relaycore/internal/server"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	mgr, err := server.New("127.0.0.1:0", 5*time.Millisecond, 2*time.Second)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(relaymetrics.NewGaugeCollector(mgr))

	api := New(mgr, reg, promReg)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)
	return api, ts
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health payload: %#v", health)
	}
}

func TestCreateRoomAndRegisterMember(t *testing.T) {
	_, ts := newTestServer(t)

	createBody, _ := json.Marshal(createRoomRequest{ID: 1, Template: "arena"})
	resp, err := http.Post(ts.URL+"/api/rooms", "application/json", bytes.NewReader(createBody))
	if err != nil {
		t.Fatalf("POST /api/rooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	dup, err := http.Post(ts.URL+"/api/rooms", "application/json", bytes.NewReader(createBody))
	if err != nil {
		t.Fatalf("POST /api/rooms (dup): %v", err)
	}
	defer dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate room, got %d", dup.StatusCode)
	}

	memberBody, _ := json.Marshal(registerMemberRequest{MemberID: 5, AccessGroups: 0b11})
	memResp, err := http.Post(ts.URL+"/api/rooms/1/members", "application/json", bytes.NewReader(memberBody))
	if err != nil {
		t.Fatalf("POST /api/rooms/1/members: %v", err)
	}
	defer memResp.Body.Close()
	if memResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", memResp.StatusCode)
	}
	var reg registerMemberResponse
	if err := json.NewDecoder(memResp.Body).Decode(&reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg.MemberID != 5 || reg.PrivateKey == "" {
		t.Fatalf("unexpected register response: %#v", reg)
	}

	dumpResp, err := http.Get(ts.URL + "/api/rooms/1")
	if err != nil {
		t.Fatalf("GET /api/rooms/1: %v", err)
	}
	defer dumpResp.Body.Close()
	if dumpResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", dumpResp.StatusCode)
	}
	var snapshots []room.Snapshot
	if err := json.NewDecoder(dumpResp.Body).Decode(&snapshots); err != nil {
		t.Fatalf("decode dump: %v", err)
	}

	detachResp, err := http.Post(ts.URL+"/api/rooms/1/members/5/detach", "application/json", nil)
	if err != nil {
		t.Fatalf("POST detach: %v", err)
	}
	defer detachResp.Body.Close()
	if detachResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", detachResp.StatusCode)
	}
}

func TestDumpRoomMissing(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/rooms/999")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStreamRoomDump(t *testing.T) {
	_, ts := newTestServer(t)

	createBody, _ := json.Marshal(createRoomRequest{ID: 2, Template: "arena"})
	resp, err := http.Post(ts.URL+"/api/rooms", "application/json", bytes.NewReader(createBody))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/rooms/2/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshots []room.Snapshot
	if err := conn.ReadJSON(&snapshots); err != nil {
		t.Fatalf("read ws: %v", err)
	}
}
