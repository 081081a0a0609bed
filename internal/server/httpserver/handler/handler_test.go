package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/dlm"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

type fakeTransport struct {
	self      cluster.NodeID
	connected cluster.NodeMap
	peers     []transport.PeerInfo
}

func (f *fakeTransport) Self() cluster.NodeID            { return f.self }
func (f *fakeTransport) ConnectedNodes() cluster.NodeMap { return f.connected }
func (f *fakeTransport) Peers() []transport.PeerInfo     { return f.peers }

type fakeDomain struct {
	name   string
	status dlm.RecoveryStatus
}

func (f *fakeDomain) Name() string                       { return f.name }
func (f *fakeDomain) RecoveryStatus() dlm.RecoveryStatus { return f.status }

func newTestHandler(t *testing.T, domains ...Domain) *Handler {
	t.Helper()
	reg, err := cluster.NewRegistry(0, []cluster.Node{
		{ID: 0, Name: "a", Addr: "127.0.0.1:7100"},
		{ID: 1, Name: "b", Addr: "127.0.0.1:7101"},
		{ID: 2, Name: "c", Addr: "127.0.0.1:7102"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tr := &fakeTransport{
		self:      0,
		connected: cluster.NodeMapOf(1),
		peers: []transport.PeerInfo{
			{ID: 1, State: "connected", Valid: true, Initiator: true},
			{ID: 2, State: "disconnected", Attempts: 3, Error: "connection refused"},
		},
	}
	return New(Config{
		Registry:  reg,
		Heartbeat: cluster.NewLocalHeartbeat(time.Second, 0, 1),
		Transport: tr,
		Domains:   domains,
		Logger:    logger.Discard(),
	})
}

func get(t *testing.T, h http.Handler, path string, data any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if data != nil && rec.Code == http.StatusOK {
		resp := Response{Data: data}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		if resp.Code != "OK" {
			t.Errorf("%s: code = %q", path, resp.Code)
		}
	}
	return rec
}

func TestHealth(t *testing.T) {
	idle := &fakeDomain{name: "idle"}
	busy := &fakeDomain{name: "busy", status: dlm.RecoveryStatus{Pending: []cluster.NodeID{2}}}
	h := newTestHandler(t, idle, busy)

	var body HealthResponse
	rec := get(t, h, "/health", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body.Status != "recovering" {
		t.Errorf("Status = %q, want recovering", body.Status)
	}
	if body.Domains != 2 || len(body.Recovering) != 1 || body.Recovering[0] != "busy" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealth_Idle(t *testing.T) {
	h := newTestHandler(t, &fakeDomain{name: "orders"})

	var body HealthResponse
	get(t, h, "/health", &body)
	if body.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", body.Status)
	}
}

func TestNodes(t *testing.T) {
	h := newTestHandler(t)

	var body NodesResponse
	rec := get(t, h, "/v1/nodes", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(body.Nodes) != 3 {
		t.Fatalf("nodes = %+v", body.Nodes)
	}

	self, b, c := body.Nodes[0], body.Nodes[1], body.Nodes[2]
	if !self.Self || self.State != "local" {
		t.Errorf("self row = %+v", self)
	}
	if !b.Alive || !b.Connected || b.State != "connected" || !b.Initiator {
		t.Errorf("node 1 row = %+v", b)
	}
	if c.Alive || c.Connected || c.Attempts != 3 || c.Error == "" {
		t.Errorf("node 2 row = %+v", c)
	}
	if body.Reachable != cluster.NodeMapOf(1).String() {
		t.Errorf("Reachable = %q", body.Reachable)
	}
}

func TestRecovery(t *testing.T) {
	d := &fakeDomain{name: "orders", status: dlm.RecoveryStatus{
		Domain:   "orders",
		Phase:    "remote-master",
		DeadNode: 2,
		Master:   1,
		Pending:  []cluster.NodeID{2},
	}}
	h := newTestHandler(t, d)

	var body RecoveryResponse
	rec := get(t, h, "/v1/domains/orders/recovery", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body.DeadNode != 2 || body.Master != 1 || body.Phase != "remote-master" {
		t.Errorf("body = %+v", body)
	}
}

func TestRecovery_UnknownDomain(t *testing.T) {
	h := newTestHandler(t)

	rec := get(t, h, "/v1/domains/missing/recovery", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("X-Error-Code"); got != CodeNotFound {
		t.Errorf("X-Error-Code = %q", got)
	}
}
