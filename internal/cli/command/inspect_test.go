package command

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/dlm"
	"github.com/yndnr/lockmesh-go/internal/server/httpserver/handler"
)

// mockAdmin serves canned envelopes keyed by path.
func mockAdmin(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := routes[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(handler.NewErrorResponse("req-1", handler.CodeNotFound, "not found", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handler.NewResponse("req-1", data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := App()
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(append([]string{"lockmesh-node"}, args...))
	return buf.String(), err
}

func TestNodesCommand(t *testing.T) {
	srv := mockAdmin(t, map[string]any{
		"/v1/nodes": handler.NodesResponse{
			Self:      1,
			Live:      "{0,1}",
			Reachable: "{0}",
			Nodes: []handler.NodeStatus{
				{ID: 0, Name: "node-a", Addr: "10.0.0.1:7100", Alive: true, Connected: true, State: "connected", Initiator: true},
				{ID: 1, Name: "node-b", Addr: "10.0.0.2:7100", Self: true, Alive: true, State: "local"},
			},
		},
	})

	out, err := runApp(t, "--admin", srv.URL, "nodes")
	if err != nil {
		t.Fatalf("nodes error = %v", err)
	}
	for _, want := range []string{"ID", "node-a", "node-b *", "connected", "local"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runApp(t, "--admin", srv.URL, "-o", "json", "nodes")
	if err != nil {
		t.Fatalf("nodes -o json error = %v", err)
	}
	var decoded handler.NodesResponse
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode json output: %v\n%s", err, out)
	}
	if decoded.Self != 1 || len(decoded.Nodes) != 2 {
		t.Errorf("json output = %+v", decoded)
	}
}

func TestHealthCommand(t *testing.T) {
	srv := mockAdmin(t, map[string]any{
		"/health": handler.HealthResponse{Status: "recovering", Node: 2, Domains: 2, Recovering: []string{"orders"}},
	})

	out, err := runApp(t, "--admin", srv.URL, "health")
	if err != nil {
		t.Fatalf("health error = %v", err)
	}
	if !strings.Contains(out, "recovering") || !strings.Contains(out, "orders") {
		t.Errorf("output:\n%s", out)
	}
}

func TestRecoveryCommand(t *testing.T) {
	status := dlm.RecoveryStatus{
		Domain:   "orders",
		Phase:    "local-master",
		DeadNode: 3,
		Master:   1,
		Pending:  []cluster.NodeID{3},
		Members:  []cluster.NodeID{0, 1, 2},
	}
	srv := mockAdmin(t, map[string]any{"/v1/domains/orders/recovery": status})

	tests := []struct {
		name string
		args []string
	}{
		{"flag", []string{"--admin", srv.URL, "recovery", "--domain", "orders"}},
		{"arg", []string{"--admin", srv.URL, "recovery", "orders"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runApp(t, tt.args...)
			if err != nil {
				t.Fatalf("recovery error = %v", err)
			}
			for _, want := range []string{"local-master", "{3}", "{0,1,2}"} {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestRecoveryCommand_Errors(t *testing.T) {
	srv := mockAdmin(t, map[string]any{})

	if _, err := runApp(t, "--admin", srv.URL, "recovery"); err == nil {
		t.Error("recovery without a domain should fail")
	}
	if _, err := runApp(t, "--admin", srv.URL, "recovery", "missing"); err == nil {
		t.Error("recovery of an unknown domain should fail")
	}
}

func TestNodeLabel(t *testing.T) {
	if got := nodeLabel(cluster.NodeUnknown); got != "" {
		t.Errorf("nodeLabel(unknown) = %q, want empty", got)
	}
	if got := nodeLabel(7); got != "7" {
		t.Errorf("nodeLabel(7) = %q, want 7", got)
	}
}
