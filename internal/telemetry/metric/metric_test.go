package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestNilReceivers tests that recording on nil collectors is a no-op.
func TestNilReceivers(t *testing.T) {
	var tr *Transport
	tr.Sent()
	tr.Received()
	tr.SendFailed("peer_died")
	tr.ConnUp()
	tr.ConnDown()
	tr.HandshakeFailed("version")
	tr.Suspected()
	tr.ObserveSend(time.Millisecond)

	var r *Recovery
	r.Started("d")
	r.Finished("d", time.Second)
	r.ElectionWon("d")
	r.Migrated("d", 3)
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

// TestHandler tests exposition of registered collectors.
func TestHandler(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransport(reg)
	rec := NewRecovery(reg)

	tr.Sent()
	tr.Sent()
	tr.ConnUp()
	tr.SendFailed("no_handler")
	rec.Started("fs1")
	rec.Migrated("fs1", 4)

	body := scrape(t, Handler(reg))
	for _, want := range []string{
		"lockmesh_transport_messages_sent_total 2",
		"lockmesh_transport_connections 1",
		`lockmesh_transport_send_errors_total{reason="no_handler"} 1`,
		`lockmesh_recovery_sessions_started_total{domain="fs1"} 1`,
		`lockmesh_recovery_resources_migrated_total{domain="fs1"} 4`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
