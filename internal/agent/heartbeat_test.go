package agent

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeatTask_StaysValidWhileAccepted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(&Config{ServerURL: srv.URL, AgentID: "agent-1"})
	h := StartHeartbeat(c, "cmd-1", "lease-1", 20, 1000)
	defer h.Stop()

	time.Sleep(100 * time.Millisecond)
	if !h.LeaseValid() {
		t.Fatalf("expected lease to remain valid")
	}
	if calls.Load() == 0 {
		t.Fatalf("expected at least one heartbeat call")
	}
}

func TestHeartbeatTask_InvalidatesOnConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(&Config{ServerURL: srv.URL, AgentID: "agent-1"})
	h := StartHeartbeat(c, "cmd-1", "lease-1", 10, 1000)
	defer h.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !h.LeaseValid() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected lease to become invalid after a 409")
}

func TestHeartbeatTask_StopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(&Config{ServerURL: srv.URL, AgentID: "agent-1"})
	h := StartHeartbeat(c, "cmd-1", "lease-1", 10, 1000)
	h.Stop()
	h.Stop() // must not panic
}
