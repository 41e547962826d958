package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPGetJSONExecutor_ReplaysExistingSnapshot(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	jm := NewJournalManager(dir, "agent-1")
	j, _ := jm.CreateClaimed("cmd-1", "lease-1", "HTTP_GET_JSON", `{"url":"`+srv.URL+`"}`, nowMs(), nil)
	j.HTTPSnapshot = &HTTPSnapshot{Status: 200, Body: map[string]any{"replayed": true}, BytesReturned: 16}

	ec := ExecContext{Journal: jm, CheckLeaseValid: func() bool { return true }}
	result, err := (HTTPGetJSONExecutor{}).Execute(j, ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Fatalf("expected no request when replaying snapshot")
	}
	snap := result.(*HTTPSnapshot)
	if snap.Status != 200 {
		t.Fatalf("unexpected replayed snapshot: %+v", snap)
	}
}

func TestHTTPGetJSONExecutor_ParsesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	jm := NewJournalManager(dir, "agent-1")
	j, _ := jm.CreateClaimed("cmd-1", "lease-1", "HTTP_GET_JSON", `{"url":"`+srv.URL+`"}`, nowMs(), nil)

	ec := ExecContext{Journal: jm, CheckLeaseValid: func() bool { return true }}
	result, err := (HTTPGetJSONExecutor{}).Execute(j, ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := result.(*HTTPSnapshot)
	if snap.Status != 200 || snap.Truncated {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	body, ok := snap.Body.(map[string]any)
	if !ok || body["ok"] != true {
		t.Fatalf("expected parsed JSON body, got %+v", snap.Body)
	}

	loaded := jm.Load()
	if loaded.Stage != StageResultSaved || loaded.HTTPSnapshot == nil {
		t.Fatalf("expected snapshot persisted before return, got %+v", loaded)
	}
}

func TestHTTPGetJSONExecutor_FallsBackToRawStringOnInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	jm := NewJournalManager(dir, "agent-1")
	j, _ := jm.CreateClaimed("cmd-1", "lease-1", "HTTP_GET_JSON", `{"url":"`+srv.URL+`"}`, nowMs(), nil)

	ec := ExecContext{Journal: jm, CheckLeaseValid: func() bool { return true }}
	result, err := (HTTPGetJSONExecutor{}).Execute(j, ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := result.(*HTTPSnapshot)
	if body, ok := snap.Body.(string); !ok || body != "not json" {
		t.Fatalf("expected raw string fallback, got %+v", snap.Body)
	}
}

func TestHTTPGetJSONExecutor_TruncatesLongBody(t *testing.T) {
	long := strings.Repeat("a", 20000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(long))
	}))
	defer srv.Close()

	dir := t.TempDir()
	jm := NewJournalManager(dir, "agent-1")
	j, _ := jm.CreateClaimed("cmd-1", "lease-1", "HTTP_GET_JSON", `{"url":"`+srv.URL+`"}`, nowMs(), nil)

	ec := ExecContext{Journal: jm, CheckLeaseValid: func() bool { return true }}
	result, err := (HTTPGetJSONExecutor{}).Execute(j, ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := result.(*HTTPSnapshot)
	if !snap.Truncated || snap.BytesReturned != httpBodyCharLimit {
		t.Fatalf("expected truncation at %d chars, got %+v", httpBodyCharLimit, snap)
	}
}

func TestHTTPGetJSONExecutor_RedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.com/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	jm := NewJournalManager(dir, "agent-1")
	j, _ := jm.CreateClaimed("cmd-1", "lease-1", "HTTP_GET_JSON", `{"url":"`+srv.URL+`"}`, nowMs(), nil)

	ec := ExecContext{Journal: jm, CheckLeaseValid: func() bool { return true }}
	result, err := (HTTPGetJSONExecutor{}).Execute(j, ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := result.(*HTTPSnapshot)
	if snap.Error != "Redirects not followed" || snap.Status != http.StatusFound {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHTTPGetJSONExecutor_TransportErrorYieldsStatusZero(t *testing.T) {
	dir := t.TempDir()
	jm := NewJournalManager(dir, "agent-1")
	j, _ := jm.CreateClaimed("cmd-1", "lease-1", "HTTP_GET_JSON", `{"url":"http://127.0.0.1:1"}`, nowMs(), nil)

	ec := ExecContext{Journal: jm, CheckLeaseValid: func() bool { return true }}
	result, err := (HTTPGetJSONExecutor{}).Execute(j, ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := result.(*HTTPSnapshot)
	if snap.Status != 0 || snap.Error == "" {
		t.Fatalf("expected status 0 with an error message, got %+v", snap)
	}
}
