package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJournal_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewJournalManager(dir, "agent-1")

	j, err := m.CreateClaimed("cmd-1", "lease-1", "DELAY", `{"ms":10}`, 1000, nil)
	if err != nil {
		t.Fatalf("CreateClaimed: %v", err)
	}

	loaded := m.Load()
	if loaded == nil || loaded.CommandID != j.CommandID || loaded.Stage != StageClaimed {
		t.Fatalf("unexpected loaded journal: %+v", loaded)
	}
}

func TestJournal_LoadAbsentReturnsNil(t *testing.T) {
	dir := t.TempDir()
	m := NewJournalManager(dir, "agent-1")
	if got := m.Load(); got != nil {
		t.Fatalf("expected nil for absent journal, got %+v", got)
	}
}

func TestJournal_LoadMalformedReturnsNil(t *testing.T) {
	dir := t.TempDir()
	m := NewJournalManager(dir, "agent-1")
	if err := os.WriteFile(filepath.Join(dir, "agent-1.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed malformed journal: %v", err)
	}
	if got := m.Load(); got != nil {
		t.Fatalf("expected nil for malformed journal, got %+v", got)
	}
}

func TestJournal_UpdateStagePersists(t *testing.T) {
	dir := t.TempDir()
	m := NewJournalManager(dir, "agent-1")
	j, _ := m.CreateClaimed("cmd-1", "lease-1", "DELAY", `{"ms":10}`, 1000, nil)

	if err := m.UpdateStage(j, StageInProgress); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if got := m.Load(); got.Stage != StageInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", got.Stage)
	}
}

func TestJournal_UpdateHTTPSnapshotAdvancesStage(t *testing.T) {
	dir := t.TempDir()
	m := NewJournalManager(dir, "agent-1")
	j, _ := m.CreateClaimed("cmd-1", "lease-1", "HTTP_GET_JSON", `{"url":"https://example.com"}`, 1000, nil)

	snap := &HTTPSnapshot{Status: 200, Body: map[string]any{"ok": true}, BytesReturned: 13}
	if err := m.UpdateHTTPSnapshot(j, snap); err != nil {
		t.Fatalf("UpdateHTTPSnapshot: %v", err)
	}

	loaded := m.Load()
	if loaded.Stage != StageResultSaved {
		t.Fatalf("expected RESULT_SAVED, got %s", loaded.Stage)
	}
	if loaded.HTTPSnapshot == nil || loaded.HTTPSnapshot.Status != 200 {
		t.Fatalf("unexpected snapshot: %+v", loaded.HTTPSnapshot)
	}
}

func TestJournal_DeleteIsBestEffort(t *testing.T) {
	dir := t.TempDir()
	m := NewJournalManager(dir, "agent-1")
	m.Delete() // no file yet; must not panic or error visibly

	m.CreateClaimed("cmd-1", "lease-1", "DELAY", `{"ms":10}`, 1000, nil)
	m.Delete()
	if got := m.Load(); got != nil {
		t.Fatalf("expected journal removed, got %+v", got)
	}
}

func TestJournal_SharedStateDirKeepsAgentsSeparate(t *testing.T) {
	dir := t.TempDir()
	ma := NewJournalManager(dir, "agent-a")
	mb := NewJournalManager(dir, "agent-b")

	if _, err := ma.CreateClaimed("cmd-a", "lease-a", "DELAY", `{"ms":10}`, 1000, nil); err != nil {
		t.Fatalf("CreateClaimed agent-a: %v", err)
	}
	if _, err := mb.CreateClaimed("cmd-b", "lease-b", "DELAY", `{"ms":20}`, 2000, nil); err != nil {
		t.Fatalf("CreateClaimed agent-b: %v", err)
	}

	if got := ma.Load(); got == nil || got.CommandID != "cmd-a" {
		t.Fatalf("expected agent-a journal untouched by agent-b, got %+v", got)
	}
	if got := mb.Load(); got == nil || got.CommandID != "cmd-b" {
		t.Fatalf("expected agent-b journal, got %+v", got)
	}

	mb.Delete()
	if got := ma.Load(); got == nil || got.CommandID != "cmd-a" {
		t.Fatalf("expected agent-a journal to survive agent-b delete, got %+v", got)
	}
}

func TestJournal_DirectoryCreatedOnFirstSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	m := NewJournalManager(dir, "agent-1")
	if _, err := m.CreateClaimed("cmd-1", "lease-1", "DELAY", `{"ms":10}`, 1000, nil); err != nil {
		t.Fatalf("CreateClaimed: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected journal dir to exist: %v", err)
	}
}
