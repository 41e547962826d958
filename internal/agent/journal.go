package agent

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Stage tracks a journal's progress through a single command's execution.
type Stage string

const (
	StageClaimed     Stage = "CLAIMED"
	StageInProgress  Stage = "IN_PROGRESS"
	StageResultSaved Stage = "RESULT_SAVED"
)

// HTTPSnapshot is the persisted result of an HTTP_GET_JSON fetch, written
// once so a crash between fetch and report never re-executes the request.
type HTTPSnapshot struct {
	Status        int    `json:"status"`
	Body          any    `json:"body"`
	Truncated     bool   `json:"truncated"`
	BytesReturned int    `json:"bytesReturned"`
	Error         string `json:"error,omitempty"`
}

// Journal is the single in-flight command record an agent persists to
// survive a crash between claim and terminal report.
type Journal struct {
	CommandID      string        `json:"commandId"`
	LeaseID        string        `json:"leaseId"`
	Type           string        `json:"type"`
	Payload        string        `json:"payload"`
	StartedAt      int64         `json:"startedAt"`
	ScheduledEndAt *int64        `json:"scheduledEndAt,omitempty"`
	Stage          Stage         `json:"stage"`
	HTTPSnapshot   *HTTPSnapshot `json:"httpSnapshot,omitempty"`
}

// JournalManager is the single-writer, crash-atomic store for one agent's
// journal file.
type JournalManager struct {
	path string
}

// NewJournalManager returns a manager persisting to <dir>/<agentID>.json.
// The state directory may be shared by several agents; the agent id in the
// filename keeps each journal single-writer.
func NewJournalManager(dir, agentID string) *JournalManager {
	return &JournalManager{path: filepath.Join(dir, agentID+".json")}
}

// Load returns the persisted journal, or nil if the file is absent or
// malformed. A malformed file is logged and treated as absent.
func (m *JournalManager) Load() *Journal {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("journal: reading %s: %v", m.path, err)
		}
		return nil
	}

	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		log.Printf("journal: malformed %s, treating as absent: %v", m.path, err)
		return nil
	}
	return &j
}

// Save persists j via write-temp-then-rename, creating the journal's
// directory on first use.
func (m *JournalManager) Save(j *Journal) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating journal dir: %w", err)
	}

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling journal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".journal-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp journal: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp journal: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming temp journal: %w", err)
	}
	return nil
}

// Delete removes the journal file. Absence is not an error.
func (m *JournalManager) Delete() {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		log.Printf("journal: deleting %s: %v", m.path, err)
	}
}

// CreateClaimed builds and persists a fresh journal for a just-claimed
// command.
func (m *JournalManager) CreateClaimed(commandID, leaseID, typ, payload string, startedAt int64, scheduledEndAt *int64) (*Journal, error) {
	j := &Journal{
		CommandID:      commandID,
		LeaseID:        leaseID,
		Type:           typ,
		Payload:        payload,
		StartedAt:      startedAt,
		ScheduledEndAt: scheduledEndAt,
		Stage:          StageClaimed,
	}
	if err := m.Save(j); err != nil {
		return nil, err
	}
	return j, nil
}

// UpdateStage advances j's stage and persists it.
func (m *JournalManager) UpdateStage(j *Journal, newStage Stage) error {
	j.Stage = newStage
	return m.Save(j)
}

// UpdateHTTPSnapshot records a fetched result and advances the journal to
// RESULT_SAVED in the same write.
func (m *JournalManager) UpdateHTTPSnapshot(j *Journal, snapshot *HTTPSnapshot) error {
	j.HTTPSnapshot = snapshot
	j.Stage = StageResultSaved
	return m.Save(j)
}
