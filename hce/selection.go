package hce

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// SelectionState is the durable single-slot record of which card is selected
// for emulation and whether emulation is currently armed.
//
// The state outlives the hosting process: the platform may kill and restart
// the agent between terminal interactions, so every mutation is written to
// disk immediately and the constructor restores whatever was persisted.
// Backgrounding never touches this state; only an explicit user deselection
// clears it.
//
// Invariant: armed implies a card is selected. The reverse is allowed - a
// card can stay remembered while emulation is paused, so it can be re-armed
// without re-selecting.
type SelectionState struct {
	mu     sync.RWMutex
	path   string
	logger *log.Logger

	selectedID  int64
	hasSelected bool
	active      bool
}

// selectionFile is the on-disk JSON shape. A null selectedCardId is the
// "nothing selected" sentinel; card id 0 is never conflated with it.
type selectionFile struct {
	SelectedCardID *int64 `json:"selectedCardId"`
	Active         bool   `json:"active"`
}

// NewSelectionState creates a SelectionState persisted at path, restoring
// any previously saved slot. A missing file yields the initial "nothing
// selected, inactive" state. A corrupt file is logged and reset rather than
// failing startup.
func NewSelectionState(path string) (*SelectionState, error) {
	s := &SelectionState{
		path:   path,
		logger: log.New(os.Stderr, "[selection] ", log.LstdFlags),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, NewStatePersistError("NewSelectionState", err)
	}

	var f selectionFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Printf("state file %s is corrupt, resetting: %v", path, err)
		return s, nil
	}

	if f.SelectedCardID != nil {
		s.selectedID = *f.SelectedCardID
		s.hasSelected = true
	}
	// Armed without a selected card violates the slot invariant; treat the
	// whole slot as paused.
	s.active = f.Active && s.hasSelected

	return s, nil
}

// Activate records cardID as the selected card and arms emulation. The
// change is durable before Activate returns. An error here means the state
// file cannot be written and the process should be treated as unavailable.
func (s *SelectionState) Activate(cardID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = cardID
	s.hasSelected = true
	s.active = true
	return s.persistLocked("Activate")
}

// Deactivate disarms emulation and clears the selected card. Called only on
// explicit user deselection, never on app backgrounding.
func (s *SelectionState) Deactivate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = 0
	s.hasSelected = false
	s.active = false
	return s.persistLocked("Deactivate")
}

// Disarm pauses emulation without forgetting the selected card, so a later
// Rearm can resume without a new selection.
func (s *SelectionState) Disarm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return s.persistLocked("Disarm")
}

// Rearm re-activates emulation for the remembered card. It fails if nothing
// is selected.
func (s *SelectionState) Rearm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSelected {
		return fmt.Errorf("no card selected to re-arm")
	}
	s.active = true
	return s.persistLocked("Rearm")
}

// SelectedCardID returns the remembered card id regardless of the armed
// flag, so callers can distinguish "nothing ever selected" from "selected
// but paused". The second return is false for the "none" sentinel.
func (s *SelectionState) SelectedCardID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID, s.hasSelected
}

// IsActive reports whether emulation is currently armed.
func (s *SelectionState) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// persistLocked writes the slot to disk. Callers hold s.mu.
func (s *SelectionState) persistLocked(op string) error {
	f := selectionFile{Active: s.active}
	if s.hasSelected {
		id := s.selectedID
		f.SelectedCardID = &id
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return NewStatePersistError(op, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return NewStatePersistError(op, err)
	}

	// Write-then-rename so a crash mid-write never leaves a truncated slot.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return NewStatePersistError(op, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return NewStatePersistError(op, err)
	}
	return nil
}
