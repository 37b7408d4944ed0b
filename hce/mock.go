package hce

import (
	"fmt"
	"sync"
	"time"
)

// MockStore is a test implementation of CardStore backed by an in-memory
// map, with configurable errors and a call log for verification.
//
// Example:
//
//	store := NewMockStore()
//	store.Put(&Record{ID: 1, UID: []byte{0x04, 0xA1}})
//	dispatcher := NewDispatcher(store, selection, nil)
type MockStore struct {
	// Records holds the stored records keyed by id.
	Records map[int64]*Record

	// GetError, if set, is returned by GetByID.
	GetError error

	// UpdateUsageError, if set, is returned by UpdateUsage.
	UpdateUsageError error

	// DeleteError, if set, is returned by Delete.
	DeleteError error

	// CallLog tracks method calls for verification in tests.
	CallLog []string

	usageUpdated chan int64
	mu           sync.Mutex
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		Records:      make(map[int64]*Record),
		usageUpdated: make(chan int64, 16),
	}
}

// Put stores a record under its ID.
func (m *MockStore) Put(r *Record) {
	m.mu.Lock()
	m.Records[r.ID] = r
	m.mu.Unlock()
}

// GetByID returns the stored record or ErrRecordNotFound.
func (m *MockStore) GetByID(id int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetByID(%d)", id))
	if m.GetError != nil {
		return nil, m.GetError
	}
	r, ok := m.Records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r, nil
}

// UpdateUsage increments the record's usage counter and sets its timestamp.
func (m *MockStore) UpdateUsage(id int64, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("UpdateUsage(%d)", id))
	defer func() {
		select {
		case m.usageUpdated <- id:
		default:
		}
	}()
	if m.UpdateUsageError != nil {
		return m.UpdateUsageError
	}
	r, ok := m.Records[id]
	if !ok {
		return ErrRecordNotFound
	}
	r.UsageCount++
	t := usedAt
	r.LastUsedAt = &t
	return nil
}

// Delete removes the record.
func (m *MockStore) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("Delete(%d)", id))
	if m.DeleteError != nil {
		return m.DeleteError
	}
	if _, ok := m.Records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(m.Records, id)
	return nil
}

// WaitForUsageUpdate blocks until an UpdateUsage call lands or the timeout
// expires, returning the card id and whether a call was observed. Usage
// accounting is dispatched asynchronously, so tests use this to synchronize.
func (m *MockStore) WaitForUsageUpdate(timeout time.Duration) (int64, bool) {
	select {
	case id := <-m.usageUpdated:
		return id, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Calls returns a copy of the call log.
func (m *MockStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]string, len(m.CallLog))
	copy(calls, m.CallLog)
	return calls
}
