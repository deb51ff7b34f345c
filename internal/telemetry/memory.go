package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// MemoryStore keeps invocation records in memory. Suited to tests and
// single-run sessions where durability across restarts is not needed.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.InvocationRecord
	order   []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.InvocationRecord)}
}

// Insert appends a record.
func (s *MemoryStore) Insert(_ context.Context, record *models.InvocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return fmt.Errorf("record %s already exists", record.ID)
	}
	s.records[record.ID] = cloneRecord(record)
	s.order = append(s.order, record.ID)
	return nil
}

// Close finalizes a pending record; the first close wins.
func (s *MemoryStore) Close(_ context.Context, id string, status models.InvocationStatus, summary string, finishedAt time.Time) (*models.InvocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyClosed, id, record.Status)
	}
	record.Status = status
	record.Summary = summary
	record.FinishedAt = finishedAt
	return cloneRecord(record), nil
}

// Get returns one record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.InvocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return cloneRecord(record), nil
}

// List returns a session's records ordered by start time; insertion order
// breaks ties so the listing is stable.
func (s *MemoryStore) List(_ context.Context, sessionID string) ([]*models.InvocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.InvocationRecord
	for _, id := range s.order {
		record := s.records[id]
		if sessionID != "" && record.SessionID != sessionID {
			continue
		}
		out = append(out, cloneRecord(record))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Shutdown is a no-op for the in-memory store.
func (s *MemoryStore) Shutdown() error {
	return nil
}

func cloneRecord(r *models.InvocationRecord) *models.InvocationRecord {
	c := *r
	if r.Parameters != nil {
		c.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}
