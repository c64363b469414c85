package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps readings and audit entries in process. Used for local
// runs and tests; nothing survives a restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	readings map[string][]Reading // per machine, ascending by timestamp
	audit    []AuditEntry         // append order
	now      func() time.Time
	newID    func() string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		readings: map[string][]Reading{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) AppendReading(_ context.Context, reading Reading) (Reading, error) {
	reading, err := prepareReading(reading, m.now())
	if err != nil {
		return Reading{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	series := m.readings[reading.MachineID]
	// Insert after any reading with an equal or earlier timestamp so ties keep
	// arrival order.
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].Timestamp.After(reading.Timestamp)
	})
	series = append(series, Reading{})
	copy(series[idx+1:], series[idx:])
	series[idx] = reading
	m.readings[reading.MachineID] = series
	return reading, nil
}

func (m *MemoryBackend) RecentReadings(_ context.Context, machineID string, limit int) ([]Reading, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	series := m.readings[machineID]
	if limit > len(series) {
		limit = len(series)
	}
	out := make([]Reading, 0, limit)
	for i := len(series) - 1; i >= len(series)-limit; i-- {
		out = append(out, series[i])
	}
	return out, nil
}

func (m *MemoryBackend) AppendAuditEntry(_ context.Context, entry AuditEntry) (AuditEntry, error) {
	entry, err := prepareAuditEntry(entry, m.now(), m.newID)
	if err != nil {
		return AuditEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return entry, nil
}

func (m *MemoryBackend) LatestAuditEntry(_ context.Context, machineID string) (AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest AuditEntry
		found  bool
	)
	for _, entry := range m.audit {
		if machineID != "" && entry.MachineID != machineID {
			continue
		}
		if !found || !entry.Timestamp.Before(latest.Timestamp) {
			latest = entry
			found = true
		}
	}
	if !found {
		return AuditEntry{}, ErrNotFound
	}
	return latest, nil
}

// AuditEntries returns a copy of every entry for machineID ("" for all), in
// append order.
func (m *MemoryBackend) AuditEntries(machineID string) []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, 0, len(m.audit))
	for _, entry := range m.audit {
		if machineID == "" || entry.MachineID == machineID {
			out = append(out, entry)
		}
	}
	return out
}
