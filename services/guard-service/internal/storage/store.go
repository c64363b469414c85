package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const MaxRecentLimit = 1000

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidReading = errors.New("invalid reading")
)

// ReadingStore is append-only: readings are never updated or deleted.
type ReadingStore interface {
	AppendReading(ctx context.Context, reading Reading) (Reading, error)
	RecentReadings(ctx context.Context, machineID string, limit int) ([]Reading, error)
}

// AuditLog is the append-only ledger of orchestration outcomes.
type AuditLog interface {
	AppendAuditEntry(ctx context.Context, entry AuditEntry) (AuditEntry, error)
	LatestAuditEntry(ctx context.Context, machineID string) (AuditEntry, error)
}

type Backend interface {
	ReadingStore
	AuditLog
	Ping(ctx context.Context) error
	Close() error
}

func prepareReading(reading Reading, now time.Time) (Reading, error) {
	reading.MachineID = strings.TrimSpace(reading.MachineID)
	if reading.MachineID == "" {
		return Reading{}, fmt.Errorf("%w: machine id is required", ErrInvalidReading)
	}
	if strings.ContainsRune(reading.MachineID, 0) {
		return Reading{}, fmt.Errorf("%w: machine id contains NUL", ErrInvalidReading)
	}
	if !finite(reading.Vibration) || !finite(reading.Temperature) {
		return Reading{}, fmt.Errorf("%w: values must be finite", ErrInvalidReading)
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = now
	}
	reading.Timestamp = reading.Timestamp.UTC()
	return reading, nil
}

func prepareAuditEntry(entry AuditEntry, now time.Time, newID func() string) (AuditEntry, error) {
	entry.MachineID = strings.TrimSpace(entry.MachineID)
	if entry.MachineID == "" {
		return AuditEntry{}, errors.New("audit entry machine id is required")
	}
	if strings.ContainsRune(entry.MachineID, 0) {
		return AuditEntry{}, errors.New("audit entry machine id contains NUL")
	}
	if entry.RiskScore < 0 || entry.RiskScore > 1 || math.IsNaN(entry.RiskScore) {
		return AuditEntry{}, fmt.Errorf("audit entry risk score %v outside [0,1]", entry.RiskScore)
	}
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return entry, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 0
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
