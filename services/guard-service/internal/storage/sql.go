package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	dbconnector "praxisguard-backend"
)

// SQLBackend adapts the multi-engine connector (postgres via lib/pq, mysql,
// mssql) to the service's store contracts. Rows are prepared the same way as
// the other backends before they reach the engine.
type SQLBackend struct {
	Conn  dbconnector.DbConnector
	now   func() time.Time
	newID func() string
}

func NewSQLBackend(conn dbconnector.DbConnector) *SQLBackend {
	return &SQLBackend{Conn: conn, now: time.Now, newID: uuid.NewString}
}

func (s *SQLBackend) Ping(ctx context.Context) error {
	return s.Conn.TestConnection(ctx)
}

func (s *SQLBackend) Close() error {
	return s.Conn.Close()
}

func (s *SQLBackend) AppendReading(ctx context.Context, reading Reading) (Reading, error) {
	reading, err := prepareReading(reading, s.now())
	if err != nil {
		return Reading{}, err
	}
	stored, err := s.Conn.AppendReading(ctx, dbconnector.Reading{
		MachineID:   reading.MachineID,
		Vibration:   reading.Vibration,
		Temperature: reading.Temperature,
		Timestamp:   reading.Timestamp,
	})
	if err != nil {
		if errors.Is(err, dbconnector.ErrInvalidReading) {
			return Reading{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
		}
		return Reading{}, err
	}
	return fromConnectorReading(stored), nil
}

func (s *SQLBackend) RecentReadings(ctx context.Context, machineID string, limit int) ([]Reading, error) {
	rows, err := s.Conn.RecentReadings(ctx, machineID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]Reading, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromConnectorReading(row))
	}
	return out, nil
}

func (s *SQLBackend) AppendAuditEntry(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	entry, err := prepareAuditEntry(entry, s.now(), s.newID)
	if err != nil {
		return AuditEntry{}, err
	}
	stored, err := s.Conn.AppendAuditEntry(ctx, dbconnector.AuditEntry{
		ID:             entry.ID,
		MachineID:      entry.MachineID,
		Status:         entry.Status,
		RiskScore:      entry.RiskScore,
		Recommendation: entry.Recommendation,
		Timestamp:      entry.Timestamp,
	})
	if err != nil {
		return AuditEntry{}, err
	}
	return fromConnectorAudit(stored), nil
}

func (s *SQLBackend) LatestAuditEntry(ctx context.Context, machineID string) (AuditEntry, error) {
	entry, err := s.Conn.LatestAuditEntry(ctx, machineID)
	if err != nil {
		if errors.Is(err, dbconnector.ErrNotFound) {
			return AuditEntry{}, ErrNotFound
		}
		return AuditEntry{}, err
	}
	return fromConnectorAudit(entry), nil
}

func fromConnectorReading(r dbconnector.Reading) Reading {
	return Reading{
		MachineID:   r.MachineID,
		Vibration:   r.Vibration,
		Temperature: r.Temperature,
		Timestamp:   r.Timestamp.UTC(),
	}
}

func fromConnectorAudit(e dbconnector.AuditEntry) AuditEntry {
	return AuditEntry{
		ID:             e.ID,
		MachineID:      e.MachineID,
		Status:         e.Status,
		RiskScore:      e.RiskScore,
		Recommendation: e.Recommendation,
		Timestamp:      e.Timestamp.UTC(),
	}
}
