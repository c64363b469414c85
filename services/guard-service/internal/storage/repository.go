package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository is the PostgreSQL backend over pgxpool. Tables come from the
// embedded migrations.
type Repository struct {
	Store *Store
	now   func() time.Time
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store, now: time.Now}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.Store.Pool.Ping(ctx)
}

func (r *Repository) Close() error {
	r.Store.Close()
	return nil
}

func (r *Repository) AppendReading(ctx context.Context, reading Reading) (Reading, error) {
	reading, err := prepareReading(reading, r.now())
	if err != nil {
		return Reading{}, err
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO sensor_readings (machine_id, vibration, temperature, timestamp)
		VALUES ($1,$2,$3,$4)`,
		reading.MachineID, reading.Vibration, reading.Temperature, reading.Timestamp,
	)
	if err != nil {
		return Reading{}, err
	}
	return reading, nil
}

func (r *Repository) RecentReadings(ctx context.Context, machineID string, limit int) ([]Reading, error) {
	limit = clampLimit(limit)
	results := []Reading{}
	if limit == 0 {
		return results, nil
	}
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT machine_id, vibration, temperature, timestamp
		FROM sensor_readings
		WHERE machine_id=$1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`, machineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rec Reading
		if err := rows.Scan(&rec.MachineID, &rec.Vibration, &rec.Temperature, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Timestamp = rec.Timestamp.UTC()
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Repository) AppendAuditEntry(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	entry, err := prepareAuditEntry(entry, r.now(), uuid.NewString)
	if err != nil {
		return AuditEntry{}, err
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO agent_logs (id, machine_id, status, risk_score, recommendation, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.MachineID, entry.Status, entry.RiskScore, entry.Recommendation, entry.Timestamp,
	)
	if err != nil {
		return AuditEntry{}, err
	}
	return entry, nil
}

func (r *Repository) LatestAuditEntry(ctx context.Context, machineID string) (AuditEntry, error) {
	var row pgx.Row
	if machineID == "" {
		row = r.Store.Pool.QueryRow(ctx, `
			SELECT id, machine_id, status, risk_score, recommendation, timestamp
			FROM agent_logs ORDER BY timestamp DESC, seq DESC LIMIT 1`)
	} else {
		row = r.Store.Pool.QueryRow(ctx, `
			SELECT id, machine_id, status, risk_score, recommendation, timestamp
			FROM agent_logs WHERE machine_id=$1 ORDER BY timestamp DESC, seq DESC LIMIT 1`, machineID)
	}
	var rec AuditEntry
	if err := row.Scan(&rec.ID, &rec.MachineID, &rec.Status, &rec.RiskScore, &rec.Recommendation, &rec.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuditEntry{}, ErrNotFound
		}
		return AuditEntry{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}
