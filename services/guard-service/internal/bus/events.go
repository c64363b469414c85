package bus

import (
	"encoding/json"
	"errors"
	"time"

	"praxisguard-backend/services/guard-service/internal/orchestrator"
	"praxisguard-backend/services/guard-service/internal/storage"
)

// ReadingEvent is the wire form on the ingest subject. Timestamp is optional;
// the store stamps missing ones.
type ReadingEvent struct {
	MachineID   string     `json:"machine_id"`
	Vibration   *float64   `json:"vibration"`
	Temperature *float64   `json:"temperature"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

func (e ReadingEvent) Reading() storage.Reading {
	r := storage.Reading{MachineID: e.MachineID}
	if e.Vibration != nil {
		r.Vibration = *e.Vibration
	}
	if e.Temperature != nil {
		r.Temperature = *e.Temperature
	}
	if e.Timestamp != nil {
		r.Timestamp = *e.Timestamp
	}
	return r
}

func DecodeReading(data []byte) (ReadingEvent, error) {
	var evt ReadingEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ReadingEvent{}, err
	}
	if evt.MachineID == "" {
		return ReadingEvent{}, errors.New("machine_id is required")
	}
	if evt.Vibration == nil || evt.Temperature == nil {
		return ReadingEvent{}, errors.New("vibration and temperature are required")
	}
	return evt, nil
}

type BreachEvent struct {
	MachineID   string    `json:"machine_id"`
	Vibration   float64   `json:"vibration"`
	Temperature float64   `json:"temperature"`
	PoF         float64   `json:"pof"`
	Timestamp   time.Time `json:"timestamp"`
}

type OutcomeEvent struct {
	RunID        string             `json:"run_id"`
	MachineID    string             `json:"machine_id"`
	State        orchestrator.State `json:"state"`
	Summary      string             `json:"summary,omitempty"`
	AuditEntryID string             `json:"audit_entry_id,omitempty"`
	FailedStage  orchestrator.State `json:"failed_stage,omitempty"`
	Error        string             `json:"error,omitempty"`
	FinishedAt   time.Time          `json:"finished_at"`
}

func NewOutcomeEvent(out orchestrator.Outcome, err error) OutcomeEvent {
	evt := OutcomeEvent{
		RunID:      out.RunID,
		MachineID:  out.MachineID,
		State:      out.State,
		Summary:    out.Signal.Summary,
		FinishedAt: out.FinishedAt,
	}
	if out.Entry != nil {
		evt.AuditEntryID = out.Entry.ID
	}
	if err != nil {
		evt.Error = err.Error()
		var runErr *orchestrator.RunError
		if errors.As(err, &runErr) {
			evt.FailedStage = runErr.Stage
		}
	}
	return evt
}
