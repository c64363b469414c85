package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"praxisguard-backend/services/guard-service/internal/pdm"
	"praxisguard-backend/services/guard-service/internal/storage"
)

// BreachMarker is the token in a Stage A summary that advances a run to
// Stage B.
const BreachMarker = "CRITICAL"

const summaryFormat = "Current Readings -> Vib: %.1f, Temp: %.1f. Status: %s"

// Signal is the Stage A output.
type Signal struct {
	MachineID   string           `json:"machine_id"`
	Summary     string           `json:"summary"`
	WindowCount int              `json:"window_count"`
	Latest      *storage.Reading `json:"latest,omitempty"`
}

// Empty reports the no-data outcome: nothing to assess, nothing failed.
func (s Signal) Empty() bool {
	return s.WindowCount == 0
}

func (s Signal) Breached() bool {
	return strings.Contains(s.Summary, BreachMarker)
}

type Assessor interface {
	Assess(ctx context.Context, machineID string) (Signal, error)
}

type Actor interface {
	Act(ctx context.Context, machineID string, signal Signal) (*storage.AuditEntry, error)
}

type ReadingSource interface {
	RecentReadings(ctx context.Context, machineID string, limit int) ([]storage.Reading, error)
}

type AuditSink interface {
	AppendAuditEntry(ctx context.Context, entry storage.AuditEntry) (storage.AuditEntry, error)
}

// WindowAssessor is Stage A: it reads the newest window of readings and
// checks the latest one against the detector limits.
type WindowAssessor struct {
	Readings ReadingSource
	Window   int
	Limits   func() pdm.Limits
}

func (a *WindowAssessor) Assess(ctx context.Context, machineID string) (Signal, error) {
	window := a.Window
	if window <= 0 {
		window = pdm.DefaultWindow
	}
	readings, err := a.Readings.RecentReadings(ctx, machineID, window)
	if err != nil {
		return Signal{}, fmt.Errorf("read recent readings: %w", err)
	}
	signal := Signal{MachineID: machineID, WindowCount: len(readings)}
	if len(readings) == 0 {
		return signal, nil
	}
	latest := readings[0]
	limits := pdm.DefaultLimits()
	if a.Limits != nil {
		limits = a.Limits()
	}
	status := string(pdm.Healthy)
	if pdm.IsCritical(latest.Vibration, latest.Temperature, limits) {
		status = BreachMarker
	}
	signal.Summary = fmt.Sprintf(summaryFormat, latest.Vibration, latest.Temperature, status)
	signal.Latest = &latest
	return signal, nil
}

type ActionConfig struct {
	Status         string  `yaml:"status"`
	RiskScore      float64 `yaml:"risk_score"`
	Recommendation string  `yaml:"recommendation"`
}

func DefaultAction() ActionConfig {
	return ActionConfig{
		Status:         "CRITICAL",
		RiskScore:      0.95,
		Recommendation: "Auto-detected critical readings",
	}
}

// AuditActor is Stage B: exactly one audit append per call.
type AuditActor struct {
	Audit  AuditSink
	Action ActionConfig
}

func (a *AuditActor) Act(ctx context.Context, machineID string, _ Signal) (*storage.AuditEntry, error) {
	entry, err := a.Audit.AppendAuditEntry(ctx, storage.AuditEntry{
		MachineID:      machineID,
		Status:         a.Action.Status,
		RiskScore:      a.Action.RiskScore,
		Recommendation: a.Action.Recommendation,
	})
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return &entry, nil
}
