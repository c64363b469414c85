package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"praxisguard-backend/services/guard-service/internal/storage"
)

type State string

const (
	StateIdle              State = "idle"
	StateAssessmentRunning State = "assessment_running"
	StateActionRunning     State = "action_running"
	StateResolved          State = "resolved"
	StateFailed            State = "failed"
)

func (s State) Terminal() bool {
	return s == StateResolved || s == StateFailed
}

var ErrStagePanicked = errors.New("stage panicked")

// RunError reports the stage a run failed in. No audit entry exists for a
// failed run.
type RunError struct {
	RunID     string
	MachineID string
	Stage     State
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s for %s failed in %s: %v", e.RunID, e.MachineID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

type Outcome struct {
	RunID      string              `json:"run_id"`
	MachineID  string              `json:"machine_id"`
	State      State               `json:"state"`
	Signal     Signal              `json:"signal"`
	Entry      *storage.AuditEntry `json:"audit_entry,omitempty"`
	Path       []State             `json:"path"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Acted reports whether Stage B ran and wrote its entry.
func (o Outcome) Acted() bool {
	return o.Entry != nil
}

type Orchestrator struct {
	assessor Assessor
	actor    Actor
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(assessor Assessor, actor Actor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		assessor: assessor,
		actor:    actor,
		tracer:   noop.NewTracerProvider().Tracer("orchestrator"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one assessment/action chain synchronously. Each call is
// independent: repeated runs for a machine are not deduplicated.
func (o *Orchestrator) Run(ctx context.Context, machineID string) (Outcome, error) {
	return o.run(ctx, uuid.NewString(), machineID, nil)
}

func (o *Orchestrator) run(ctx context.Context, runID, machineID string, observe func(State)) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("machine.id", machineID),
	))
	defer span.End()

	out := Outcome{RunID: runID, MachineID: machineID, StartedAt: o.now().UTC()}
	advance := func(s State) {
		out.State = s
		out.Path = append(out.Path, s)
		if observe != nil {
			observe(s)
		}
	}
	fail := func(stage State, err error) (Outcome, error) {
		advance(StateFailed)
		out.FinishedAt = o.now().UTC()
		runErr := &RunError{RunID: runID, MachineID: machineID, Stage: stage, Err: err}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(stage))
		return out, runErr
	}

	advance(StateIdle)
	advance(StateAssessmentRunning)
	signal, err := o.assess(ctx, machineID)
	if err != nil {
		return fail(StateAssessmentRunning, err)
	}
	out.Signal = signal
	span.SetAttributes(attribute.Int("window.count", signal.WindowCount), attribute.Bool("breach", signal.Breached()))
	if signal.Empty() || !signal.Breached() {
		advance(StateResolved)
		out.FinishedAt = o.now().UTC()
		return out, nil
	}

	advance(StateActionRunning)
	entry, err := o.act(ctx, machineID, signal)
	if err != nil {
		return fail(StateActionRunning, err)
	}
	out.Entry = entry
	advance(StateResolved)
	out.FinishedAt = o.now().UTC()
	return out, nil
}

func (o *Orchestrator) assess(ctx context.Context, machineID string) (signal Signal, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.assess")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanicked, r)
		}
	}()
	return o.assessor.Assess(ctx, machineID)
}

func (o *Orchestrator) act(ctx context.Context, machineID string, signal Signal) (entry *storage.AuditEntry, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.act")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			entry = nil
			err = fmt.Errorf("%w: %v", ErrStagePanicked, r)
		}
	}()
	entry, err = o.actor.Act(ctx, machineID, signal)
	if err == nil && entry == nil {
		err = errors.New("actor returned no audit entry")
	}
	return entry, err
}
