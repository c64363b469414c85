package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"praxisguard-backend/services/guard-service/internal/bus"
	"praxisguard-backend/services/guard-service/internal/orchestrator"
	"praxisguard-backend/services/guard-service/internal/pdm"
	"praxisguard-backend/services/guard-service/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	return nil
}

type recordingObserver struct {
	breaches int
	lastPoF  float64
	rejected []string
}

func (o *recordingObserver) DispatchRejected(reason string) {
	o.rejected = append(o.rejected, reason)
}

func (o *recordingObserver) ObserveReading(_, _ string, pof float64, breached bool) {
	o.lastPoF = pof
	if breached {
		o.breaches++
	}
}

type countingForwarder struct {
	calls int
}

func (f *countingForwarder) ForwardAsync(storage.Reading) <-chan struct{} {
	f.calls++
	done := make(chan struct{})
	close(done)
	return done
}

func newService(backend *storage.MemoryBackend) *Service {
	return &Service{
		Store:         backend,
		Tuner:         pdm.NewTuner(pdm.DefaultProfile()),
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		BreachSubject: "readings.breach",
	}
}

func TestAppendHealthy(t *testing.T) {
	backend := storage.NewMemoryBackend()
	svc := newService(backend)
	pub := &recordingPublisher{}
	obs := &recordingObserver{}
	svc.Events = pub
	svc.Metrics = obs

	res, err := svc.Append(context.Background(), SourceHTTP, storage.Reading{MachineID: "MAC-101", Vibration: 20, Temperature: 45})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Status != pdm.Healthy || res.PoF != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Reading.Timestamp.IsZero() {
		t.Fatalf("expected server-stamped timestamp")
	}
	if len(pub.events) != 0 || obs.breaches != 0 {
		t.Fatalf("expected no breach side effects")
	}
}

func TestAppendCriticalPublishesBreach(t *testing.T) {
	backend := storage.NewMemoryBackend()
	svc := newService(backend)
	pub := &recordingPublisher{}
	obs := &recordingObserver{}
	svc.Events = pub
	svc.Metrics = obs

	res, err := svc.Append(context.Background(), SourceHTTP, storage.Reading{MachineID: "MAC-101", Vibration: 85, Temperature: 95})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Status != pdm.Critical || res.PoF != 0.043 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 breach event, got %d", len(pub.events))
	}
	evt, ok := pub.events[0].(bus.BreachEvent)
	if !ok || evt.MachineID != "MAC-101" || evt.PoF != 0.043 {
		t.Fatalf("unexpected breach event: %+v", pub.events[0])
	}
	if obs.breaches != 1 || obs.lastPoF != 0.043 {
		t.Fatalf("unexpected observer state: %+v", obs)
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	svc := newService(storage.NewMemoryBackend())
	cases := []storage.Reading{
		{MachineID: "", Vibration: 1, Temperature: 1},
		{MachineID: "MAC-101", Vibration: math.NaN(), Temperature: 1},
		{MachineID: "MAC-101", Vibration: 1, Temperature: math.Inf(1)},
	}
	for _, r := range cases {
		if _, err := svc.Append(context.Background(), SourceHTTP, r); !errors.Is(err, ErrInvalidReading) {
			t.Fatalf("expected ErrInvalidReading for %+v, got %v", r, err)
		}
	}
}

func TestAppendAutoDispatch(t *testing.T) {
	backend := storage.NewMemoryBackend()
	orch := orchestrator.New(
		&orchestrator.WindowAssessor{Readings: backend},
		&orchestrator.AuditActor{Audit: backend, Action: orchestrator.DefaultAction()},
	)
	d := orchestrator.NewDispatcher(orch, orchestrator.DispatcherOptions{Workers: 1, Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})
	defer d.Stop(context.Background())

	svc := newService(backend)
	svc.Dispatcher = d
	svc.AutoDispatch = true

	healthy, err := svc.Append(context.Background(), SourceHTTP, storage.Reading{MachineID: "MAC-101", Vibration: 20, Temperature: 45})
	if err != nil || healthy.DispatchID != "" {
		t.Fatalf("expected no dispatch for healthy reading, got %+v err=%v", healthy, err)
	}
	res, err := svc.Append(context.Background(), SourceHTTP, storage.Reading{MachineID: "MAC-101", Vibration: 85, Temperature: 95})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.DispatchID == "" {
		t.Fatalf("expected dispatch for critical reading")
	}
	h, err := d.Lookup(res.DispatchID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	if err != nil || !out.Acted() {
		t.Fatalf("expected acted outcome, got %+v err=%v", out, err)
	}
}

func TestAppendSurvivesRejectedDispatch(t *testing.T) {
	backend := storage.NewMemoryBackend()
	orch := orchestrator.New(
		&orchestrator.WindowAssessor{Readings: backend},
		&orchestrator.AuditActor{Audit: backend, Action: orchestrator.DefaultAction()},
	)
	d := orchestrator.NewDispatcher(orch, orchestrator.DispatcherOptions{Workers: 1, Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	svc := newService(backend)
	obs := &recordingObserver{}
	svc.Metrics = obs
	svc.Dispatcher = d
	svc.AutoDispatch = true

	res, err := svc.Append(context.Background(), SourceHTTP, storage.Reading{MachineID: "MAC-101", Vibration: 85, Temperature: 95})
	if err != nil {
		t.Fatalf("expected reading to be stored despite rejection, got %v", err)
	}
	if res.DispatchID != "" {
		t.Fatalf("expected no dispatch id, got %q", res.DispatchID)
	}
	if len(obs.rejected) != 1 || obs.rejected[0] != "closed" {
		t.Fatalf("expected one closed rejection, got %v", obs.rejected)
	}
}

func TestAppendForwardsWhenConfigured(t *testing.T) {
	svc := newService(storage.NewMemoryBackend())
	fwd := &countingForwarder{}
	svc.Forwarder = fwd
	if _, err := svc.Append(context.Background(), SourceNATS, storage.Reading{MachineID: "MAC-101", Vibration: 1, Temperature: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if fwd.calls != 1 {
		t.Fatalf("expected 1 forward, got %d", fwd.calls)
	}
}

func TestHandleEvent(t *testing.T) {
	backend := storage.NewMemoryBackend()
	svc := newService(backend)
	vib, temp := 85.0, 95.0
	svc.HandleEvent(context.Background())(bus.ReadingEvent{MachineID: "MAC-101", Vibration: &vib, Temperature: &temp})

	got, err := backend.RecentReadings(context.Background(), "MAC-101", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 stored reading, got %v err=%v", got, err)
	}
}

// ctxStore fails appends once the caller's context is done, like the pgx and
// database/sql backends do.
type ctxStore struct {
	*storage.MemoryBackend
}

func (c ctxStore) AppendReading(ctx context.Context, reading storage.Reading) (storage.Reading, error) {
	if err := ctx.Err(); err != nil {
		return storage.Reading{}, err
	}
	return c.MemoryBackend.AppendReading(ctx, reading)
}

func TestHandleEventOutlivesCancelledContext(t *testing.T) {
	backend := storage.NewMemoryBackend()
	svc := newService(backend)
	svc.Store = ctxStore{backend}

	ctx, cancel := context.WithCancel(context.Background())
	handle := svc.HandleEvent(ctx)
	cancel()

	vib, temp := 20.0, 45.0
	handle(bus.ReadingEvent{MachineID: "MAC-101", Vibration: &vib, Temperature: &temp})

	got, err := backend.RecentReadings(context.Background(), "MAC-101", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected reading delivered after shutdown to be stored, got %v err=%v", got, err)
	}
}
