package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull        = errors.New("dispatch queue is full")
	ErrDispatcherClosed = errors.New("dispatcher is closed")
	ErrUnknownDispatch  = errors.New("dispatch not found")
)

// RejectReason labels a Dispatch error for metrics.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrDispatcherClosed):
		return "closed"
	default:
		return "error"
	}
}

const (
	defaultWorkers   = 2
	defaultQueueSize = 128
	defaultRetain    = 256
)

type DispatcherOptions struct {
	Workers    int
	QueueSize  int
	RunTimeout time.Duration
	Retain     int
	Logger     *slog.Logger
}

// Handle tracks one dispatched run. Done closes once the run reached a
// terminal state.
type Handle struct {
	ID        string
	MachineID string
	QueuedAt  time.Time

	done    chan struct{}
	mu      sync.Mutex
	state   State
	outcome Outcome
	err     error
}

type Status struct {
	DispatchID   string    `json:"dispatch_id"`
	MachineID    string    `json:"machine_id"`
	State        State     `json:"state"`
	Done         bool      `json:"done"`
	Summary      string    `json:"summary,omitempty"`
	AuditEntryID string    `json:"audit_entry_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	QueuedAt     time.Time `json:"queued_at"`
}

func newHandle(machineID string) *Handle {
	return &Handle{
		ID:        uuid.NewString(),
		MachineID: machineID,
		QueuedAt:  time.Now().UTC(),
		done:      make(chan struct{}),
		state:     StateIdle,
	}
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.outcome, h.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Outcome blocks until the run finishes.
func (h *Handle) Outcome() (Outcome, error) {
	return h.Wait(context.Background())
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		DispatchID: h.ID,
		MachineID:  h.MachineID,
		State:      h.state,
		Done:       h.state.Terminal(),
		Summary:    h.outcome.Signal.Summary,
		QueuedAt:   h.QueuedAt,
	}
	if h.outcome.Entry != nil {
		st.AuditEntryID = h.outcome.Entry.ID
	}
	if h.err != nil {
		st.Error = h.err.Error()
	}
	return st
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) finish(outcome Outcome, err error) {
	h.mu.Lock()
	h.outcome = outcome
	h.err = err
	if !h.state.Terminal() {
		h.state = StateFailed
	}
	h.mu.Unlock()
	close(h.done)
}

// Dispatcher runs orchestrations off the caller's goroutine on a fixed
// worker pool fed by a bounded queue.
type Dispatcher struct {
	mu         sync.Mutex
	orch       *Orchestrator
	queue      chan *Handle
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	runTimeout time.Duration
	closed     bool
	recent     map[string]*Handle
	order      []string
	retain     int
	hooks      []func(Outcome, error)
	logger     *slog.Logger
}

func NewDispatcher(orch *Orchestrator, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Retain <= 0 {
		opts.Retain = defaultRetain
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		orch:       orch,
		queue:      make(chan *Handle, opts.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		runTimeout: opts.RunTimeout,
		recent:     map[string]*Handle{},
		retain:     opts.Retain,
		logger:     opts.Logger,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// OnComplete registers fn to observe every finished run.
func (d *Dispatcher) OnComplete(fn func(Outcome, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Dispatch enqueues a run and returns without waiting for it.
func (d *Dispatcher) Dispatch(machineID string) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	h := newHandle(machineID)
	select {
	case d.queue <- h:
	default:
		return nil, ErrQueueFull
	}
	d.remember(h)
	return h, nil
}

func (d *Dispatcher) Lookup(id string) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.recent[id]
	if !ok {
		return nil, ErrUnknownDispatch
	}
	return h, nil
}

// Pending reports runs queued but not yet picked up by a worker.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stop refuses new dispatches and waits for queued runs to drain. When ctx
// expires first, in-flight runs are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-drained
		return ctx.Err()
	}
}

func (d *Dispatcher) remember(h *Handle) {
	d.recent[h.ID] = h
	d.order = append(d.order, h.ID)
	for len(d.order) > d.retain {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.recent, oldest)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for h := range d.queue {
		d.execute(h)
	}
}

func (d *Dispatcher) execute(h *Handle) {
	ctx := d.ctx
	if d.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.runTimeout)
		defer cancel()
	}
	outcome, err := d.orch.run(ctx, h.ID, h.MachineID, h.setState)
	defer h.finish(outcome, err)

	if err != nil {
		d.logger.Error("orchestration failed",
			slog.String("dispatch_id", h.ID),
			slog.String("machine_id", h.MachineID),
			slog.String("error", err.Error()),
		)
	} else {
		d.logger.Info("orchestration resolved",
			slog.String("dispatch_id", h.ID),
			slog.String("machine_id", h.MachineID),
			slog.Bool("acted", outcome.Acted()),
		)
	}

	d.mu.Lock()
	hooks := append([]func(Outcome, error){}, d.hooks...)
	d.mu.Unlock()
	for _, hook := range hooks {
		hook(outcome, err)
	}
}
