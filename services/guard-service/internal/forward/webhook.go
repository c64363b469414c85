package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"praxisguard-backend/services/guard-service/internal/storage"
)

const (
	EventSensorReading = "sensor_reading"
	defaultTimeout     = 5 * time.Second
	maxResponseBody    = 64 << 10
)

var ErrNotConfigured = errors.New("webhook forwarder is not configured")

type Payload struct {
	Event string          `json:"event"`
	Data  storage.Reading `json:"data"`
}

// Result is what the webhook answered. Non-2xx answers are reported, not
// treated as transport failures.
type Result struct {
	StatusCode int    `json:"webhook_status"`
	Body       string `json:"webhook_body"`
}

func (r Result) OK() bool {
	return r.StatusCode < http.StatusBadRequest
}

// Forwarder pushes readings to an external automation webhook. Delivery is
// attempted once.
type Forwarder struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	onError func()
}

type Option func(*Forwarder)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) {
		if client != nil {
			f.client = client
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFailureHook is called once for every failed asynchronous delivery.
func WithFailureHook(fn func()) Option {
	return func(f *Forwarder) {
		f.onError = fn
	}
}

func New(url string, timeout time.Duration, opts ...Option) *Forwarder {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	f := &Forwarder{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Forwarder) Configured() bool {
	return f != nil && f.url != ""
}

func (f *Forwarder) Forward(ctx context.Context, reading storage.Reading) (Result, error) {
	if !f.Configured() {
		return Result{}, ErrNotConfigured
	}
	body, err := json.Marshal(Payload{Event: EventSensorReading, Data: reading})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, fmt.Errorf("read webhook response: %w", err)
	}
	return Result{StatusCode: resp.StatusCode, Body: string(text)}, nil
}

// ForwardAsync delivers from a detached goroutine; failures are logged and
// reported to the failure hook. The returned channel closes when delivery
// finished.
func (f *Forwarder) ForwardAsync(reading storage.Reading) <-chan struct{} {
	done := make(chan struct{})
	if !f.Configured() {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		res, err := f.Forward(context.Background(), reading)
		if err == nil && !res.OK() {
			err = fmt.Errorf("webhook returned HTTP %d", res.StatusCode)
		}
		if err != nil {
			f.logger.Warn("webhook forward failed",
				slog.String("machine_id", reading.MachineID),
				slog.String("error", err.Error()),
			)
			if f.onError != nil {
				f.onError()
			}
		}
	}()
	return done
}
