package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"praxisguard-backend/services/sensor-service/internal/source"
)

// Sink delivers samples to the guard service.
type Sink interface {
	Send(ctx context.Context, sample source.Sample) error
	Close() error
}

// HTTPSink posts each sample to the guard service ingestion endpoint.
type HTTPSink struct {
	URL    string
	Client *http.Client
}

func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		URL:    strings.TrimRight(baseURL, "/") + "/api/readings",
		Client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Send(ctx context.Context, sample source.Sample) error {
	body, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post reading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post reading: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *HTTPSink) Close() error {
	s.Client.CloseIdleConnections()
	return nil
}
