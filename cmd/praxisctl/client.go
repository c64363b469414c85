package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// apiClient talks to the guard-service HTTP API.
type apiClient struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

func newAPIClient(base string, timeout time.Duration, logger *zap.Logger) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &payload) == nil && payload.Error != "" {
		return fmt.Sprintf("guard-service returned %d: %s", e.Status, payload.Error)
	}
	return fmt.Sprintf("guard-service returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("api call",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	if resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
