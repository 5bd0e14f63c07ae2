// Package executor performs the remote operation behind a queue item. The
// queue itself has no transport knowledge; an Executor is injected.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
)

// Executor runs one deferred remote operation.
type Executor interface {
	// Execute performs the operation described by the item. A returned
	// error is wrapped as an executor failure and retried by the queue.
	Execute(ctx context.Context, item *model.QueueItem) error
}

// HTTP executes queue items as HTTP requests against their target.
type HTTP struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTP constructs an HTTP executor with a per-item timeout.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{client: &http.Client{Timeout: timeout}, timeout: timeout}
}

// Execute maps the item's verb/target/headers/body onto one HTTP request.
// Any transport error or non-2xx response is an executor failure.
func (h *HTTP) Execute(ctx context.Context, item *model.QueueItem) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var body io.Reader
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	}
	req, err := http.NewRequestWithContext(ctx, item.Verb, item.Target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrExecutorFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", errs.ErrExecutorFailure, resp.StatusCode)
	}
	return nil
}
