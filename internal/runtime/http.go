package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// maxOutputSize caps how much of an executor response is read.
const maxOutputSize = 1 << 20

// HTTPRuntime forwards tasks to an external executor service. The request
// body is the TaskInput as JSON; a 2xx response must be a JSON object, which
// becomes the task output.
type HTTPRuntime struct {
	url    string
	client *http.Client
}

// NewHTTPRuntime creates a runtime posting to url. Timeouts are applied by
// the Executor through the request context.
func NewHTTPRuntime(url string, client *http.Client) *HTTPRuntime {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRuntime{url: url, client: client}
}

func (h *HTTPRuntime) Run(ctx context.Context, in TaskInput) (Output, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", in.RequestID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor request failed (%s): %w", classifyExecutorError(err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading executor response: %w", err)
	}
	if len(body) > maxOutputSize {
		return nil, fmt.Errorf("executor response exceeds %d bytes", maxOutputSize)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var out Output
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding executor response: %w", err)
	}
	if out == nil {
		return nil, errors.New("executor returned no output")
	}
	return out, nil
}

// classifyExecutorError categorizes an executor HTTP client error.
func classifyExecutorError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	return "other"
}
