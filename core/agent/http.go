package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRunner talks to a purple-side agent process over JSON HTTP.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRunner(endpoint string, timeout time.Duration) (*HTTPRunner, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("agent endpoint is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPRunner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (r *HTTPRunner) Run(ctx context.Context, request RunRequest) (RunResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return RunResponse{}, fmt.Errorf("marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return RunResponse{}, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return RunResponse{}, fmt.Errorf("agent rpc: %w", err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return RunResponse{}, fmt.Errorf("read agent response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return RunResponse{}, fmt.Errorf("agent rpc status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var response RunResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return RunResponse{}, fmt.Errorf("decode agent response: %w", err)
	}
	switch response.Status {
	case StatusSuccess, StatusFail, StatusTimeout, StatusError:
	default:
		return RunResponse{}, fmt.Errorf("agent returned unknown status: %q", response.Status)
	}
	return response, nil
}
