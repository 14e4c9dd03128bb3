// Package executor invokes the external sandbox/test runner for allowed
// actions. The engine never executes anything itself; it hands the validated
// operation to this collaborator and records whatever outcome comes back.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tymefrontier/gatekeeper/internal/contract"
	"github.com/tymefrontier/gatekeeper/pkg/types"
)

// Webhook posts allowed actions to a sandbox runner endpoint and decodes its
// pass/fail verdict.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(url string, timeout time.Duration, headers map[string]string) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("executor url is empty")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hcopy := map[string]string{}
	for k, v := range headers {
		hcopy[k] = v
	}
	return &Webhook{
		url:     url,
		headers: hcopy,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type executeRequest struct {
	Action    types.ActionRequest `json:"action"`
	Operation contract.Operation  `json:"operation"`
}

func (w *Webhook) Execute(ctx context.Context, req types.ActionRequest, op contract.Operation) (types.ExecutionResult, error) {
	body, err := json.Marshal(executeRequest{Action: req, Operation: op})
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("marshal execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("execute action %s: %w", req.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.ExecutionResult{}, fmt.Errorf("executor returned status %d for action %s", resp.StatusCode, req.ID)
	}

	var result types.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return types.ExecutionResult{}, fmt.Errorf("decode executor response: %w", err)
	}
	if result.Status != "pass" && result.Status != "fail" {
		return types.ExecutionResult{}, fmt.Errorf("executor returned unknown status %q", result.Status)
	}
	return result, nil
}

// Func adapts a plain function to the executor interface, mainly for tests
// and in-process runners.
type Func func(ctx context.Context, req types.ActionRequest, op contract.Operation) (types.ExecutionResult, error)

func (f Func) Execute(ctx context.Context, req types.ActionRequest, op contract.Operation) (types.ExecutionResult, error) {
	return f(ctx, req, op)
}
