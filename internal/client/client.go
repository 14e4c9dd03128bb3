// Package client is the HTTP client used by the gatekeeper CLI.
package client

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

	"github.com/tymefrontier/gatekeeper/internal/action"
	"github.com/tymefrontier/gatekeeper/internal/contract"
	"github.com/tymefrontier/gatekeeper/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL string, apiKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitRequest is the wire shape of an action submission.
type SubmitRequest struct {
	ID            string                      `json:"id,omitempty"`
	AgentID       string                      `json:"agent_id,omitempty"`
	Class         string                      `json:"class"`
	TargetPaths   []string                    `json:"target_paths,omitempty"`
	CommandTokens []string                    `json:"command_tokens,omitempty"`
	Node          string                      `json:"node,omitempty"`
	TestResults   map[string]types.TestResult `json:"test_results,omitempty"`
	RiskScore     float64                     `json:"risk_score,omitempty"`

	Contract contract.Descriptor `json:"contract"`
}

func (c *Client) SubmitAction(ctx context.Context, req SubmitRequest) (action.Status, error) {
	var out action.Status
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/actions", nil, req, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) GetAction(ctx context.Context, id string) (action.Status, error) {
	var out action.Status
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/actions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) ListActions(ctx context.Context) ([]action.Status, error) {
	var out []action.Status
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/actions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Approve(ctx context.Context, id, role, principalID string) (action.Status, error) {
	var out action.Status
	body := map[string]any{"role": role}
	if principalID != "" {
		body["principal_id"] = principalID
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/actions/"+url.PathEscape(id)+"/approvals", nil, body, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) ReportResult(ctx context.Context, id string, res types.ExecutionResult) (action.Status, error) {
	var out action.Status
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/actions/"+url.PathEscape(id)+"/result", nil, res, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) QueryLedger(ctx context.Context, q url.Values) ([]types.LedgerEntry, error) {
	var out []types.LedgerEntry
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) VerifyLedger(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPolicy(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/policy", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReloadPolicy(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/policy/reload", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	c.addAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
