package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Sentinel-Gate/toolgate/internal/domain/governance"
	"github.com/Sentinel-Gate/toolgate/internal/port/outbound"
)

// evaluateRequest is the wire form of a governance evaluate call.
type evaluateRequest struct {
	ToolName       string                 `json:"toolName"`
	CallerIdentity string                 `json:"callerIdentity"`
	CallerClaims   map[string]interface{} `json:"callerClaims"`
	Arguments      json.RawMessage        `json:"arguments"`
	SessionID      string                 `json:"sessionId"`
	RequestPayload json.RawMessage        `json:"requestPayload"`
}

// GovernanceClient evaluates gated tool calls against the control plane.
// Every call goes over the wire; decisions are never cached because each
// evaluate consumes at most one approval.
type GovernanceClient struct {
	*Client
}

// NewGovernanceClient creates a governance evaluator against the control plane.
func NewGovernanceClient(client *Client) *GovernanceClient {
	return &GovernanceClient{Client: client}
}

// Evaluate posts one gated tool call for evaluation and returns the decision.
func (g *GovernanceClient) Evaluate(ctx context.Context, governanceID string, in governance.EvaluateInput) (governance.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.evalTimeout)
	defer cancel()

	payload := evaluateRequest{
		ToolName:       in.Tool,
		CallerIdentity: in.Caller,
		CallerClaims:   in.Claims,
		Arguments:      in.Arguments,
		SessionID:      in.SessionID,
		RequestPayload: in.Payload,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return governance.Decision{}, fmt.Errorf("encode evaluate request: %w", err)
	}

	url := fmt.Sprintf("%s/api/governance/%s/evaluate", g.baseURL, governanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return governance.Decision{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return governance.Decision{}, fmt.Errorf("governance evaluate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return governance.Decision{}, fmt.Errorf("read evaluate response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return governance.Decision{}, fmt.Errorf("governance evaluate status %d: %s", resp.StatusCode, string(respBody))
	}

	var decision governance.Decision
	if err := json.Unmarshal(respBody, &decision); err != nil {
		return governance.Decision{}, fmt.Errorf("parse evaluate response: %w", err)
	}
	return decision, nil
}

// Compile-time interface verification.
var _ outbound.GovernanceEvaluator = (*GovernanceClient)(nil)
