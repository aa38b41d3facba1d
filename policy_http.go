package gateflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPPolicyGate asks an OPA-style endpoint for a verdict. The request body is
// {"input": {...}} and the response is {"result": {"allow": bool, "reason": string}}.
// Transport failures are retried locally; when they persist the step is denied.
type HTTPPolicyGate struct {
	url      string
	client   *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

type HTTPPolicyGateOption func(*HTTPPolicyGate)

func WithPolicyHTTPClient(client *http.Client) HTTPPolicyGateOption {
	return func(g *HTTPPolicyGate) {
		g.client = client
	}
}

func WithPolicyAttempts(attempts int, backoff time.Duration) HTTPPolicyGateOption {
	return func(g *HTTPPolicyGate) {
		g.attempts = attempts
		g.backoff = backoff
	}
}

func WithPolicyLogger(logger *slog.Logger) HTTPPolicyGateOption {
	return func(g *HTTPPolicyGate) {
		g.logger = logger
	}
}

func NewHTTPPolicyGate(url string, opts ...HTTPPolicyGateOption) *HTTPPolicyGate {
	g := &HTTPPolicyGate{
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		attempts: 3,
		backoff:  200 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

type policyQuery struct {
	Input policyQueryInput `json:"input"`
}

type policyQueryInput struct {
	Step     string          `json:"step"`
	Activity string          `json:"activity"`
	Approval bool            `json:"requires_approval"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type policyAnswer struct {
	Result struct {
		Allow  bool   `json:"allow"`
		Reason string `json:"reason"`
	} `json:"result"`
}

func (g *HTTPPolicyGate) Decide(ctx context.Context, step *StepDefinition, input json.RawMessage) PolicyDecision {
	body, err := json.Marshal(policyQuery{Input: policyQueryInput{
		Step:     step.ID,
		Activity: step.Activity,
		Approval: step.RequiresApproval,
		Payload:  input,
	}})
	if err != nil {
		return Deny(step.ID, fmt.Sprintf("encode policy query: %v", err))
	}

	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			delay := CalculateRetryDelay(RetryStrategyExponential, g.backoff, attempt-1)
			select {
			case <-ctx.Done():
				return Deny(step.ID, fmt.Sprintf("policy query cancelled: %v", ctx.Err()))
			case <-time.After(delay):
			}
		}

		answer, err := g.query(ctx, body)
		if err == nil {
			if answer.Result.Allow {
				return PolicyDecision{StepID: step.ID, Verdict: PolicyAllow, Reason: answer.Result.Reason}
			}

			reason := answer.Result.Reason
			if reason == "" {
				reason = "denied by policy service"
			}

			return Deny(step.ID, reason)
		}

		lastErr = err
		g.logger.Warn("[gateflow] policy service call failed",
			"step", step.ID, "attempt", attempt+1, "error", err)
	}

	return Deny(step.ID, fmt.Sprintf("policy service unavailable: %v", lastErr))
}

func (g *HTTPPolicyGate) query(ctx context.Context, body []byte) (*policyAnswer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var answer policyAnswer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}

	return &answer, nil
}
