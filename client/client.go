// Package client is a typed HTTP client for the gateflow API server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rom8726/gateflow"
	"github.com/rom8726/gateflow/api"
	"github.com/rom8726/gateflow/plugins/api/failures"
	signalplugin "github.com/rom8726/gateflow/plugins/api/signal"
	"github.com/rom8726/gateflow/plugins/api/terminate"
)

// UserHeader carries the acting user to the signal and terminate routes.
const UserHeader = "X-Gateflow-User"

const defaultPollInterval = 500 * time.Millisecond

type Client struct {
	httpClient *http.Client
	baseURL    string
	user       string
}

type Option func(*Client)

func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StatusError is returned for any non-2xx response. It unwraps to the engine
// error matching the status code, so errors.Is works across the wire.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateflow api: status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return gateflow.ErrEntityNotFound
	case http.StatusConflict:
		return gateflow.ErrAlreadyResolved
	case http.StatusGone:
		return gateflow.ErrExecutionTerminated
	case http.StatusUnprocessableEntity:
		return gateflow.ErrDefinitionInvalid
	case http.StatusServiceUnavailable:
		return gateflow.ErrEngineStopped
	default:
		return nil
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) Definitions(ctx context.Context) ([]*gateflow.WorkflowDefinition, error) {
	var defs []*gateflow.WorkflowDefinition
	if err := c.do(ctx, http.MethodGet, "/api/definitions", nil, &defs); err != nil {
		return nil, err
	}

	return defs, nil
}

func (c *Client) Definition(ctx context.Context, id string) (*gateflow.WorkflowDefinition, error) {
	var def gateflow.WorkflowDefinition
	if err := c.do(ctx, http.MethodGet, "/api/definitions/"+url.PathEscape(id), nil, &def); err != nil {
		return nil, err
	}

	return &def, nil
}

// RegisterDefinition uploads a YAML or JSON definition document.
func (c *Client) RegisterDefinition(ctx context.Context, document []byte) (*gateflow.WorkflowDefinition, error) {
	var def gateflow.WorkflowDefinition
	err := c.doRaw(ctx, http.MethodPost, "/api/definitions", "application/yaml", bytes.NewReader(document), &def)
	if err != nil {
		return nil, err
	}

	return &def, nil
}

func (c *Client) Graph(ctx context.Context, definitionID string) (*api.GraphResponse, error) {
	var graph api.GraphResponse
	path := "/api/definitions/" + url.PathEscape(definitionID) + "/graph"
	if err := c.do(ctx, http.MethodGet, path, nil, &graph); err != nil {
		return nil, err
	}

	return &graph, nil
}

func (c *Client) Start(ctx context.Context, definitionID string, input map[string]any) (string, error) {
	var resp api.StartExecutionResponse
	req := api.StartExecutionRequest{DefinitionID: definitionID, Input: input}
	if err := c.do(ctx, http.MethodPost, "/api/executions", req, &resp); err != nil {
		return "", err
	}

	return resp.ExecutionID, nil
}

// Executions lists executions, optionally only those of one definition.
func (c *Client) Executions(ctx context.Context, definitionID string) ([]api.ExecutionSummary, error) {
	path := "/api/executions"
	if definitionID != "" {
		path += "?definition=" + url.QueryEscape(definitionID)
	}

	var summaries []api.ExecutionSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &summaries); err != nil {
		return nil, err
	}

	return summaries, nil
}

func (c *Client) Execution(ctx context.Context, executionID string) (*api.ExecutionDetails, error) {
	var details api.ExecutionDetails
	if err := c.do(ctx, http.MethodGet, executionPath(executionID, ""), nil, &details); err != nil {
		return nil, err
	}

	return &details, nil
}

func (c *Client) Events(ctx context.Context, executionID string) ([]gateflow.Event, error) {
	var events []gateflow.Event
	if err := c.do(ctx, http.MethodGet, executionPath(executionID, "/events"), nil, &events); err != nil {
		return nil, err
	}

	return events, nil
}

func (c *Client) PendingApprovals(ctx context.Context, executionID string) ([]gateflow.ApprovalRequest, error) {
	var approvals []gateflow.ApprovalRequest
	if err := c.do(ctx, http.MethodGet, executionPath(executionID, "/approvals"), nil, &approvals); err != nil {
		return nil, err
	}

	return approvals, nil
}

// Signal delivers an approve or reject signal. Token and StepID in req are both
// optional when the execution has a single pending approval.
func (c *Client) Signal(ctx context.Context, executionID string, req signalplugin.SignalRequest) error {
	return c.do(ctx, http.MethodPost, executionPath(executionID, "/signal"), req, nil)
}

func (c *Client) Approve(ctx context.Context, executionID, stepID, comment string) error {
	return c.Signal(ctx, executionID, signalplugin.SignalRequest{
		Kind:    string(gateflow.SignalApprove),
		StepID:  stepID,
		Comment: comment,
	})
}

func (c *Client) Reject(ctx context.Context, executionID, stepID, comment string) error {
	return c.Signal(ctx, executionID, signalplugin.SignalRequest{
		Kind:    string(gateflow.SignalReject),
		StepID:  stepID,
		Comment: comment,
	})
}

func (c *Client) Terminate(ctx context.Context, executionID, reason string) error {
	req := terminate.TerminateRequest{Reason: reason}

	return c.do(ctx, http.MethodPost, executionPath(executionID, "/terminate"), req, nil)
}

func (c *Client) Failures(ctx context.Context, page, pageSize int) (*failures.ListResponse, error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		query.Set("page_size", strconv.Itoa(pageSize))
	}

	path := "/api/failures"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp failures.ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *Client) Stats(ctx context.Context) (*gateflow.SummaryStats, error) {
	var stats gateflow.SummaryStats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}

	return &stats, nil
}

// Wait polls the execution until it reaches a terminal status or ctx is done.
func (c *Client) Wait(ctx context.Context, executionID string, interval time.Duration) (*api.ExecutionDetails, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		details, err := c.Execution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if details.Status.IsTerminal() {
			return details, nil
		}

		select {
		case <-ctx.Done():
			return details, ctx.Err()
		case <-ticker.C:
		}
	}
}

func executionPath(executionID, suffix string) string {
	return "/api/executions/" + url.PathEscape(executionID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	return c.doRaw(ctx, method, path, "application/json", reader, out)
}

func (c *Client) doRaw(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.Header.Set(UserHeader, c.user)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	statusErr := &StatusError{StatusCode: resp.StatusCode}

	var payload api.ErrorResponse
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		statusErr.Message = payload.Message
	} else {
		statusErr.Message = strings.TrimSpace(string(data))
	}
	if statusErr.Message == "" {
		statusErr.Message = http.StatusText(resp.StatusCode)
	}

	return statusErr
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return errors.Is(err, gateflow.ErrEntityNotFound)
}
