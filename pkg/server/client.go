package server

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

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/gate"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Approval   *sweeperv1.ApprovalRecord
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running server on behalf of one human actor.
type Client struct {
	baseURL string
	actor   string
	token   string
	http    *retryablehttp.Client
}

type ClientOption func(c *Client)

// WithToken sends token as a bearer token on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

func NewClient(log logr.Logger, baseURL, actor string, opts ...ClientOption) *Client {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		// a non-GET that reached the server is never replayed
		if err == nil && resp != nil && resp.Request.Method != http.MethodGet {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Info("Retrying request", "method", req.Method, "url", req.URL.Redacted(), "attempt", attempt)
		}
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		actor:   actor,
		http:    client,
	}
	for _, fn := range opts {
		fn(c)
	}

	return c
}

func (c *Client) Trigger(ctx context.Context) (*sweeperv1.PipelineRun, error) {
	run := &sweeperv1.PipelineRun{}
	err := c.do(ctx, http.MethodPost, "/runs", TriggerRequest{Actor: c.actor}, run)
	return run, err
}

func (c *Client) Decide(ctx context.Context, runID string, decision sweeperv1.Decision, comment string) (sweeperv1.ApprovalRecord, error) {
	var rec sweeperv1.ApprovalRecord
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/approval",
		DecisionRequest{Decision: decision, Actor: c.actor, Comment: comment}, &rec)
	return rec, err
}

func (c *Client) Cancel(ctx context.Context, runID string) (*sweeperv1.PipelineRun, error) {
	run := &sweeperv1.PipelineRun{}
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", CancelRequest{Actor: c.actor}, run)
	return run, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (*sweeperv1.PipelineRun, error) {
	run := &sweeperv1.PipelineRun{}
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, run)
	return run, err
}

func (c *Client) ListRuns(ctx context.Context) ([]*sweeperv1.PipelineRun, error) {
	var runs []*sweeperv1.PipelineRun
	err := c.do(ctx, http.MethodGet, "/runs", nil, &runs)
	return runs, err
}

// Audit returns the audit trail of runID, or of every run when runID is empty.
func (c *Client) Audit(ctx context.Context, runID string) ([]sweeperv1.AuditEvent, error) {
	path := "/audit"
	if runID != "" {
		path = "/runs/" + url.PathEscape(runID) + "/audit"
	}

	var events []sweeperv1.AuditEvent
	err := c.do(ctx, http.MethodGet, path, nil, &events)
	return events, err
}

func (c *Client) Pending(ctx context.Context) ([]gate.PendingApproval, error) {
	var pending []gate.PendingApproval
	err := c.do(ctx, http.MethodGet, "/approvals", nil, &pending)
	return pending, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(bs)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Approval = er.Approval
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cannot decode response: %w", err)
	}

	return nil
}
