// Package connect is a client for the Kafka Connect REST API, covering the
// handful of resources reconciliation needs.
package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/higorrsc/connectctl/state"
	"github.com/higorrsc/connectctl/telemetry"
	"github.com/higorrsc/connectctl/util/sliceu"
)

type Client struct {
	baseURL           string
	httpClient        *http.Client
	log               *slog.Logger
	attempts          int
	initialRetryDelay time.Duration
	callTimeout       time.Duration
}

type newOption func(c *Client)

func New(baseURL string, options ...newOption) *Client {
	client := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		httpClient:        newHTTPClient(),
		log:               slog.With("scope", "connect"),
		attempts:          10,
		initialRetryDelay: 100 * time.Millisecond,
		callTimeout:       10 * time.Second,
	}

	for _, o := range options {
		o(client)
	}

	return client
}

func WithAttempts(attempts int) newOption {
	return func(c *Client) {
		c.attempts = attempts
	}
}

func WithInitialRetryDelay(delay time.Duration) newOption {
	return func(c *Client) {
		c.initialRetryDelay = delay
	}
}

func WithCallTimeout(timeout time.Duration) newOption {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

func WithLogger(logger *slog.Logger) newOption {
	return func(c *Client) {
		c.log = logger
	}
}

// ListConnectors returns the names of every registered connector.
func (c *Client) ListConnectors(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.do(ctx, http.MethodGet, "/connectors", nil, &names, ""); err != nil {
		return nil, err
	}
	return names, nil
}

// ConnectorConfig returns the live config of a registered connector.
func (c *Client) ConnectorConfig(ctx context.Context, name string) (map[string]string, error) {
	var config map[string]string
	if err := c.do(ctx, http.MethodGet, "/connectors/"+name+"/config", nil, &config, name); err != nil {
		return nil, err
	}
	return config, nil
}

// CreateConnector registers a new connector.
func (c *Client) CreateConnector(ctx context.Context, spec state.ConnectorSpec) error {
	return c.do(ctx, http.MethodPost, "/connectors", spec, nil, spec.Name)
}

// PutConnectorConfig replaces the config of a connector. Kafka Connect
// creates the connector when the name is not yet registered, so this is also
// a valid upsert.
func (c *Client) PutConnectorConfig(ctx context.Context, name string, config map[string]string) error {
	return c.do(ctx, http.MethodPut, "/connectors/"+name+"/config", config, nil, name)
}

// DeleteConnector removes a connector and its tasks.
func (c *Client) DeleteConnector(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/connectors/"+name, nil, nil, name)
}

// Status reports the connector and task states as returned by
// GET /connectors/{name}/status.
type Status struct {
	Name      string         `json:"name"`
	Connector InstanceStatus `json:"connector"`
	Tasks     []TaskStatus   `json:"tasks"`
}

type InstanceStatus struct {
	State    string `json:"state"`
	WorkerID string `json:"worker_id"`
}

type TaskStatus struct {
	ID       int    `json:"id"`
	State    string `json:"state"`
	WorkerID string `json:"worker_id"`
	Trace    string `json:"trace,omitempty"`
}

// Running reports whether the connector and all of its tasks are in the
// RUNNING state.
func (s *Status) Running() bool {
	return s.Connector.State == "RUNNING" &&
		sliceu.Every(s.Tasks, func(t TaskStatus) bool { return t.State == "RUNNING" })
}

func (c *Client) ConnectorStatus(ctx context.Context, name string) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/connectors/"+name+"/status", nil, &status, name); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitRunning polls the status resource every poll interval until the
// connector and all of its tasks report RUNNING, the timeout elapses, or ctx
// is canceled. onPoll, when non-nil, observes every fetched status. The last
// fetched status is returned alongside any error.
func (c *Client) WaitRunning(ctx context.Context, name string, timeout, poll time.Duration, onPoll func(*Status)) (*Status, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.ConnectorStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		if onPoll != nil {
			onPoll(status)
		}
		if status.Running() {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, fmt.Errorf("connector %q not RUNNING after %s", name, timeout)
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return status, context.Cause(ctx)
		}
	}
}

// do runs one REST call, retrying with exponential backoff up to c.attempts
// calls. Only availability problems are retried: network errors, timeouts,
// 5xx (minus 501), 429 and the 409 the
// cluster answers with while a rebalance is in flight. 4xx rejections return
// immediately as *RejectedError.
func (c *Client) do(ctx context.Context, method, path string, body, out any, connectorName string) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %v", method, path, err)
		}
	}

	delay := c.initialRetryDelay
	var lastErr error
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			c.log.Debug("retrying", "method", method, "path", path, "attempt", i+1, "cause", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnreachable, context.Cause(ctx))
			}
			delay *= 2
		}

		err := c.attempt(ctx, method, path, payload, out, connectorName)
		if errors.Is(err, errRetry) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("%w: after %d attempts, last error: %v", ErrUnreachable, c.attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any, connectorName string) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, errRetry)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %v: %w", method, path, err, errRetry)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("%s %s: decoding response: %v", method, path, err)
			}
		}
		return nil

	// 409 means a rebalance is in flight; the call is valid and will succeed
	// once the herder settles.
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented:
		return fmt.Errorf("status=%q %s %s: %w", resp.Status, method, path, errRetry)

	default:
		return &RejectedError{
			Name:       connectorName,
			StatusCode: resp.StatusCode,
			Message:    apiErrorMessage(respBody),
		}
	}
}

// apiErrorMessage extracts the message from Connect's JSON error body,
// falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var apiErr struct {
		ErrorCode int    `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	return strings.TrimSpace(string(body))
}

// newHTTPClient builds an http.Client with its own transport. Sharing
// http.DefaultTransport between clients left test servers with connections
// that Shutdown() could never close.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: telemetry.NewMetricsTransport("connect", transport),
	}
}
