// Package workerclient speaks the small HTTP protocol each match-server VM
// exposes: GET /status and POST /start-match. The bounded-timeout
// http.Client and typed-error-on-non-2xx pattern is lifted from the
// teacher's cluster proxy (internal/cluster/proxy.go), generalized from
// function-invoke forwarding to worker health/match-placement calls.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fleetctl/matchfleet/internal/circuitbreaker"
	"github.com/fleetctl/matchfleet/internal/metrics"
)

// Kind classifies a worker call failure so the allocator and reconciler can
// decide whether to mark a VM unreachable or just log and move on.
type Kind int

const (
	KindTimeout Kind = iota
	KindConnRefused
	KindServerError
	KindMalformed
	KindBreakerOpen
)

// Error wraps a worker call failure with a classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("workerclient: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Status is the normalized GET /status response. A non-numeric
// activeMatches field in the raw payload coerces to 0 rather than failing
// the whole probe, per SPEC_FULL §4.2.
type Status struct {
	ActiveMatches int
	Healthy       bool
}

// StartMatchRequest is the body sent to POST /start-match.
type StartMatchRequest struct {
	MatchID          string `json:"matchId"`
	GameMode         string `json:"gameMode"`
	Scene            string `json:"scene"`
	MatchPrivacy     string `json:"matchPrivacy"`
	TickRate         int    `json:"tickRate"`
	MatchType        string `json:"matchType"`
	PlayfabSecretKey string `json:"playfabSecretKey"`
}

// StartMatchResponse is the normalized POST /start-match response.
type StartMatchResponse struct {
	ServerPort  int    `json:"serverPort"`
	ContainerID string `json:"containerId"`
}

// Client calls worker VMs over HTTP, with per-instance circuit breaking on
// the start-match path (SPEC_FULL §4.8) so a VM that keeps failing to place
// matches stops receiving start-match calls for a cooldown window.
type Client struct {
	http           *http.Client
	startMatchHTTP *http.Client
	port           int
	breakers       *circuitbreaker.Registry
	breakerCfg     circuitbreaker.Config
}

// New builds a worker client. statusTimeout bounds GET /status calls;
// startMatchTimeout bounds POST /start-match calls, which are expected to
// take longer since the worker must spin up a match process.
func New(port int, statusTimeout, startMatchTimeout time.Duration) *Client {
	return &Client{
		http:           &http.Client{Timeout: statusTimeout},
		startMatchHTTP: &http.Client{Timeout: startMatchTimeout},
		port:           port,
		breakers:       circuitbreaker.NewRegistry(),
		breakerCfg: circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: time.Minute,
			OpenDuration:   30 * time.Second,
			HalfOpenProbes: 1,
		},
	}
}

// Forget drops the circuit breaker for an instance, called when the
// registry removes a VM so the breaker map does not grow unbounded.
func (c *Client) Forget(instanceID string) {
	c.breakers.Remove(instanceID)
	metrics.ForgetCircuit(instanceID)
}

// Status probes a VM's health endpoint.
func (c *Client) Status(ctx context.Context, ip string) (Status, error) {
	url := fmt.Sprintf("http://%s:%d/status", ip, c.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, &Error{Kind: KindMalformed, Op: "status", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, &Error{Kind: classifyTransportErr(err), Op: "status", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}, &Error{Kind: KindMalformed, Op: "status", Err: err}
	}
	if resp.StatusCode >= 500 {
		return Status{}, &Error{Kind: KindServerError, Op: "status", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Status{}, &Error{Kind: KindMalformed, Op: "status", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var raw struct {
		ActiveMatches json.RawMessage `json:"activeMatches"`
		Healthy       bool            `json:"healthy"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Status{}, &Error{Kind: KindMalformed, Op: "status", Err: err}
	}

	var active int64
	if convErr := json.Unmarshal(raw.ActiveMatches, &active); convErr != nil {
		active = 0
	}
	return Status{ActiveMatches: int(active), Healthy: raw.Healthy}, nil
}

// StartMatch asks a VM to start a match. instanceID is used as the circuit
// breaker key so repeated failures against one VM trip its breaker without
// affecting any other VM.
func (c *Client) StartMatch(ctx context.Context, instanceID, ip string, req StartMatchRequest) (StartMatchResponse, error) {
	breaker := c.breakers.Get(instanceID, c.breakerCfg)
	if breaker != nil && !breaker.Allow() {
		metrics.SetCircuitOpen(instanceID, true)
		return StartMatchResponse{}, &Error{Kind: KindBreakerOpen, Op: "start-match", Err: fmt.Errorf("circuit open for %s", instanceID)}
	}

	resp, err := c.startMatch(ctx, ip, req)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
			metrics.SetCircuitOpen(instanceID, breaker.State() == circuitbreaker.StateOpen)
		}
		return StartMatchResponse{}, err
	}
	if breaker != nil {
		breaker.RecordSuccess()
		metrics.SetCircuitOpen(instanceID, breaker.State() == circuitbreaker.StateOpen)
	}
	return resp, nil
}

func (c *Client) startMatch(ctx context.Context, ip string, body StartMatchRequest) (StartMatchResponse, error) {
	url := fmt.Sprintf("http://%s:%d/start-match", ip, c.port)
	payload, err := json.Marshal(body)
	if err != nil {
		return StartMatchResponse{}, &Error{Kind: KindMalformed, Op: "start-match", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return StartMatchResponse{}, &Error{Kind: KindMalformed, Op: "start-match", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.startMatchHTTP.Do(httpReq)
	if err != nil {
		return StartMatchResponse{}, &Error{Kind: classifyTransportErr(err), Op: "start-match", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return StartMatchResponse{}, &Error{Kind: KindMalformed, Op: "start-match", Err: err}
	}
	if resp.StatusCode >= 500 {
		return StartMatchResponse{}, &Error{Kind: KindServerError, Op: "start-match", Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		return StartMatchResponse{}, &Error{Kind: KindMalformed, Op: "start-match", Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var out StartMatchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return StartMatchResponse{}, &Error{Kind: KindMalformed, Op: "start-match", Err: err}
	}
	return out, nil
}

func classifyTransportErr(err error) Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnRefused
	}
	return KindConnRefused
}
