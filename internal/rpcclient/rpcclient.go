// Package rpcclient is the participant-facing leg of the coordinator's
// transport adapter (spec §4.4): a pooled HTTP client that calls a
// participant's prepare/can_commit/precommit/commit/abort endpoints and
// distinguishes transport failures from decoded application responses.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mnohosten/txcommit/internal/coordinator"
	"github.com/mnohosten/txcommit/pkg/txn"
)

// Config mirrors the connection-pool knobs of the teacher's database
// client: a bounded idle-connection pool sized for a handful of
// long-lived participant peers, not a large connection fan-out.
type Config struct {
	Timeout         time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
}

// DefaultConfig returns sane pool defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         2 * time.Second,
		MaxIdleConns:    10,
		MaxConnsPerHost: 10,
	}
}

// Client is an HTTP-backed coordinator.Participant.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// New creates a participant adapter that talks to baseURL (scheme+host+port).
func New(name, baseURL string, cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// TransportError wraps a failure to reach or get a valid response from a
// participant, as distinct from a well-formed application-level reply
// (spec §4.4, §7).
type TransportError struct {
	Participant string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure calling %s: %v", e.Participant, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type voteResponse struct {
	Vote string `json:"vote"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Participant: c.name, Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return &TransportError{Participant: c.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Participant: c.name, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Participant: c.name, Err: err}
	}

	if resp.StatusCode/100 != 2 {
		return &TransportError{Participant: c.name, Err: fmt.Errorf("status %d: %s", resp.StatusCode, data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Participant: c.name, Err: err}
	}
	return nil
}

// Prepare calls POST /prepare.
func (c *Client) Prepare(ctx context.Context, txid txn.ID, op txn.Operation) (txn.Vote, error) {
	var resp voteResponse
	if err := c.post(ctx, "/prepare", map[string]interface{}{"txid": txid, "op": op}, &resp); err != nil {
		return "", err
	}
	return txn.Vote(resp.Vote), nil
}

// CanCommit calls POST /can_commit.
func (c *Client) CanCommit(ctx context.Context, txid txn.ID, op txn.Operation) (txn.Vote, error) {
	var resp voteResponse
	if err := c.post(ctx, "/can_commit", map[string]interface{}{"txid": txid, "op": op}, &resp); err != nil {
		return "", err
	}
	return txn.Vote(resp.Vote), nil
}

// Precommit calls POST /precommit.
func (c *Client) Precommit(ctx context.Context, txid txn.ID) error {
	var resp okResponse
	return c.post(ctx, "/precommit", map[string]interface{}{"txid": txid}, &resp)
}

// Commit calls POST /commit.
func (c *Client) Commit(ctx context.Context, txid txn.ID) error {
	var resp okResponse
	return c.post(ctx, "/commit", map[string]interface{}{"txid": txid}, &resp)
}

// Abort calls POST /abort.
func (c *Client) Abort(ctx context.Context, txid txn.ID) error {
	var resp okResponse
	return c.post(ctx, "/abort", map[string]interface{}{"txid": txid}, &resp)
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

var _ coordinator.Participant = (*Client)(nil)
