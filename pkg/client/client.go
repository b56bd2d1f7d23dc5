// Package client is a Go SDK for the read-only ledger audit API served by
// ledgerd.
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

	"github.com/jmerrifield20/governance-ledger/internal/hashchain"
	"github.com/jmerrifield20/governance-ledger/internal/ledger"
	"github.com/jmerrifield20/governance-ledger/internal/signing"
)

// ErrNotFound is returned when the server has no event at the requested
// sequence.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Overview is the response of GET /ledger.
type Overview struct {
	Events   uint64 `json:"events"`
	TailHash string `json:"tail_hash"`
}

// Status is the response of GET /ledger/status.
type Status struct {
	State            string `json:"state"`
	Ready            bool   `json:"ready"`
	TerminalSequence uint64 `json:"terminal_sequence,omitempty"`
}

// VerifyResult is the response of GET /ledger/verify.
type VerifyResult struct {
	Valid bool   `json:"valid"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client talks to one ledgerd instance.
type Client struct {
	base       string
	httpClient *http.Client
	signer     *signing.Service
	pageSize   int
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithSignatureVerification makes Audit also verify author and witness
// signatures with keys from s.
func WithSignatureVerification(s *signing.Service) Option {
	return func(c *Client) error {
		c.signer = s
		return nil
	}
}

// WithPageSize sets how many events Audit fetches per request.
func WithPageSize(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return fmt.Errorf("page size must be positive, got %d", n)
		}
		c.pageSize = n
		return nil
	}
}

// New creates a Client for the ledgerd instance at base, e.g.
// "http://localhost:8090".
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		pageSize:   100,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Overview returns the ledger length and tail hash.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.get(ctx, "/api/v1/ledger", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the writer's lifecycle state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/api/v1/ledger/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks the server to verify sequences from..to. A to of zero means
// through the tail. An integrity failure is reported in the result, not as
// an error.
func (c *Client) Verify(ctx context.Context, from, to uint64) (*VerifyResult, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	if to != 0 {
		q.Set("to", strconv.FormatUint(to, 10))
	}
	var out VerifyResult
	if err := c.get(ctx, "/api/v1/ledger/verify", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Event returns the event at seq.
func (c *Client) Event(ctx context.Context, seq uint64) (ledger.Event, error) {
	var ev ledger.Event
	err := c.get(ctx, "/api/v1/ledger/events/"+strconv.FormatUint(seq, 10), nil, &ev)
	return ev, err
}

// Events returns up to limit events starting at from.
func (c *Client) Events(ctx context.Context, from uint64, limit int) ([]ledger.Event, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Events []ledger.Event `json:"events"`
	}
	if err := c.get(ctx, "/api/v1/ledger/events", q, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Audit downloads the whole ledger page by page and verifies it locally
// without trusting the server's own verification. It returns the number of
// events checked.
func (c *Client) Audit(ctx context.Context) (uint64, error) {
	anchor := hashchain.Genesis
	for {
		page, err := c.Events(ctx, anchor.Sequence+1, c.pageSize)
		if err != nil {
			return anchor.Sequence, err
		}
		if len(page) == 0 {
			return anchor.Sequence, nil
		}
		if err := hashchain.VerifyFrom(anchor, page); err != nil {
			return anchor.Sequence, err
		}
		if c.signer != nil {
			for _, ev := range page {
				if err := c.signer.VerifyEvent(ctx, ev); err != nil {
					return ev.Sequence - 1, err
				}
			}
		}
		anchor = hashchain.LinkOf(page[len(page)-1])
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return apiErr
	}

	// Payload numbers must survive as written for content hashes to match.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
