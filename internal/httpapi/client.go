package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/store"
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to a Server. It implements the sync engine's Saver.
type Client struct {
	baseURL string
	http    *http.Client
	actor   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client. Default: http.DefaultClient.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithActor sets the X-Actor header sent with every request.
func WithActor(actor string) ClientOption {
	return func(c *Client) {
		c.actor = actor
	}
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SaveCards posts a save request.
//
// Transport errors and 5xx responses are returned as is, so the engine
// retries them. Other non-2xx responses reject the whole batch and are
// wrapped with backoff.Permanent.
func (c *Client) SaveCards(ctx context.Context, req card.SaveRequest) (*card.SaveResponse, error) {
	var resp card.SaveResponse
	if err := c.do(ctx, http.MethodPost, "/v1/cards/save", req, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return &resp, nil
}

// GetCard fetches a card. Returns store.ErrNotFound for unknown cards.
func (c *Client) GetCard(ctx context.Context, id string) (card.Card, error) {
	var out card.Card
	err := c.do(ctx, http.MethodGet, "/v1/cards/"+url.PathEscape(id), nil, &out)
	return out, err
}

// PutCard creates or replaces a card.
func (c *Client) PutCard(ctx context.Context, cd card.Card) (card.Card, error) {
	var out card.Card
	err := c.do(ctx, http.MethodPost, "/v1/cards", cd, &out)
	return out, err
}

// UpdateFields writes patch unconditionally.
func (c *Client) UpdateFields(ctx context.Context, id string, patch card.Patch) (card.Card, error) {
	var out card.Card
	err := c.do(ctx, http.MethodPut, "/v1/cards/"+url.PathEscape(id), patch, &out)
	return out, err
}

// ListCards lists a trip's cards.
func (c *Client) ListCards(ctx context.Context, tripID string) ([]card.Card, error) {
	var out []card.Card
	err := c.do(ctx, http.MethodGet, "/v1/trips/"+url.PathEscape(tripID)+"/cards", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		se := &StatusError{StatusCode: resp.StatusCode, Message: msg}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", store.ErrNotFound, se)
		}
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
