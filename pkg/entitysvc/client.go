// Package entitysvc is the REST client for the platform's entity API.
//
// Processors and criteria frequently need sibling entities beyond the
// payload they were handed; this client gives them authenticated access
// to the platform's CRUD, search, and state-transition endpoints under
// /api/<model>.
package entitysvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowrelay/flowrelay-go/internal/auth"
)

// ErrNotFound reports a 404 from the entity API.
var ErrNotFound = errors.New("entitysvc: entity not found")

// ErrUnavailable reports a tripped circuit breaker; callers should back
// off rather than retry immediately.
var ErrUnavailable = errors.New("entitysvc: service unavailable")

// Entity is one platform entity as the REST API renders it. Payload
// carries the model fields verbatim.
type Entity struct {
	TechnicalID string                 `json:"technicalId"`
	ModelName   string                 `json:"modelName"`
	State       string                 `json:"state,omitempty"`
	Payload     map[string]interface{} `json:"payload"`
}

// Transition is one state-machine edge available to an entity.
type Transition struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Config tunes the client.
type Config struct {
	// BaseURL is the API root, e.g. "https://platform.example.com".
	BaseURL string

	// Timeout bounds each request (default 10s).
	Timeout time.Duration
}

// Client talks to the entity API with bearer auth and a circuit
// breaker around every call.
type Client struct {
	base    string
	http    *http.Client
	tokens  auth.Provider
	breaker *gobreaker.CircuitBreaker
}

// New builds a client. tokens supplies the bearer used on every
// request; it is shared with the stream session so both surfaces ride
// the same cached token.
func New(cfg Config, tokens auth.Provider) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		base:   cfg.BaseURL,
		http:   &http.Client{Timeout: cfg.Timeout},
		tokens: tokens,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "entity-api",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 &&
					float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("entity api circuit state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Get fetches one entity by technical id.
func (c *Client) Get(ctx context.Context, model, technicalID string) (*Entity, error) {
	var out Entity
	err := c.call(ctx, http.MethodGet, c.entityPath(model, technicalID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Create stores a new entity and returns it with its assigned
// technical id.
func (c *Client) Create(ctx context.Context, model string, payload map[string]interface{}) (*Entity, error) {
	var out Entity
	err := c.call(ctx, http.MethodPost, c.modelPath(model), payload, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces an entity's payload. A non-empty transition also
// fires that state-machine edge atomically with the write.
func (c *Client) Update(ctx context.Context, model, technicalID string, payload map[string]interface{}, transition string) (*Entity, error) {
	path := c.entityPath(model, technicalID)
	if transition != "" {
		path += "?transition=" + url.QueryEscape(transition)
	}
	var out Entity
	err := c.call(ctx, http.MethodPut, path, payload, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes an entity.
func (c *Client) Delete(ctx context.Context, model, technicalID string) error {
	return c.call(ctx, http.MethodDelete, c.entityPath(model, technicalID), nil, nil)
}

// Search runs a field-match query against one model. criteria maps
// field names to required values.
func (c *Client) Search(ctx context.Context, model string, criteria map[string]interface{}) ([]Entity, error) {
	var out []Entity
	err := c.call(ctx, http.MethodPost, c.modelPath(model)+"/search", criteria, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListTransitions returns the edges currently available to an entity.
func (c *Client) ListTransitions(ctx context.Context, model, technicalID string) ([]Transition, error) {
	var out []Transition
	err := c.call(ctx, http.MethodGet, c.entityPath(model, technicalID)+"/transitions", nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerTransition fires one state-machine edge without touching the
// payload.
func (c *Client) TriggerTransition(ctx context.Context, model, technicalID, transition string) (*Entity, error) {
	var out Entity
	path := c.entityPath(model, technicalID) + "/transitions/" + url.PathEscape(transition)
	err := c.call(ctx, http.MethodPost, path, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) modelPath(model string) string {
	return c.base + "/api/" + url.PathEscape(model)
}

func (c *Client) entityPath(model, technicalID string) string {
	return c.modelPath(model) + "/" + url.PathEscape(technicalID)
}

// call runs one HTTP round trip through the breaker, decoding a JSON
// response into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("entitysvc: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return fmt.Errorf("entitysvc: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, _, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("entitysvc: acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("entitysvc: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("entitysvc: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("entitysvc: decode response: %w", err)
	}
	return nil
}
