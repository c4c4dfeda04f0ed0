// Package search queries an external event discovery API for candidate
// events to merge into a schedule.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appLog "calmerge/internal/log"
	"calmerge/internal/model"
	"calmerge/internal/normalize"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 8 << 20
)

// Config describes the discovery endpoint.
type Config struct {
	// Endpoint is the search URL; the query is sent as ?query=<q>.
	Endpoint string
	// RatePerSec caps outgoing requests. Zero or less means 1.
	RatePerSec int
	// Timeout bounds a single request. Zero means 15s.
	Timeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	endpoint *url.URL
	http     *http.Client
	limiter  *rate.Limiter
}

// apiResponse mirrors the discovery API envelope.
type apiResponse struct {
	Value []apiEvent `json:"value"`
}

type apiEvent struct {
	ID               eventID `json:"id"`
	Name             string  `json:"name"`
	StartsOn         string  `json:"startsOn"`
	EndsOn           string  `json:"endsOn"`
	Theme            string  `json:"theme"`
	Location         string  `json:"location"`
	OrganizationName string  `json:"organizationName"`
}

// eventID accepts both numeric and string ids.
type eventID string

func (id *eventID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = eventID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("search: id: %w", err)
	}
	*id = eventID(n.String())
	return nil
}

// New validates cfg and returns a Client. A nil hc gets a default client.
func New(cfg Config, hc *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("search: endpoint is empty")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("search: endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("search: unsupported endpoint scheme %q", u.Scheme)
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint: u,
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// Search returns the candidates matching query. Entries without a usable
// start instant are skipped and logged.
func (c *Client) Search(ctx context.Context, query string) ([]model.CandidateEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := *c.endpoint
	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("search: unexpected status %s", resp.Status)
	}

	var body apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	out := make([]model.CandidateEvent, 0, len(body.Value))
	for _, ev := range body.Value {
		if ev.StartsOn == "" {
			appLog.Warn("search: candidate without start skipped", nil, "id", string(ev.ID))
			continue
		}
		start, err := normalize.ParseInstant(ev.StartsOn)
		if err != nil {
			appLog.Warn("search: candidate skipped", err, "id", string(ev.ID))
			continue
		}
		out = append(out, model.CandidateEvent{
			ID:           string(ev.ID),
			Title:        ev.Name,
			Start:        start,
			Theme:        ev.Theme,
			Location:     ev.Location,
			Organization: ev.OrganizationName,
		})
	}

	appLog.Info("search completed", "query", query, "candidates", len(out), "returned", len(body.Value))
	return out, nil
}
