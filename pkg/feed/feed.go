// Package feed pulls single position observations from the upstream ISS API.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultURL is the public ISS position endpoint.
const DefaultURL = "http://api.open-notify.org/iss-now.json"

// successMessage is the sentinel the API puts in "message" on good replies.
const successMessage = "success"

// Observation is one raw fix as reported by the feed.
type Observation struct {
	Timestamp int64 // seconds since epoch
	Latitude  float64
	Longitude float64
}

// Error reports that the feed was unreachable or answered with something we
// cannot use.
type Error struct {
	URL    string
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("feed %s: %s", e.URL, e.Reason)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// payload maps the upstream JSON. Coordinates arrive as strings, though some
// mirrors send bare numbers, so both are accepted.
type payload struct {
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
	Position  position `json:"iss_position"`
}

type position struct {
	Latitude  flexFloat `json:"latitude"`
	Longitude flexFloat `json:"longitude"`
}

type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("coordinate %q: %w", s, err)
	}
	f.value, f.set = v, true
	return nil
}

// Client fetches observations. The limiter caps outbound calls so a manual
// trigger racing the ticker cannot hammer the upstream.
type Client struct {
	URL     string
	HTTP    *http.Client
	Limiter *rate.Limiter
}

// NewClient builds a client allowing perSecond requests with a small burst.
func NewClient(url string, perSecond float64, timeout time.Duration) *Client {
	if url == "" {
		url = DefaultURL
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		URL:     url,
		HTTP:    &http.Client{Timeout: timeout},
		Limiter: rate.NewLimiter(rate.Limit(perSecond), 2),
	}
}

// Fetch performs one GET and validates the answer.
func (c *Client) Fetch(ctx context.Context) (Observation, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return Observation{}, &Error{URL: c.URL, Reason: "rate limiter", Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Observation{}, &Error{URL: c.URL, Reason: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Observation{}, &Error{URL: c.URL, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Observation{}, &Error{URL: c.URL, Status: resp.StatusCode, Reason: "read body", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Observation{}, &Error{URL: c.URL, Status: resp.StatusCode, Reason: "unexpected status"}
	}
	return Parse(body, c.URL)
}

// Parse validates a feed reply. source is only used in error messages.
func Parse(body []byte, source string) (Observation, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Observation{}, &Error{URL: source, Status: http.StatusOK, Reason: "decode json", Err: err}
	}
	if p.Message != successMessage {
		return Observation{}, &Error{URL: source, Status: http.StatusOK, Reason: fmt.Sprintf("message %q", p.Message)}
	}
	if p.Timestamp <= 0 {
		return Observation{}, &Error{URL: source, Status: http.StatusOK, Reason: "missing timestamp"}
	}
	if !p.Position.Latitude.set || !p.Position.Longitude.set {
		return Observation{}, &Error{URL: source, Status: http.StatusOK, Reason: "missing position"}
	}
	return Observation{
		Timestamp: p.Timestamp,
		Latitude:  p.Position.Latitude.value,
		Longitude: p.Position.Longitude.value,
	}, nil
}
