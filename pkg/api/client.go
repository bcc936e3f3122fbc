package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/record"
)

// maxBody bounds how much a single response may carry.
const maxBody = (MaxRange + 1) * record.Size * 2

// Client reads history from a Handler over HTTP. It implements
// ledger.Reader and shares no connection with any push subscription.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient targets a server root such as "https://oracle.example".
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

var _ ledger.Reader = (*Client)(nil)

func (c *Client) CountRecords(ctx context.Context, dataset, publisher string) (uint64, error) {
	body, status, err := c.get(ctx, "/api/count", partitionQuery(dataset, publisher))
	if err != nil {
		return 0, ledger.Unavailable("count", err)
	}
	if status != http.StatusOK {
		return 0, statusError("count", status, body)
	}
	var resp struct {
		Count uint64 `json:"count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, ledger.Unavailable("count", fmt.Errorf("decode count: %w", err))
	}
	return resp.Count, nil
}

// ReadRange pages through from..to in MaxRange chunks.
func (c *Client) ReadRange(ctx context.Context, dataset, publisher string, from, to uint64) ([]record.PositionRecord, error) {
	if to < from {
		return nil, nil
	}
	out := make([]record.PositionRecord, 0, min(to-from+1, MaxRange))
	for lo := from; ; lo += MaxRange {
		hi := to
		if to-lo >= MaxRange {
			hi = lo + MaxRange - 1
		}
		q := partitionQuery(dataset, publisher)
		q.Set("from", strconv.FormatUint(lo, 10))
		q.Set("to", strconv.FormatUint(hi, 10))
		q.Set("format", formatBinary)
		body, status, err := c.get(ctx, "/api/range", q)
		if err != nil {
			return nil, ledger.Unavailable("range", err)
		}
		if status != http.StatusOK {
			return nil, statusError("range", status, body)
		}
		recs, err := record.Split(body)
		if err != nil {
			return nil, fmt.Errorf("range %d..%d: %w", lo, hi, err)
		}
		out = append(out, recs...)
		if hi == to || len(recs) == 0 {
			return out, nil
		}
	}
}

func (c *Client) ReadAt(ctx context.Context, dataset, publisher string, index uint64) ([]byte, error) {
	q := partitionQuery(dataset, publisher)
	q.Set("format", formatBinary)
	body, status, err := c.get(ctx, "/api/record/"+strconv.FormatUint(index, 10), q)
	if err != nil {
		return nil, ledger.Unavailable("read", err)
	}
	switch status {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("index %d: %w", index, ledger.ErrNotFound)
	}
	return nil, statusError("read", status, body)
}

func (c *Client) ReadLatest(ctx context.Context, dataset, publisher string) ([]byte, bool, error) {
	q := partitionQuery(dataset, publisher)
	q.Set("format", formatBinary)
	body, status, err := c.get(ctx, "/api/latest", q)
	if err != nil {
		return nil, false, ledger.Unavailable("latest", err)
	}
	switch status {
	case http.StatusOK:
		return body, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	}
	return nil, false, statusError("latest", status, body)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, int, error) {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func partitionQuery(dataset, publisher string) url.Values {
	q := url.Values{}
	if dataset != "" {
		q.Set("dataset", dataset)
	}
	if publisher != "" {
		q.Set("publisher", publisher)
	}
	return q
}

// statusError maps server overload and outages to Unavailable so callers
// retry, and everything else to a plain error.
func statusError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("http %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status >= 500 {
		return ledger.Unavailable(op, err)
	}
	return err
}
