package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/record"
)

const (
	testDataset   = "iss-position"
	testPublisher = "oracle-1"
)

func seeded(t *testing.T, n int) *ledger.Memory {
	t.Helper()
	m := ledger.NewMemory(testPublisher)
	t.Cleanup(m.Close)
	for i := 0; i < n; i++ {
		b, err := record.Encode(record.PositionRecord{
			CapturedAt: 1_700_000_000_000 + int64(i)*5000,
			Latitude:   int32(i * 1000),
			Longitude:  -int32(i * 1000),
			Elevation:  408000,
			Sequence:   record.SequenceFromUint64(uint64(i)),
			Visibility: record.Daylight,
		})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := m.AppendRecord(context.Background(), testDataset, fmt.Sprintf("%032d", i), b); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return m
}

func newTestServer(t *testing.T, reader ledger.Reader) (*httptest.Server, *ResponseCache) {
	t.Helper()
	cache := NewResponseCache(time.Minute, 16)
	t.Cleanup(cache.Close)
	mux := http.NewServeMux()
	NewHandler(reader, testDataset, testPublisher, cache, nil).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, cache
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHandlerStatusCodes(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, seeded(t, 3))
	empty, _ := newTestServer(t, seeded(t, 0))

	cases := []struct {
		name string
		url  string
		want int
	}{
		{"overview", ts.URL + "/api", http.StatusOK},
		{"count", ts.URL + "/api/count", http.StatusOK},
		{"latest", ts.URL + "/api/latest", http.StatusOK},
		{"latest empty", empty.URL + "/api/latest", http.StatusNotFound},
		{"record", ts.URL + "/api/record/2", http.StatusOK},
		{"record missing", ts.URL + "/api/record/3", http.StatusNotFound},
		{"record bad index", ts.URL + "/api/record/-1", http.StatusBadRequest},
		{"recent", ts.URL + "/api/recent?k=2", http.StatusOK},
		{"range", ts.URL + "/api/range?from=0&to=1", http.StatusOK},
		{"range reversed", ts.URL + "/api/range?from=2&to=1", http.StatusBadRequest},
		{"range too wide", ts.URL + fmt.Sprintf("/api/range?from=0&to=%d", MaxRange), http.StatusBadRequest},
		{"wrong dataset", ts.URL + "/api/count?dataset=other", http.StatusNotFound},
		{"wrong publisher", ts.URL + "/api/latest?publisher=other", http.StatusNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp, body := get(t, tc.url)
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d want %d body=%q", resp.StatusCode, tc.want, body)
			}
		})
	}
}

func TestLatestFormats(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, seeded(t, 3))

	_, body := get(t, ts.URL+"/api/latest")
	var view record.JSON
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("json: %v (%s)", err, body)
	}
	if view.Sequence != record.SequenceFromUint64(2) || view.Visibility != "daylight" {
		t.Fatalf("view=%+v", view)
	}

	resp, body := get(t, ts.URL+"/api/latest?format=bin")
	if ct := resp.Header.Get("Content-Type"); ct != contentBin {
		t.Fatalf("content type %q", ct)
	}
	rec, err := record.Decode(body)
	if err != nil || rec.Sequence != record.SequenceFromUint64(2) {
		t.Fatalf("Decode: %v rec=%+v", err, rec)
	}
}

// TestRangeClampsAndCaches asks past the end and checks that the clamped
// range is served from cache on the second call.
func TestRangeClampsAndCaches(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, seeded(t, 5))
	url := ts.URL + "/api/range?from=3&to=50"

	resp, body := get(t, url)
	recs, err := record.Split(body)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(recs) != 2 || recs[0].Sequence != record.SequenceFromUint64(3) || recs[1].Sequence != record.SequenceFromUint64(4) {
		t.Fatalf("recs=%v", recs)
	}
	if resp.Header.Get("X-Cache") == "hit" {
		t.Fatal("first read reported a cache hit")
	}
	resp, _ = get(t, url)
	if resp.Header.Get("X-Cache") != "hit" {
		t.Fatal("second read missed the cache")
	}

	_, body = get(t, ts.URL+"/api/range?from=9&to=12")
	if len(body) != 0 {
		t.Fatalf("range past the end returned %d bytes", len(body))
	}
}

func TestRecentJSON(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, seeded(t, 10))
	_, body := get(t, ts.URL+"/api/recent?k=3&format=json")
	var views []record.JSON
	if err := json.Unmarshal(body, &views); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(views) != 3 || views[0].Sequence != record.SequenceFromUint64(7) || views[2].Sequence != record.SequenceFromUint64(9) {
		t.Fatalf("views=%+v", views)
	}
}

// TestClientReadsThroughHandler drives the HTTP client against the handler
// and compares its catch-up with the in-memory reader.
func TestClientReadsThroughHandler(t *testing.T) {
	t.Parallel()

	m := seeded(t, 12)
	ts, _ := newTestServer(t, m)
	c := NewClient(ts.URL, 5*time.Second)
	ctx := context.Background()

	count, err := c.CountRecords(ctx, testDataset, testPublisher)
	if err != nil || count != 12 {
		t.Fatalf("CountRecords=%d err=%v", count, err)
	}

	want, err := ledger.Recent(ctx, m, testDataset, testPublisher, 5)
	if err != nil {
		t.Fatalf("Recent memory: %v", err)
	}
	got, err := ledger.Recent(ctx, c, testDataset, testPublisher, 5)
	if err != nil {
		t.Fatalf("Recent client: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len=%d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: %+v want %+v", i, got[i], want[i])
		}
	}

	if _, err := c.ReadAt(ctx, testDataset, testPublisher, 40); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("ReadAt past end err=%v", err)
	}
	b, ok, err := c.ReadLatest(ctx, testDataset, testPublisher)
	if err != nil || !ok {
		t.Fatalf("ReadLatest ok=%v err=%v", ok, err)
	}
	if rec, _ := record.Decode(b); rec.Sequence != record.SequenceFromUint64(11) {
		t.Fatalf("latest=%s", rec.Sequence)
	}
}

func TestClientUnavailable(t *testing.T) {
	t.Parallel()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	c := NewClient(down.URL, time.Second)
	if _, err := c.CountRecords(context.Background(), testDataset, testPublisher); !ledger.IsUnavailable(err) {
		t.Fatalf("err=%v want unavailable", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	c = NewClient(closed.URL, time.Second)
	if _, _, err := c.ReadLatest(context.Background(), testDataset, testPublisher); !ledger.IsUnavailable(err) {
		t.Fatalf("err=%v want unavailable", err)
	}
}
