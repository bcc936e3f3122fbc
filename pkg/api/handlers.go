package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/record"
)

// =======================
// Public API entry points
// =======================

const (
	// MaxRange caps how many records one range or recent call returns.
	MaxRange     = 1000
	defaultK     = 100
	readTimeout  = 10 * time.Second
	contentBin   = "application/octet-stream"
	contentJSON  = "application/json"
	formatBinary = "bin"
	formatJSON   = "json"
)

// Handler serves history reads for one (dataset, publisher) partition.
type Handler struct {
	Reader    ledger.Reader
	Dataset   string
	Publisher string
	Cache     *ResponseCache
	Limiter   *RateLimiter
	log       *logrus.Entry
}

// NewHandler builds a Handler. cache and limiter may be nil.
func NewHandler(reader ledger.Reader, dataset, publisher string, cache *ResponseCache, limiter *RateLimiter) *Handler {
	return &Handler{
		Reader:    reader,
		Dataset:   dataset,
		Publisher: publisher,
		Cache:     cache,
		Limiter:   limiter,
		log:       logrus.WithFields(logrus.Fields{"component": "api", "dataset": dataset}),
	}
}

// Register attaches API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api", h.handleOverview)
	mux.HandleFunc("GET /api/count", h.Limiter.Wrap(RequestGeneral, h.handleCount))
	mux.HandleFunc("GET /api/latest", h.Limiter.Wrap(RequestGeneral, h.handleLatest))
	mux.HandleFunc("GET /api/record/{index}", h.Limiter.Wrap(RequestGeneral, h.handleRecord))
	mux.HandleFunc("GET /api/recent", h.Limiter.Wrap(RequestHeavy, h.handleRecent))
	mux.HandleFunc("GET /api/range", h.Limiter.Wrap(RequestHeavy, h.handleRange))
}

// handleOverview lists the endpoints so clients can discover them.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview := struct {
		Dataset    string         `json:"dataset"`
		Publisher  string         `json:"publisher"`
		RecordSize int            `json:"recordSize"`
		Endpoints  map[string]any `json:"endpoints"`
	}{
		Dataset:    h.Dataset,
		Publisher:  h.Publisher,
		RecordSize: record.Size,
		Endpoints: map[string]any{
			"count": map[string]any{
				"path":        "/api/count",
				"description": "Number of records ever appended; also the next sequence.",
			},
			"latest": map[string]any{
				"path":        "/api/latest",
				"query":       []string{"format"},
				"description": "Newest record. JSON by default, raw bytes with format=bin.",
			},
			"record": map[string]any{
				"path":        "/api/record/{index}",
				"query":       []string{"format"},
				"description": "One record by absolute index.",
			},
			"recent": map[string]any{
				"path":        "/api/recent",
				"query":       []string{"k", "format"},
				"description": "Up to k newest records in ascending order. Concatenated raw records by default, JSON with format=json.",
			},
			"range": map[string]any{
				"path":        "/api/range",
				"query":       []string{"from", "to", "format"},
				"description": fmt.Sprintf("Records from..to inclusive, at most %d per call.", MaxRange),
			},
			"subscribe": map[string]any{
				"path":        "/ws",
				"query":       []string{"topic"},
				"description": "Websocket push; one binary frame per record.",
			},
		},
	}
	h.respondJSON(w, overview)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	if !h.partition(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	count, err := h.Reader.CountRecords(ctx, h.Dataset, h.Publisher)
	if err != nil {
		h.fail(w, "count", err)
		return
	}
	h.respondJSON(w, struct {
		Dataset   string `json:"dataset"`
		Publisher string `json:"publisher"`
		Count     uint64 `json:"count"`
	}{h.Dataset, h.Publisher, count})
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !h.partition(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	b, ok, err := h.Reader.ReadLatest(ctx, h.Dataset, h.Publisher)
	if err != nil {
		h.fail(w, "latest", err)
		return
	}
	if !ok {
		http.Error(w, "no records yet", http.StatusNotFound)
		return
	}
	h.respondRecord(w, r, b)
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !h.partition(w, r) {
		return
	}
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		http.Error(w, "index must be a non-negative integer", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	b, err := h.Reader.ReadAt(ctx, h.Dataset, h.Publisher, index)
	if err != nil {
		h.fail(w, "record", err)
		return
	}
	h.respondRecord(w, r, b)
}

// handleRecent is the catch-up read: it needs nothing but k.
func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	if !h.partition(w, r) {
		return
	}
	k := clampInt(parseIntDefault(r.URL.Query().Get("k"), defaultK), 1, MaxRange)
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	recs, err := ledger.Recent(ctx, h.Reader, h.Dataset, h.Publisher, k)
	if err != nil {
		h.fail(w, "recent", err)
		return
	}
	h.respondRecords(w, r, recs, formatBinary)
}

// handleRange serves from..to inclusive. Ranges entirely below the count are
// immutable and served through the cache.
func (h *Handler) handleRange(w http.ResponseWriter, r *http.Request) {
	if !h.partition(w, r) {
		return
	}
	q := r.URL.Query()
	from, errFrom := strconv.ParseUint(q.Get("from"), 10, 64)
	to, errTo := strconv.ParseUint(q.Get("to"), 10, 64)
	if errFrom != nil || errTo != nil || to < from {
		http.Error(w, "from and to must be integers with from <= to", http.StatusBadRequest)
		return
	}
	if to-from >= MaxRange {
		http.Error(w, fmt.Sprintf("at most %d records per range", MaxRange), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	count, err := h.Reader.CountRecords(ctx, h.Dataset, h.Publisher)
	if err != nil {
		h.fail(w, "count", err)
		return
	}
	if from >= count {
		h.respondRecords(w, r, nil, formatBinary)
		return
	}
	if to >= count {
		to = count - 1
	}

	key := fmt.Sprintf("range:%s:%s:%d:%d", h.Dataset, h.Publisher, from, to)
	b, hit, err := h.Cache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		recs, err := ledger.Range(ctx, h.Reader, h.Dataset, h.Publisher, from, to)
		if err != nil {
			return nil, err
		}
		return encodeAll(recs)
	})
	if err != nil {
		h.fail(w, "range", err)
		return
	}
	if hit {
		w.Header().Set("X-Cache", "hit")
	}
	recs, err := record.Split(b)
	if err != nil {
		h.fail(w, "range", err)
		return
	}
	h.respondRecords(w, r, recs, formatBinary)
}

// partition rejects requests naming another dataset or publisher.
func (h *Handler) partition(w http.ResponseWriter, r *http.Request) bool {
	q := r.URL.Query()
	if d := q.Get("dataset"); d != "" && d != h.Dataset {
		http.Error(w, "unknown dataset", http.StatusNotFound)
		return false
	}
	if p := q.Get("publisher"); p != "" && p != h.Publisher {
		http.Error(w, "unknown publisher", http.StatusNotFound)
		return false
	}
	return true
}

// =====================
// Utility helpers
// =====================

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var malformed *record.MalformedRecordError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, "record not found", http.StatusNotFound)
		return
	case errors.Is(err, context.DeadlineExceeded), ledger.IsUnavailable(err):
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &malformed):
		http.Error(w, "stored record is malformed", http.StatusInternalServerError)
	default:
		http.Error(w, op+" failed", http.StatusInternalServerError)
	}
	h.log.Warnf("%s: %v", op, err)
}

func (h *Handler) respondRecord(w http.ResponseWriter, r *http.Request, b []byte) {
	if wantFormat(r, formatJSON) == formatBinary {
		w.Header().Set("Content-Type", contentBin)
		_, _ = w.Write(b)
		return
	}
	rec, err := record.Decode(b)
	if err != nil {
		h.fail(w, "decode", err)
		return
	}
	h.respondJSON(w, rec.View())
}

func (h *Handler) respondRecords(w http.ResponseWriter, r *http.Request, recs []record.PositionRecord, def string) {
	if wantFormat(r, def) == formatJSON {
		views := make([]record.JSON, len(recs))
		for i, rec := range recs {
			views[i] = rec.View()
		}
		h.respondJSON(w, views)
		return
	}
	b, err := encodeAll(recs)
	if err != nil {
		h.fail(w, "encode", err)
		return
	}
	w.Header().Set("Content-Type", contentBin)
	w.Header().Set("X-Record-Count", strconv.Itoa(len(recs)))
	_, _ = w.Write(b)
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", contentJSON)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func encodeAll(recs []record.PositionRecord) ([]byte, error) {
	out := make([]byte, 0, len(recs)*record.Size)
	for _, rec := range recs {
		b, err := record.Encode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func wantFormat(r *http.Request, def string) string {
	switch r.URL.Query().Get("format") {
	case formatBinary:
		return formatBinary
	case formatJSON:
		return formatJSON
	}
	return def
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
