// Package publisher runs the oracle loop: read the ledger count, fetch one
// observation, encode it with that count as its sequence and append it
// together with a notification.
//
// The loop keeps no sequence state of its own. Every cycle asks the ledger
// how many records exist, so a restarted process continues where the
// previous one stopped.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/feed"
	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/logger"
	"orbit-oracle/pkg/metrics"
	"orbit-oracle/pkg/record"
)

// Defaults for the constant extension fields and the loop cadence.
const (
	DefaultInterval     = 5 * time.Second
	DefaultCycleTimeout = 30 * time.Second
	DefaultElevation    = 408_000 // metres
	DefaultPrecision    = 1_000   // metres
	DefaultSpeed        = 27_600  // km/h

	// KeyWidth is the fixed width of append keys.
	KeyWidth = 32
)

// Fetcher yields one fresh observation per call.
type Fetcher interface {
	Fetch(ctx context.Context) (feed.Observation, error)
}

// Config describes what the loop publishes and how often.
type Config struct {
	Dataset      string
	Publisher    string
	Subject      record.SubjectID
	Interval     time.Duration
	CycleTimeout time.Duration
	Elevation    int32
	Precision    uint32
	Speed        uint32
}

// State is the loop's position in its two-state machine.
type State int32

const (
	Idle State = iota
	Publishing
)

func (s State) String() string {
	if s == Publishing {
		return "publishing"
	}
	return "idle"
}

// Result describes one successful cycle.
type Result struct {
	Sequence       uint64
	Key            string
	TxID           string
	NotificationID string
	CapturedAt     int64
}

// Publisher owns the loop. Cycle may be called directly for a manual trigger;
// it is serialized with the ticker-driven cycles.
type Publisher struct {
	cfg     Config
	ledger  ledger.Client
	feed    Fetcher
	metrics *metrics.Metrics
	log     *logrus.Entry
	jobs    *logger.Buffer
	newID   func() string

	mu    sync.Mutex
	state atomic.Int32
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithMetrics records cycle outcomes on m.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Publisher) { p.metrics = m } }

// WithLogger replaces the default logrus entry.
func WithLogger(log *logrus.Entry) Option { return func(p *Publisher) { p.log = log } }

// WithIDs replaces the notification id generator.
func WithIDs(gen func() string) Option { return func(p *Publisher) { p.newID = gen } }

// New validates cfg and fills in defaults.
func New(cfg Config, client ledger.Client, fetcher Fetcher, opts ...Option) (*Publisher, error) {
	if cfg.Dataset == "" || cfg.Publisher == "" {
		return nil, errors.New("publisher: dataset and publisher identity are required")
	}
	if client == nil || fetcher == nil {
		return nil, errors.New("publisher: ledger client and fetcher are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.Elevation == 0 {
		cfg.Elevation = DefaultElevation
	}
	if cfg.Precision == 0 {
		cfg.Precision = DefaultPrecision
	}
	if cfg.Speed == 0 {
		cfg.Speed = DefaultSpeed
	}
	p := &Publisher{
		cfg:    cfg,
		ledger: client,
		feed:   fetcher,
		log:    logrus.WithFields(logrus.Fields{"component": "publisher", "dataset": cfg.Dataset}),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.jobs = logger.NewBuffer(p.log)
	return p, nil
}

// State reports whether a cycle is in flight.
func (p *Publisher) State() State { return State(p.state.Load()) }

// Close stops the cycle log buffer.
func (p *Publisher) Close() { p.jobs.Close() }

// Run executes a cycle immediately and then once per Interval until ctx is
// cancelled. Cycles run on this goroutine, so a slow cycle delays the next
// tick instead of overlapping it. Failures are logged and skipped.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Infof("publisher loop start: interval=%s publisher=%s", p.cfg.Interval, p.cfg.Publisher)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		// A shutdown request lets the current cycle finish; an append must
		// not be cut off between the ledger call and its receipt.
		cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CycleTimeout)
		_, _ = p.Cycle(cycleCtx)
		cancel()

		select {
		case <-ctx.Done():
			p.log.Info("publisher loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle performs one publish attempt and reports its outcome. The error, if
// any, is a *CycleError.
func (p *Publisher) Cycle(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Store(int32(Publishing))
	defer p.state.Store(int32(Idle))

	start := time.Now()
	jobID := p.newID()
	p.jobs.Begin(jobID)

	res, err := p.cycle(ctx, jobID)
	if err != nil {
		var cerr *CycleError
		outcome := "error"
		fields := logrus.Fields{}
		if errors.As(err, &cerr) {
			outcome = string(cerr.Kind)
			fields["kind"] = cerr.Kind
			fields["captured_at"] = cerr.CapturedAt
			if cerr.Sequence >= 0 {
				fields["sequence"] = cerr.Sequence
			}
		}
		p.metrics.ObserveCycle(outcome, time.Since(start))
		p.jobs.FlushError(jobID, err, fields)
		return Result{}, err
	}

	p.metrics.ObserveCycle("ok", time.Since(start))
	p.metrics.ObserveAppend(res.Sequence, res.CapturedAt)
	p.jobs.Success(jobID, "record appended", logrus.Fields{
		"sequence": res.Sequence,
		"key":      res.Key,
		"tx":       res.TxID,
	})
	return res, nil
}

func (p *Publisher) cycle(ctx context.Context, jobID string) (Result, error) {
	count, err := p.ledger.CountRecords(ctx, p.cfg.Dataset, p.cfg.Publisher)
	if err != nil {
		return Result{}, &CycleError{Kind: ledgerKind(err), Sequence: -1, Err: err}
	}
	p.jobs.Append(jobID, fmt.Sprintf("next sequence %d", count))

	obs, err := p.feed.Fetch(ctx)
	if err != nil {
		return Result{}, &CycleError{Kind: KindFeed, Sequence: int64(count), Err: err}
	}
	capturedAt := obs.Timestamp * 1000
	p.jobs.Append(jobID, fmt.Sprintf("observation ts=%d lat=%.4f lon=%.4f", obs.Timestamp, obs.Latitude, obs.Longitude))

	rec, err := p.build(obs, count)
	if err != nil {
		return Result{}, &CycleError{Kind: KindEncode, Sequence: int64(count), CapturedAt: capturedAt, Err: err}
	}
	payload, err := record.Encode(rec)
	if err != nil {
		return Result{}, &CycleError{Kind: KindEncode, Sequence: int64(count), CapturedAt: capturedAt, Err: err}
	}
	if back, err := record.Decode(payload); err != nil || back != rec {
		if err == nil {
			err = &record.MalformedRecordError{Reason: "round trip changed the record", Len: len(payload)}
		}
		return Result{}, &CycleError{Kind: KindEncode, Sequence: int64(count), CapturedAt: capturedAt, Err: err}
	}

	key := Key(obs.Timestamp)
	notificationID := p.newID()
	rcpt, err := p.ledger.AppendRecordAndNotify(ctx, p.cfg.Dataset, key, payload, notificationID)
	if err != nil {
		return Result{}, &CycleError{Kind: ledgerKind(err), Sequence: int64(count), CapturedAt: capturedAt, Err: err}
	}
	return Result{
		Sequence:       count,
		Key:            key,
		TxID:           rcpt.TxID,
		NotificationID: notificationID,
		CapturedAt:     capturedAt,
	}, nil
}

func (p *Publisher) build(obs feed.Observation, count uint64) (record.PositionRecord, error) {
	lat, err := record.MicroDegrees(obs.Latitude)
	if err != nil {
		return record.PositionRecord{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := record.MicroDegrees(obs.Longitude)
	if err != nil {
		return record.PositionRecord{}, fmt.Errorf("longitude: %w", err)
	}
	capturedAt := obs.Timestamp * 1000
	return record.PositionRecord{
		CapturedAt: capturedAt,
		Latitude:   lat,
		Longitude:  lon,
		Elevation:  p.cfg.Elevation,
		Precision:  p.cfg.Precision,
		SubjectID:  p.cfg.Subject,
		Sequence:   record.SequenceFromUint64(count),
		Speed:      p.cfg.Speed,
		Visibility: VisibilityAt(capturedAt, lon),
	}, nil
}

// Key renders the source timestamp as a zero-padded decimal of KeyWidth
// characters.
func Key(timestampSeconds int64) string {
	return fmt.Sprintf("%0*d", KeyWidth, timestampSeconds)
}

// VisibilityAt estimates day or night under the subject from the local mean
// solar time at its longitude. Noon ±6h counts as daylight.
func VisibilityAt(capturedAtMillis int64, longitudeMicro int32) record.Visibility {
	utc := time.UnixMilli(capturedAtMillis).UTC()
	hours := float64(utc.Hour()) + float64(utc.Minute())/60 + float64(utc.Second())/3600
	solar := hours + record.Degrees(longitudeMicro)/15
	for solar < 0 {
		solar += 24
	}
	for solar >= 24 {
		solar -= 24
	}
	if solar >= 6 && solar < 18 {
		return record.Daylight
	}
	return record.Eclipsed
}
