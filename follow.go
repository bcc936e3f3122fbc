package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/api"
	"orbit-oracle/pkg/follower"
	"orbit-oracle/pkg/metrics"
	"orbit-oracle/pkg/record"
	"orbit-oracle/pkg/relay"
	"orbit-oracle/pkg/trail"
)

// runFollow keeps a trail of a remote oracle, optionally relaying new
// records to Kafka, and serves the trail and metrics on -port.
func runFollow(ctx context.Context, base string) error {
	httpBase, wsBase, err := followURLs(strings.TrimRight(base, "/"))
	if err != nil {
		return err
	}
	wsURL := wsBase + "/ws?topic=" + url.QueryEscape(*dataset)

	reg := newRegistry()
	m := metrics.New(reg, "follower")

	sink := func(r record.PositionRecord) {
		logrus.WithFields(logrus.Fields{
			"sequence":   r.Sequence,
			"latitude":   r.LatitudeDegrees(),
			"longitude":  r.LongitudeDegrees(),
			"visibility": r.Visibility,
		}).Debug("record received")
	}
	if *kafkaBroker != "" {
		k, err := relay.NewKafka(relay.Config{Brokers: *kafkaBroker, Topic: *kafkaTopic}, m)
		if err != nil {
			return err
		}
		defer k.Close()
		logSink := sink
		sink = func(r record.PositionRecord) {
			logSink(r)
			k.Forward(r)
		}
	}

	f := follower.New(follower.Config{
		Dataset:   *dataset,
		Publisher: *publisherID,
	}, api.NewClient(httpBase, 15*time.Second), follower.Remote(wsURL), trail.New(*trailSize),
		follower.WithMetrics(m), follower.WithSink(sink))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /trail", trailHandler(f.Trail()))
	mux.HandleFunc("POST /wake", func(w http.ResponseWriter, r *http.Request) {
		f.Wake()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           withServerHeader(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.Infof("follower status ➜ http://localhost:%d/trail", *port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("HTTP server error: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.Infof("following %s (push %s)", httpBase, wsURL)
	return f.Run(ctx)
}

// followURLs derives the history (http/https) and push (ws/wss) bases from
// the -follow address, which may use either family of schemes.
func followURLs(base string) (history, push string, err error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("follow url: %w", err)
	}
	var hs, ws string
	switch u.Scheme {
	case "http", "ws":
		hs, ws = "http", "ws"
	case "https", "wss":
		hs, ws = "https", "wss"
	default:
		return "", "", fmt.Errorf("follow url %q: scheme must be http, https, ws or wss", base)
	}
	h, p := *u, *u
	h.Scheme, p.Scheme = hs, ws
	return h.String(), p.String(), nil
}

func trailHandler(c *trail.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.Snapshot()
		views := make([]record.JSON, len(snap))
		for i, rec := range snap {
			views[i] = rec.View()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(views)
	}
}
