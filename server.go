package main

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"orbit-oracle/pkg/api"
	"orbit-oracle/pkg/database"
	"orbit-oracle/pkg/feed"
	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/metrics"
	"orbit-oracle/pkg/publisher"
	"orbit-oracle/pkg/record"
	"orbit-oracle/pkg/subscription"
)

//go:embed public_html/*
var content embed.FS

const defaultCacheTTL = 10 * time.Minute

// store is a ledger together with its push side.
type store interface {
	ledger.Client
	Notifier() ledger.Notifier
}

// openStore opens the configured backend. The returned func releases it.
func openStore(ctx context.Context) (store, func(), error) {
	if strings.EqualFold(strings.TrimSpace(*dbType), "memory") {
		logrus.Warn("memory ledger selected: records are lost on exit")
		m := ledger.NewMemory(*publisherID)
		return m, m.Close, nil
	}

	dbCfg := database.Config{
		DBType:    *dbType,
		DBPath:    *dbPath,
		DBConn:    *dbConn,
		DBHost:    *dbHost,
		DBPort:    *dbPort,
		DBUser:    *dbUser,
		DBPass:    *dbPass,
		DBName:    *dbName,
		PGSSLMode: *pgSSLMode,
		Port:      *port,
	}
	db, err := database.NewDatabase(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("DB init: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("DB schema: %w", err)
	}
	l := db.Ledger(*publisherID)
	return l, func() {
		l.Close()
		if err := db.Close(); err != nil {
			logrus.Warnf("DB close: %v", err)
		}
	}, nil
}

// newPublisher wires the feed client and metrics into a publisher loop.
func newPublisher(client ledger.Client, m *metrics.Metrics) (*publisher.Publisher, error) {
	subj, err := record.SubjectFromString(*subject)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	return publisher.New(publisher.Config{
		Dataset:      *dataset,
		Publisher:    *publisherID,
		Subject:      subj,
		Interval:     *interval,
		CycleTimeout: *cycleTimeout,
	}, client, feed.NewClient(*feedURL, *feedRate, *cycleTimeout), publisher.WithMetrics(m))
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe runs the publisher loop and serves history, push, metrics and
// the viewer until ctx ends.
func runServe(ctx context.Context) error {
	reg := newRegistry()
	m := metrics.New(reg, *publisherID)

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cache := api.NewResponseCache(cacheTTLOrDefault(), 4096)
	defer cache.Close()
	limiter := api.NewRateLimiter(*apiRate, *apiBurst)
	defer limiter.Close()

	mux := http.NewServeMux()
	api.NewHandler(st, *dataset, *publisherID, cache, limiter).Register(mux)

	channel := subscription.NewChannel(st.Notifier(), m)
	mux.Handle("GET /ws", subscription.NewServer(channel, func(topic string) (subscription.BundledQuery, bool) {
		if topic != *dataset {
			return nil, false
		}
		return subscription.Latest(st, *dataset, *publisherID), true
	}))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /qr.png", api.QRHandler(viewerURL))

	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		return fmt.Errorf("static fs: %w", err)
	}
	mux.Handle("GET /", http.FileServer(http.FS(staticFS)))

	var wg sync.WaitGroup
	if *publish {
		pub, err := newPublisher(st, m)
		if err != nil {
			return err
		}
		defer pub.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Run(ctx)
		}()
	} else {
		logrus.Info("publisher loop disabled; serving reads only")
	}

	rootHandler := withServerHeader(mux)
	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
		<-ctx.Done()
	} else {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", *port),
			Handler:           rootHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logrus.Infof("HTTP server ➜ http://localhost:%d", *port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("HTTP server error: %v", err)
		}
	}

	// Let an in-flight append finish before the store closes.
	wg.Wait()
	return nil
}

func cacheTTLOrDefault() time.Duration {
	if *cacheTTL > 0 {
		return *cacheTTL
	}
	return defaultCacheTTL
}

// viewerURL is where the QR code points when no explicit target is given.
func viewerURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/"
}

// withServerHeader adds "Server: orbit-oracle/<CompileVersion>" to every
// response and answers HEAD / with 200 so load balancers see the service
// alive.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "orbit-oracle/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs:
//   - :80 for ACME HTTP-01 challenges and a 301 redirect to https
//   - :443 with Let's Encrypt certificates from autocert
//
// When autocert cannot issue a certificate for an odd SNI or a bare IP, the
// last good certificate for domain is served instead. Errors are logged.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		logrus.Info("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			logrus.Errorf("HTTP  server error: %v", err)
		}
	}()

	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				logrus.Warnf("autocert renewal check: %v", err)
			}
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12

	var (
		fallbackMu  sync.RWMutex
		defaultCert *tls.Certificate
	)
	go func() {
		for {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				fallbackMu.Lock()
				defaultCert = c
				fallbackMu.Unlock()
				return
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		fallbackMu.RLock()
		defer fallbackMu.RUnlock()
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	logrus.Infof("HTTPS server for %s ➜ :443", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		logrus.Errorf("HTTPS server error: %v", err)
	}
}
