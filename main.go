package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/feed"
	"orbit-oracle/pkg/logger"
	"orbit-oracle/pkg/publisher"
	"orbit-oracle/pkg/relay"
	"orbit-oracle/pkg/trail"
)

var domain = flag.String("domain", getEnv("ORBIT_DOMAIN", ""), "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", getEnv("ORBIT_DB_TYPE", "sqlite"), "Ledger backend: sqlite, genji, duckdb, pgx (postgresql) or memory")
var dbPath = flag.String("db-path", getEnv("ORBIT_DB_PATH", ""), "Path to the database file (defaults to the current folder, applicable for genji, sqlite, duckdb drivers)")
var dbConn = flag.String("db-conn", getEnv("ORBIT_DB_CONN", ""), "Full PostgreSQL connection string; overrides the db-host/db-port/... flags")
var dbHost = flag.String("db-host", getEnv("ORBIT_DB_HOST", "127.0.0.1"), "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", getEnvInt("ORBIT_DB_PORT", 5432), "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", getEnv("ORBIT_DB_USER", "postgres"), "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", getEnv("ORBIT_DB_PASS", ""), "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", getEnv("ORBIT_DB_NAME", "orbit"), "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", getEnv("ORBIT_PG_SSL_MODE", "disable"), "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", getEnvInt("ORBIT_PORT", 8765), "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")

var dataset = flag.String("dataset", getEnv("ORBIT_DATASET", "iss-position"), "Dataset (topic) the records are appended to")
var publisherID = flag.String("publisher", getEnv("ORBIT_PUBLISHER", "orbit-oracle"), "Publisher identity that owns the ledger partition")
var subject = flag.String("subject", getEnv("ORBIT_SUBJECT", "ISS (ZARYA)"), "Tracked object name stored as the subject id")
var feedURL = flag.String("feed-url", getEnv("ORBIT_FEED_URL", feed.DefaultURL), "Upstream position feed")
var feedRate = flag.Float64("feed-rate", getEnvFloat("ORBIT_FEED_RATE", 1), "Maximum upstream requests per second")
var interval = flag.Duration("interval", getEnvDuration("ORBIT_INTERVAL", publisher.DefaultInterval), "Publish cadence")
var cycleTimeout = flag.Duration("cycle-timeout", getEnvDuration("ORBIT_CYCLE_TIMEOUT", publisher.DefaultCycleTimeout), "Upper bound for one publish cycle")
var publish = flag.Bool("publish", getEnvBool("ORBIT_PUBLISH", true), "Run the publisher loop in serve mode")

var trigger = flag.Bool("trigger", false, "Run one publish cycle, print the JSON outcome and exit")
var follow = flag.String("follow", getEnv("ORBIT_FOLLOW", ""), "Follow a remote oracle at this base URL instead of publishing")
var trailSize = flag.Int("trail-size", getEnvInt("ORBIT_TRAIL_SIZE", trail.DefaultCapacity), "Records kept in the follower trail")
var kafkaBroker = flag.String("kafka-broker", getEnv("KAFKA_BROKER", ""), "Relay followed records to this Kafka broker (empty disables)")
var kafkaTopic = flag.String("kafka-topic", getEnv("KAFKA_TOPIC", relay.DefaultTopic), "Kafka topic for relayed records")

var apiRate = flag.Float64("api-rate", getEnvFloat("ORBIT_API_RATE", 10), "Per-IP API requests per second (0 disables limiting)")
var apiBurst = flag.Int("api-burst", getEnvInt("ORBIT_API_BURST", 20), "Per-IP API burst")
var cacheTTL = flag.Duration("cache-ttl", getEnvDuration("ORBIT_CACHE_TTL", 0), "How long range responses stay cached (0 uses 10m)")

var logLevel = flag.String("log-level", getEnv("ORBIT_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
var logFormat = flag.String("log-format", getEnv("ORBIT_LOG_FORMAT", "text"), "Log format: text or json")

var CompileVersion = "dev"

// main parses flags and dispatches to one of the modes:
// version, trigger (one cycle), follow (remote consumer) or serve (default).
func main() {
	flag.Parse()

	if *version {
		fmt.Printf("orbit-oracle version %s\n", CompileVersion)
		return
	}

	if _, err := logger.Setup(*logLevel, *logFormat, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *trigger:
		code := runTrigger(ctx, os.Stdout)
		stop()
		os.Exit(code)
	case *follow != "":
		err = runFollow(ctx, *follow)
	default:
		if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
			logrus.Warn("Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
		}
		err = runServe(ctx)
	}
	if err != nil {
		logrus.Fatalf("%v", err)
	}
}
