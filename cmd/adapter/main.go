package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	adapter "github.com/gumnut-photos/immich-adapter"
	"github.com/gumnut-photos/immich-adapter/handler"
	"github.com/gumnut-photos/immich-adapter/notifier"
	"github.com/gumnut-photos/immich-adapter/store"
	"github.com/gumnut-photos/immich-adapter/store/migrations"
	"github.com/gumnut-photos/immich-adapter/syncstream"
	"github.com/gumnut-photos/immich-adapter/upstream"
)

var (
	flagBackend  = flag.String("backend", envOr("ADAPTER_BACKEND_URL", ""), "Base URL of the photos backend")
	flagBindAddr = flag.String("port", envOr("ADAPTER_BIND_ADDR", ":8080"), "Bind address")
	flagPostgres = flag.String("db", envOr("ADAPTER_DB", "user=postgres dbname=imsync sslmode=disable"), "Postgres DB connection string (see lib/pq docs)")
	flagSecret   = flag.String("secret", envOr("ADAPTER_SECRET", ""), "Secret used to encrypt stored credentials")

	flagPrometheus = flag.Bool("prometheus", os.Getenv("ADAPTER_PROM") != "", "Expose /metrics")
	flagSentryDSN  = flag.String("sentry-dsn", envOr("ADAPTER_SENTRY_DSN", ""), "Sentry DSN for error reporting")
	flagOTLPURL    = flag.String("otlp-url", envOr("ADAPTER_OTLP_URL", ""), "OTLP HTTP endpoint for traces")

	flagPageSize       = flag.Int("page-size", 500, "Records fetched from the backend per page")
	flagStaleDays      = flag.Int("stale-days", 90, "Force a full resync for checkpoints older than this many days (0 disables)")
	flagReapInterval   = flag.Duration("reap-interval", time.Hour, "How often to reap inactive sessions")
	flagReapInactivity = flag.Duration("reap-inactivity", 90*24*time.Hour, "Delete sessions idle for longer than this")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	if *flagBackend == "" || *flagSecret == "" {
		flag.Usage()
		os.Exit(1)
	}

	if *flagSentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     *flagSentryDSN,
			Release: "immich-adapter@" + adapter.Version,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to init sentry: %s\n", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if *flagOTLPURL != "" {
		if err := adapter.ConfigureTracing(*flagOTLPURL); err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure tracing: %s\n", err)
			os.Exit(1)
		}
	}

	storage := store.NewStorage(*flagPostgres, *flagSecret)
	defer storage.Teardown()
	if err := migrations.Up(storage.DB.DB); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %s\n", err)
		os.Exit(1)
	}

	client := upstream.NewHTTPClient(*flagBackend)
	upstream.Version = adapter.Version

	engine := syncstream.NewEngine(storage, &upstream.Provider{Client: client}, syncstream.Config{
		PageSize:     *flagPageSize,
		StaleHorizon: time.Duration(*flagStaleDays) * 24 * time.Hour,
	})
	notif := notifier.New()
	acks := syncstream.NewProcessor(storage)
	acks.OnCommit = func(subject, sessionID string, advanced []syncstream.EntityType) {
		types := make([]string, len(advanced))
		for i, t := range advanced {
			types[i] = string(t)
		}
		notif.Broadcast(subject, sessionID, types)
	}
	if *flagPrometheus {
		engine.AddPrometheusMetrics()
		notif.AddPrometheusMetrics()
	}

	reaper := adapter.NewSessionReaper(storage, *flagReapInterval, *flagReapInactivity)
	go reaper.Run()
	defer reaper.Stop()

	h := handler.NewSyncHandler(storage, engine, acks, client, notif)
	defer h.Teardown()
	adapter.RunServer(h, *flagBindAddr, *flagPrometheus)
}
