package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	connectorsync "github.com/campaignlab/connector-sync"
	"github.com/campaignlab/connector-sync/engine"
	"github.com/campaignlab/connector-sync/internal"
	"github.com/campaignlab/connector-sync/pubsub"
	"github.com/campaignlab/connector-sync/state"
	"github.com/campaignlab/connector-sync/upstream"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	flagBindAddr   = flag.String("port", envOr("CONNSYNC_BINDADDR", ":8020"), "Bind address")
	flagPostgres   = flag.String("db", envOr("CONNSYNC_DB", "user=postgres dbname=connsync sslmode=disable"), "Postgres DB connection string (see lib/pq docs)")
	flagSecret     = flag.String("secret", os.Getenv("CONNSYNC_SECRET"), "Secret used to encrypt stored platform credentials")
	flagSelfURL    = flag.String("self-url", envOr("CONNSYNC_SELF_URL", "http://localhost:8020"), "Base URL this process is reachable at, used for sync continuations")
	flagBudget     = flag.Duration("budget", engine.DefaultBudget, "Wall-clock budget per sync invocation")
	flagMaxBatches = flag.Int("max-batches", engine.DefaultMaxBatches, "Maximum chained continuations per sync")
)

func main() {
	fmt.Printf("connector-sync %s\n", connectorsync.Version)
	flag.Parse()
	if *flagSecret == "" {
		fmt.Fprintln(os.Stderr, "-secret (or CONNSYNC_SECRET) must be set")
		flag.Usage()
		os.Exit(1)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: connectorsync.Version,
		}); err != nil {
			panic(err)
		}
	}
	if otlpURL := os.Getenv("CONNSYNC_OTLP_URL"); otlpURL != "" {
		err := internal.ConfigureOTLP(
			otlpURL, os.Getenv("CONNSYNC_OTLP_USERNAME"), os.Getenv("CONNSYNC_OTLP_PASSWORD"),
			connectorsync.Version,
		)
		if err != nil {
			panic(err)
		}
	}
	upstream.Version = connectorsync.Version

	if err := state.Migrate(*flagPostgres); err != nil {
		panic(err)
	}
	store := state.NewStorage(*flagPostgres, *flagSecret)

	adapters := map[string]upstream.Adapter{}
	for _, a := range []upstream.Adapter{
		upstream.NewSmartleadAdapter(""),
		upstream.NewReplyIOAdapter(""),
		upstream.NewPhoneBurnerAdapter(""),
	} {
		adapters[a.Platform()] = a
	}

	continuer := engine.NewHTTPContinuer(*flagSelfURL)
	bus := pubsub.NewPubSub(64)
	notifier := pubsub.NewPromNotifier(bus, "engine")

	runner := engine.NewRunner(store, adapters, continuer, notifier)
	runner.Budget = *flagBudget
	runner.MaxBatches = *flagMaxBatches
	runner.Metrics = engine.NewMetrics()

	api := connectorsync.NewSyncAPI(store, runner, adapters, continuer)
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := api.ListenLifecycle(bus); err != nil {
			panic(err)
		}
	}()

	// flush pending sentry events on panic-driven exits
	defer sentry.Flush(2 * time.Second)

	connectorsync.RunServer(api, *flagBindAddr)
}
