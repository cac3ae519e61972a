// cmd/membership/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"libraqueue/internal/config"
	"libraqueue/internal/logger"
	"libraqueue/internal/membership"
	"libraqueue/internal/server"
	"libraqueue/internal/telemetry"
	"libraqueue/pkg/eventstore"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "membership: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, 8083)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log, "membership")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := server.SignalContext()
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, "membership", log)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	db, err := server.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	es := eventstore.NewEventStore(db.DB)
	if err := es.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := membership.EnsureSchema(ctx, db); err != nil {
		return err
	}

	svc := membership.NewService(es, db, log, cfg.Membership.RegistrationsPerMinute)

	router := server.NewRouter(cfg, log)
	membership.NewHandler(svc, log).Routes(router)

	log.Info("🚀 Starting Membership Service",
		zap.Int("registrations_per_minute", cfg.Membership.RegistrationsPerMinute),
	)
	return server.ListenAndServe(ctx, cfg.Server.Addr(), router, cfg.Server.ShutdownTimeout, log)
}
