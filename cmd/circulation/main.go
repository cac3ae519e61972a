// cmd/circulation/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"libraqueue/internal/circulation"
	"libraqueue/internal/config"
	"libraqueue/internal/logger"
	"libraqueue/internal/server"
	"libraqueue/internal/storage"
	"libraqueue/internal/telemetry"
	"libraqueue/pkg/eventstore"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "circulation: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, 8082)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log, "circulation")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := server.SignalContext()
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, "circulation", log)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	db, err := server.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.EnsureSchema(ctx, db); err != nil {
		return err
	}

	events := eventstore.NewEventStore(db.DB)
	if err := events.EnsureSchema(ctx); err != nil {
		return err
	}

	svc := circulation.NewService(server.CirculationRepositories(cfg, db, events, log), log)

	router := server.NewRouter(cfg, log)
	circulation.NewHandler(svc, log).Routes(router)

	log.Info("🚀 Starting Circulation Service",
		zap.String("catalog_url", cfg.Services.CatalogURL),
		zap.String("membership_url", cfg.Services.MembershipURL),
	)
	return server.ListenAndServe(ctx, cfg.Server.Addr(), router, cfg.Server.ShutdownTimeout, log)
}
