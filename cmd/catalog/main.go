// cmd/catalog/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"libraqueue/internal/catalog"
	"libraqueue/internal/config"
	"libraqueue/internal/logger"
	"libraqueue/internal/server"
	"libraqueue/internal/telemetry"
	"libraqueue/pkg/eventstore"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, 8081)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log, "catalog")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := server.SignalContext()
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, "catalog", log)
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
	if err := catalog.EnsureSchema(ctx, db); err != nil {
		return err
	}

	svc := catalog.NewService(es, db, log)

	router := server.NewRouter(cfg, log)
	catalog.NewHandler(svc, log).Routes(router)

	log.Info("🚀 Starting Catalog Service")
	return server.ListenAndServe(ctx, cfg.Server.Addr(), router, cfg.Server.ShutdownTimeout, log)
}
