// cmd/chaos/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"libraqueue/internal/chaos"
	"libraqueue/internal/circulation"
	"libraqueue/internal/config"
	"libraqueue/internal/logger"
	"libraqueue/internal/server"
	"libraqueue/pkg/eventstore"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	requests := flag.String("requests", os.Getenv("CHAOS_REQUEST_IDS"), "comma separated ids of the requests to move at once")
	destination := flag.String("destination", os.Getenv("CHAOS_DESTINATION_ITEM_ID"), "id of the item the requests move to")
	flag.Parse()

	target, err := parseTarget(*requests, *destination)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chaos: %v\n", err)
		os.Exit(2)
	}
	if err := run(*configPath, target); err != nil {
		fmt.Fprintf(os.Stderr, "chaos: %v\n", err)
		os.Exit(1)
	}
}

func parseTarget(requests, destination string) (chaos.MoveCollisionTarget, error) {
	var target chaos.MoveCollisionTarget
	id, err := uuid.Parse(destination)
	if err != nil {
		return target, fmt.Errorf("invalid destination item id %q: %w", destination, err)
	}
	target.DestinationItemID = id

	for _, raw := range strings.Split(requests, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return target, fmt.Errorf("invalid request id %q: %w", raw, err)
		}
		target.RequestIDs = append(target.RequestIDs, id)
	}
	if len(target.RequestIDs) < 2 {
		return target, fmt.Errorf("at least two request ids are needed, got %d", len(target.RequestIDs))
	}
	return target, nil
}

func run(configPath string, target chaos.MoveCollisionTarget) error {
	cfg, err := config.Load(configPath, 8082)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log, "chaos")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := server.SignalContext()
	defer stop()

	db, err := server.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	events := eventstore.NewEventStore(db.DB)
	svc := circulation.NewService(server.CirculationRepositories(cfg, db, events, log), log)

	engine := chaos.NewEngine(log)
	engine.RegisterExperiments(db, svc, target)

	gameDay := chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     5 * time.Second,
	}

	results, err := engine.ExecuteGameDay(ctx, gameDay)
	if err != nil {
		return fmt.Errorf("chaos game day failed: %w", err)
	}

	failed := 0
	for _, result := range results {
		if !result.HypothesisHeld {
			failed++
		}
	}
	log.Info("game day finished", zap.Int("experiments", len(results)), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d experiments disproved their hypothesis", failed, len(results))
	}
	return nil
}
