// cmd/api/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"go.uber.org/zap"

	"libraqueue/internal/config"
	"libraqueue/internal/logger"
	"libraqueue/internal/server"
	"libraqueue/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, 8080)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log, "api")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := server.SignalContext()
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, "api", log)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	router := server.NewRouter(cfg, log)
	routes := map[string]string{
		"/api/v1/catalog":     cfg.Services.CatalogURL,
		"/api/v1/circulation": cfg.Services.CirculationURL,
		"/api/v1/members":     cfg.Services.MembershipURL,
	}
	for prefix, target := range routes {
		proxy, err := newProxy(target, log)
		if err != nil {
			return err
		}
		router.Mount(prefix, http.StripPrefix(prefix, proxy))
	}

	log.Info("🚀 Starting API Gateway")
	return server.ListenAndServe(ctx, cfg.Server.Addr(), router, cfg.Server.ShutdownTimeout, log)
}

func newProxy(target string, log *zap.Logger) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", target, err)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("upstream unavailable", zap.String("upstream", u.Host), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}
