package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/pysugar/quota-sentinel/internal/auth/google"
	"github.com/pysugar/quota-sentinel/internal/auth/token"
	"github.com/pysugar/quota-sentinel/internal/config"
	"github.com/pysugar/quota-sentinel/internal/db"
	"github.com/pysugar/quota-sentinel/internal/discovery"
	"github.com/pysugar/quota-sentinel/internal/quota"
	"github.com/pysugar/quota-sentinel/internal/server"
	"github.com/pysugar/quota-sentinel/internal/trigger"
	"github.com/pysugar/quota-sentinel/internal/upstream"
	"github.com/pysugar/quota-sentinel/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to sentinel.yaml")
	importOnce := flag.Bool("import", false, "scan local state blobs for credentials and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	state := db.NewStateStore(database)
	creds := db.NewCredentialStore(database, state)

	oauthCfg := google.GetOAuthConfig(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, "")
	tokens := token.NewService(oauthCfg, nil)
	api := upstream.NewClient(nil)
	importer := discovery.NewImporter(tokens, creds)

	route := upstream.RouteOptions{
		Sandbox:     cfg.Route.Sandbox,
		OverrideURL: cfg.Route.OverrideURL,
	}
	triggers := trigger.NewService(tokens, api, creds, state, trigger.Options{
		Route:       route,
		Cooldown:    cfg.Trigger.Cooldown.Std(),
		Concurrency: cfg.Trigger.Concurrency,
		Prompt:      cfg.Trigger.Prompt,
	})
	poller := quota.NewPoller(triggers, quota.Options{
		Interval:    cfg.Poll.Interval.Std(),
		WatchModels: cfg.Trigger.Models,
		AutoTrigger: cfg.Poll.AutoTrigger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *importOnce {
		result := importer.ImportAll(ctx)
		for _, e := range result.Errors {
			log.Printf("⚠️ %s (%s): %s", e.Source, e.Path, e.Error)
		}
		return
	}

	go poller.Run(ctx)

	router := server.NewRouter(server.Deps{
		Creds:             creds,
		Trigger:           triggers,
		Quota:             poller,
		Importer:          importer,
		OAuthClientID:     cfg.OAuth.ClientID,
		OAuthClientSecret: cfg.OAuth.ClientSecret,
	})

	log.Printf("🚀 Quota Sentinel %s starting on http://%s", version.Version, cfg.Addr())
	if err := server.Serve(ctx, cfg.Addr(), router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
