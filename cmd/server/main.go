package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/insightdelivered/membership-reconciler/internal/api"
	"github.com/insightdelivered/membership-reconciler/internal/cms"
	"github.com/insightdelivered/membership-reconciler/internal/config"
	"github.com/insightdelivered/membership-reconciler/internal/crm"
	"github.com/insightdelivered/membership-reconciler/internal/directory"
	"github.com/insightdelivered/membership-reconciler/internal/matcher"
	"github.com/insightdelivered/membership-reconciler/internal/recon"
	"github.com/insightdelivered/membership-reconciler/internal/retry"
	"github.com/insightdelivered/membership-reconciler/internal/store"
)

const version = "1.0.0"

func main() {
	configFlag := flag.String("config", "reconciler.yaml", "Path to the YAML config file")
	listenFlag := flag.String("listen", "", "Listen address (overrides config)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("membership-reconciler v%s\n", version)
		os.Exit(0)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fatalf("loading config: %v", err)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}

	db, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		fatalf("opening store: %v", err)
	}
	defer db.Close()

	crmClient := crm.New(cfg.CRM.BaseURL, cfg.CRM.Token, log)
	cmsClient := cms.New(cfg.CMS.BaseURL, cfg.CMS.Token, log)
	cache := directory.New(crmClient, db, cfg.Directory.TTL, log)

	engineCfg := matcher.DefaultConfig()
	if cfg.Matcher.MinConfidence > 0 {
		engineCfg.MinConfidence = cfg.Matcher.MinConfidence
	}
	if cfg.Matcher.MaxSuggestions > 0 {
		engineCfg.MaxSuggestions = cfg.Matcher.MaxSuggestions
	}
	engine := matcher.New(engineCfg, log)

	sagaCfg := recon.DefaultConfig()
	sagaCfg.Retry = retry.Policy{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}
	orchestrator := recon.New(db, crmClient, cmsClient, sagaCfg, log)

	handler := &api.Handler{
		Store:           db,
		Cache:           cache,
		Engine:          engine,
		Orchestrator:    orchestrator,
		ExclusionWindow: time.Duration(cfg.Matcher.ExclusionWindowDays) * 24 * time.Hour,
		Log:             log,
	}

	app := fiber.New(fiber.Config{AppName: "membership-reconciler"})
	handler.RegisterRoutes(app)

	log.Info("listening", "addr", cfg.Listen)
	if err := app.Listen(cfg.Listen); err != nil {
		fatalf("server: %v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
