package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ahmethakanbesel/pricefeed/internal/config"
	"github.com/ahmethakanbesel/pricefeed/internal/fetcher"
	"github.com/ahmethakanbesel/pricefeed/internal/platform/sqlite"
	pricerepo "github.com/ahmethakanbesel/pricefeed/internal/repository/price"
	siprepo "github.com/ahmethakanbesel/pricefeed/internal/repository/sip"
	"github.com/ahmethakanbesel/pricefeed/internal/scraper"
	"github.com/ahmethakanbesel/pricefeed/internal/scraper/mfapi"
	"github.com/ahmethakanbesel/pricefeed/internal/scraper/yahoo"
	"github.com/ahmethakanbesel/pricefeed/internal/sip"
)

// app holds the components every subcommand shares.
type app struct {
	cfg     *config.Config
	db      *sqlite.DB
	prices  *pricerepo.Repository
	fetcher *fetcher.Fetcher
	sip     *sip.Processor
}

func openApp() (*app, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	slog.SetLogLoggerLevel(level)

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	priceRepo := pricerepo.NewRepository(db.DB)
	sipRepo := siprepo.NewRepository(db.DB)

	var yahooOpts []yahoo.Option
	if cfg.Sources.YahooChartURL != "" {
		yahooOpts = append(yahooOpts, yahoo.WithChartEndpoint(cfg.Sources.YahooChartURL))
	}
	var mfapiOpts []mfapi.Option
	if cfg.Sources.MFAPIBaseURL != "" {
		mfapiOpts = append(mfapiOpts, mfapi.WithBaseURL(cfg.Sources.MFAPIBaseURL))
	}

	registry := scraper.NewRegistry()
	registry.Register(yahoo.New(yahooOpts...))
	registry.Register(mfapi.New(mfapiOpts...))

	f := fetcher.New(priceRepo, registry, cfg.Fetcher)

	return &app{
		cfg:     cfg,
		db:      db,
		prices:  priceRepo,
		fetcher: f,
		sip:     sip.NewProcessor(sipRepo, f, cfg.SIP.Config),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		slog.Error("close database", "error", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
