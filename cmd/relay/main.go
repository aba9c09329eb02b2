// Command relay serves browser-driven web chat sessions behind an
// OpenAI-compatible HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/entrhq/relay/pkg/auth"
	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/cache"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/dispatch"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/server"
	"github.com/entrhq/relay/pkg/session"
	"github.com/entrhq/relay/pkg/tokenizer"
)

const version = "0.1.0"

func main() {
	configPath := flag.StringP("config", "c", config.DefaultPath, "Path to the YAML configuration")
	debug := flag.Bool("debug", false, "Show the browser and log debug output (overrides dev.debug)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relay v%s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if *debug {
		cfg.Dev.Debug = true
	}

	// run returns only after its own cleanup; release the signal handler
	// before a fatal exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.Fatalf("relay: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Configure(logging.Options{
		Dir:    cfg.Logging.Dir,
		Debug:  cfg.Dev.Debug,
		Stderr: cfg.Logging.StderrEnabled(),
	})
	logger := logging.MustLogger("relay")
	defer logger.Close()
	logger.Infof("relay v%s starting (config %s)", version, cfg.Path)

	creds := config.NewCredentialStore(cfg)
	flows := provider.DefaultRegistry()

	engine := browser.NewEngine(browser.Options{
		Debug:          cfg.Dev.Debug,
		SlowMo:         time.Duration(cfg.Dev.SlowMo) * time.Millisecond,
		Args:           cfg.Browser.Args,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		StepTimeout:    cfg.Auth.Step(),
		StateDir:       cfg.Browser.StateDir,
		ScreenshotDir:  cfg.Browser.ScreenshotDir,
		SkipInstall:    cfg.Browser.SkipInstall,
	}, logger.With("browser"))
	if err := engine.Initialize(); err != nil {
		return err
	}
	defer func() {
		if err := engine.Shutdown(); err != nil {
			logger.Warnf("browser shutdown: %v", err)
		}
	}()

	authn := auth.NewController(auth.Options{
		StepTimeout: cfg.Auth.Step(),
		Debug:       cfg.Dev.Debug,
	}, logger.With("auth"))

	pool := session.NewPool(engine, authn, creds, flows, session.Options{
		IdleTimeout: time.Duration(cfg.Session.IdleTimeout) * time.Second,
	}, logger.With("session"))
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warnf("session pool shutdown: %v", err)
		}
	}()

	store, err := cache.OpenSQLite(cfg.Cache.DBPath)
	if err != nil {
		return err
	}
	conversations := cache.New(store, cfg.Cache.TTL(), cache.WithLogger(logger.With("cache")))
	defer conversations.Close()

	cleaner := cache.NewCleaner(conversations, cfg.Cache.CleanupEvery(), logger.With("cleaner"))
	cleaner.Start(ctx)
	defer cleaner.Stop()

	if idle := time.Duration(cfg.Session.IdleTimeout) * time.Second; idle > 0 {
		go pool.ReapIdle(ctx, idle/2)
	}

	d := dispatch.New(pool, conversations, flows, creds, dispatch.Config{
		RequestTimeout: time.Duration(cfg.Dispatch.RequestTimeout) * time.Second,
		AttemptTimeout: time.Duration(cfg.Dispatch.AttemptTimeout) * time.Second,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BackoffInitial: time.Duration(cfg.Dispatch.BackoffInitial) * time.Second,
		BackoffMax:     time.Duration(cfg.Dispatch.BackoffMax) * time.Second,
		AbandonLimit:   cfg.Dispatch.AbandonLimit,
		PollInterval:   time.Duration(cfg.Dispatch.PollIntervalMS) * time.Millisecond,
		SettlePolls:    cfg.Dispatch.SettlePolls,
	}, logger.With("dispatch"))

	tok, err := tokenizer.New()
	if err != nil {
		logger.Warnf("token counts fall back to words: %v", err)
	}

	srv := server.New(d, tok, logger.With("http"))
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Infof("shutting down")
	return nil
}
