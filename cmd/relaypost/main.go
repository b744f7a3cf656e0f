package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/blobstore"
	"github.com/agentworkforce/relaypost/internal/config"
	"github.com/agentworkforce/relaypost/internal/delivery"
	"github.com/agentworkforce/relaypost/internal/environment"
	"github.com/agentworkforce/relaypost/internal/events"
	"github.com/agentworkforce/relaypost/internal/forum"
	"github.com/agentworkforce/relaypost/internal/httpapi"
	"github.com/agentworkforce/relaypost/internal/identity"
	"github.com/agentworkforce/relaypost/internal/logging"
)

const shutdownGrace = 10 * time.Second

func main() {
	_ = godotenv.Load()

	logger, err := logging.Init(logging.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("relaypost stopped", zap.Error(err))
	}
}

type app struct {
	blobs     blobstore.Store
	store     *identity.Store
	queue     *delivery.Queue
	switcher  *identity.Switcher
	processor *delivery.Processor
	hub       *events.Hub
	handler   http.Handler
	closers   []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	blobs, err := blobstore.BuildFromDSN(cfg.BlobDSN)
	if err != nil {
		return nil, fmt.Errorf("blob backend: %w", err)
	}
	a := &app{blobs: blobs, closers: []func() error{func() error { return blobstore.Close(blobs) }}}
	logger.Info("blob backend ready", zap.String("backend", blobstore.Describe(cfg.BlobDSN)))

	fail := func(err error) (*app, error) {
		_ = a.Close()
		return nil, err
	}

	a.store, err = identity.NewStore(blobs, identity.StoreOptions{Logger: logger})
	if err != nil {
		return fail(err)
	}
	a.queue, err = delivery.NewQueue(blobs, delivery.QueueOptions{Logger: logger})
	if err != nil {
		return fail(err)
	}
	a.hub = events.NewHub(cfg.EventNode)

	var (
		jar     identity.CookieJar
		local   identity.LocalState
		fetcher environment.Fetcher
	)
	switch cfg.Environment {
	case config.EnvironmentPlaywright:
		browser, err := environment.LaunchPlaywright(environment.PlaywrightOptions{
			Origin:          cfg.ForumBaseURL,
			Headless:        cfg.PlaywrightHeadless,
			InstallBrowsers: cfg.PlaywrightInstall,
			Timeout:         cfg.HTTPTimeout,
			Logger:          logger,
		})
		if err != nil {
			return fail(fmt.Errorf("launch browser: %w", err))
		}
		a.closers = append(a.closers, browser.Close)
		jar, local, fetcher = browser, browser.Storage(), browser
	default:
		mem := environment.NewMemory()
		jar, local = mem.Jar, mem.Storage
		fetcher = environment.NewHTTPFetcher(mem.Jar, environment.HTTPFetcherOptions{
			Timeout:   cfg.HTTPTimeout,
			UserAgent: cfg.UserAgent,
			Logger:    logger,
		})
	}

	a.switcher, err = identity.NewSwitcher(a.store, jar, local, forum.NewProber(fetcher, cfg.ProfileURL), identity.SwitcherOptions{
		CookieDomain:          cfg.CookieDomain,
		MaxTokenFailureRatio:  cfg.MaxTokenFailureRatio,
		RefreshActiveOnSwitch: cfg.RefreshActiveOnSwitch,
		Events:                a.hub,
		Logger:                logger,
	})
	if err != nil {
		return fail(err)
	}

	sender, err := forum.NewSender(a.store, forum.SenderOptions{
		BaseURL:            cfg.ForumBaseURL,
		HTTPClient:         &http.Client{Timeout: cfg.HTTPTimeout},
		CSRFCookieName:     cfg.CSRFCookieName,
		LastDateCookieName: cfg.LastDateCookieName,
		UserAgent:          cfg.UserAgent,
		Logger:             logger,
	})
	if err != nil {
		return fail(err)
	}

	var watcher blobstore.Watcher
	if w, ok := blobs.(blobstore.Watcher); ok {
		watcher = w
	}
	a.processor, err = delivery.NewProcessor(a.queue, sender, delivery.ProcessorOptions{
		Interval:             cfg.PollInterval,
		RetryDelay:           cfg.RetryDelay,
		MaxRetries:           cfg.MaxRetries,
		MaxAntiFloodAttempts: cfg.MaxAntiFloodAttempts,
		Watcher:              watcher,
		SweepAge:             cfg.SweepAge,
		SweepInterval:        cfg.SweepInterval,
		Events:               a.hub,
		Logger:               logger,
	})
	if err != nil {
		return fail(err)
	}

	a.handler = httpapi.NewServer(a.store, a.switcher, a.queue, a.hub, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		SweepAge:        cfg.SweepAge,
		Logger:          logger,
	})
	return a, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	processorDone := make(chan error, 1)
	go func() {
		processorDone <- a.processor.Run(runCtx)
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverDone := make(chan error, 1)
	logger.Info("relaypost listening", zap.String("addr", cfg.Addr), zap.String("environment", cfg.Environment))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverDone:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-processorDone:
		processorDone <- err
		if err != nil {
			runErr = fmt.Errorf("processor: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	cancelRun()
	<-processorDone
	return runErr
}
