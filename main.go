package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"netprobe/pkg/config"
	"netprobe/pkg/display"
	"netprobe/pkg/geo"
	"netprobe/pkg/logging"
	"netprobe/pkg/metrics"
	"netprobe/pkg/probe"
	"netprobe/pkg/report"
	"netprobe/pkg/runner"
	"netprobe/pkg/web"
)

type Application struct {
	config       *config.Config
	logger       *slog.Logger
	collector    *metrics.Collector
	board        *display.Board
	locator      *geo.Fetcher
	orchestrator *runner.Orchestrator
	webServer    *web.Server
	out          io.Writer
	ctx          context.Context
	cancel       context.CancelFunc
}

func main() {
	app, err := setupApplication()
	if err != nil {
		slog.Error("Failed to setup application", "error", err)
		os.Exit(1)
	}

	if err := app.run(); err != nil {
		app.logger.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func setupApplication() (*Application, error) {
	// Bootstrap logger until the configured one is available
	bootstrap := slog.New(logging.NewRedactorHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(bootstrap)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootstrap.Warn("Failed to load .env file", "error", err)
	}

	cfg, err := config.Load(os.Getenv("NETPROBE_CONFIG"))
	if err != nil {
		bootstrap.Error("Failed to load configuration", "error", err)
		return nil, err
	}

	logger, err := logging.New(cfg.Log, os.Stdout, cfg.Geo.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)

	logger.Info("Starting netprobe",
		"mode", cfg.Mode,
		"test_duration", cfg.Probe.TestDuration,
		"geo_token_set", cfg.Geo.Token != "")

	return newApplication(cfg, logger, os.Stdout), nil
}

// newApplication wires every component around one board and one collector.
func newApplication(cfg *config.Config, logger *slog.Logger, out io.Writer) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	collector := metrics.NewCollector(cfg.Metrics.HistorySize)
	board := display.NewBoard()

	locator := geo.NewFetcher(cfg.Geo, logger.With("component", "geo")).WithRecorder(collector)

	ping := probe.NewPingSampler(cfg.Probe.Ping, logger.With("component", "ping")).WithRecorder(collector)
	download := probe.NewDownloadSampler(cfg.Probe, logger.With("component", "download")).WithRecorder(collector)
	upload := probe.NewUploadSampler(cfg.Probe, logger.With("component", "upload")).WithRecorder(collector)

	orchestrator := runner.New(ping, download, upload, board, cfg.Probe.TestDuration, logger.With("component", "runner")).
		WithRecorder(collector)

	webServer := web.NewServer(cfg, board, orchestrator, locator, collector, logger.With("component", "web"))
	if cfg.Log.Level == "debug" {
		webServer.WithAccessLog(os.Stderr)
	}

	return &Application{
		config:       cfg,
		logger:       logger,
		collector:    collector,
		board:        board,
		locator:      locator,
		orchestrator: orchestrator,
		webServer:    webServer,
		out:          out,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (app *Application) run() error {
	defer app.cancel()

	if app.config.Mode == config.ModeOnce {
		return app.runOnce()
	}

	var wg sync.WaitGroup
	app.startComponents(&wg)

	app.waitForShutdown()

	app.shutdown(&wg)

	return nil
}

// runOnce performs the lookup and a single speed test, then prints the
// report. An interrupt cancels the test; the partial result is still printed.
func (app *Application) runOnce() error {
	ctx, stop := signal.NotifyContext(app.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	record := app.locator.Render(ctx, app.board)

	result, err := app.orchestrator.Run(ctx)
	if err != nil {
		return fmt.Errorf("speed test failed: %w", err)
	}

	if err := report.Write(app.out, app.config.Report.Format, report.Report{Geo: record, Run: result}); err != nil {
		return err
	}

	return nil
}

func (app *Application) startComponents(wg *sync.WaitGroup) {
	app.logger.Info("Starting application components")

	// Fill the address slots before the first page load
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.locator.Render(app.ctx, app.board)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.webServer.Start(app.ctx); err != nil {
			app.logger.Error("Web server failed to start", "error", err)
			app.cancel()
		}
	}()

	app.logger.Info("All components started successfully")
}

func (app *Application) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		app.logger.Info("Received shutdown signal", "signal", sig)
	case <-app.ctx.Done():
		app.logger.Info("Context cancelled, shutting down")
	}
}

// shutdown cancels the application context, which stops the web server and
// any run in progress, and waits for them to finish.
func (app *Application) shutdown(wg *sync.WaitGroup) {
	app.logger.Info("Initiating graceful shutdown")

	app.cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		app.orchestrator.Wait()
		close(done)
	}()

	select {
	case <-done:
		app.logger.Info("Graceful shutdown completed")
	case <-time.After(30 * time.Second):
		app.logger.Warn("Shutdown timeout reached, forcing exit")
	}
}
