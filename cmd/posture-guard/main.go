package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/posture-guard/internal/analysis"
	"github.com/dj-oyu/posture-guard/internal/camera"
	"github.com/dj-oyu/posture-guard/internal/config"
	"github.com/dj-oyu/posture-guard/internal/history"
	"github.com/dj-oyu/posture-guard/internal/i18n"
	"github.com/dj-oyu/posture-guard/internal/logger"
	"github.com/dj-oyu/posture-guard/internal/metrics"
	"github.com/dj-oyu/posture-guard/internal/notify"
	"github.com/dj-oyu/posture-guard/internal/session"
	"github.com/dj-oyu/posture-guard/internal/telemetry"
	"github.com/dj-oyu/posture-guard/internal/web"
	"github.com/dj-oyu/posture-guard/internal/webrtc"
	"github.com/dj-oyu/posture-guard/pkg/types"
)

// App wires the agent together.
type App struct {
	cfg     config.Config
	wg      sync.WaitGroup
	metrics *metrics.Metrics

	store      *history.Store
	writer     *history.Writer
	session    *session.Session
	hub        *web.Hub
	rtc        *webrtc.Server
	web        *web.Server
	httpServer *http.Server
	tracing    func(context.Context) error
}

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Posture guard starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}

	<-ctx.Done()
	logger.Info("Main", "Shutting down...")

	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Agent stopped")
}

// NewApp creates every component from cfg.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	tracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	m := metrics.New()
	app := &App{cfg: cfg, metrics: m, tracing: tracing}

	dev, err := camera.NewDevice(cfg.Camera())
	if err != nil {
		return nil, fmt.Errorf("failed to configure camera: %w", err)
	}
	open := func(ctx context.Context, onResize func(types.Resolution)) (session.Camera, error) {
		cam, err := camera.Open(ctx, dev, cfg.JPEGQuality, onResize)
		if err != nil {
			return nil, err
		}
		return cam, nil
	}

	client := analysis.NewClient(analysis.Config{
		BaseURL:       cfg.ServerURL,
		AnalyzePath:   cfg.AnalyzePath,
		CalibratePath: cfg.CalibratePath,
		Cookie:        cfg.ServerCookie,
		Timeout:       cfg.RequestTimeout,
	}, m)

	notifier := notify.New(notify.Fanout{notify.LogDispatcher{}, &notify.DesktopDispatcher{}}, notify.Config{
		Title:  cfg.NotifyTitle,
		MinGap: cfg.NotifyMinGap,
		Policy: cfg.Notifications,
	}, m)

	app.hub = web.NewHub()
	app.rtc = webrtc.NewServer(cfg.STUNServers, cfg.MaxPeers, m)
	app.hub.AddSink(app.rtc.Broadcast)

	deps := session.Deps{
		Open:     open,
		Analyzer: client,
		Notifier: notifier,
		Display:  app.hub,
		Metrics:  m,
		Printer:  i18n.Printer(cfg.Language),
	}

	opts := web.Options{WebRTC: app.rtc}
	if cfg.MetricsAddr == "" {
		opts.Metrics = m.Handler()
	}

	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		app.store = store
		app.writer = history.NewWriter(store, 64, m)
		deps.Recorder = app.writer
		opts.History = store
	}

	app.session = session.New(session.Config{
		SlowInterval:     cfg.SlowInterval,
		FastInterval:     cfg.FastInterval,
		SizingRetryDelay: cfg.SizingRetryDelay,
		AcquireTimeout:   cfg.AcquireTimeout,
	}, deps)

	webCfg := web.DefaultConfig()
	webCfg.Addr = cfg.Addr
	webCfg.PreviewInterval = cfg.PreviewInterval
	app.web = web.NewServer(webCfg, app.session, app.hub, opts)
	app.web.Preview().OnViewers(m.TrackPreviewViewer)

	app.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return app, nil
}

// Start launches the session loop and the servers.
func (a *App) Start(ctx context.Context) error {
	logger.Info("Main", "Configuration:")
	logger.Info("Main", "  Control panel: http://%s", a.cfg.Addr)
	logger.Info("Main", "  Analysis server: %s", a.cfg.ServerURL)
	logger.Info("Main", "  Camera: %s %s (%dx%d @ %d fps)", a.cfg.CameraSource, a.cfg.CameraDevice, a.cfg.CameraWidth, a.cfg.CameraHeight, a.cfg.CameraFPS)
	logger.Info("Main", "  Polling: %v slow, %v fast", a.cfg.SlowInterval, a.cfg.FastInterval)
	if a.store != nil {
		logger.Info("Main", "  History: %s", a.cfg.HistoryPath)
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", a.cfg.MetricsAddr)
			if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.session.Run(ctx); err != nil {
			logger.Error("Main", "Session loop error: %v", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		logger.Info("Main", "Control panel listening on %s", a.cfg.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the servers, waits for the session to release the camera
// and flushes history.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.wg.Wait()

	a.web.Close()
	if err := a.rtc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("webrtc close: %w", err))
	}
	if a.writer != nil {
		a.writer.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history close: %w", err))
		}
	}
	if err := a.tracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	return errors.Join(errs...)
}
