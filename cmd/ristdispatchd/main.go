// ristdispatchd daemon -- bonded RIST sender-side packet dispatcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rist-bonding/dispatcherd/internal/config"
	"github.com/rist-bonding/dispatcherd/internal/controlapi"
	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
	"github.com/rist-bonding/dispatcherd/internal/metrics"
	"github.com/rist-bonding/dispatcherd/internal/ratectl"
	"github.com/rist-bonding/dispatcherd/internal/transport"
	appversion "github.com/rist-bonding/dispatcherd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainTimeout is the time to wait after stopping the ingest listener
// before tearing down output links, giving in-flight Dispatch calls a
// chance to finish.
const drainTimeout = 500 * time.Millisecond

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("ristdispatchd starting",
		slog.String("version", appversion.Version),
		slog.String("control_addr", cfg.Control.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("links", len(cfg.Links)),
	)

	fr := startFlightRecorder(logger)

	collector := metrics.NewCollector(nil, logger)
	snapshots := metrics.NewSnapshotCache()

	disp, links, err := buildDispatcher(cfg, logger, metrics.NewMultiSink(collector, snapshots))
	if err != nil {
		logger.Error("failed to build dispatcher", slog.String("error", err.Error()))
		return 1
	}
	defer disp.Close()

	if err := runDaemon(cfg, disp, links, snapshots, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("ristdispatchd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("ristdispatchd stopped")
	return 0
}

// builtLink pairs one configured output link's sender with its daemon-side
// teardown, so runDaemon can close transport sockets on shutdown even
// though the dispatcher only holds the dispatcher.PacketSender interface.
type builtLink struct {
	id     string
	sender *transport.UDPLinkSender
}

// buildDispatcher constructs a dispatcher.Dispatcher with one UDP output
// link per cfg.Links entry.
func buildDispatcher(cfg *config.Config, logger *slog.Logger, sink dispatcher.MetricsSink) (*dispatcher.Dispatcher, []builtLink, error) {
	tuning, err := cfg.Tuning.ToTuning()
	if err != nil {
		return nil, nil, fmt.Errorf("parse tuning: %w", err)
	}

	links := make([]builtLink, 0, len(cfg.Links))
	configs := make([]dispatcher.LinkConfig, 0, len(cfg.Links))
	senders := make([]dispatcher.PacketSender, 0, len(cfg.Links))

	for _, lc := range cfg.Links {
		sender, err := newLinkSender(lc, logger)
		if err != nil {
			for _, built := range links {
				_ = built.sender.Close()
			}
			return nil, nil, fmt.Errorf("build output link %q: %w", lc.ID, err)
		}
		links = append(links, builtLink{id: lc.ID, sender: sender})
		configs = append(configs, dispatcher.LinkConfig{ID: lc.ID, Interface: lc.Interface, InitialWeight: lc.InitialWeight})
		senders = append(senders, sender)
	}

	disp, err := dispatcher.New(logger, configs, senders,
		dispatcher.WithTuning(tuning),
		dispatcher.WithMetricsSink(sink),
	)
	if err != nil {
		for _, built := range links {
			_ = built.sender.Close()
		}
		return nil, nil, fmt.Errorf("construct dispatcher: %w", err)
	}

	return disp, links, nil
}

func newLinkSender(lc config.LinkConfig, logger *slog.Logger) (*transport.UDPLinkSender, error) {
	local := netip.IPv4Unspecified()
	if lc.LocalAddr != "" {
		addr, err := netip.ParseAddr(lc.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("parse local_addr %q: %w", lc.LocalAddr, err)
		}
		local = addr
	}

	remote, err := netip.ParseAddr(lc.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("parse remote_addr %q: %w", lc.RemoteAddr, err)
	}

	return transport.NewUDPLinkSender(transport.Config{
		LocalAddr:  local,
		RemoteAddr: remote,
		RemotePort: lc.RemotePort,
		Interface:  lc.Interface,
		DFBit:      lc.DFBit,
	}, logger)
}

// parseIngestAddr splits a "host:port" listen address into the
// netip.Addr/port pair transport.IngestConfig expects.
func parseIngestAddr(addr string) (netip.Addr, uint16, error) {
	addrPort, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("parse ingest addr %q: %w", addr, err)
	}
	return addrPort.Addr(), addrPort.Port(), nil
}

// runDaemon wires the ingest listener, control API, metrics server, rate
// controller and systemd integration around disp, then runs until a
// termination signal arrives.
func runDaemon(
	cfg *config.Config,
	disp *dispatcher.Dispatcher,
	links []builtLink,
	snapshots *metrics.SnapshotCache,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	exporter := dispatcher.NewMetricsExporter(disp, nil)
	exporter.SetInterval(disp.Tuning().MetricsInterval)
	defer exporter.SetInterval(0)

	ingestAddr, ingestPort, err := parseIngestAddr(cfg.Ingest.Addr)
	if err != nil {
		return fmt.Errorf("configure ingest listener: %w", err)
	}
	ing, err := transport.NewIngest(transport.IngestConfig{LocalAddr: ingestAddr, LocalPort: ingestPort}, disp, logger)
	if err != nil {
		return fmt.Errorf("start ingest listener: %w", err)
	}

	controlSrv := newControlServer(cfg.Control, disp, snapshots, exporter, logger)
	metricsSrv := newMetricsServer(cfg.Metrics)

	var rc *ratectl.Controller
	if cfg.RateCtl.Enabled {
		rc = buildRateController(cfg, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return ing.Run(gCtx) })

	startHTTPServers(gCtx, g, cfg, controlSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)
	startRebalanceLoop(gCtx, g, disp)

	if rc != nil {
		rc.Attach(disp)
		rc.Start(gCtx)
	}

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, ing, links, rc, logger, fr, controlSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

func newControlServer(cfg config.ControlConfig, disp *dispatcher.Dispatcher, snapshots *metrics.SnapshotCache, exporter *dispatcher.MetricsExporter, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           controlapi.New(logger, disp, snapshots, exporter),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer exposes the same default-registry Prometheus gatherer
// the control API's GET /metrics route uses, on its own configurable
// listen address so operators can firewall control traffic separately
// from scrape traffic.
func newMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func buildRateController(cfg *config.Config, logger *slog.Logger) *ratectl.Controller {
	rcCfg := ratectl.Config{
		MinKbps:          cfg.RateCtl.MinKbps,
		MaxKbps:          cfg.RateCtl.MaxKbps,
		StepKbps:         cfg.RateCtl.StepKbps,
		TargetLossPct:    cfg.RateCtl.TargetLossPct,
		RTTFloorMS:       cfg.RateCtl.RTTFloorMS,
		DownscaleKeyunit: cfg.RateCtl.DownscaleKeyunit,
		TickInterval:     time.Duration(cfg.RateCtl.TickIntervalMS) * time.Millisecond,
		RateLimit:        time.Duration(cfg.RateCtl.RateLimitMS) * time.Millisecond,
	}

	property := ratectl.DetectBitrateProperty(cfg.RateCtl.EncoderProperty)
	encoder := ratectl.NewHTTPEncoderControl(nil, "", property)

	return ratectl.New(logger, rcCfg, encoder, ratectl.NoStatsSource{}, encoder)
}

// startRebalanceLoop runs the dispatcher's own rebalance timer. When a
// rate controller is attached it disables auto-balance and drives weights
// itself; absent that, this loop is the sole driver of weight recompute.
func startRebalanceLoop(ctx context.Context, g *errgroup.Group, disp *dispatcher.Dispatcher) {
	g.Go(func() error {
		interval := disp.Tuning().RebalanceInterval
		if interval <= 0 {
			interval = dispatcher.DefaultTuning().RebalanceInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				disp.Rebalance(now)
			}
		}
	})
}

func startHTTPServers(ctx context.Context, g *errgroup.Group, cfg *config.Config, controlSrv, metricsSrv *http.Server, logger *slog.Logger) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("control API listening", slog.String("addr", cfg.Control.Addr))
		return listenAndServe(ctx, &lc, controlSrv, cfg.Control.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig reloads only the log level on SIGHUP. Output link topology
// and tuning are not hot-swapped here; operators change tuning live via
// the control API's POST /v1/config/{property} instead.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

func gracefulShutdown(
	ctx context.Context,
	ing *transport.Ingest,
	links []builtLink,
	rc *ratectl.Controller,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if rc != nil {
		rc.Stop()
	}

	if err := ing.Close(); err != nil {
		logger.Warn("failed to close ingest listener", slog.String("error", err.Error()))
	}

	time.Sleep(drainTimeout)

	for _, l := range links {
		if err := l.sender.Close(); err != nil {
			logger.Warn("failed to close output link socket",
				slog.String("link", l.id), slog.String("error", err.Error()))
		}
	}

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
