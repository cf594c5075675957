// Command ajbusd is the AllJoyn-compatible session-routing bus daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/go-alljoyn/ajrouter/internal/adminapi"
	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/arena"
	"github.com/go-alljoyn/ajrouter/internal/config"
	"github.com/go-alljoyn/ajrouter/internal/discovery"
	"github.com/go-alljoyn/ajrouter/internal/endpoint"
	"github.com/go-alljoyn/ajrouter/internal/ingress"
	ajmetrics "github.com/go-alljoyn/ajrouter/internal/metrics"
	"github.com/go-alljoyn/ajrouter/internal/router"
	"github.com/go-alljoyn/ajrouter/internal/session"
	"github.com/go-alljoyn/ajrouter/internal/transport"
	appversion "github.com/go-alljoyn/ajrouter/internal/version"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// shutdownTimeout bounds how long the admin and metrics HTTP servers get
// to drain in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

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

	guid := wire.GUID(cfg.Bus.GUID)
	if guid == "" {
		guid = wire.NewGUID()
	}

	logger.Info("ajbusd starting",
		slog.String("version", appversion.Version),
		slog.String("guid", string(guid)),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := ajmetrics.NewCollector(reg)

	if err := runServers(cfg, guid, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("ajbusd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("ajbusd stopped")
	return 0
}

// runServers wires every domain component together and runs the daemon's
// listeners and HTTP servers under a single errgroup until a termination
// signal arrives, then drains them.
func runServers(
	cfg *config.Config,
	guid wire.GUID,
	collector *ajmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	addrs, err := transport.SplitBusAddresses(cfg.Listen.BusAddresses)
	if err != nil {
		return fmt.Errorf("parse listen.bus_addresses: %w", err)
	}

	store := arena.New()
	localID := store.Mint()

	core := router.New(store, localID, logger)
	sessions := session.New(core, store, logger)
	sessions.SetOwnBusAddresses(addrs)
	defer sessions.Close()

	var disco *discovery.Service
	if cfg.NameService.Enabled {
		disco, err = discovery.New(discovery.Config{
			Group:     cfg.NameService.Group,
			Interface: cfg.NameService.Interface,
		}, string(guid), newOnFoundAdvertisedName(sessions), newOnLostAdvertisedName(sessions), logger)
		if err != nil {
			return fmt.Errorf("start name service: %w", err)
		}
		defer disco.Close()
	}

	tcfg := transport.Config{
		MaxConnections:           cfg.Limits.MaxConnections,
		MaxIncompleteConnections: cfg.Limits.MaxIncompleteConnections,
	}
	tm := transport.NewManager(tcfg, transport.ExternalAuthenticator{}, guid,
		newEndpointFactory(store, core, sessions, logger),
		newEndpointRegistrar(store, core, sessions, collector, logger),
		logger,
	)
	sessions.SetDialer(tm)

	_, adminHandler := adminapi.New(guid, core.Names, sessions, tm, disco, logger)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	adminHTTPSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           adminHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	listeners, err := createListeners(gCtx, addrs, logger)
	if err != nil {
		return fmt.Errorf("create listeners: %w", err)
	}
	defer closeListeners(listeners)

	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			logger.Info("serving bus connections", slog.String("addr", ln.ln.Addr().String()), slog.String("kind", ln.kind.String()))
			return tm.Serve(gCtx, ln.ln, ln.kind)
		})
	}

	if disco != nil {
		g.Go(func() error {
			return disco.Run(gCtx)
		})
	}

	startHTTPServers(gCtx, g, cfg, adminHTTPSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, adminHTTPSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// newOnFoundAdvertisedName adapts the name service's FoundNamesFunc callback
// into the Session Manager's received-advertisement NameMap, so a name
// learned over the wire before any local Find request exists is still
// available for immediate replay once one arrives (§4.6.7).
func newOnFoundAdvertisedName(sessions *session.Manager) discovery.FoundNamesFunc {
	return func(found []discovery.Found) {
		for _, f := range found {
			sessions.OnFoundAdvertisedName(context.Background(), session.ReceivedAdvertisement{
				Name:       f.Name,
				BusAddr:    f.BusAddr,
				GUID:       f.GUID,
				Transports: f.Transports,
			})
		}
	}
}

// newOnLostAdvertisedName adapts the name service's LostNamesFunc callback
// into the Session Manager's NameMap eviction.
func newOnLostAdvertisedName(sessions *session.Manager) discovery.LostNamesFunc {
	return func(names []string) {
		for _, name := range names {
			sessions.OnLostAdvertisedName(name)
		}
	}
}

// newEndpointFactory mints an EndpointID from store and wraps the
// connection in a transport.ConnSender, the same "construct the Sender
// half, hand the rest to endpoint.New" seam transport.EndpointFactory
// defines for callers outside the transport package. It also starts the
// ingress.Pump that drains conn's inbound half, since nothing else reads
// the connection back once the endpoint takes ownership of it.
func newEndpointFactory(store *arena.Arena, core *router.Core, sessions *session.Manager, logger *slog.Logger) transport.EndpointFactory {
	return func(conn net.Conn, kind ajtypes.EndpointKind, remoteGUID wire.GUID) *endpoint.Endpoint {
		id := store.Mint()
		uniqueName := ":1." + strconv.FormatUint(uint64(id), 10)
		ep := endpoint.New(id, kind, uniqueName, transport.NewConnSender(conn))
		ep.SetRemoteInfo(remoteGUID, 0)
		ep.SetActive()

		pump := ingress.NewPump(conn, id, kind, core, sessions, logger)
		go func() {
			reason := endpoint.DisconnectClean
			if err := pump.Run(context.Background()); err != nil {
				logger.Debug("ingress pump stopped", slog.String("endpoint", uniqueName), slog.Any("error", err))
				reason = endpoint.DisconnectIOError
			}
			ep.Stop(reason)
		}()

		return ep
	}
}

// newEndpointRegistrar installs a freshly authenticated endpoint into the
// arena, the name table, and the router core's bus-to-bus set, and wires
// its exit callback to unwind all of that bookkeeping plus session-loss
// detection and the transport manager's own connection accounting.
func newEndpointRegistrar(store *arena.Arena, core *router.Core, sessions *session.Manager, collector *ajmetrics.Collector, logger *slog.Logger) transport.EndpointRegistrar {
	return func(ep *endpoint.Endpoint) {
		store.Store(ep)
		if err := core.Names.AddUniqueName(ep.UniqueName(), ep.ID()); err != nil {
			logger.Warn("failed to register unique name", slog.String("name", ep.UniqueName()), slog.Any("error", err))
		}
		if ep.Kind() == ajtypes.EndpointBusToBus {
			core.RegisterBusToBus(ep.ID())
		}
		collector.RegisterEndpoint(ep.Kind().String())

		id := ep.ID()
		kind := ep.Kind()
		go func() {
			<-ep.Done()
			collector.UnregisterEndpoint(kind.String())
			core.Names.RemoveUniqueName(id)
			if kind == ajtypes.EndpointBusToBus {
				core.UnregisterBusToBus(id)
			}
			sessions.OnEndpointGone(context.Background(), id)
			store.Remove(id)
		}()
	}
}

type trackedListener struct {
	ln   net.Listener
	kind ajtypes.EndpointKind
}

// createListeners opens one socket per configured bus address. tcp
// addresses are treated as bus-to-bus listeners; unix addresses are
// treated as the local client transport.
func createListeners(ctx context.Context, addrs []transport.BusAddress, logger *slog.Logger) ([]trackedListener, error) {
	var out []trackedListener
	for _, addr := range addrs {
		ln, err := transport.Listen(ctx, addr)
		if err != nil {
			closeListeners(out)
			return nil, fmt.Errorf("listen %s: %w", addr.String(), err)
		}
		kind := ajtypes.EndpointRemote
		if addr.Kind == "tcp" {
			kind = ajtypes.EndpointBusToBus
		}
		out = append(out, trackedListener{ln: ln, kind: kind})
	}
	return out, nil
}

func closeListeners(listeners []trackedListener) {
	for _, l := range listeners {
		_ = l.ln.Close()
	}
}

func startHTTPServers(ctx context.Context, g *errgroup.Group, cfg *config.Config, adminSrv, metricsSrv *http.Server, logger *slog.Logger) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin API listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
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

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval, exiting immediately if no watchdog is set.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled", slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tickInterval))

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

// handleSIGHUP reloads the dynamic log level from the on-disk configuration
// file. Session and name-table state is left untouched: unlike a
// declarative BFD session set, sessions here come from live JoinSession
// calls, not the config file, so there is nothing to reconcile.
func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			if configPath == "" {
				logger.Info("SIGHUP received, no config file to reload")
				continue
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Warn("SIGHUP reload failed", slog.String("error", err.Error()))
				continue
			}
			logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
			logger.Info("SIGHUP reload applied new log level", slog.String("level", cfg.Log.Level))
		}
	}
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		err error
	)
	var wg sync.WaitGroup
	for _, srv := range servers {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
				mu.Lock()
				err = errors.Join(err, fmt.Errorf("shutdown server: %w", shutErr))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return err
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

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
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
