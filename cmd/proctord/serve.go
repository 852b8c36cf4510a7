package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/health"
	"proctord/internal/ipc"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/report"
	"proctord/internal/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon and accept host connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, opts.path(), !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the policy when the config file changes")
	return cmd
}

// daemon holds everything serve opens, so it can all be closed in one place.
type daemon struct {
	cfg    *config.Config
	log    *logging.Logger
	audit  *logging.AuditLogger
	store  *store.Store
	server *ipc.Server
	health *health.Checker
	http   *http.Server

	policy atomic.Pointer[config.MonitorConfig]
}

func serve(ctx context.Context, cmd *cobra.Command, path string, watch bool) error {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if !cfg.IPC.Enabled {
		return errors.New("ipc is disabled in the configuration; nothing to serve")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	d := &daemon{cfg: cfg}
	defer d.close()
	if err := d.open(); err != nil {
		return err
	}

	policy := cfg.Monitor.Clone()
	d.policy.Store(&policy)
	if watch {
		loader.OnChange(d.reload)
		if err := loader.Watch(); err != nil {
			d.log.Warn("config watch unavailable", "path", path, "error", err)
		}
	}
	defer loader.Close()

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	d.log.Info("daemon started", "socket", d.server.SocketPath(), "config", path, "version", version)
	fmt.Fprintf(cmd.OutOrStdout(), "proctord listening on %s\n", d.server.SocketPath())

	metricsErr := d.serveMetrics()
	d.health.SetReady(true)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down", "sessions", d.server.SessionCount())
			d.health.SetReady(false)
			return d.shutdown()
		case err := <-loader.Errors():
			d.log.Warn("config reload rejected", "error", err)
			d.auditEvent(logging.AuditEvent{EventType: logging.AuditError, Action: "config_reload", Error: err.Error()})
		case err := <-metricsErr:
			d.log.Error("metrics endpoint failed", "error", err)
		}
	}
}

func (d *daemon) open() error {
	lc, err := d.cfg.LoggingSettings()
	if err != nil {
		return err
	}
	if d.log, err = logging.New(lc); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(d.log)

	if d.cfg.Audit.Enabled {
		if d.audit, err = logging.OpenAuditLog(d.cfg.Audit.Path, d.cfg.Audit.MaxSizeMB, d.cfg.Audit.MaxBackups); err != nil {
			return err
		}
	}

	if d.store, err = store.Open(d.cfg.Store.Path, store.WithBusyTimeout(d.cfg.Store.BusyTimeout.D())); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sc := ipc.DefaultServerConfig(d.cfg)
	sc.Version = version
	sc.Policy = func() config.MonitorConfig { return d.policy.Load().Clone() }
	sc.Store = d.store
	sc.Audit = d.audit
	sc.Logger = d.log
	sc.Metrics = m
	if d.cfg.Report.Enabled {
		sc.Exporter = report.NewExporter(d.cfg.Report.Dir)
	}
	if d.server, err = ipc.NewServer(sc); err != nil {
		return fmt.Errorf("create ipc server: %w", err)
	}

	d.health = health.NewChecker(nil)
	d.health.Register("store", true, health.ErrorCheck(d.store.Ping))
	d.health.Register("sessions", false, health.CapacityCheck(d.server.SessionCount, d.cfg.IPC.MaxConnections, 0.8))

	if d.cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle(d.cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.Handle("/healthz", d.health.LivenessHandler())
		mux.Handle("/readyz", d.health.ReadinessHandler())
		d.http = &http.Server{Addr: d.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return nil
}

// serveMetrics starts the Prometheus endpoint, if configured. The channel
// receives the listener's error if it stops on its own.
func (d *daemon) serveMetrics() <-chan error {
	errc := make(chan error, 1)
	if d.http == nil {
		return errc
	}
	go func() {
		if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	d.log.Info("metrics endpoint", "addr", d.cfg.Metrics.Address, "path", d.cfg.Metrics.Path)
	return errc
}

// reload swaps the policy new sessions are started with.
func (d *daemon) reload(old, updated *config.Config) {
	policy := updated.Monitor.Clone()
	d.policy.Store(&policy)
	d.log.Info("monitor policy reloaded", "max_warnings", policy.MaxWarnings)
	d.auditEvent(logging.AuditEvent{
		EventType: logging.AuditConfigReload,
		Action:    "reload",
		Details: map[string]any{
			"max_warnings_before": old.Monitor.MaxWarnings,
			"max_warnings":        policy.MaxWarnings,
		},
	})
	if old.IPC != updated.IPC || old.Store != updated.Store {
		d.log.Warn("ipc and store settings take effect on restart")
	}
}

func (d *daemon) shutdown() error {
	var errs []error
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.http.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, d.server.Stop())
	return errors.Join(errs...)
}

func (d *daemon) close() {
	if d.store != nil {
		d.store.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.log != nil {
		d.log.Close()
	}
}

func (d *daemon) auditEvent(ev logging.AuditEvent) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Log(ev); err != nil {
		d.log.Warn("audit write failed", "error", err)
	}
}
