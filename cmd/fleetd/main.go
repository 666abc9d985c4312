package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/trackhaus/fleetd/internal/alert"
	"github.com/trackhaus/fleetd/internal/bus"
	"github.com/trackhaus/fleetd/internal/gateway"
	"github.com/trackhaus/fleetd/internal/ingest"
	"github.com/trackhaus/fleetd/internal/metrics"
	"github.com/trackhaus/fleetd/internal/notify"
	"github.com/trackhaus/fleetd/internal/protocol"
	"github.com/trackhaus/fleetd/internal/store"
	"github.com/trackhaus/fleetd/internal/ws"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr      = ":8080"
	commandTimeoutMinutes   = 10
	commandJanitorInterval  = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Connect(ctx, store.Config{
		Logger:      log,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer st.Close()

	b, err := bus.New(bus.Config{Logger: log})
	if err != nil {
		return err
	}
	defer b.Close()

	var handlers []notify.Handler // nil picks the default transport set
	if !cfg.EnableNotifications {
		handlers = []notify.Handler{}
		log.Info("external notifications disabled")
	}
	dispatcher, err := notify.NewDispatcher(notify.Config{
		Logger:   log,
		Store:    st,
		Bus:      b,
		Handlers: handlers,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	engine, err := alert.NewEngine(alert.Config{
		Logger:     log,
		Registry:   alert.NewDefaultRegistry(st),
		Store:      st,
		Dispatcher: dispatcher,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("alert sweep exited", "error", err)
		}
	}()

	processor, err := ingest.NewProcessor(ingest.Config{
		Logger: log,
		Store:  st,
		Alerts: engine,
		Bus:    b,
	})
	if err != nil {
		return err
	}
	defer processor.Close()

	gw, err := gateway.New(gateway.Config{
		Logger:          log,
		Registry:        protocol.NewDefaultRegistry(),
		Sink:            processor,
		Store:           st,
		Host:            cfg.ListenHost,
		DisableCommands: !cfg.EnableCommandQueue,
	})
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Stop()

	if cfg.EnableCommandQueue {
		go commandJanitor(ctx, log, st)
	}

	httpListener, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.MetricsAddr, err)
	}
	httpServer := newHTTPServer(log, cfg, st, b)
	go func() {
		log.Info("ops server listening", "addr", httpListener.Addr())
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server exited", "error", err)
			cancel()
		}
	}()

	log.Info("fleetd started", "version", version)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return nil
}

func newHTTPServer(log *slog.Logger, cfg Config, st *store.Store, b *bus.Bus) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})
	mux.HandleFunc("/stats/trips", func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := strconv.ParseInt(r.URL.Query().Get("device"), 10, 64)
		if err != nil {
			http.Error(w, "device parameter required", http.StatusBadRequest)
			return
		}
		stats, err := st.DeviceTripStats(r.Context(), deviceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})
	if cfg.EnableWebSockets {
		handler, err := ws.New(ws.Config{Logger: log, Bus: b})
		if err == nil {
			mux.Handle("/ws", handler)
		}
	}
	return &http.Server{Handler: mux}
}

// commandJanitor expires commands stuck in sent.
func commandJanitor(ctx context.Context, log *slog.Logger, st *store.Store) {
	ticker := time.NewTicker(commandJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.TimeoutStaleCommands(ctx, commandTimeoutMinutes)
			if err != nil {
				log.Warn("timing out stale commands failed", "error", err)
			} else if n > 0 {
				log.Info("timed out stale commands", "count", n)
			}
		}
	}
}

type Config struct {
	ShowVersion bool
	Verbose     bool

	DatabaseURL string
	ListenHost  string
	MetricsAddr string

	EnableWebSockets    bool
	EnableNotifications bool
	EnableCommandQueue  bool
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func loadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	flag.StringVar(&cfg.DatabaseURL, "database-url", getenv("DATABASE_URL", ""), "postgres connection url (env: DATABASE_URL)")
	flag.StringVar(&cfg.ListenHost, "listen-host", getenv("LISTEN_HOST", ""), "tracker listen interface, empty for all (env: LISTEN_HOST)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "ops http address: /metrics /healthz /stats /ws (env: METRICS_ADDR)")

	flag.BoolVar(&cfg.EnableWebSockets, "enable-websockets", getenvBool("ENABLE_WEBSOCKETS", true), "serve the /ws real-time endpoint (env: ENABLE_WEBSOCKETS)")
	flag.BoolVar(&cfg.EnableNotifications, "enable-notifications", getenvBool("ENABLE_NOTIFICATIONS", true), "send external notifications (env: ENABLE_NOTIFICATIONS)")
	flag.BoolVar(&cfg.EnableCommandQueue, "enable-command-queue", getenvBool("ENABLE_COMMAND_QUEUE", true), "drain and expire downlink commands (env: ENABLE_COMMAND_QUEUE)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url is empty (set DATABASE_URL or --database-url)")
	}
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(t.Format("2006-01-02T15:04:05.000Z"))
			}
			return a
		},
	}))
}
