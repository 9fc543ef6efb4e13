package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/waygate/waygate/jwks"
	"github.com/waygate/waygate/server"
	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/storage/faststore"
	"github.com/waygate/waygate/storage/memory"
	"github.com/waygate/waygate/storage/sql"
)

func commandServe() *cobra.Command {
	var webHTTPAddr string

	cmd := &cobra.Command{
		Use:     "serve [flags] config.yaml",
		Short:   "Launch waygated",
		Example: "waygated serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			c, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			if webHTTPAddr != "" {
				c.Web.HTTPAddr = webHTTPAddr
			}
			return runServe(c)
		},
	}
	cmd.Flags().StringVar(&webHTTPAddr, "web-http-addr", "", "overrides web.httpAddr from the config file")
	return cmd
}

func openStorage(c config) (storage.Storage, error) {
	switch c.Storage.Driver {
	case "memory":
		return memory.New(), nil
	case "postgres", "sqlite3":
		return sql.Open(c.Storage.Driver, c.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
}

func openFastStore(c config) (faststore.Store, error) {
	switch c.FastStore.Driver {
	case "", "inprocess":
		return faststore.NewInProcess(time.Minute), nil
	case "redis":
		return faststore.NewRedis(faststore.RedisConfig{
			Addrs:    c.FastStore.Addrs,
			Password: c.FastStore.Password,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported fastStore.driver %q", c.FastStore.Driver)
	}
}

// serverRunner mirrors the teacher's cmd/dex/serve.go graceful-shutdown
// wrapper around an oklog/run.Group member: listen eagerly so startup
// errors surface before the run group starts, shut down with a bounded
// timeout on group teardown.
type serverRunner struct {
	name string
	srv  *http.Server
	log  interface {
		Info(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

func (s *serverRunner) runAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}
	gr.Add(func() error {
		s.log.Info("listening", "component", s.name, "addr", s.srv.Addr)
		return s.srv.Serve(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.log.Error("graceful shutdown failed", "component", s.name, "error", err)
		}
	})
	return nil
}

func runServe(c config) error {
	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("config loaded", "issuer", c.Issuer, "storage", c.Storage.Driver)

	store, err := openStorage(c)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	fast, err := openFastStore(c)
	if err != nil {
		return fmt.Errorf("failed to initialize fast store: %w", err)
	}
	defer fast.Close()

	overrides, err := c.overrides()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register go runtime metrics: %w", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %w", err)
	}

	srv, err := server.NewServer(server.Config{
		IssuerBaseURL:      c.Issuer,
		Storage:            store,
		FastStore:          fast,
		MasterKey:          jwks.DeriveMasterKey(c.EncryptionKey),
		RatelimitOverrides: overrides,
		AllowedOrigins:     c.Web.AllowedOrigins,
		AllowedHeaders:     c.Web.AllowedHeaders,
		Logger:             logger,
		PrometheusRegistry: prometheusRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&checks.CustomCheck{
		CheckName: "faststore",
		CheckFunc: func(ctx context.Context) (interface{}, error) {
			const key = "waygated:healthcheck"
			if err := fast.Set(ctx, key, "ok", 30*time.Second); err != nil {
				return nil, err
			}
			var out string
			return nil, fast.Get(ctx, key, &out)
		},
	}, gosundheit.ExecutionPeriod(15*time.Second), gosundheit.InitiallyPassing(true))

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))
	mux.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })

	httpSrv := &http.Server{Addr: c.Web.HTTPAddr, Handler: mux}
	defer httpSrv.Close()

	runner := &serverRunner{name: "http", srv: httpSrv, log: logger}

	var gr run.Group
	if err := runner.runAndShutdownGracefully(&gr); err != nil {
		return err
	}
	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); ok {
			logger.Info("received shutdown signal")
			return nil
		}
		return fmt.Errorf("run group: %w", err)
	}
	return nil
}
