package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/dreamware/kvconsole/internal/api"
	"github.com/dreamware/kvconsole/internal/config"
	"github.com/dreamware/kvconsole/internal/keytree"
	"github.com/dreamware/kvconsole/internal/lifecycle"
	"github.com/dreamware/kvconsole/internal/metrics"
	"github.com/dreamware/kvconsole/internal/registry"
	"github.com/dreamware/kvconsole/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the serve flags. Empty strings keep the config file value.
type options struct {
	configPath  string
	addr        string
	foldingChar string
	readOnly    bool
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "kvconsole",
		Short:         "Browser administration console for Redis-compatible stores",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", getenv("KVCONSOLE_CONFIG", "kvconsole.yaml"), "configuration file")
	flags.StringVar(&opts.addr, "addr", getenv("KVCONSOLE_ADDR", ""), "listen address (overrides server.address)")
	flags.StringVar(&opts.foldingChar, "folding-char", getenv("KVCONSOLE_FOLDING_CHAR", ""), "key tree delimiter (overrides ui.folding_char)")
	flags.BoolVar(&opts.readOnly, "read-only", getenvBool("KVCONSOLE_READ_ONLY", false), "reject writes and non read-only commands")
	flags.StringVar(&opts.logLevel, "log-level", getenv("KVCONSOLE_LOG_LEVEL", "info"), "log level")
	flags.StringVar(&opts.logFormat, "log-format", getenv("KVCONSOLE_LOG_FORMAT", "text"), "log format: text or json")

	cmd.AddCommand(newHashPasswordCmd(), newConnectionsCmd())
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for server.basic_auth.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}

func newConnectionsCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List the connections of a running console",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			var records []struct {
				Label        string `json:"label"`
				ConnectionID string `json:"connectionId"`
				Options      struct {
					Type string `json:"type"`
					Host string `json:"host"`
					Port any    `json:"port"`
					DB   any    `json:"db"`
				} `json:"options"`
			}
			if err := api.GetJSON(ctx, server+"/apiv2/connections", &records); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tHOST\tPORT\tDB\tLABEL")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\t%s\n",
					r.ConnectionID, r.Options.Type, r.Options.Host, r.Options.Port, r.Options.DB, r.Label)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&server, "server", getenv("KVCONSOLE_SERVER", "http://localhost"+config.DefaultAddress), "console base URL")
	return cmd
}

// run wires the console together and serves until ctx is cancelled.
func run(ctx context.Context, opts *options, logger *logrus.Logger) error {
	file, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	cfg := applyFlags(file.Config(), opts)

	m := metrics.New(prometheus.NewRegistry())
	reg := registry.New()
	m.Watch(reg)

	factory := storage.NewRedisFactory(storage.Timeouts{
		Dial:  5 * time.Second,
		Read:  cfg.Redis.ProbeTimeout,
		Write: cfg.Redis.ProbeTimeout,
	})
	mgr := lifecycle.NewManager(reg, factory, lifecycle.Options{
		FoldingChar:    cfg.UI.FoldingChar,
		ProbeTimeout:   cfg.Redis.ProbeTimeout,
		ConnectTimeout: cfg.Redis.ConnectTimeout,
		Logger:         logger,
		Metrics:        m,
		OnUpgrade:      persistOnUpgrade(file, reg, logger),
	})
	n := mgr.ConnectAll(ctx, cfg.Connections)
	logger.WithFields(logrus.Fields{
		"config":      file.Path(),
		"connections": n,
		"read_only":   cfg.Redis.ReadOnly,
	}).Info("Configuration loaded")

	health := lifecycle.NewHealthMonitor(cfg.Server.HealthInterval, logger, m)
	health.SetOnUnhealthy(func(id string) {
		logger.WithField("connection_id", id).Warn("Connection unhealthy")
	})
	go health.Start(ctx, reg.List)

	srv := newServer(serverDeps{
		manager:  mgr,
		config:   file,
		health:   health,
		metrics:  m,
		lister:   &keytree.Lister{ScanCount: cfg.Redis.ScanCount, Log: logger.WithField("component", "keytree")},
		readOnly: cfg.Redis.ReadOnly,
		auth:     cfg.Server.BasicAuth,
		logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Address).Info("kvconsole listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			health.Stop()
			_ = mgr.Shutdown()
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	health.Stop()
	if err := mgr.Shutdown(); err != nil {
		logger.WithError(err).Warn("Error closing connections")
	}
	logger.Info("kvconsole stopped")
	return nil
}

// persistOnUpgrade saves the connections once a standalone entry became a
// cluster connection, so the next start connects to the cluster directly.
func persistOnUpgrade(file *config.File, reg *registry.Registry, log logrus.FieldLogger) func(*storage.Handle) {
	return func(h *storage.Handle) {
		saveConnections(file, reg, log.WithField("connection_id", h.ID()))
	}
}

// applyFlags overlays non-empty flags on the file configuration.
func applyFlags(cfg config.Config, opts *options) config.Config {
	if opts.addr != "" {
		cfg.Server.Address = opts.addr
	}
	if opts.foldingChar != "" {
		cfg.UI.FoldingChar = opts.foldingChar
	}
	if opts.readOnly {
		cfg.Redis.ReadOnly = true
	}
	return cfg
}

func newLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}
