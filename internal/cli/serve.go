package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/HsiangNianian/hidrelay/internal/auth"
	"github.com/HsiangNianian/hidrelay/internal/config"
	"github.com/HsiangNianian/hidrelay/internal/logging"
	"github.com/HsiangNianian/hidrelay/internal/metrics"
	"github.com/HsiangNianian/hidrelay/internal/store"
	"github.com/HsiangNianian/hidrelay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to a .toml or HuJSON config file")
	cmd.Flags().String("host", "", "listen host (overrides config)")
	cmd.Flags().Int("port", 0, "listen port (overrides config)")
	cmd.Flags().Bool("debug", false, "enable debug logging")
}

// loadServeConfig loads the config file named by --config and applies the
// remaining flags on top.
func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.Configure(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authn, closeStore, err := newAuthenticator(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := ws.NewHub(ws.Options{
		Auth:              authn,
		MaxConnections:    cfg.Server.MaxConnections,
		MaxSessions:       cfg.Session.MaxSessions,
		HeartbeatInterval: cfg.Server.HeartbeatInterval(),
		HandshakeTimeout:  cfg.Server.HandshakeTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		QueueSize:         cfg.Server.OutboundQueueSize,
		IdleTimeout:       cfg.Session.IdleTimeout(),
		SweepInterval:     cfg.Session.SweepInterval(),
		Logger:            log,
	})

	metrics.RegisterMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.Path, hub.HandleWS)
	mux.HandleFunc("/targets", hub.HandleTargets)
	mux.HandleFunc("/healthz", hub.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	log.WithFields(logrus.Fields{
		"addr":         ln.Addr().String(),
		"path":         cfg.Server.Path,
		"auth":         authn != nil,
		"idle_timeout": cfg.Session.IdleTimeout(),
	}).Info("relay listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newAuthenticator builds the token manager when auth is enabled. The
// returned func releases its store.
func newAuthenticator(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (auth.Authenticator, func(), error) {
	noop := func() {}
	if !cfg.Auth.Enabled {
		return nil, noop, nil
	}

	var st store.Store
	closeStore := noop
	if cfg.Store.RedisAddr != "" {
		rs := store.NewRedisStore(cfg.Store.RedisAddr)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, noop, fmt.Errorf("connect redis %s: %w", cfg.Store.RedisAddr, err)
		}
		st = rs
		closeStore = func() { _ = rs.Close() }
		log.WithField("addr", cfg.Store.RedisAddr).Info("use redis store")
	} else {
		st = store.NewMemoryStore()
		log.Info("use memory store")
	}

	m, err := auth.NewManager(auth.Options{
		Secret:            []byte(cfg.Auth.JWTSecret),
		TokenExpiry:       cfg.Auth.TokenExpiry(),
		MaxFailedAttempts: cfg.Auth.MaxFailedAttempts,
		LockoutDuration:   cfg.Auth.LockoutDuration(),
		Users:             cfg.Auth.UserHashes(),
		Store:             st,
	})
	if err != nil {
		closeStore()
		return nil, noop, err
	}
	return m, closeStore, nil
}
