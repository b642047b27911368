// Package cmd wires the jobstream server: configuration, backbone selection,
// HTTP surface, and graceful shutdown.
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ghyeongl/jobstream/backbone"
	"github.com/ghyeongl/jobstream/logging"
	"github.com/ghyeongl/jobstream/registry"
	"github.com/ghyeongl/jobstream/stream"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "jobstream",
	Short: "Real-time job-status delivery server",
	Long: `jobstream pushes live transcription-job progress to clients over
Server-Sent Events. Progress arrives from the job pipeline (in-process or via
the emit endpoint), travels over a pub/sub backbone (in-memory or Redis), and
fans out to every subscribed stream in every server process.`,
	RunE: runServe,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("addr", "a", stream.DefaultConfig().ListenAddr, "HTTP listen address")
	f.String("redis", "", "Redis address for the cross-process backbone (empty = in-memory)")
	f.String("jwt-secret", "", "shared secret for stream bearer tokens")
	f.String("emit-key", "", "shared key for the emit endpoint")
	f.String("log-dir", "", "directory for log files (empty = console only)")
	f.Duration("heartbeat", stream.DefaultConfig().HeartbeatInterval, "keep-alive interval on idle streams")
	f.Int("max-connections", stream.DefaultConfig().MaxConnections, "concurrent stream ceiling")
	f.String("config", "", "config file (default: ./jobstream.toml)")

	stream.SetDefaults(v)
	v.BindPFlag("listen_addr", f.Lookup("addr"))               //nolint:errcheck
	v.BindPFlag("redis_addr", f.Lookup("redis"))               //nolint:errcheck
	v.BindPFlag("jwt_secret", f.Lookup("jwt-secret"))          //nolint:errcheck
	v.BindPFlag("emit_key", f.Lookup("emit-key"))              //nolint:errcheck
	v.BindPFlag("log_dir", f.Lookup("log-dir"))                //nolint:errcheck
	v.BindPFlag("heartbeat_interval", f.Lookup("heartbeat"))   //nolint:errcheck
	v.BindPFlag("max_connections", f.Lookup("max-connections")) //nolint:errcheck

	v.SetEnvPrefix("jobstream")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (stream.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return stream.Config{}, err
		}
	} else {
		v.SetConfigName("jobstream")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return stream.Config{}, err
			}
		}
	}
	return stream.FromViper(v)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogDir)
	l := logging.Sub("server")

	var bus backbone.Backbone
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close() //nolint:errcheck
		bus = backbone.NewRedis(rdb)
		l.Info("backbone: redis", "addr", cfg.RedisAddr)
	} else {
		mem := backbone.NewMemory()
		defer mem.Close()
		bus = mem
		l.Info("backbone: in-memory (single process)")
	}

	reg := registry.New(cfg.MaxConnections)
	producer := stream.NewProducer(bus, cfg)
	defer producer.Stop()

	handler := stream.NewHandler(bus, reg, stream.NewVerifier(cfg.JWTSecret), cfg)
	if cfg.RedisAddr == "" {
		// Single process: late subscribers can observe a terminal state
		// from the producer's grace window.
		handler.SetTerminalLookup(producer.TerminalState)
	}

	api := &stream.API{
		Handler:  handler,
		Producer: producer,
		Registry: reg,
		EmitKey:  cfg.EmitKey,
	}
	router := mux.NewRouter()
	api.Routes(router)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		l.Info("listening", "addr", cfg.ListenAddr, "maxConnections", cfg.MaxConnections, "heartbeat", cfg.HeartbeatInterval)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Drain: every streaming client gets a synthetic failed envelope
	// ("server restarting") so it reconnects immediately instead of
	// waiting out its backoff.
	l.Info("shutting down, draining streams")
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	handler.Drain(drainCtx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("http shutdown", "err", err)
	}
	l.Info("server stopped")
	return nil
}
