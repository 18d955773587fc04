package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/linechat/chatserver"
	"github.com/cyberinferno/linechat/config"
	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/monitor"
	"github.com/cyberinferno/linechat/presence"
)

const (
	serviceName          = "chatserver"
	presenceCheckTimeout = 2 * time.Second
)

func serveCmd() *cobra.Command {
	cfg := config.DefaultServer()
	config.LoadServerFromEnv(&cfg)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the chat server until interrupted.

Optional add-ons:
  --metrics-addr  serves /healthz, /metrics and /roster over HTTP
  --redis-addr    mirrors online nicknames into a Redis set`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	addEndpointFlags(fs, &cfg.Host, &cfg.Port, &cfg.LogLevel)
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Also write daily log files here (env LINECHAT_LOG_DIR)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Monitoring HTTP address, e.g. :9100 (env LINECHAT_METRICS_ADDR)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the presence mirror (env LINECHAT_REDIS_ADDR)")
	fs.StringVar(&cfg.PresenceKey, "presence-key", cfg.PresenceKey, "Redis set name for online nicknames (env LINECHAT_PRESENCE_KEY)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-line write deadline to clients")
	fs.DurationVar(&cfg.RosterCacheTTL, "roster-cache-ttl", cfg.RosterCacheTTL, "How long a rendered /who answer is kept")

	return cmd
}

func runServe(cmd *cobra.Command, cfg config.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	var log logger.Logger
	if cfg.LogDir != "" {
		if log, err = logger.NewFile(serviceName, cfg.LogDir, level); err != nil {
			return err
		}
	} else {
		log = logger.New(cmd.OutOrStdout(), serviceName, level)
	}
	defer func() { _ = log.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pub presence.Publisher = presence.Nop{}
	if cfg.RedisAddr != "" {
		redisPub := presence.NewRedisPublisher(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.PresenceKey)
		log.Info("presence mirror enabled",
			logger.Field{Key: "redis", Value: cfg.RedisAddr},
			logger.Field{Key: "key", Value: cfg.PresenceKey},
		)
		checkPresence(ctx, redisPub, log)
		pub = redisPub
	}
	defer func() { _ = pub.Close() }()

	srv := chatserver.NewServer(chatserver.Options{
		Addr:           cfg.Address(),
		Logger:         log,
		Metrics:        chatserver.NewMetrics(reg),
		Presence:       pub,
		WriteTimeout:   cfg.WriteTimeout,
		RosterCacheTTL: cfg.RosterCacheTTL,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return monitor.Serve(gctx, cfg.MetricsAddr, monitor.NewRouter(reg, srv.RosterNames), log)
		})
	}

	return g.Wait()
}

// checkPresence reports entries left in the presence set by a previous run.
// The server clears them on start; an unreachable Redis is not fatal.
func checkPresence(ctx context.Context, pub *presence.RedisPublisher, log logger.Logger) {
	ctx, cancel := context.WithTimeout(ctx, presenceCheckTimeout)
	defer cancel()

	stale, err := pub.Members(ctx)
	if err != nil {
		log.Warn("presence mirror unreachable", logger.Field{Key: "error", Value: err})
		return
	}

	if len(stale) > 0 {
		log.Info("clearing stale presence entries", logger.Field{Key: "nicknames", Value: stale})
	}
}
