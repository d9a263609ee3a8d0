package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"node.town/babelfish/broadcast"
	"node.town/babelfish/config"
	"node.town/babelfish/db"
	"node.town/babelfish/langstore"
	"node.town/babelfish/metrics"
	"node.town/babelfish/relay"
	"node.town/babelfish/router"
	"node.town/babelfish/soniox"
	"node.town/babelfish/upstream"
	"node.town/babelfish/www"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(languagesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(setupCmd)

	migrateCmd.Flags().Bool("yes", false, "Apply pending migrations without asking")

	flags := rootCmd.PersistentFlags()
	flags.String("soniox-api-key", "", "Soniox API key")
	flags.String("soniox-url", soniox.DefaultURL, "Soniox websocket endpoint")
	flags.String("soniox-model", soniox.DefaultModel, "Soniox model")
	flags.String("redis-url", "redis://localhost:6379/1", "Redis URL for the shared language set and broadcast")
	flags.String("database-url", "", "Postgres URL for analytics (optional)")
	flags.Int("http-port", 8080, "HTTP server port")
	flags.Duration("connect-timeout", upstream.DefaultConnectTimeout, "How long to wait for a provider connection")
	flags.Int("max-buffered-frames", 0, "Cap on frames buffered per pending connection (0 = unbounded)")
	flags.String("log-level", "info", "debug, info, warn or error")

	for _, key := range []string{
		config.KeySonioxAPIKey,
		config.KeySonioxURL,
		config.KeySonioxModel,
		config.KeyRedisURL,
		config.KeyDatabaseURL,
		config.KeyHTTPPort,
		config.KeyConnectTimeout,
		config.KeyMaxBufferedFrames,
		config.KeyLogLevel,
	} {
		viper.BindPFlag(key, flags.Lookup(strings.ReplaceAll(key, "_", "-")))
	}
}

func initConfig() {
	if err := config.LoadEnv(); err != nil {
		fmt.Printf("Error reading .env: %s\n", err)
	}
	if err := config.Init(viper.GetViper(), "."); err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "babelfish",
	Short: "Babelfish relays live speech to listeners in their language",
	Long: `Babelfish takes audio from speakers, streams it to Soniox for real-time
translation into every language that currently has listeners, and
broadcasts the results over websockets.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay and its HTTP server",
	Run:   runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

type loggers struct {
	main, pool, router, hub, relay, www, data *log.Logger
}

func createLoggers(level string) loggers {
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		logLevel = log.InfoLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(logLevel == log.DebugLevel)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	return loggers{
		main:   logger.With().WithPrefix("main"),
		pool:   logger.With().WithPrefix("pool"),
		router: logger.With().WithPrefix("router"),
		hub:    logger.With().WithPrefix("hub"),
		relay:  logger.With().WithPrefix("relay"),
		www:    logger.With().WithPrefix("www"),
		data:   logger.With().WithPrefix("data"),
	}
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := config.FromViper(viper.GetViper())
	logs := createLoggers(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			logs.main.Fatal("refusing to start relay", "error", err)
		}
		logs.main.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := openRedis(cfg.RedisURL)
	if err != nil {
		logs.main.Fatal("redis", "error", err)
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logs.main.Warn("redis unreachable", "url", cfg.RedisURL, "error", err)
	}

	recorder := db.Recorder(db.Nop{})
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logs.main.Fatal("database", "error", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool, logs.data, db.AutoConfirm); err != nil {
			logs.main.Fatal("migrate", "error", err)
		}
		recorder = db.NewPostgres(pool)
	}

	m := metrics.New()
	hub := broadcast.New(logs.hub, broadcast.WithRedis(rdb))
	store := langstore.NewRedisStore(rdb, logs.relay)
	rt := router.New(hub, logs.router, m)

	loop := upstream.NewLoop(upstream.DefaultLoopBacklog)
	dialer := soniox.NewDialer(cfg.SonioxURL, logs.pool)
	pool := upstream.NewPool(cfg.Pool(), loop, store, upstream.SonioxDial(dialer), rt, logs.pool, m)
	defer pool.Shutdown()

	rl := relay.New(store, pool, hub, recorder, logs.relay, m)
	server := www.New(rl, hub, m, logs.www)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, cfg.HTTPPort) })
	// losing redis degrades to a single process; it never stops serving
	g.Go(func() error {
		if err := rl.Run(gctx); err != nil {
			logs.relay.Error("watch active languages", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := hub.Run(gctx); err != nil {
			logs.hub.Error("relay receive", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logs.main.Error("serve", "error", err)
		return
	}
	logs.main.Info("bye")
}
