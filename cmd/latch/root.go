package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-latch/v1/key"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

// Version can be overridden at build time with -ldflags "-X main.Version=...".
var Version = "v0.1.0"

// app carries the state shared by every command of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	logger  *slog.Logger

	backend  *presets.Backend
	shutdown []func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "latch",
		Short: "Distributed locks and cache-aside reads over a shared store",
		Long: `latch runs commands under a distributed lock, inspects cached entries and
drives a small article service that exercises both against Redis or etcd.

The memory backend lives inside a single process: it is only useful to try
commands out, since two latch processes never see each other's locks.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.latch/config.yaml)")
	flags.String("backend", "memory", "shared store: memory, redis or etcd")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :2112)")
	flags.String("data-dir", "", "data directory for the article database (default is $HOME/.latch)")
	flags.Bool("trace", false, "print OpenTelemetry spans to stderr")
	flags.BoolP("verbose", "v", false, "enable debug logging")
	for _, name := range []string{"backend", "metrics-addr", "data-dir", "trace", "verbose"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	a.v.SetDefault("redis.addr", "localhost:6379")
	a.v.SetDefault("redis.db", 0)
	a.v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	a.v.SetDefault("lock.ttl", lock.DefaultTTL)
	a.v.SetDefault("lock.backoff", lock.DefaultBackoff)
	a.v.SetDefault("lock.timeout", lock.DefaultTimeout)
	a.v.SetDefault("cache.default-ttl", time.Duration(0))

	root.AddCommand(newLockCmd(a), newCacheCmd(a), newArticleCmd(a))
	return root
}

// setup reads configuration and starts logging, metrics and tracing.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if err := a.initConfig(cmd.ErrOrStderr()); err != nil {
		return err
	}

	level := slog.LevelInfo
	if a.v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)

	if addr := a.v.GetString("metrics-addr"); addr != "" {
		a.serveMetrics(addr)
	}
	if a.v.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cmd.ErrOrStderr()), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		a.shutdown = append(a.shutdown, tp.Shutdown)
	}
	return nil
}

// initConfig reads in the config file and LATCH_* environment variables.
func (a *app) initConfig(stderr io.Writer) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(filepath.Join(home, ".latch"))
		a.v.SetConfigType("yaml")
		a.v.SetConfigName("config")
	}

	a.v.SetEnvPrefix("LATCH")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !stdErrors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else if a.v.GetBool("verbose") {
		fmt.Fprintln(stderr, "Using config file:", a.v.ConfigFileUsed())
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	reg := metrics.NewRegistry()
	metrics.Register(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.shutdown = append(a.shutdown, srv.Shutdown)
	a.logger.Debug("serving metrics", "addr", addr)
}

// close releases the backend and flushes telemetry.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
		a.backend = nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, a.shutdown[i](ctx))
	}
	a.shutdown = nil
	return stdErrors.Join(errs...)
}

// openBackend connects to the configured store once per invocation.
func (a *app) openBackend(ctx context.Context) (*presets.Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}
	var (
		b   *presets.Backend
		err error
	)
	switch name := a.v.GetString("backend"); name {
	case "memory":
		b = presets.NewInMemory()
	case "redis":
		b = presets.NewRedis(presets.RedisOptions{
			Addr:     a.v.GetString("redis.addr"),
			Password: a.v.GetString("redis.password"),
			DB:       a.v.GetInt("redis.db"),
		})
	case "etcd":
		b, err = presets.NewEtcd(ctx, presets.EtcdOptions{
			Endpoints:    a.v.GetStringSlice("etcd.endpoints"),
			Prefix:       a.v.GetString("etcd.prefix"),
			NATSURL:      a.v.GetString("nats.url"),
			KafkaBrokers: a.v.GetStringSlice("kafka.brokers"),
			KafkaTopic:   a.v.GetString("kafka.topic"),
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown backend %q (want memory, redis or etcd)", name)
	}
	a.logger.Debug("backend ready", "backend", a.v.GetString("backend"))
	a.backend = b
	return b, nil
}

// locker builds a Locker from the lock.* settings.
func (a *app) locker(b *presets.Backend) *lock.Locker {
	opts := []lock.Option{
		lock.WithTTL(a.v.GetDuration("lock.ttl")),
		lock.WithBackoff(a.v.GetDuration("lock.backoff")),
		lock.WithTimeout(a.v.GetDuration("lock.timeout")),
		lock.WithLogger(a.logger),
	}
	if a.v.GetBool("trace") {
		opts = append(opts, lock.WithTracing())
	}
	return b.Locker(opts...)
}

// parseKey turns command arguments into a key. Arguments that parse as
// integers become integer parts so they match keys built in code.
func parseKey(group string, parts []string) key.Key {
	vals := make([]any, len(parts))
	for i, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			vals[i] = n
			continue
		}
		vals[i] = p
	}
	return key.New(group, vals...)
}
