/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantechlabs/warden/internal/admission"
	"github.com/quantechlabs/warden/internal/clock"
	"github.com/quantechlabs/warden/internal/config"
	"github.com/quantechlabs/warden/internal/events"
	"github.com/quantechlabs/warden/internal/httputil"
	"github.com/quantechlabs/warden/internal/identity"
	"github.com/quantechlabs/warden/internal/licensing"
	licapi "github.com/quantechlabs/warden/internal/licensing/api"
	"github.com/quantechlabs/warden/internal/licensing/postgres"
	"github.com/quantechlabs/warden/internal/quota"
	"github.com/quantechlabs/warden/pkg/logging"
	"github.com/quantechlabs/warden/pkg/token"
)

// flags groups all CLI flags for the warden-api binary. Secrets never appear
// here: the JWT signing key and the Redis password come from the environment
// only.
type flags struct {
	apiAddr           string
	healthAddr        string
	metricsAddr       string
	postgresConn      string
	redisAddr         string
	redisDB           int
	kafkaBrokers      string
	kafkaTopic        string
	reconcileSchedule string
	hourlyRollups     bool
	userTokenTTL      time.Duration
	licenseTokenTTL   time.Duration
}

func parseFlags() *flags {
	defaults := config.DefaultOptions()
	f := &flags{}
	flag.StringVar(&f.apiAddr, "api-addr", defaults.APIAddr, "API server listen address")
	flag.StringVar(&f.healthAddr, "health-addr", defaults.HealthAddr, "Health probe listen address")
	flag.StringVar(&f.metricsAddr, "metrics-addr", defaults.MetricsAddr, "Metrics server listen address")
	flag.StringVar(&f.postgresConn, "postgres-conn", "", "Postgres connection string (empty: in-memory store)")
	flag.StringVar(&f.redisAddr, "redis-addr", "", "Redis address for quota counters (empty: in-memory)")
	flag.IntVar(&f.redisDB, "redis-db", 0, "Redis database number")
	flag.StringVar(&f.kafkaBrokers, "kafka-brokers", "", "Kafka brokers for usage events (comma-separated; empty: in-memory)")
	flag.StringVar(&f.kafkaTopic, "kafka-topic", defaults.KafkaTopic, "Kafka usage-event topic")
	flag.StringVar(&f.reconcileSchedule, "reconcile-schedule", defaults.ReconcileSchedule, "Quota reconciler cron schedule (empty: disabled)")
	flag.BoolVar(&f.hourlyRollups, "hourly-rollups", false, "Track per-hour metrics rows next to the daily ones")
	flag.DurationVar(&f.userTokenTTL, "user-token-ttl", defaults.UserTokenTTL, "Lifetime of user bearer tokens")
	flag.DurationVar(&f.licenseTokenTTL, "license-token-ttl", defaults.LicenseTokenTTL, "Lifetime of minted license tokens")
	flag.Parse()

	f.applyEnvFallbacks(defaults)
	return f
}

// applyEnvFallbacks applies environment variable overrides to flag defaults.
func (f *flags) applyEnvFallbacks(defaults config.Options) {
	envFallback(&f.apiAddr, defaults.APIAddr, "API_ADDR")
	envFallback(&f.healthAddr, defaults.HealthAddr, "HEALTH_ADDR")
	envFallback(&f.metricsAddr, defaults.MetricsAddr, "METRICS_ADDR")
	envFallback(&f.postgresConn, "", "POSTGRES_CONN")
	envFallback(&f.redisAddr, "", "REDIS_ADDR")
	envFallback(&f.kafkaBrokers, "", "KAFKA_BROKERS")
	envFallback(&f.kafkaTopic, defaults.KafkaTopic, "KAFKA_TOPIC")
	envFallback(&f.reconcileSchedule, defaults.ReconcileSchedule, "RECONCILE_SCHEDULE")

	envIntFallback(&f.redisDB, "REDIS_DB")
	envBoolFallback(&f.hourlyRollups, "HOURLY_ROLLUPS")
	envDurationFallback(&f.userTokenTTL, defaults.UserTokenTTL, "USER_TOKEN_TTL")
	envDurationFallback(&f.licenseTokenTTL, defaults.LicenseTokenTTL, "LICENSE_TOKEN_TTL")
}

// options assembles the runtime options, pulling secrets from the
// environment.
func (f *flags) options() config.Options {
	opts := config.DefaultOptions()
	opts.APIAddr = f.apiAddr
	opts.HealthAddr = f.healthAddr
	opts.MetricsAddr = f.metricsAddr
	opts.PostgresConn = f.postgresConn
	opts.RedisAddr = f.redisAddr
	opts.RedisPassword = os.Getenv("REDIS_PASSWORD")
	opts.RedisDB = f.redisDB
	opts.JWTSecret = os.Getenv("JWT_SECRET")
	opts.UserTokenTTL = f.userTokenTTL
	opts.LicenseTokenTTL = f.licenseTokenTTL
	if f.kafkaBrokers != "" {
		opts.KafkaBrokers = strings.Split(f.kafkaBrokers, ",")
	}
	opts.KafkaTopic = f.kafkaTopic
	opts.ReconcileSchedule = f.reconcileSchedule
	opts.HourlyRollups = f.hourlyRollups
	return opts
}

// envFallback sets *dst from the environment variable envKey when *dst still
// equals the default value and the environment variable is non-empty.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
}

// envBoolFallback enables a boolean flag from an environment variable when
// the flag is still false and the env var is "true".
func envBoolFallback(dst *bool, envKey string) {
	if !*dst && os.Getenv(envKey) == "true" {
		*dst = true
	}
}

// envIntFallback sets *dst from the environment when the flag is still zero.
func envIntFallback(dst *int, envKey string) {
	if *dst != 0 {
		return
	}
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envDurationFallback sets *dst from the environment when the flag still
// equals the default value.
func envDurationFallback(dst *time.Duration, defaultVal time.Duration, envKey string) {
	if *dst != defaultVal {
		return
	}
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := parseFlags().options()

	// --- Logger ---
	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	// --- Validate ---
	if err := opts.Validate(); err != nil {
		return err
	}

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Durable store ---
	store, ping, storeCleanup, err := initStore(ctx, opts, log)
	if err != nil {
		return err
	}
	defer storeCleanup()

	// --- Quota KV ---
	kv, kvCleanup, err := initKV(opts, log)
	if err != nil {
		return err
	}
	defer kvCleanup()

	// --- Usage events ---
	if opts.KafkaEnabled() {
		// sarama logs through a plain *log.Logger. Route its client
		// diagnostics into the structured stream at debug level, so they
		// only show up when LOG_LEVEL selects the development config.
		saramaZap, err := logging.NewZapLogger()
		if err != nil {
			return fmt.Errorf("creating kafka client logger: %w", err)
		}
		sarama.Logger = slog.NewLogLogger(logging.SlogFromZap(saramaZap).Handler(), slog.LevelDebug)
	}
	publisher, err := initPublisher(opts, log)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	// --- Core services ---
	clk := clock.New()
	codec, err := token.New([]byte(opts.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating token codec: %w", err)
	}
	engine := quota.NewEngine(kv, clk, log)

	// --- API mux ---
	apiMux := buildAPIMux(store, engine, codec, publisher, clk, opts, log)

	// --- Quota reconciler ---
	reconciler := quota.NewReconciler(engine, store, clk, log)
	if opts.ReconcileEnabled() {
		if err := reconciler.Start(opts.ReconcileSchedule); err != nil {
			return err
		}
		defer reconciler.Stop()
	}

	// --- Servers ---
	apiSrv := &http.Server{Addr: opts.APIAddr, Handler: apiMux}
	healthSrv := newHealthServer(opts.HealthAddr, ping)
	metricsSrv := newMetricsServer(opts.MetricsAddr)

	startHTTPServer(log, "health", opts.HealthAddr, healthSrv)
	startHTTPServer(log, "metrics", opts.MetricsAddr, metricsSrv)
	startHTTPServer(log, "warden API", opts.APIAddr, apiSrv)

	log.Info("warden-api ready",
		"api", opts.APIAddr,
		"health", opts.HealthAddr,
		"metrics", opts.MetricsAddr,
		"postgres", opts.PostgresConn != "",
		"redis", opts.RedisAddr != "",
		"kafka", opts.KafkaEnabled(),
		"reconcile", opts.ReconcileSchedule,
	)

	// --- Wait for shutdown ---
	<-ctx.Done()
	log.Info("shutting down")

	shutdownServers(log, apiSrv, healthSrv, metricsSrv)
	return nil
}

// buildAPIMux assembles the HTTP handler with the auth, license admin and
// admission routes, wrapped with request-ID and Prometheus metrics middleware.
func buildAPIMux(
	store licensing.Store,
	engine *quota.Engine,
	codec *token.Codec,
	publisher events.Publisher,
	clk clock.Clock,
	opts config.Options,
	log logr.Logger,
) http.Handler {
	resolver := identity.NewResolver(identity.ResolverConfig{
		Store:  store,
		Engine: engine,
		Codec:  codec,
		Clock:  clk,
		Logger: log,
	})
	users := identity.NewUserService(identity.UserServiceConfig{
		Store:    store,
		Codec:    codec,
		Clock:    clk,
		Logger:   log,
		TokenTTL: opts.UserTokenTTL,
	})
	licenses := licapi.NewLicenseService(licapi.ServiceConfig{
		Store:     store,
		Engine:    engine,
		Codec:     codec,
		Publisher: publisher,
		Clock:     clk,
		Logger:    log,
		TokenTTL:  opts.LicenseTokenTTL,
	})

	admMetrics := admission.NewMetrics()
	admMetrics.Initialize()
	admissions := admission.NewService(admission.ServiceConfig{
		Store:         store,
		Engine:        engine,
		Publisher:     publisher,
		Clock:         clk,
		Logger:        log,
		Metrics:       admMetrics,
		HourlyRollups: opts.HourlyRollups,
	})

	mux := http.NewServeMux()
	identity.NewAuthHandler(users, resolver, log).RegisterRoutes(mux)
	licapi.NewHandler(licenses, resolver, log).RegisterRoutes(mux)
	admission.NewHandler(admissions, resolver, log).RegisterRoutes(mux)

	return httputil.RequestIDMiddleware(admission.MetricsMiddleware(admMetrics, mux))
}

// initStore selects the durable store: the Postgres provider when a DSN is
// configured (with migrations applied first), the in-memory store otherwise.
// The returned ping reports store readiness; it is nil for the memory store.
func initStore(ctx context.Context, opts config.Options, log logr.Logger) (licensing.Store, func(context.Context) error, func(), error) {
	if opts.PostgresConn == "" {
		log.Info("no postgres DSN configured, using in-memory store; state will not survive restarts")
		mem := licensing.NewMemoryStore()
		return mem, nil, func() { _ = mem.Close() }, nil
	}

	pool, err := initPool(ctx, opts.PostgresConn)
	if err != nil {
		return nil, nil, nil, err
	}
	log.V(1).Info("postgres pool created",
		"maxConns", envInt32("PG_MAX_CONNS", defaultMaxConns),
		"minConns", envInt32("PG_MIN_CONNS", defaultMinConns),
	)

	if err := runMigrations(opts.PostgresConn, log); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	log.V(1).Info("migrations complete")

	provider := postgres.NewFromPool(pool)
	cleanup := func() {
		_ = provider.Close()
		pool.Close()
	}
	return provider, pool.Ping, cleanup, nil
}

// initKV selects the quota KV: Redis when configured, in-memory otherwise.
func initKV(opts config.Options, log logr.Logger) (quota.KV, func(), error) {
	if opts.RedisAddr == "" {
		log.Info("no redis address configured, using in-memory quota counters; replicas will not share state")
		return quota.NewMemoryKV(), func() {}, nil
	}

	kv, err := quota.NewRedisKV(quota.RedisConfig{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	log.V(1).Info("redis quota KV initialized", "addr", opts.RedisAddr)
	return kv, func() { _ = kv.Close() }, nil
}

// initPublisher selects the usage-event publisher: Kafka when brokers are
// configured, in-memory otherwise.
func initPublisher(opts config.Options, log logr.Logger) (events.Publisher, error) {
	if !opts.KafkaEnabled() {
		return events.NewMemoryPublisher(), nil
	}

	pub, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: opts.KafkaBrokers,
		Topic:   opts.KafkaTopic,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}
	log.V(1).Info("kafka event publisher initialized", "brokers", opts.KafkaBrokers, "topic", opts.KafkaTopic)
	return pub, nil
}

// startHTTPServer starts an HTTP server in a background goroutine.
func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}

// shutdownServers gracefully stops all servers with a 30-second timeout.
func shutdownServers(log logr.Logger, srvs ...*http.Server) {
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	for _, srv := range srvs {
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error", "addr", srv.Addr)
		}
	}
}

// Pool configuration defaults.
const (
	defaultMaxConns        = 25
	defaultMinConns        = 5
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
)

// initPool creates a pgxpool connection pool with configured limits. Pool
// settings are read from environment variables with sensible defaults:
//
//	PG_MAX_CONNS (default 25), PG_MIN_CONNS (default 5),
//	PG_MAX_CONN_LIFETIME (default 1h), PG_MAX_CONN_IDLE_TIME (default 30m).
func initPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres connection string: %w", err)
	}

	poolCfg.MaxConns = envInt32("PG_MAX_CONNS", defaultMaxConns)
	poolCfg.MinConns = envInt32("PG_MIN_CONNS", defaultMinConns)
	poolCfg.MaxConnLifetime = envDuration("PG_MAX_CONN_LIFETIME", defaultMaxConnLifetime)
	poolCfg.MaxConnIdleTime = envDuration("PG_MAX_CONN_IDLE_TIME", defaultMaxConnIdleTime)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return pool, nil
}

// envInt32 reads an environment variable as int32, returning def on
// missing/invalid values.
func envInt32(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}

// envDuration reads an environment variable as a time.Duration, returning
// def on missing/invalid.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// runMigrations applies database schema migrations.
func runMigrations(connStr string, log logr.Logger) error {
	migrator, err := postgres.NewMigrator(connStr, log)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return fmt.Errorf("running migrations: %w", err)
	}
	_ = migrator.Close()
	return nil
}

// newMetricsServer creates a dedicated HTTP server for Prometheus metrics.
func newMetricsServer(addr string) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: metricsMux}
}

// newHealthServer creates an HTTP server for health and readiness probes.
// ping is nil when the store has no external dependency to verify.
func newHealthServer(addr string, ping func(context.Context) error) *http.Server {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	healthMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("postgres unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: healthMux}
}
