package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-clinic/internal/api"
	"github.com/npezzotti/go-clinic/internal/appointment"
	"github.com/npezzotti/go-clinic/internal/config"
	"github.com/npezzotti/go-clinic/internal/database"
	redisclient "github.com/npezzotti/go-clinic/internal/redis"
	"github.com/npezzotti/go-clinic/internal/server"
	"github.com/npezzotti/go-clinic/internal/stats"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func main() {
	logger := log.New(os.Stderr, "[go-clinic] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	var p config.Params
	var allowedOrigins stringSliceFlag
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		allowedOrigins.Set(v)
	}

	flag.StringVar(&p.ServerAddr, "addr", envOr("ADDR", "localhost:8000"), "server address")
	flag.StringVar(&p.DatabaseDSN, "dsn", envOr("DATABASE_DSN", defaultDSN), "database connection string")
	flag.StringVar(&p.SigningSecret, "signing-key", envOr("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&p.Timezone, "timezone", envOr("TIMEZONE", "UTC"), "IANA time zone appointment schedules are kept in")
	flag.DurationVar(&p.SessionDuration, "session-duration", envDuration("SESSION_DURATION", config.DefaultSessionDuration), "length of an appointment session")
	flag.DurationVar(&p.ReconcileInterval, "reconcile-interval", envDuration("RECONCILE_INTERVAL", config.DefaultReconcileInterval), "how often appointment statuses are reconciled")
	flag.StringVar(&p.RedisAddr, "redis-addr", envOr("REDIS_ADDR", ""), "redis address for the shared reconciler lock; empty runs a local lock")
	flag.StringVar(&p.RedisUsername, "redis-username", envOr("REDIS_USERNAME", ""), "redis username")
	flag.StringVar(&p.RedisPassword, "redis-password", envOr("REDIS_PASSWORD", ""), "redis password")
	flag.BoolVar(&p.Migrate, "migrate", envBool("MIGRATE", true), "apply database migrations at startup")
	flag.Parse()
	p.AllowedOrigins = allowedOrigins

	cfg, err := config.NewConfig(p)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgGoClinicRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if cfg.Migrate {
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal("db migrate:", err)
		}
	}

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("redis:", err)
		}
		defer rdb.Close()
		locker = redisclient.NewRedisLocker(rdb, 2*cfg.ReconcileInterval)
		logger.Printf("reconciler lock shared through redis at %s", cfg.RedisAddr)
	} else {
		locker = redisclient.NewLocalLocker()
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	relay, err := server.NewRelay(logger, dbConn, statsUpdater)
	if err != nil {
		logger.Fatal("new relay:", err)
	}

	appts := appointment.NewService(dbConn, appointment.NewPolicy(cfg.Location, cfg.SessionDuration), logger)
	reconciler := appointment.NewReconciler(appts, locker, cfg.ReconcileInterval, logger)

	srv := api.NewGoClinicApp(mux, logger, relay, dbConn, appts, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go relay.Run()

	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	go reconciler.Run(reconcileCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	stopReconciler()
	select {
	case <-reconciler.Done():
	case <-shutDownCtx.Done():
		logger.Println("reconciler did not stop in time")
	}

	logger.Println("shutting down relay...")
	if err := relay.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("relay shutdown:", err)
	}

	logger.Println("shutdown complete")
}
