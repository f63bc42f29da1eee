package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/jrsteele09/go-session-keeper/activity"
	"github.com/jrsteele09/go-session-keeper/credentials"
	"github.com/jrsteele09/go-session-keeper/events"
	"github.com/jrsteele09/go-session-keeper/internal/config"
	"github.com/jrsteele09/go-session-keeper/keeper"
	"github.com/jrsteele09/go-session-keeper/metrics"
	"github.com/jrsteele09/go-session-keeper/storage"
	"github.com/jrsteele09/go-session-keeper/storage/memory"
	"github.com/jrsteele09/go-session-keeper/storage/redisstore"
	"github.com/jrsteele09/go-session-keeper/token/refresh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Loading .env failed")
	}
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Session keeper failed")
	}
	log.Info().Msg("Session keeper stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())
	setupLogger(c.GetLogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeStorage, err := openStorage(ctx, c)
	if err != nil {
		return err
	}
	defer closeStorage()

	client, err := refresh.NewOIDCClient(ctx, c.GetIssuerURL(), c.GetClientID(), c.GetClientSecret(), c.GetScopes(),
		refresh.WithHTTPClient(&http.Client{Timeout: c.GetRequestTimeout()}))
	if err != nil {
		return err
	}

	k := keeper.New(c, kv, client)
	defer k.Close()
	logEvents(k.Bus())

	if addr := c.GetMetricsAddr(); addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})}
		go serveMetrics(srv)
		defer shutdown(srv)
	}

	if !k.Start(ctx) {
		if err := seedSession(ctx, k); err != nil {
			return err
		}
	}

	go readActivity(k)
	<-ctx.Done()
	return nil
}

func openStorage(ctx context.Context, c config.Config) (storage.KeyValue, func(), error) {
	if c.GetRedisAddr() == "" {
		log.Info().Msg("Using in-memory storage; other processes will not see this session")
		return memory.NewOrigin().NewTab(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.GetRedisAddr()})
	store, err := redisstore.New(ctx, rdb, c.GetStorageNamespace())
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redisstore.New: %w", err)
	}
	log.Info().Str("addr", c.GetRedisAddr()).Str("tab", store.TabID()).Msg("Using Redis storage")
	return store, func() {
		_ = store.Close()
		_ = rdb.Close()
	}, nil
}

// seedSession logs in with tokens from the environment, standing in for the
// interactive sign-in a storefront would perform.
func seedSession(ctx context.Context, k *keeper.Keeper) error {
	access := config.GetEnv("ACCESS_TOKEN", "")
	if access == "" {
		log.Info().Msg("No stored session and no ACCESS_TOKEN; waiting for another tab to sign in")
		return nil
	}
	saved, err := k.Login(ctx, credentials.Pair{
		AccessToken:  access,
		RefreshToken: config.GetEnv("REFRESH_TOKEN", ""),
	})
	if err != nil {
		return fmt.Errorf("keeper.Login: %w", err)
	}
	for name := range saved {
		log.Info().Str("provider", name).Msg("Restored saved work")
	}
	return nil
}

// readActivity treats each line on stdin as a key press.
func readActivity(k *keeper.Keeper) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		k.RecordActivity(activity.KindKeyPress)
	}
}

func logEvents(bus *events.Bus) {
	bus.Subscribe(func(e events.Event) {
		entry := log.Info().Str("event", e.EventName())
		switch ev := e.(type) {
		case events.SessionStateChanged:
			entry = entry.Str("from", ev.From).Str("to", ev.To)
		case events.AuthenticationFailed:
			entry = entry.AnErr("cause", ev.Err)
		case events.AuthenticationRequired:
			entry = entry.Str("reason", ev.Reason)
		case events.RefreshTokenExpiring:
			entry = entry.Time("expires_at", ev.ExpiresAt)
		}
		entry.Msg("Session event")
	})
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func serveMetrics(srv *http.Server) {
	log.Info().Str("addr", srv.Addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Err(err).Msg("Metrics server failed")
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Err(err).Msg("Metrics server shutdown failed")
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
