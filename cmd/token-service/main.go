package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"campusdine/token-service/internal/booking"
	"campusdine/token-service/internal/clock"
	"campusdine/token-service/internal/config"
	"campusdine/token-service/internal/engine"
	"campusdine/token-service/internal/httpapi"
	"campusdine/token-service/internal/live"
	"campusdine/token-service/internal/logger"
	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/notify"
	"campusdine/token-service/internal/projector"
	"campusdine/token-service/internal/store"
	"campusdine/token-service/internal/store/memory"
	"campusdine/token-service/internal/store/postgres"
	"campusdine/token-service/internal/telemetry"
	"campusdine/token-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "token-service"

func main() {
	configFile := flag.String("config", "", "path to config file")
	envPath := flag.String("env", "", "directory holding .env files")
	flag.Parse()

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		panic(err)
	}

	if err := logger.Initialize(logger.Config{
		Debug:       cfg.Debug,
		ServiceName: serviceName,
		Environment: cfg.Environment,
		SentryDSN:   cfg.SentryDSN,
	}); err != nil {
		panic(err)
	}
	defer logger.Flush(2 * time.Second)

	shutdownTelemetry := telemetry.Setup(serviceName, cfg.Environment)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfg); err != nil {
		logger.Error(err, zap.String("message", "token-service stopped"))
		logger.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	clk := clock.Real()

	var pool *pgxpool.Pool
	if cfg.Store == config.StorePostgres || cfg.Booking.Provider == config.BookingPostgres {
		var err error
		pool, err = connectDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var st store.Store
	switch cfg.Store {
	case config.StoreMemory:
		counters := make([]models.Counter, 0, len(cfg.Queue.Counters))
		for i, name := range cfg.Queue.Counters {
			counters = append(counters, models.Counter{CounterID: int64(i + 1), Name: name, IsActive: true})
		}
		st = memory.NewStore(counters)
		logger.Info("Using in-memory token store", zap.Int("counters", len(counters)))
	default:
		st = postgres.NewStore(pool)
	}

	var bookings booking.Lookup
	switch cfg.Booking.Provider {
	case config.BookingSupabase:
		client, err := booking.NewSupabase(cfg.Booking.SupabaseURL, cfg.Booking.SupabaseKey)
		if err != nil {
			return err
		}
		bookings = client
	default:
		bookings = booking.NewPostgres(pool)
	}

	var notifier engine.Notifier = notify.Discard{}
	if cfg.NATS.URL != "" {
		publisher, err := connectNATS(ctx, cfg)
		if err != nil {
			return err
		}
		defer publisher.Close()
		notifier = publisher
	} else {
		logger.Warn("NATS url not set, reassignment notices are not published")
	}

	eng := engine.New(st, bookings, notifier, clk, engine.Options{
		AutoActivate: cfg.Queue.AutoActivate,
		Projector: projector.Config{
			SampleWindow:       cfg.Queue.SampleWindow,
			MinSamples:         cfg.Queue.MinSamples,
			DefaultServingTime: cfg.Queue.DefaultServingTime,
			PreviewLength:      cfg.Queue.PreviewLength,
		},
	})

	streamer := live.NewStreamer(eng, clk, live.Config{
		UpdateInterval:    cfg.Live.UpdateInterval,
		HeartbeatInterval: cfg.Live.HeartbeatInterval,
		PollTimeout:       cfg.Live.PollTimeout,
	})

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var handler *httpapi.Handler
	realtime := streamer.SockJSHandler("/realtime/tokens", func(r *http.Request, tokenID int64) error {
		return handler.AuthorizeStream(r, tokenID)
	})
	handler = httpapi.NewHandler(eng, bookings, streamer, httpapi.Options{
		Auth: httpapi.NewAuthenticator(cfg.Auth.JWTSecret),
		Limiter: httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			IPPerMinute:   cfg.RateLimit.IPPerMinute,
			IPBurst:       cfg.RateLimit.IPBurst,
			UserPerMinute: cfg.RateLimit.UserPerMinute,
			UserBurst:     cfg.RateLimit.UserBurst,
		}),
		CORSOrigins: cfg.Server.CORSOrigins,
		Health:      st.Ping,
		Realtime:    realtime,
		Clock:       clk,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var background sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	if cfg.NoShow.Enabled {
		sweeper := worker.NewNoShowWorker(eng, clk, worker.NoShowConfig{
			Grace:     cfg.NoShow.Grace,
			Interval:  cfg.NoShow.Interval,
			BatchSize: cfg.NoShow.BatchSize,
		})
		background.Add(1)
		go func() {
			defer background.Done()
			sweeper.Run(workerCtx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("token-service listening", zap.String("address", server.Addr), zap.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down token-service")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	cancelWorkers()
	// Streams never finish on their own, so end them before draining.
	streamer.Hub().CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	background.Wait()
	return nil
}
