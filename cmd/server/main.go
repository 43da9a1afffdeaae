package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/codebuildervaibhav/clubbot/internal/bus"
	"github.com/codebuildervaibhav/clubbot/internal/cleanup"
	"github.com/codebuildervaibhav/clubbot/internal/config"
	"github.com/codebuildervaibhav/clubbot/internal/handlers"
	"github.com/codebuildervaibhav/clubbot/internal/karma"
	"github.com/codebuildervaibhav/clubbot/internal/media"
	"github.com/codebuildervaibhav/clubbot/internal/notify"
	"github.com/codebuildervaibhav/clubbot/internal/pipeline"
	"github.com/codebuildervaibhav/clubbot/internal/queue"
	"github.com/codebuildervaibhav/clubbot/internal/ratelimit"
	"github.com/codebuildervaibhav/clubbot/internal/roster"
	"github.com/codebuildervaibhav/clubbot/internal/storage"
	"github.com/codebuildervaibhav/clubbot/internal/transcription"
)

// usageLimiter is a rate limiter whose windows the scheduler can evict.
type usageLimiter interface {
	ratelimit.Limiter
	ratelimit.Evicter
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration")
	driveAuth := flag.Bool("drive-auth", false, "authorize Google Drive access and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath, true)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logBuffer := NewLogBuffer(1000)
	out := io.MultiWriter(os.Stdout, logBuffer)
	logger := newLogger(cfg, out)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *driveAuth {
		if err := storage.AuthorizeDrive(ctx, cfg.GoogleDrive.CredentialsFile, cfg.GoogleDrive.TokenFile, os.Stdin, os.Stdout); err != nil {
			logger.Error("drive authorization failed", "error", err)
			os.Exit(1)
		}
		logger.Info("drive token saved", "path", cfg.GoogleDrive.TokenFile)
		return
	}

	if err := run(ctx, cfg, logger, out, logBuffer); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer, logBuffer *LogBuffer) error {
	if err := cleanup.EnsureTempDirExists(cfg.Storage.TempDir, logger); err != nil {
		return err
	}
	for _, dir := range []string{cfg.Storage.OutputDir, cfg.Storage.MediaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	logger.Info("initializing components")

	db, err := storage.Open(ctx, storage.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// Schema is applied once here, before any component touches the
	// database.
	if err := storage.Migrate(ctx, db, logger); err != nil {
		return err
	}
	tx := storage.NewTxManager(db, logger,
		storage.WithMaxAttempts(cfg.Database.TxMaxAttempts),
		storage.WithBackoff(cfg.Database.TxBaseBackoff, 50*cfg.Database.TxBaseBackoff),
		storage.WithAcquireTimeout(cfg.Database.AcquireTimeout),
	)

	store := queue.NewStore(tx, logger, queue.WithRetryCeiling(cfg.Reaper.RetryCeiling))

	limiter, closeLimiter, err := newLimiter(ctx, cfg, tx, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	// Notifications
	hub := notify.NewHub(1000)
	var outbound notify.Multi
	var busClient *bus.Client
	if cfg.NATS.URL != "" {
		busClient, err = bus.Connect(cfg.NATS.URL, "clubbot", logger)
		if err != nil {
			return err
		}
		defer busClient.Close()
		outbound = append(outbound, notify.NewNATS(busClient, cfg.NATS.SubjectPrefix))
		logger.Info("nats notifications enabled", "url", cfg.NATS.URL)
	}
	if cfg.Webhook.URL != "" {
		outbound = append(outbound, notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout,
			cfg.Webhook.PerSecond, cfg.Webhook.Burst, logger))
		logger.Info("webhook notifications enabled")
	}
	notifiers := notify.Multi{hub}
	if len(outbound) > 0 {
		dispatcher := notify.NewDispatcher(outbound, logger,
			notify.WithDispatchWorkers(cfg.Dispatch.Workers),
			notify.WithDispatchQueueSize(cfg.Dispatch.QueueSize),
			notify.WithDeliveryTimeout(cfg.Dispatch.Timeout),
		)
		// Runs after the pool has stopped publishing and before the bus closes.
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := dispatcher.Shutdown(drainCtx); err != nil {
				logger.Warn("notification queue did not drain", "error", err)
			}
		}()
		notifiers = append(notifiers, dispatcher)
	}

	// Google Drive (optional - may fail if credentials not set up)
	var driveClient *storage.DriveClient
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); cfg.GoogleDrive.CredentialsFile != "" && err == nil {
		driveClient, err = storage.NewDriveClient(ctx, cfg.GoogleDrive.CredentialsFile,
			cfg.GoogleDrive.TokenFile, cfg.GoogleDrive.FolderName, logger)
		switch {
		case errors.Is(err, storage.ErrNoDriveToken):
			logger.Warn("google drive token missing, run with -drive-auth; transcripts will only be saved locally")
			driveClient = nil
		case err != nil:
			logger.Warn("google drive not available", "error", err)
			driveClient = nil
		default:
			logger.Info("google drive integration enabled")
		}
	} else {
		logger.Info("google drive credentials not found - saving locally only")
	}

	var mediaOpts []media.Option
	if cfg.MinIO.Endpoint != "" {
		objects, err := media.NewMinIO(media.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    cfg.MinIO.Region,
		})
		if err != nil {
			return err
		}
		mediaOpts = append(mediaOpts, media.WithObjectStore(objects, cfg.MinIO.Bucket))
	}
	var driveArchive queue.Archiver
	if driveClient != nil {
		mediaOpts = append(mediaOpts, media.WithDrive(driveClient))
		driveArchive = driveClient
	}
	resolver := media.NewResolver(cfg.Storage.MediaDir, cfg.Storage.TempDir, logger, mediaOpts...)

	// A nil transcriber fails every job with CapabilityUnavailable.
	var transcriber transcription.Transcriber
	if cfg.Whisper.Enabled {
		transcriber = transcription.NewWhisperTranscriber(transcription.WhisperConfig{
			Model:    cfg.Whisper.Model,
			Python:   cfg.Whisper.Python,
			Threads:  cfg.Whisper.Threads,
			Language: cfg.Whisper.Language,
			TempDir:  cfg.Storage.TempDir,
		}, transcription.NewNormalizer(cfg.Whisper.FFmpeg, cfg.Storage.TempDir), logger)
	} else {
		logger.Warn("transcription disabled; jobs will fail with CapabilityUnavailable")
	}

	pool := queue.NewWorkerPool(store, resolver, transcriber, notifiers, logger,
		queue.WithWorkers(cfg.Workers.Count),
		queue.WithPollInterval(cfg.Workers.PollInterval),
		queue.WithCapabilityTimeout(cfg.Workers.CapabilityTimeout),
		queue.WithArchive(storage.NewLocalStorage(cfg.Storage.OutputDir), driveArchive),
	)
	pool.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pool.Stop(stopCtx); err != nil {
			logger.Warn("worker pool did not drain; interrupted jobs will be reaped", "error", err)
		}
	}()

	scheduler := cleanup.NewScheduler(cfg.Reaper.Interval, logger,
		cleanup.WithReaper(store, cfg.Reaper.MaxAge, pool, notifiers),
		cleanup.WithTempSweep(cfg.Storage.TempDir, cfg.Storage.TempMaxAge),
		cleanup.WithEvicter(limiter),
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	jobs := pipeline.New(limiter, store, pool, notifiers, logger, pipeline.WithHub(hub))

	if busClient != nil {
		subject := cfg.NATS.SubjectPrefix + ".submit"
		if _, err := busClient.SubscribeJSON(subject,
			handlers.SubmissionConsumer(jobs, busClient, subject+".rejected", logger)); err != nil {
			return err
		}
		logger.Info("accepting submissions over nats", "subject", subject)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: cfg.Server.BodyLimitMB * 1024 * 1024,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{Output: out}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Admin-Token",
	}))

	handlers.Routes{
		Jobs:   handlers.NewJobsHandler(jobs),
		Upload: handlers.NewUploadHandler(jobs, resolver, cfg.Limits.MaxFileSizeMB, logger),
		GDrive: handlers.NewGDriveHandler(jobs),
		Stream: handlers.NewStreamHandler(jobs, logger),
		Karma:  handlers.NewKarmaHandler(karma.NewService(tx, logger)),
		Roster: handlers.NewRosterHandler(
			roster.NewRoster(tx, nil),
			roster.NewApplications(tx, nil, logger),
			roster.NewInvites(tx, nil),
			roster.NewBlacklist(tx, nil),
		),
		Health: func(ctx context.Context) error {
			return db.HealthCheck(ctx, time.Second)
		},
		AdminToken: cfg.Server.AdminToken,
	}.Mount(app)

	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	if cfg.Server.AdminToken == "" {
		logger.Warn("server.admin_token is empty; admin routes are open")
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr())
		errc <- app.Listen(cfg.Addr())
	}()

	// The deferred pool stop runs on both exits, before the database closes.
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// newLimiter builds the configured rate-limit backend. The returned func
// releases its connections.
func newLimiter(ctx context.Context, cfg *config.Config, tx *storage.TxManager, logger *slog.Logger) (usageLimiter, func(), error) {
	window, ceiling := cfg.RateLimit.Window, cfg.RateLimit.MaxRequests
	logger.Info("rate limiter configured", "backend", cfg.RateLimit.Backend, "window", window, "max_requests", ceiling)

	switch cfg.RateLimit.Backend {
	case "sql":
		return ratelimit.NewSQL(tx, window, ceiling), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return ratelimit.NewRedis(client, cfg.Redis.KeyPrefix, window, ceiling), func() { client.Close() }, nil
	default:
		return ratelimit.NewMemory(window, ceiling), func() {}, nil
	}
}
