package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsechat/pulsechat-server/internal/api"
	"github.com/pulsechat/pulsechat-server/internal/auth"
	"github.com/pulsechat/pulsechat-server/internal/cache"
	"github.com/pulsechat/pulsechat-server/internal/config"
	"github.com/pulsechat/pulsechat-server/internal/contact"
	"github.com/pulsechat/pulsechat-server/internal/conversation"
	"github.com/pulsechat/pulsechat-server/internal/disposable"
	"github.com/pulsechat/pulsechat-server/internal/gateway"
	"github.com/pulsechat/pulsechat-server/internal/httputil"
	"github.com/pulsechat/pulsechat-server/internal/media"
	"github.com/pulsechat/pulsechat-server/internal/message"
	"github.com/pulsechat/pulsechat-server/internal/postgres"
	"github.com/pulsechat/pulsechat-server/internal/presence"
	"github.com/pulsechat/pulsechat-server/internal/ratelimit"
	"github.com/pulsechat/pulsechat-server/internal/redisconn"
	"github.com/pulsechat/pulsechat-server/internal/search"
	"github.com/pulsechat/pulsechat-server/internal/typesense"
	"github.com/pulsechat/pulsechat-server/internal/user"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg           *config.Config
	db            *pgxpool.Pool
	rdb           *redis.Client
	userRepo      user.Repository
	contactRepo   contact.Repository
	conversations *conversation.Service
	messages      *message.Service
	messageRepo   message.Repository
	convRepo      conversation.Repository
	storage       media.StorageProvider
	authService   *auth.Service
	searchService *search.Service
	gatewayHub    *gateway.Hub
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting PulseChat Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Redis
	rdb, err := redisconn.Connect(ctx, cfg.RedisURL, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Redis connected")

	// Typesense collection (best-effort)
	result, err := typesense.EnsureMessagesCollection(ctx, cfg.TypesenseURL, cfg.TypesenseAPIKey)
	if err != nil {
		log.Warn().Err(err).Msg("Typesense collection setup failed")
	} else {
		switch result {
		case typesense.ResultCreated:
			log.Info().Msg("Typesense messages collection created")
		case typesense.ResultRecreated:
			log.Warn().Msg("Typesense messages collection recreated due to schema change")
		case typesense.ResultUnchanged:
			log.Info().Msg("Typesense messages collection already exists")
		}
	}

	// Initialise disposable email blocklist. Prefetch is called synchronously so the cache is warm before the
	// server begins accepting requests; a background ticker refreshes it afterwards so newly-added disposable
	// domains are picked up without requiring a restart.
	blocklist := disposable.NewBlocklist(cfg.DisposableEmailBlocklistURL, cfg.DisposableEmailBlocklistEnabled)
	blocklist.Prefetch(ctx)

	// Start background services with a shared cancellable context.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go func() {
		ticker := time.NewTicker(cfg.DisposableEmailBlocklistRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				blocklist.Prefetch(subCtx)
			}
		}
	}()

	// Initialise storage provider.
	var storage media.StorageProvider
	switch cfg.StorageBackend {
	case "local":
		storage = media.NewLocalStorage(cfg.LocalStorageDir, "/media")
		log.Info().Str("path", cfg.LocalStorageDir).Msg("Local file storage initialised")
	case "s3":
		s3Storage, err := media.NewS3Storage(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			return fmt.Errorf("initialise s3 storage: %w", err)
		}
		storage = s3Storage
		log.Info().Str("bucket", cfg.S3Bucket).Str("region", cfg.S3Region).Msg("S3 storage initialised")
	default:
		return fmt.Errorf("unsupported storage backend: %q", cfg.StorageBackend)
	}

	// Initialise repositories.
	userRepo := user.NewPGRepository(db, log.Logger)
	contactRepo := contact.NewPGRepository(db, log.Logger)
	convRepo := conversation.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, log.Logger)

	// Initialise cache, presence, and rate limiter.
	msgCache := cache.NewWithConfig(rdb, log.Logger, cache.Config{
		RecentMessagesTTL:  cfg.CacheRecentMessagesTTL,
		UnreadTTL:          cfg.CacheUnreadTTL,
		DeliveryTTL:        cfg.CacheDeliveryStatusTTL,
		RecentMessagesSize: int64(cfg.CacheRecentMessagesSize),
	})
	presenceStore := presence.NewStore(rdb, userRepo, contactRepo, log.Logger)
	limiter := ratelimit.New(rdb, map[ratelimit.Class]ratelimit.Config{
		ratelimit.ClassSend: {
			WindowCount:    cfg.RateLimitSendWindowCount,
			WindowSeconds:  cfg.RateLimitSendWindowSeconds,
			BurstCount:     cfg.RateLimitSendBurstCount,
			BurstSeconds:   cfg.RateLimitSendBurstSeconds,
			PenaltySeconds: cfg.RateLimitPenaltySeconds,
		},
		ratelimit.ClassMutate: {
			WindowCount:    cfg.RateLimitSendWindowCount,
			WindowSeconds:  cfg.RateLimitSendWindowSeconds,
			BurstCount:     cfg.RateLimitSendBurstCount,
			BurstSeconds:   cfg.RateLimitSendBurstSeconds,
			PenaltySeconds: cfg.RateLimitPenaltySeconds,
		},
	})

	// Initialise services.
	conversationService := conversation.NewService(convRepo, userRepo, log.Logger)
	messageService := message.NewService(messageRepo, convRepo, contactRepo, msgCache, log.Logger)

	authService, err := auth.NewService(userRepo, rdb, cfg, blocklist, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create auth service")
	}

	typesenseIndexer := typesense.NewIndexer(cfg.TypesenseURL, cfg.TypesenseAPIKey, 5*time.Second)

	searchSearcher := search.NewTypesenseSearcher(cfg.TypesenseURL, cfg.TypesenseAPIKey, 5*time.Second)
	searchService := search.NewService(convRepo, searchSearcher, log.Logger)

	// Initialise gateway WebSocket hub and start the pub/sub subscriber with reconnection.
	sessionStore := gateway.NewSessionStore(rdb, cfg.PresenceTTL, 100)
	publisher := gateway.NewPublisher(rdb, log.Logger)
	conversationService.SetNotifier(publisher)
	authService.SetNotifier(publisher)
	gatewayHub := gateway.NewHub(rdb, cfg, sessionStore, publisher, limiter, presenceStore, userRepo, convRepo, messageService, log.Logger)
	gatewayHub.SetIndexer(typesenseIndexer)
	go runWithBackoff(subCtx, "gateway-hub", gatewayHub.Run)

	// Presence sweep: periodically force-offline users whose heartbeat has expired without a clean disconnect.
	go runWithBackoff(subCtx, "presence-sweep", func(sweepCtx context.Context) error {
		ticker := time.NewTicker(cfg.PresenceSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return sweepCtx.Err()
			case <-ticker.C:
				if _, err := presenceStore.Sweep(sweepCtx, nil); err != nil {
					log.Warn().Err(err).Msg("Presence sweep failed")
				}
			}
		}
	})

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "PulseChat",
		BodyLimit: cfg.BodyLimitBytes(),
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "An internal error occurred"
			code := wire.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				msg = e.Message
				code = fiberStatusToWireCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: msg,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(skipHealthLogger(httputil.RequestLogger(log.Logger)))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	// Global API rate limiter
	app.Use(limiterMiddleware(cfg))

	// Register routes
	srv := &server{
		cfg:           cfg,
		db:            db,
		rdb:           rdb,
		userRepo:      userRepo,
		contactRepo:   contactRepo,
		conversations: conversationService,
		messages:      messageService,
		messageRepo:   messageRepo,
		convRepo:      convRepo,
		storage:       storage,
		authService:   authService,
		searchService: searchService,
		gatewayHub:    gatewayHub,
	}
	srv.registerRoutes(app)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		gatewayHub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	log.Debug().
		Uint64("alloc_mb", mem.Alloc/1024/1024).
		Uint64("sys_mb", mem.Sys/1024/1024).
		Uint64("heap_inuse_mb", mem.HeapInuse/1024/1024).
		Uint64("stack_inuse_mb", mem.StackInuse/1024/1024).
		Uint32("num_gc", mem.NumGC).
		Msg("Runtime memory stats")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// limiterMiddleware builds the global, fixed-window REST rate limiter applied ahead of routing. The gateway's own
// send/edit/delete traffic is limited separately by internal/ratelimit, which supports the sliding-window plus
// burst plus penalty semantics the WebSocket surface needs.
func limiterMiddleware(cfg *config.Config) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	})
}

// skipHealthLogger wraps a request logger so that health checks do not spam the log at normal log levels.
func skipHealthLogger(next fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Path() == "/api/v1/health" {
			return c.Next()
		}
		return next(c)
	}
}

func (s *server) registerRoutes(app *fiber.App) {
	requireAuth := auth.RequireAuth(s.cfg.JWTAccessSecret, auth.Issuer)

	health := api.NewHealthHandler(s.db, s.rdb)
	app.Get("/api/v1/health", health.Health)
	app.Get("/api/v1/metrics", health.Metrics)

	authHandler := api.NewAuthHandler(s.authService, log.Logger)
	authGroup := app.Group("/api/v1/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.Refresh)
	authGroup.Post("/logout", authHandler.Logout)

	// User profile routes
	userHandler := api.NewUserHandler(s.userRepo, s.contactRepo, s.authService, s.storage, log.Logger)
	authGroup.Get("/me", requireAuth, userHandler.GetMe)

	userGroup := app.Group("/api/v1/users", requireAuth)
	userGroup.Get("/me", userHandler.GetMe)
	userGroup.Get("/search", userHandler.Search)
	userGroup.Get("/:id", userHandler.GetByID)
	userGroup.Put("/me", userHandler.UpdateMe)
	userGroup.Put("/me/status", userHandler.UpdateStatus)
	userGroup.Put("/me/privacy", userHandler.UpdateHideReadStatus)
	userGroup.Put("/me/avatar", userHandler.UploadAvatar)
	userGroup.Delete("/me", userHandler.DeleteMe)

	// Contact routes
	contactHandler := api.NewContactHandler(s.contactRepo, s.userRepo, log.Logger)
	contactGroup := app.Group("/api/v1/contacts", requireAuth)
	contactGroup.Post("/", contactHandler.Add)
	contactGroup.Get("/", contactHandler.List)
	contactGroup.Get("/exists/:userId", contactHandler.Exists)
	contactGroup.Put("/:id", contactHandler.Update)
	contactGroup.Delete("/:id", contactHandler.Remove)
	contactGroup.Post("/:id/block", contactHandler.Block)
	contactGroup.Post("/:id/unblock", contactHandler.Unblock)

	// Conversation routes
	conversationHandler := api.NewConversationHandler(s.conversations, s.storage, log.Logger)
	convGroup := app.Group("/api/v1/conversations", requireAuth)
	convGroup.Post("/direct", conversationHandler.OpenDirect)
	convGroup.Post("/group", conversationHandler.CreateGroup)
	convGroup.Get("/", conversationHandler.List)
	convGroup.Put("/:id", conversationHandler.UpdateGroup)
	convGroup.Get("/:id/participants", conversationHandler.ListParticipants)
	convGroup.Post("/:id/participants", conversationHandler.AddParticipants)
	convGroup.Delete("/:id/participants/:userId", conversationHandler.RemoveParticipant)
	convGroup.Put("/:id/participants/:userId/role", conversationHandler.UpdateRole)

	// Message routes (sending happens only over the gateway; REST covers history, edit, delete, unread, search)
	messageHandler := api.NewMessageHandler(s.messageRepo, s.messages, s.convRepo, log.Logger)
	searchHandler := api.NewSearchHandler(s.searchService, log.Logger)
	app.Get("/api/v1/messages/conversations/:id", requireAuth, messageHandler.List)
	app.Get("/api/v1/messages/unread", requireAuth, messageHandler.Unread)
	app.Get("/api/v1/messages/search", requireAuth, searchHandler.SearchMessages)
	app.Put("/api/v1/messages/:id", requireAuth, messageHandler.Edit)
	app.Delete("/api/v1/messages/:id", requireAuth, messageHandler.Delete)

	// Public media file serving (outside /api/v1/, no auth required). The UUID component of each storage key provides
	// sufficient entropy to prevent guessing. Directory traversal is prevented by Fiber's path parameter sanitisation.
	if _, ok := s.storage.(*media.LocalStorage); ok {
		app.Get("/media/*", func(c fiber.Ctx) error {
			key := c.Params("*")
			if key == "" || strings.Contains(key, "..") {
				return fiber.ErrNotFound
			}
			rc, err := s.storage.Get(c.Context(), key)
			if err != nil {
				return fiber.ErrNotFound
			}
			defer func() { _ = rc.Close() }()

			// Set a long cache header since media keys include a unique, unguessable component.
			c.Set("Cache-Control", "public, max-age=31536000, immutable")
			return c.SendStream(rc)
		})
	}

	// Gateway WebSocket endpoint (unauthenticated; authentication happens inside the WebSocket via Identify/Resume).
	gatewayHandler := api.NewGatewayHandler(s.gatewayHub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats app.Use()
	// middleware as route matches, so without this terminal handler the router considers unmatched requests "handled"
	// and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled error.
// If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToWireCode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest wire
// error code.
func fiberStatusToWireCode(status int) wire.Code {
	switch status {
	case fiber.StatusNotFound:
		return wire.CodeNotFound
	case fiber.StatusMethodNotAllowed:
		return wire.CodeValidationError
	case fiber.StatusTooManyRequests:
		return wire.CodeRateLimited
	case fiber.StatusRequestEntityTooLarge:
		return wire.CodePayloadTooLarge
	case fiber.StatusServiceUnavailable:
		return wire.CodeServiceUnavail
	default:
		if status >= 400 && status < 500 {
			return wire.CodeValidationError
		}
		return wire.CodeInternal
	}
}
