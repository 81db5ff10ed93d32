package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "matchtalk/docs"
	"matchtalk/pkg/auth"
	"matchtalk/pkg/bus"
	"matchtalk/pkg/chat"
	"matchtalk/pkg/config"
	"matchtalk/pkg/db"
	"matchtalk/pkg/logger"
	"matchtalk/pkg/metrics"
	"matchtalk/pkg/notify"
	"matchtalk/pkg/pushstream"
	"matchtalk/pkg/ratelimit"
	"matchtalk/pkg/users"
)

// @title           matchtalk API
// @version         1.0
// @description     Real-time two-party conversations: message history, sends, read receipts, typing and push streams.

// @BasePath  /
// @schemes   http https

// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		// the logger is configured from cfg, so this one goes to stderr
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	log, err := logger.New(cfg.LogDevelopment)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server exiting")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var pool *pgxpool.Pool
	var store chat.MessageStore
	var policy chat.Policy = chat.AllowAll{}
	var directory users.Directory = users.NewStaticDirectory()

	switch cfg.StoreDriver {
	case "postgres":
		p, err := db.Connect(ctx, cfg.Postgres, log)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p
		store = chat.NewPostgresMessageStore(pool)
		policy = chat.NewPostgresPolicy(pool)
		directory = users.NewPostgresDirectory(pool)
	case "mongo":
		client, database, err := db.ConnectMongo(ctx, cfg.Mongo, log)
		if err != nil {
			return err
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		ms := chat.NewMongoMessageStore(database)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return err
		}
		store = ms
	default:
		log.Warn("using in-memory message store; messages are lost on restart")
		store = chat.NewMemoryMessageStore()
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		c, err := db.ConnectRedis(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer c.Close()
		rdb = c
	}

	local := bus.NewLocal(cfg.Bus.SubscriberBuffer, log)
	defer local.Close()
	var b bus.Bus = local
	if cfg.Bus.RedisBridge {
		bridge := bus.NewRedisBridge(local, rdb, "", log)
		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("redis bridge stopped", zap.Error(err))
			}
		}()
		b = bridge
	}

	rules := ratelimit.Rules{
		ratelimit.BucketSend:   {Limit: cfg.Rate.SendLimit, Window: cfg.Rate.SendWindow},
		ratelimit.BucketTyping: {Limit: cfg.Rate.TypingLimit, Window: cfg.Rate.TypingWindow},
	}
	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, "", rules)
	} else {
		ml := ratelimit.NewMemoryLimiter(rules)
		go ml.RunSweeper(ctx, 10*time.Minute)
		limiter = ml
	}

	resolver, err := auth.NewJWTResolver(cfg.JWT.Secret, cfg.JWT.PublicKeyPath)
	if err != nil {
		return err
	}

	registry := pushstream.NewRegistry()

	var email notify.EmailService = notify.Disabled{}
	if cfg.SendGrid.APIKey != "" {
		email = notify.NewEmailService(cfg.SendGrid)
	} else {
		log.Info("SENDGRID_API_KEY not set; offline emails disabled")
	}
	notifier := notify.NewOfflineNotifier(email, directory, registry, cfg.NotifyCooldown, log)
	defer notifier.Wait()

	svc := chat.NewService(chat.Deps{
		Store:    store,
		Policy:   policy,
		Limiter:  limiter,
		Bus:      b,
		Notifier: notifier,
		Log:      log,
	})
	chatHandler := chat.NewHandler(svc, b, registry, pushstream.Config{Heartbeat: cfg.StreamHeartbeat}, log)

	router := newRouter(cfg, log)
	chatHandler.RegisterRoutes(router.Group("/", auth.Middleware(resolver)))

	return serve(ctx, cfg, router, log)
}

func newRouter(cfg *config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(logger.RequestLogger(log), gin.Recovery())

	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router
}

func serve(ctx context.Context, cfg *config.Config, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.Bool("tls", cfg.TLS.Enabled))
		if !cfg.TLS.Enabled {
			errc <- srv.ListenAndServe()
			return
		}
		tlsConfig, certFile, keyFile, err := buildTLSConfig(cfg.TLS, cfg.IsProduction())
		if err != nil {
			errc <- err
			return
		}
		srv.TLSConfig = tlsConfig
		errc <- srv.ListenAndServeTLS(certFile, keyFile)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// push streams do not end on their own; cut them
		log.Warn("graceful shutdown timed out", zap.Error(err))
		return srv.Close()
	}
	return nil
}
