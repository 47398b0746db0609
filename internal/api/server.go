package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"inkwell/internal/api/auth"
	"inkwell/internal/api/middleware"
	"inkwell/internal/api/scheduler"
	"inkwell/internal/config"
	"inkwell/internal/pkg/lock"
	"inkwell/internal/pkg/mailqueue"
	"inkwell/internal/pkg/metrics"
	"inkwell/internal/pkg/notify"
	"inkwell/internal/pkg/ratelimit"
	"inkwell/internal/pkg/token"
	"inkwell/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Mailer delivers verification codes and can probe its transports.
type Mailer interface {
	notify.OTPSender
	VerifyTransport(ctx context.Context) []notify.TransportStatus
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the external resources the server is built on.
type Deps struct {
	Users  store.UserStore
	DB     Pinger // optional, used by /healthz
	Redis  *redis.Client
	Mailer Mailer

	// Closers are released by Close in order.
	Closers []io.Closer
}

// Server wires the auth service, its HTTP handlers and the sweeper.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    Deps
	tokens  *token.Issuer
	svc     *auth.Service
	auth    *auth.Handler
	limiter *ratelimit.RateLimiter
	sweeper *scheduler.Sweeper
	router  *gin.Engine
}

// NewServer connects to the database and Redis named in cfg and builds the server.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	users := store.NewUserStore(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = users.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return New(cfg, logger, Deps{
		Users:   users,
		DB:      users,
		Redis:   rdb,
		Mailer:  notify.NewEmailNotifier(&cfg.Email, logger),
		Closers: []io.Closer{rdb, users},
	})
}

// New builds the server on already opened resources.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if deps.Users == nil || deps.Redis == nil || deps.Mailer == nil {
		return nil, errors.New("api: users, redis and mailer are required")
	}
	if cfg.Security.JWTSecret == "" {
		return nil, errors.New("api: jwt secret is required")
	}

	metrics.InitMetrics()

	tokens := token.NewIssuer(cfg.Security.JWTSecret, cfg.App.TokenTTL, token.WithIssuer(cfg.Security.Issuer))
	svc := auth.NewService(deps.Users, deps.Mailer, tokens, logger, auth.Config{
		AdminEmail:     cfg.App.AdminEmail,
		OTPTTL:         cfg.App.OTPTTL,
		ResendCooldown: cfg.App.ResendCooldown,
	},
		auth.WithLocker(lock.NewLocker(deps.Redis, 30*time.Second)),
		auth.WithWelcomePublisher(mailqueue.NewProducer(deps.Redis, logger, cfg.App.MailStream)),
	)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		deps:    deps,
		tokens:  tokens,
		svc:     svc,
		auth:    auth.NewHandler(svc, logger),
		limiter: ratelimit.NewRedisRateLimiter(deps.Redis, logger, "inkwell:ratelimit:auth", cfg.App.RateLimit, cfg.App.RateBurst),
	}
	if purger, ok := deps.Users.(scheduler.StalePurger); ok {
		s.sweeper = scheduler.NewSweeper(purger, logger, cfg.App.SweepInterval, cfg.App.PendingGrace)
	}

	if cfg.App.Env == "local" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	s.router = r
	s.registerRoutes()
	return s, nil
}

// Router returns the HTTP handler with CORS applied.
func (s *Server) Router() http.Handler {
	origins := s.cfg.App.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	})(s.router)
}

// StartBackground starts the stale pending sweeper when the store supports it.
func (s *Server) StartBackground(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	s.sweeper.Start(ctx)
}

// Close releases the database and cache connections.
func (s *Server) Close() error {
	var firstErr error
	for _, c := range s.deps.Closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) registerRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Backend is running.")
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	authed := []gin.HandlerFunc{
		middleware.AuthMiddleware(s.tokens),
		middleware.ActivityMiddleware(s.deps.Redis, s.cfg.App.ActivityWindow),
	}

	authGroup := s.router.Group("/api/auth")
	limited := authGroup.Group("")
	limited.Use(middleware.RateLimit(s.limiter, s.logger))
	limited.POST("/register", s.auth.Register)
	limited.POST("/verify-otp", s.auth.VerifyOTP)
	limited.POST("/resend-otp", s.auth.ResendOTP)
	limited.POST("/login", s.auth.Login)
	limited.POST("/refresh", s.auth.Refresh)
	authGroup.GET("/me", append(authed, s.auth.Me)...)

	admin := s.router.Group("/api/admin")
	admin.Use(authed...)
	admin.Use(middleware.RequireAdmin(s.svc))
	admin.GET("/test-mail", s.handleTestMail)
	admin.GET("/sessions", s.handleSessions)

	s.router.NoRoute(s.handleNoRoute)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
			return
		}
	}
	if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTestMail probes every SMTP transport with the configured credentials.
func (s *Server) handleTestMail(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	statuses := s.deps.Mailer.VerifyTransport(ctx)
	ok := false
	for _, st := range statuses {
		if st.OK {
			ok = true
			break
		}
	}
	if !ok {
		s.logger.Error("mail transport verification failed", slog.Any("transports", statuses))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":    false,
			"message":    "Mail transport verification failed",
			"transports": statuses,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Mail transport is ready",
		"transports": statuses,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	n, err := middleware.CountActive(c.Request.Context(), s.deps.Redis, s.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"active":  n,
		"window":  s.cfg.App.ActivityWindow.String(),
	})
}

func (s *Server) handleNoRoute(c *gin.Context) {
	msg := fmt.Sprintf("Cannot %s %s", c.Request.Method, c.Request.URL.Path)
	if strings.HasPrefix(c.Request.URL.Path, "/api") {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": msg})
		return
	}
	c.String(http.StatusNotFound, msg)
}
