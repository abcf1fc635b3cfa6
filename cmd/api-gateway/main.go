package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/cfa-appel-api/api/swagger"
	"github.com/noah-isme/cfa-appel-api/internal/handler"
	internalmiddleware "github.com/noah-isme/cfa-appel-api/internal/middleware"
	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/repository"
	"github.com/noah-isme/cfa-appel-api/internal/service"
	"github.com/noah-isme/cfa-appel-api/pkg/cache"
	"github.com/noah-isme/cfa-appel-api/pkg/config"
	"github.com/noah-isme/cfa-appel-api/pkg/csrf"
	"github.com/noah-isme/cfa-appel-api/pkg/database"
	"github.com/noah-isme/cfa-appel-api/pkg/export"
	"github.com/noah-isme/cfa-appel-api/pkg/jobs"
	"github.com/noah-isme/cfa-appel-api/pkg/logger"
	"github.com/noah-isme/cfa-appel-api/pkg/mailer"
	corsmiddleware "github.com/noah-isme/cfa-appel-api/pkg/middleware/cors"
	"github.com/noah-isme/cfa-appel-api/pkg/middleware/ratelimit"
	reqidmiddleware "github.com/noah-isme/cfa-appel-api/pkg/middleware/requestid"
	"github.com/noah-isme/cfa-appel-api/pkg/storage"
)

// @title CFA Appel API
// @version 1.0.0
// @description Roll-call and e-signature attendance for CFA class sessions
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logr.Sugar().Warnw("unknown timezone, falling back to UTC", "timezone", cfg.Timezone, "error", err)
		loc = time.UTC
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	var cacheRepo service.CacheRepository
	if cfg.Cache.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, poll cache disabled", "error", err)
		} else {
			defer redisClient.Close()
			cacheRepo = repository.NewCacheRepository(redisClient, "cfa")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	validate := validator.New()
	metrics := service.NewMetricsService()
	csrfManager := csrf.NewManager(cfg.CSRF.Secret, cfg.CSRF.TTL)

	templates, err := mailer.NewRenderer(loc)
	if err != nil {
		logr.Sugar().Fatalw("failed to parse email templates", "error", err)
	}

	userRepo := repository.NewUserRepository(db)
	appelRepo := repository.NewAppelRepository(db)
	presenceRepo := repository.NewPresenceRepository(db)
	sessionRepo := repository.NewClassSessionRepository(db)

	attendance := service.NewAttendanceService(service.AttendanceServiceParams{
		Appels:         appelRepo,
		Presences:      presenceRepo,
		Sessions:       sessionRepo,
		Enrollments:    repository.NewEnrollmentRepository(db),
		AbsenceReasons: repository.NewAbsenceReasonRepository(db),
		Mailer:         newMailer(cfg.Mail, logr),
		Templates:      templates,
		CSRF:           csrfManager,
		Cache:          service.NewCacheService(cacheRepo, metrics, cfg.Cache.PollTTL, logr, cacheRepo != nil),
		Metrics:        metrics,
		Audit:          userRepo,
		Clock:          clk,
		Validator:      validate,
		Logger:         logr,
		Config: service.AttendanceServiceConfig{
			BaseURL:       cfg.BaseURL,
			LateThreshold: cfg.Attendance.LateThreshold,
			PollCacheTTL:  cfg.Cache.PollTTL,
		},
	})
	if cfg.Attendance.SweepEnabled {
		go attendance.RunSweep(ctx, cfg.Attendance.SweepInterval)
	}

	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "cfa-appel-api",
		Clock:              clk,
	})

	var exportHandler *handler.ExportHandler
	if cfg.Exports.Enabled {
		exportHandler, err = startExports(ctx, cfg, db, exportDeps{
			appels:    appelRepo,
			presences: presenceRepo,
			sessions:  sessionRepo,
			audit:     userRepo,
			metrics:   metrics,
			clock:     clk,
			location:  loc,
			logger:    logr,
		})
		if err != nil {
			logr.Sugar().Fatalw("failed to start exports", "error", err)
		}
	}

	signatureTemplates, err := handler.SignatureTemplates()
	if err != nil {
		logr.Sugar().Fatalw("failed to parse signature templates", "error", err)
	}

	checks := []handler.ReadinessCheck{{Name: "postgres", Check: db.PingContext}}
	if redisClient != nil {
		checks = append(checks, handler.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	r := gin.New()
	r.SetHTMLTemplate(signatureTemplates)
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics, checks...)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	limiter := ratelimit.New(cfg.RateLimit.SignaturePerMinute, cfg.RateLimit.SignaturePerMinute, clk)
	signatureHandler := handler.NewSignatureHandler(attendance, csrfManager, loc, logr)
	signature := r.Group("/signature", limiter.Middleware())
	signature.GET("/:token", signatureHandler.Show)
	signature.POST("/:token", signatureHandler.Submit)

	api := r.Group(cfg.APIPrefix)

	authHandler := handler.NewAuthHandler(authService)
	api.POST("/auth/login", limiter.Middleware(), authHandler.Login)
	api.POST("/auth/refresh", authHandler.Refresh)
	if exportHandler != nil {
		api.GET("/exports/download/:token", exportHandler.Download)
	}

	secured := api.Group("", internalmiddleware.JWT(authService), internalmiddleware.WithResponseMeta())
	secured.POST("/auth/logout", authHandler.Logout)
	secured.POST("/auth/logout-all", authHandler.LogoutAll)
	secured.GET("/auth/me", authHandler.Me)

	staff := secured.Group("", internalmiddleware.RequireRoles(models.RoleInstructor, models.RoleAdmin))
	sessionCSRF := internalmiddleware.CSRF(csrfManager, internalmiddleware.SessionParamScope)
	appelCSRF := internalmiddleware.CSRF(csrfManager, internalmiddleware.AppelParamScope)

	appelHandler := handler.NewAppelHandler(attendance)
	staff.GET("/class-sessions/:id/roll-call", appelHandler.RollCall)
	staff.POST("/class-sessions/:id/appels", sessionCSRF, appelHandler.Create)
	staff.GET("/appels/:id", appelHandler.Get)
	staff.GET("/appels/:id/poll", appelHandler.Poll)
	staff.POST("/appels/:id/emails", appelCSRF, appelHandler.SendEmails)
	staff.POST("/appels/:id/presences/:presenceId/resend", appelCSRF, appelHandler.Resend)
	staff.POST("/appels/:id/reopen", appelCSRF, appelHandler.Reopen)
	staff.POST("/appels/:id/close", appelCSRF, appelHandler.Close)
	staff.DELETE("/appels/:id", appelCSRF, appelHandler.Delete)
	staff.POST("/appels/:id/presences/:presenceId/justify", appelCSRF, appelHandler.Justify)
	staff.GET("/absence-reasons", appelHandler.AbsenceReasons)
	staff.GET("/learners/:id/presences",
		internalmiddleware.Audit(userRepo, logr, models.AuditActionLearnerHistory, "learner"),
		appelHandler.LearnerHistory)
	staff.GET("/metrics/snapshot", internalmiddleware.RequireRoles(models.RoleAdmin), metricsHandler.Snapshot)
	if exportHandler != nil {
		staff.POST("/appels/:id/exports", appelCSRF, exportHandler.Create)
		staff.GET("/exports/:id", exportHandler.Status)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}

func newMailer(cfg config.MailConfig, logr *zap.Logger) mailer.Mailer {
	if cfg.Driver == config.MailDriverSendgrid && cfg.SendgridAPIKey != "" {
		return mailer.NewSendgridMailer(cfg.SendgridAPIKey, cfg.FromName, cfg.FromAddress)
	}
	if cfg.Driver == config.MailDriverSendgrid {
		logr.Warn("SENDGRID_API_KEY missing, signature emails are only logged")
	}
	return mailer.NewLogMailer(logr)
}

type exportDeps struct {
	appels    *repository.AppelRepository
	presences *repository.PresenceRepository
	sessions  *repository.ClassSessionRepository
	audit     *repository.UserRepository
	metrics   *service.MetricsService
	clock     clock.Clock
	location  *time.Location
	logger    *zap.Logger
}

// startExports wires the export queue and its cleanup loop; both stop with ctx.
func startExports(ctx context.Context, cfg *config.Config, db *sqlx.DB, deps exportDeps) (*handler.ExportHandler, error) {
	files, err := storage.NewLocalStorage(cfg.Exports.StorageDir, deps.clock)
	if err != nil {
		return nil, err
	}
	exporter := service.NewExportService(service.ExportServiceParams{
		Appels:    deps.appels,
		Presences: deps.presences,
		Sessions:  deps.sessions,
		Storage:   files,
		Signer:    storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL),
		CSV:       export.NewCSVExporter(),
		PDF:       export.NewPDFExporter(),
		Clock:     deps.clock,
		Logger:    deps.logger,
		Config: service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Exports.SignedURLTTL,
			Location:  deps.location,
		},
	})

	jobRepo := repository.NewExportJobRepository(db)
	worker := service.NewExportWorker(jobRepo, exporter, deps.metrics, deps.clock, cfg.Exports.WorkerRetries, deps.logger)
	queue := jobs.NewQueue("exports", worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Exports.WorkerConcurrency,
		MaxRetries: cfg.Exports.WorkerRetries,
		RetryDelay: 2 * time.Second,
		OnGiveUp:   worker.GiveUp,
		Clock:      deps.clock,
		Logger:     deps.logger,
	})
	queue.Start(ctx)
	go func() {
		<-ctx.Done()
		queue.Stop()
	}()

	jobService := service.NewExportJobService(jobRepo, deps.appels, queue, exporter, deps.audit, deps.metrics, deps.clock, deps.logger,
		service.ExportJobServiceConfig{CleanupInterval: cfg.Exports.CleanupInterval})
	jobService.RecoverPendingJobs(ctx)
	jobService.StartCleanup(ctx)

	return handler.NewExportHandler(jobService, deps.logger), nil
}
