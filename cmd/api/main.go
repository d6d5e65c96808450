package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/hbics/dismissal-api/api/swagger"
	"github.com/hbics/dismissal-api/internal/handler"
	"github.com/hbics/dismissal-api/internal/middleware"
	"github.com/hbics/dismissal-api/internal/models"
	"github.com/hbics/dismissal-api/internal/repository"
	"github.com/hbics/dismissal-api/internal/service"
	"github.com/hbics/dismissal-api/internal/ws"
	"github.com/hbics/dismissal-api/pkg/cache"
	"github.com/hbics/dismissal-api/pkg/config"
	"github.com/hbics/dismissal-api/pkg/database"
	"github.com/hbics/dismissal-api/pkg/jobs"
	"github.com/hbics/dismissal-api/pkg/logger"
	corsmiddleware "github.com/hbics/dismissal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/hbics/dismissal-api/pkg/middleware/requestid"
	"github.com/hbics/dismissal-api/pkg/storage"
)

// @title HBICS Dismissal API
// @version 1.0.0
// @description Student dismissal tracking: barcode check-in/check-out with live dashboard push
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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	rosterRepo := repository.NewRosterRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "dismissal-api",
	})
	studentSvc := service.NewStudentService(studentRepo, validate, logr)

	// The roster service broadcasts through the hub; the hub answers snapshot
	// requests through the roster service. Construct the hub first with a
	// snapshot func resolved at call time.
	var rosterSvc *service.RosterService
	hub := ws.NewHub(cfg.WS, cfg.CORS.AllowedOrigins, func(ctx context.Context) ([]models.ActiveStudent, error) {
		return rosterSvc.Snapshot(ctx)
	}, metricsSvc, logr)
	rosterSvc = service.NewRosterService(rosterRepo, studentRepo, cacheRepo, userRepo, hub, metricsSvc, validate, logr, cfg.Roster.SnapshotCacheTTL, cfg.Roster.DefaultLogLimit)

	go hub.Run(ctx)

	exportStore, err := storage.NewLocalStorage(cfg.Export.Dir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init export storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.JWT.Secret, cfg.Export.ResultTTL)
	reportRepo := repository.NewReportRepository(db)
	exportSvc := service.NewExportService(rosterRepo, exportStore, signer, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
		ResultTTL: cfg.Export.ResultTTL,
	}, logr, nil, nil)
	reportWorker := service.NewReportWorker(reportRepo, exportSvc, cfg.Export.MaxRetries, logr)
	reportQueue := jobs.NewQueue("reports", reportWorker.Handle, jobs.QueueConfig{
		Workers:    cfg.Export.Workers,
		MaxRetries: cfg.Export.MaxRetries,
		Logger:     logr,
	})
	reportQueue.Start(ctx)
	defer reportQueue.Stop()

	reportSvc := service.NewReportService(reportRepo, reportQueue, exportSvc, logr, service.ReportServiceConfig{
		ResultTTL:       cfg.Export.ResultTTL,
		CleanupInterval: cfg.Export.CleanupInterval,
		MaxRetries:      cfg.Export.MaxRetries,
	})
	reportSvc.RecoverPendingJobs(ctx)
	reportSvc.StartCleanup(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.WithResponseMeta())
	r.Use(middleware.Metrics(metricsSvc))

	authHandler := handler.NewAuthHandler(authSvc)
	studentHandler := handler.NewStudentHandler(studentSvc)
	dismissalHandler := handler.NewDismissalHandler(rosterSvc)
	reportHandler := handler.NewReportHandler(reportSvc, logr)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
	auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)

	dismissal := api.Group("/dismissal", middleware.JWT(authSvc))
	dismissal.POST("/check-in", middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher), dismissalHandler.CheckIn)
	dismissal.POST("/check-out", middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher), dismissalHandler.CheckOut)
	dismissal.GET("/active", dismissalHandler.Active)
	dismissal.GET("/status/:barcode", dismissalHandler.Status)
	dismissal.GET("/logs", dismissalHandler.Logs)
	dismissal.GET("/logs/export", middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher), dismissalHandler.ExportLogs)
	dismissal.GET("/today", dismissalHandler.Today)
	dismissal.GET("/history/:studentId", dismissalHandler.History)
	dismissal.DELETE("/active/clear", middleware.RequireRoles(models.RoleAdmin), dismissalHandler.ClearAll)
	dismissal.DELETE("/active/:studentId", middleware.RequireRoles(models.RoleAdmin), dismissalHandler.ClearSingle)

	students := api.Group("/students", middleware.JWT(authSvc))
	students.GET("", dismissalReadRoles(), studentHandler.List)
	students.GET("/:id", dismissalReadRoles(), studentHandler.Get)
	students.POST("", middleware.RequireRoles(models.RoleAdmin), studentHandler.Create)
	students.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), studentHandler.Update)
	students.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), studentHandler.Delete)

	reports := api.Group("/reports", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher))
	reports.POST("/generate", reportHandler.GenerateReport)
	reports.GET("/status/:id", reportHandler.ReportStatus)

	// Download links are self-authorizing: the signed token scopes access to
	// one file and expires with the job result.
	api.GET("/export/:token", reportHandler.DownloadReport)

	api.GET("/ws", hub.HandleConnection(authSvc))

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
	stop()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("forced shutdown", "error", err)
	}
}

// Teachers may read the directory for dashboard enrichment; admins manage it.
func dismissalReadRoles() gin.HandlerFunc {
	return middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)
}
