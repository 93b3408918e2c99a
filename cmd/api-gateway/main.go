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

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sis-registrar-api/api/swagger"
	"github.com/noah-isme/sis-registrar-api/internal/handler"
	"github.com/noah-isme/sis-registrar-api/internal/middleware"
	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/internal/repository"
	"github.com/noah-isme/sis-registrar-api/internal/service"
	"github.com/noah-isme/sis-registrar-api/pkg/cache"
	"github.com/noah-isme/sis-registrar-api/pkg/config"
	"github.com/noah-isme/sis-registrar-api/pkg/database"
	"github.com/noah-isme/sis-registrar-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sis-registrar-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sis-registrar-api/pkg/middleware/requestid"
)

// @title SIS Registrar API
// @version 1.0.0
// @description Enrollment, period scheduling and billing administration
// @BasePath /api/v1
// @schemes http

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
		logr.Sugar().Warnw("redis unavailable, sweep locks and caching degrade to single-instance mode", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	periodRepo := repository.NewPeriodRepository(db)
	feeRepo := repository.NewFeeScheduleRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	userRepo := repository.NewUserRepository(db)
	sweepLockRepo := repository.NewSweepLockRepository(redisClient, logr)

	deliverer := service.DelivererFunc(func(ctx context.Context, event models.DomainEvent) error {
		emails := make([]string, 0, len(event.Recipients))
		for _, userID := range event.Recipients {
			user, err := userRepo.FindByID(ctx, userID)
			if err != nil {
				continue
			}
			emails = append(emails, user.Email)
		}
		if len(emails) == 0 {
			admins, err := userRepo.ListEmailsByRole(ctx, models.RoleAdmin)
			if err != nil {
				return err
			}
			emails = admins
		}
		logr.Sugar().Infow("notification",
			"type", event.Type, "resource", event.Resource, "resource_id", event.ResourceID, "to", emails)
		return nil
	})

	notifications := service.NewNotificationService(deliverer, cfg.Notifications, logr)
	authSvc := service.NewAuthService(cfg.JWT)
	metricsSvc := service.NewMetricsService()
	feeSvc := service.NewFeeService(feeRepo, validate, logr)
	periodSvc := service.NewPeriodService(periodRepo, sweepLockRepo, auditRepo, notifications, cfg.Periods, validate, logr).WithMetrics(metricsSvc)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, studentRepo, periodSvc, feeSvc, auditRepo, notifications, cfg.Enrollment, validate, logr).WithMetrics(metricsSvc)
	billingSvc := service.NewBillingService(invoiceRepo, paymentRepo, enrollmentSvc, sweepLockRepo, auditRepo, notifications, cfg.Billing, validate, logr).WithMetrics(metricsSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications.Start(ctx)
	defer notifications.Stop()
	periodSvc.StartSweeper(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	periodHandler := handler.NewPeriodHandler(periodSvc)
	feeHandler := handler.NewFeeHandler(feeSvc)
	billingHandler := handler.NewBillingHandler(billingSvc)
	auditHandler := handler.NewAuditHandler(auditRepo)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authSvc))

	staff := []models.UserRole{models.RoleSuperAdmin, models.RoleAdmin, models.RoleRegistrar}
	billingStaff := []models.UserRole{models.RoleSuperAdmin, models.RoleAdmin, models.RoleCashier}

	enrollments := api.Group("/enrollments")
	enrollments.Use(middleware.Audit(auditRepo, models.AuditActionHTTPWrite, "enrollment"))
	{
		enrollments.GET("", enrollmentHandler.List)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.POST("", middleware.RequireRoles(append(staff, models.RoleGuardian)...), enrollmentHandler.Submit)
		enrollments.POST("/bulk-approve", middleware.RequireRoles(staff...), enrollmentHandler.BulkApprove)
		enrollments.PUT("/:id/approve", middleware.RequireRoles(staff...), enrollmentHandler.Approve)
		enrollments.PUT("/:id/reject", middleware.RequireRoles(staff...), enrollmentHandler.Reject)
		enrollments.PUT("/:id/enroll", middleware.RequireRoles(staff...), enrollmentHandler.MarkEnrolled)
		enrollments.PUT("/:id/complete", middleware.RequireRoles(staff...), enrollmentHandler.Complete)
		enrollments.PUT("/:id/withdraw", middleware.RequireRoles(staff...), enrollmentHandler.Withdraw)
		enrollments.PUT("/:id/reset", middleware.RequireRoles(models.RoleSuperAdmin), enrollmentHandler.Reset)
		enrollments.PUT("/:id/payment-status", middleware.RequireRoles(billingStaff...), enrollmentHandler.UpdatePaymentStatus)
	}

	periods := api.Group("/periods")
	periods.Use(middleware.Audit(auditRepo, models.AuditActionHTTPWrite, "period"))
	{
		periods.GET("", periodHandler.List)
		periods.GET("/active", periodHandler.Active)
		periods.GET("/:id", periodHandler.Get)
		periods.POST("", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), periodHandler.Create)
		periods.PUT("/:id", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), periodHandler.Update)
		periods.PUT("/:id/activate", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), periodHandler.ForceActivate)
		periods.PUT("/:id/close", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), periodHandler.ForceClose)
		periods.POST("/sweep", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), periodHandler.RunSweep)
	}

	fees := api.Group("/fee-schedules")
	fees.Use(middleware.Audit(auditRepo, models.AuditActionHTTPWrite, "fee_schedule"))
	{
		fees.GET("", feeHandler.List)
		fees.GET("/resolve", feeHandler.Resolve)
		fees.POST("", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), feeHandler.Create)
		fees.DELETE("/:id", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), feeHandler.Deactivate)
	}

	invoices := api.Group("/invoices")
	invoices.Use(middleware.Audit(auditRepo, models.AuditActionHTTPWrite, "invoice"))
	{
		invoices.GET("", billingHandler.List)
		invoices.GET("/export", middleware.RequireRoles(billingStaff...), billingHandler.ExportCSV)
		invoices.GET("/:id", billingHandler.Get)
		invoices.GET("/:id/pdf", billingHandler.ExportPDF)
		invoices.GET("/:id/payments", billingHandler.ListPayments)
		invoices.POST("", middleware.RequireRoles(billingStaff...), billingHandler.Issue)
		invoices.PUT("/:id/send", middleware.RequireRoles(billingStaff...), billingHandler.Send)
		invoices.PUT("/:id/cancel", middleware.RequireRoles(billingStaff...), billingHandler.Cancel)
		invoices.POST("/:id/payments", middleware.RequireRoles(billingStaff...), billingHandler.RecordPayment)
		invoices.POST("/:id/refunds", middleware.RequireRoles(billingStaff...), billingHandler.RecordRefund)
		invoices.POST("/mark-overdue", middleware.RequireRoles(billingStaff...), billingHandler.MarkOverdue)
	}

	api.GET("/audit/:resource/:id", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), auditHandler.ListByResource)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Sugar().Infow("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
