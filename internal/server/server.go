package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/config"
	"github.com/smallbiznis/esocialgw/internal/observability"
	obsmiddleware "github.com/smallbiznis/esocialgw/internal/observability/logger"
	obstracing "github.com/smallbiznis/esocialgw/internal/observability/tracing"
	"github.com/smallbiznis/esocialgw/internal/ratelimit"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	db       *gorm.DB
	eventSvc domain.Service
	secrets  secretstore.Store
	limiter  *ratelimit.SubmissionLimiter
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Cfg      config.Config
	DB       *gorm.DB `optional:"true"`
	EventSvc domain.Service
	Secrets  secretstore.Store

	Limiter *ratelimit.SubmissionLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		db:       p.DB,
		eventSvc: p.EventSvc,
		secrets:  p.Secrets,
		limiter:  p.Limiter,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	events := api.Group("/compliance-events")
	events.POST("", s.CreateComplianceEvent)
	events.GET("/:id", s.GetComplianceEvent)
	events.PUT("/:id/payload", s.UpdateComplianceEventPayload)
	events.POST("/:id/submit", s.SubmissionRateLimit(), s.SubmitComplianceEvent)
	events.POST("/:id/requery", s.RequeryComplianceEvent)
	events.GET("/:id/xml", s.DownloadSignedXML)
	events.GET("/:id/receipt.pdf", s.DownloadReceipt)

	companies := api.Group("/companies/:company_id")
	companies.GET("/compliance-events", s.ListComplianceEvents)
	companies.PUT("/credential", s.UpsertCredential)

	s.engine.GET("/ready", s.Ready)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

// Ready reports whether the database answers.
func (s *Server) Ready(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		obsmiddleware.FromContext(c.Request.Context()).Warn("readiness check failed", zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
