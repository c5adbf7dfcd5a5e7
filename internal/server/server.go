// Package server exposes the engine over HTTP: bill run lifecycle, the
// review screens, and reviewer amendments.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	"github.com/wrls/tariff-engine/internal/config"
	"github.com/wrls/tariff-engine/internal/observability/metrics"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger, engineMetrics *metrics.EngineMetrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(engineMetrics.Handler()))

	return r
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	billRunSvc billrundomain.Service
	reviewSvc  reviewdomain.Service
}

type ServerParam struct {
	fx.In

	Engine     *gin.Engine
	Config     config.Config
	BillRunSvc billrundomain.Service
	ReviewSvc  reviewdomain.Service
}

func NewServer(p ServerParam) *Server {
	return &Server{
		engine:     p.Engine,
		cfg:        p.Config,
		billRunSvc: p.BillRunSvc,
		reviewSvc:  p.ReviewSvc,
	}
}

func registerRoutes(s *Server) {
	api := s.engine.Group("/api")

	api.POST("/bill-runs", s.CreateBillRun)
	api.GET("/bill-runs", s.ListBillRuns)
	api.GET("/bill-runs/:id", s.GetBillRun)
	api.POST("/bill-runs/:id/process", s.ProcessBillRun)
	api.POST("/bill-runs/:id/cancel", s.CancelBillRun)
	api.POST("/bill-runs/:id/generate", s.GenerateBillRun)
	api.DELETE("/bill-runs/:id/licences/:licenceId", s.RemoveBillRunLicence)

	api.GET("/bill-runs/:id/review-licences", s.ListReviewLicences)
	api.GET("/bill-runs/:id/review-licences/:licenceId", s.GetLicenceReview)
	api.PATCH("/review-licences/:id/progress", s.SetReviewProgress)
	api.PATCH("/review-charge-references/:id", s.AmendChargeReference)
	api.PATCH("/review-charge-elements/:id", s.AmendChargeElement)

	api.POST("/licences/:licenceId/supplementary-years", s.FlagSupplementaryYear)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
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
