package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/metergate/internal/alert"
	"github.com/smallbiznis/metergate/internal/apikey"
	apikeydomain "github.com/smallbiznis/metergate/internal/apikey/domain"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/counter"
	"github.com/smallbiznis/metergate/internal/observability"
	obslogger "github.com/smallbiznis/metergate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/metergate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/metergate/internal/observability/tracing"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	"github.com/smallbiznis/metergate/internal/webhook"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	alert.Module,
	apikey.Module,
	counter.Module,
	ratelimit.Module,
	webhook.Module,
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
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

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	apiKeyRepo apikeydomain.Repository
	apiKeySvc  apikeydomain.Service
	webhookSvc webhookdomain.Service
	evaluator  *ratelimit.Evaluator
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	APIKeyRepo apikeydomain.Repository
	APIKeySvc  apikeydomain.Service
	WebhookSvc webhookdomain.Service
	Evaluator  *ratelimit.Evaluator
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		log:        p.Log.Named("server"),
		clock:      p.Clock,
		genID:      p.GenID,
		apiKeyRepo: p.APIKeyRepo,
		apiKeySvc:  p.APIKeySvc,
		webhookSvc: p.WebhookSvc,
		evaluator:  p.Evaluator,
		obsMetrics: p.ObsMetrics,
	}
}

func registerRoutes(s *Server) {
	s.RegisterAPIRoutes()
}

func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1", s.APIKeyRequired(), s.ScopeGate())

	v1.POST("/check", s.CheckRateLimit)
	v1.POST("/events", s.PublishEvent)

	v1.GET("/webhook-endpoints", s.ListWebhookEndpoints)
	v1.POST("/webhook-endpoints", s.CreateWebhookEndpoint)
	v1.DELETE("/webhook-endpoints/:id", s.DeleteWebhookEndpoint)
	v1.POST("/webhook-endpoints/:id/secret", s.RegenerateWebhookSecret)
	v1.POST("/webhook-endpoints/:id/breaker/reset", s.ResetWebhookBreaker)

	v1.GET("/deliveries", s.ListDeliveries)
	v1.GET("/deliveries/:id", s.GetDelivery)
	v1.POST("/deliveries/:id/retry", s.RetryDelivery)

	v1.GET("/api-keys", s.ListAPIKeys)
	v1.POST("/api-keys", s.CreateAPIKey)
	v1.POST("/api-keys/:key_id/rotate", s.RotateAPIKey)
	v1.DELETE("/api-keys/:key_id", s.RevokeAPIKey)
}

func run(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.engine,
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
