package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/makkenzo/activation-platform/internal/handler/middleware"
	"github.com/makkenzo/activation-platform/internal/ierr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Activation *ActivationHandler
	Binding    *BindingHandler
	Payment    *PaymentHandler
	Webhook    *WebhookHandler
	Unified    *UnifiedHandler
	Health     *HealthHandler

	AdminAuth      middleware.TokenValidator
	AttemptLimiter middleware.AttemptLimiter
	RateLimiter    middleware.RateLimiter
	Gatherer       prometheus.Gatherer

	AllowOrigins []string
	Logger       *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logMsg := "Panic recovered"
		if err, ok := recovered.(string); ok {
			logMsg = fmt.Sprintf("%s: %s", logMsg, err)
		} else if err, ok := recovered.(error); ok {
			logMsg = fmt.Sprintf("%s: %v", logMsg, err)
		}
		d.Logger.Error(logMsg, zap.Stack("stack"))

		_ = c.Error(ierr.ErrInternalServer)
		c.Abort()
	}))

	// cors panics on an empty origin list; no origins means no browser clients.
	if len(d.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: d.AllowOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{
				"Origin",
				"Content-Type",
				"Accept",
				"Authorization",
			},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(middleware.ErrorHandlerMiddleware(d.Logger))

	if d.Health != nil {
		router.GET("/healthz", d.Health.Check)
	}
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	apiV1 := router.Group("/api/v1")
	if d.RateLimiter != nil {
		apiV1.Use(middleware.RateLimit(d.RateLimiter, d.Logger))
	}

	limited := []gin.HandlerFunc{}
	if d.AttemptLimiter != nil {
		limited = append(limited, middleware.AttemptLimit(d.AttemptLimiter, d.Logger))
	}
	with := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, limited...), h)
	}

	codeRoutes := apiV1.Group("/codes")
	{
		codeRoutes.POST("/verify", with(d.Activation.Verify)...)
		codeRoutes.POST("/redeem", with(d.Activation.Redeem)...)
		codeRoutes.GET("/:code/records", d.Activation.Records)
	}

	bindingRoutes := apiV1.Group("/binding")
	{
		bindingRoutes.POST("/bind", with(d.Binding.Bind)...)
		bindingRoutes.POST("/verify", with(d.Binding.Verify)...)
		bindingRoutes.GET("/:code", d.Binding.Info)
	}

	if d.Unified != nil {
		unifiedRoutes := apiV1.Group("/activation/unified")
		unifiedRoutes.POST("/activate", with(d.Unified.Activate)...)
		unifiedRoutes.POST("/bind", with(d.Unified.Bind)...)
	}

	paymentRoutes := apiV1.Group("/payments")
	{
		paymentRoutes.GET("/methods", d.Payment.Methods)
		paymentRoutes.POST("/purchase", d.Payment.Purchase)
		paymentRoutes.GET("/:id", d.Payment.Status)
	}

	// Gateways authenticate themselves through signatures, not our rate limits.
	router.POST("/api/v1/webhooks/:method", d.Webhook.Handle)

	adminRoutes := apiV1.Group("/admin")
	adminRoutes.Use(middleware.AdminAuth(d.AdminAuth, d.Logger))
	{
		adminRoutes.POST("/codes", d.Activation.Issue)
		adminRoutes.GET("/codes", d.Activation.List)
		adminRoutes.POST("/codes/:code/disable", d.Activation.Disable)
		adminRoutes.POST("/binding/unbind", d.Binding.Unbind)
		adminRoutes.GET("/payments", d.Payment.List)
		adminRoutes.POST("/payments/:id/refund", d.Payment.Refund)
		adminRoutes.POST("/payments/:id/reconcile", d.Payment.Reconcile)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "route not found"})
	})

	return router
}
