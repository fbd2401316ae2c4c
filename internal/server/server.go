package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/metrics"
	"github.com/haojie06/sd-task-http/internal/server/handler"
)

type Options struct {
	// No keys disables authentication.
	APIKeys      []string
	KeyHeader    string
	HealthNoAuth bool
	Pprof        bool
	// ImagesDir is served under /images when results are stored locally.
	ImagesDir string
}

// Start begins serving in the background. Listen errors other than a clean
// shutdown are fatal.
func Start(host, port string, router http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              host + ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ZapLogger.Fatal("http server stopped: " + err.Error())
		}
	}()
	return srv
}

// PermissionCheckMiddleware accepts the key from the configured header, an
// Authorization bearer token or the api_key query parameter.
func PermissionCheckMiddleware(apiKeys []string, header string) gin.HandlerFunc {
	if header == "" {
		header = "X-API-Key"
	}
	return func(c *gin.Context) {
		if len(apiKeys) == 0 {
			c.Next()
			return
		}
		requestKey := c.GetHeader(header)
		if requestKey == "" {
			if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				requestKey = strings.TrimSpace(token)
			}
		}
		if requestKey == "" {
			requestKey = c.Query("api_key")
		}
		if !validKey(apiKeys, requestKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Invalid API key",
			})
			return
		}
		c.Next()
	}
}

func validKey(keys []string, candidate string) bool {
	if candidate == "" {
		return false
	}
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

func InitRouter(h *handler.Handler, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(ginzap.RecoveryWithZap(logger.ZapLogger, true))
	router.Use(ginzap.Ginzap(logger.ZapLogger, time.RFC3339Nano, true))
	router.Use(cors.Default())
	router.Use(metrics.GinMiddleware())
	if opts.Pprof {
		pprof.Register(router)
	}

	auth := PermissionCheckMiddleware(opts.APIKeys, opts.KeyHeader)
	health := router.Group("")
	if !opts.HealthNoAuth {
		health.Use(auth)
	}
	health.GET("/health", h.Health)
	health.GET("/api/health", h.Health)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.ImagesDir != "" {
		router.Static("/images", opts.ImagesDir)
	}

	apiGroup := router.Group("/api/v1", auth)
	apiGroup.POST("/generate", h.CreateGenerationTask)
	apiGroup.GET("/tasks/:task_id", h.GetTask)
	return router
}
