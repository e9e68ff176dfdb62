package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/config"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/middleware"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/service"
)

// NewRouter wires every route onto a fresh engine.
func NewRouter(cfg *config.Config, reviews *service.ReviewService, mineru *service.MineruService) *gin.Engine {
	authHandler := NewAuthHandler(cfg)
	reviewHandler := NewReviewHandler(reviews, cfg.Server.MaxUploadSize)
	progressHandler := NewProgressHandler(reviewHandler)
	callbackHandler := NewCallbackHandler(mineru)

	router := gin.New()
	router.MaxMultipartMemory = 8 << 20
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(noCacheMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// WebSockets sit outside the rate limiter; a page holds one open for
	// the whole review.
	ws := router.Group("/ws")
	{
		ws.GET("/health", progressHandler.Health)
		ws.GET("/review/:task_id", middleware.AuthMiddleware(&cfg.Auth), progressHandler.Review)
	}

	api := router.Group("/api/v1")
	api.Use(middleware.RateLimit(cfg.Server.RateLimit, time.Minute))
	{
		api.POST("/auth/login", authHandler.Login)
		api.POST("/mineru/callback", callbackHandler.HandleCallback)
	}

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)

		protected.POST("/upload", reviewHandler.Upload)
		protected.GET("/upload/status/:id", reviewHandler.UploadStatus)

		protected.POST("/draft_roles", reviewHandler.DraftRoles)
		protected.POST("/confirm_roles", reviewHandler.ConfirmRoles)
		protected.POST("/manual_party_names", reviewHandler.ManualPartyNames)

		protected.POST("/review", reviewHandler.StartReview)
		protected.GET("/review/:id", reviewHandler.GetReview)
		protected.GET("/review/:id/summary", reviewHandler.GetSummary)
		protected.GET("/tasks", reviewHandler.ListTasks)

		protected.GET("/search/:id", reviewHandler.Search)
		protected.GET("/export/:id", reviewHandler.Export)
		protected.GET("/export/:id/preview", reviewHandler.PreviewReport)
		protected.GET("/export/:id/formats", reviewHandler.ExportFormats)
		protected.DELETE("/export/:id/files", reviewHandler.DeleteReports)
	}

	return router
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Report-URL, Content-Disposition")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// noCacheMiddleware keeps API responses out of browser caches; task state
// changes underneath them.
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
		}
		c.Next()
	}
}
