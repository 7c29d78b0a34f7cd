package http

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/service"
)

// SetupRouter sets up the Gin router
func SetupRouter(
	ceremonies *service.CeremonyService,
	sessions *service.SessionService,
	risk *service.RiskEngine,
	phishing *service.PhishingChecker,
	logger *slog.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware(logger))
	router.Use(LoggingMiddleware(logger))
	router.Use(metrics.Middleware())

	handlers := NewHandlers(ceremonies, sessions, risk, phishing)

	router.GET("/health", handlers.Health)
	router.GET("/metrics", metrics.Handler())

	// Ceremony routes
	auth := router.Group("/auth")
	{
		auth.POST("/register/begin", handlers.BeginRegistration)
		auth.POST("/register/complete", handlers.CompleteRegistration)
		auth.POST("/login/begin", handlers.BeginAuthentication)
		auth.POST("/login/complete", handlers.CompleteAuthentication)
		auth.POST("/logout", handlers.Logout)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(sessions))
	{
		api.GET("/me", handlers.Me)
		api.POST("/logout-all", handlers.LogoutAll)
		api.GET("/authorize", handlers.Authorize)
		api.PUT("/safe-mode", handlers.SetSafeMode)
		api.DELETE("/credentials/:id", handlers.RevokeCredential)
		api.POST("/transactions/assess", handlers.AssessTransaction)
		api.POST("/transactions/confirm", handlers.ConfirmTransaction)
		api.POST("/phishing/url", handlers.CheckURL)
		api.POST("/phishing/address", handlers.CheckAddress)
	}

	return router
}
