package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"lola-gateway/internal/ai"
	appsvc "lola-gateway/internal/app"
	"lola-gateway/internal/bootstrap"
	"lola-gateway/internal/cache"
	rabbitmqClient "lola-gateway/internal/platform/rabbitmq"
	"lola-gateway/internal/repository"
	"lola-gateway/internal/transport/http/handler"
	"lola-gateway/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	userRepo := repository.NewUserRepository(app.MySQL)
	sessionRepo := repository.NewSessionRepository(app.MySQL)
	subscriberRepo := repository.NewSubscriberRepository(app.MySQL)

	historyCache := cache.NewHistoryCache(
		app.Redis,
		time.Duration(app.Config.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(app.Config.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	llmClient := ai.NewOpenAICompatibleClient(ai.ChatConfig{
		BaseURL:     app.Config.LLM.BaseURL,
		APIKey:      app.Config.LLM.APIKey,
		Model:       app.Config.LLM.Model,
		Temperature: app.Config.LLM.Temperature,
		MaxTokens:   app.Config.LLM.MaxTokens,
	})
	mailPublisher := rabbitmqClient.NewMailPublisher(app.MQConn, app.Config.RabbitMQ.MailQueue)

	authService := appsvc.NewAuthService(
		userRepo,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)
	chatService := appsvc.NewChatService(
		sessionRepo,
		historyCache,
		llmClient,
		app.Config.LLM.SystemPrompt,
		app.Config.LLM.MaxContextMessage,
	)
	newsletterService := appsvc.NewNewsletterService(subscriberRepo, mailPublisher)

	authHandler := handler.NewAuthHandler(authService)
	chatHandler := handler.NewChatHandler(chatService)
	chatWSHandler := handler.NewChatWSHandler(chatService)
	newsletterHandler := handler.NewNewsletterHandler(newsletterService)

	router.GET("/ws/chat", chatWSHandler.Serve)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	chatGroup := v1.Group("/chat")
	chatGroup.GET("/history/:session_id", chatHandler.GetHistory)
	chatGroup.DELETE("/history/:session_id", chatHandler.DeleteHistory)
	chatGroup.GET("/sessions", middleware.AuthJWT(app.Config.Auth.JWTSecret), chatHandler.ListSessions)

	newsletterGroup := v1.Group("/newsletter")
	newsletterGroup.POST("/subscribe", newsletterHandler.Subscribe)
	newsletterGroup.POST("/unsubscribe", newsletterHandler.Unsubscribe)

	return router
}
