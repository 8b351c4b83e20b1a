package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"dealroom/internal/infra/config"
	"dealroom/internal/infra/obs"
)

type ConversationHTTP interface {
	Create(c *gin.Context)
	List(c *gin.Context)
	Get(c *gin.Context)
	Messages(c *gin.Context)
	SendText(c *gin.Context)
	SendOffer(c *gin.Context)
	SendFile(c *gin.Context)
	Respond(c *gin.Context)
	Retry(c *gin.Context)
	MarkRead(c *gin.Context)
	Focus(c *gin.Context)
	Archive(c *gin.Context)
	Unarchive(c *gin.Context)
	OfferContext(c *gin.Context)
}

type PresenceHTTP interface {
	Typing(c *gin.Context)
	Heartbeat(c *gin.Context)
	Get(c *gin.Context)
}

type SearchHTTP interface {
	Search(c *gin.Context)
}

type LiveHTTP interface {
	Stream(c *gin.Context)
}

type Handlers struct {
	Conversations  ConversationHTTP
	Presence       PresenceHTTP
	Search         SearchHTTP
	Live           LiveHTTP
	AuthMiddleware gin.HandlerFunc
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(cfg.CORSOrigins, obsMW, health, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter builds the engine without touching the global gin mode.
func NewRouter(origins []string, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	corsCfg := cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 {
		corsCfg.AllowOrigins = nil
		corsCfg.AllowAllOrigins = true
	}
	router.Use(cors.New(corsCfg))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	api := router.Group("/api/v1")
	if h.Conversations != nil {
		api.POST("/listings/:ref/conversations", h.Conversations.Create)
		conv := api.Group("/conversations")
		conv.GET("", h.Conversations.List)
		conv.GET("/:id", h.Conversations.Get)
		conv.GET("/:id/messages", h.Conversations.Messages)
		conv.POST("/:id/messages", h.Conversations.SendText)
		conv.POST("/:id/offers", h.Conversations.SendOffer)
		conv.POST("/:id/files", h.Conversations.SendFile)
		conv.POST("/:id/offers/:offerId/respond", h.Conversations.Respond)
		conv.POST("/:id/messages/:messageId/retry", h.Conversations.Retry)
		conv.POST("/:id/read", h.Conversations.MarkRead)
		conv.POST("/:id/focus", h.Conversations.Focus)
		conv.POST("/:id/archive", h.Conversations.Archive)
		conv.POST("/:id/unarchive", h.Conversations.Unarchive)
		conv.GET("/:id/offer-context", h.Conversations.OfferContext)
	}
	if h.Presence != nil {
		api.POST("/conversations/:id/typing", h.Presence.Typing)
		api.POST("/presence/heartbeat", h.Presence.Heartbeat)
		api.GET("/presence/:id", h.Presence.Get)
	}
	if h.Search != nil {
		api.GET("/search", h.Search.Search)
	}
	if h.Live != nil {
		api.GET("/ws", h.Live.Stream)
	}
	return router
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug", "dev", "local":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
