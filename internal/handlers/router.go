package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/rs/zerolog"
)

// NewRouter wires the HTTP surface of the relay.
func NewRouter(cfg *config.Config, hub *relay.Hub, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))

	// Global CORS middleware (runs before routing)
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(OriginFilter(cfg.AllowedOrigins))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// WebSocket signaling endpoint
	router.GET("/ws", HandleSignaling(hub, relay.ClientOptions{
		SendBuffer:      cfg.SendBuffer,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/rooms", ListRooms(hub))
		apiGroup.GET("/rooms/:roomId", GetRoom(hub))
		apiGroup.GET("/stats", Stats(hub))
	}

	if cfg.StaticDir != "" {
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.StaticDir))))
	}

	return router
}
