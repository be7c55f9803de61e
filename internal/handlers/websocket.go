package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades the request and attaches the connection to the hub.
// Peer identity is assigned by the hub; nothing in the request names it.
func HandleSignaling(hub *relay.Hub, opts relay.ClientOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to upgrade connection")
			return
		}

		if _, err := relay.ServeConn(c.Request.Context(), hub, conn, opts); err != nil {
			log.Error().Err(err).Msg("Failed to register connection")
		}
	}
}
