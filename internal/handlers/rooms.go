package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/rs/zerolog/log"
)

// ListRooms returns every room that currently has members
func ListRooms(hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms, err := hub.Rooms(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to list rooms")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Relay unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
	}
}

// GetRoom returns the members of one room. Rooms exist only while someone is
// in them, so an empty room is reported as not found.
func GetRoom(hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")

		peers, err := hub.Members(c.Request.Context(), roomID)
		if err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("Failed to read room members")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Relay unavailable"})
			return
		}
		if len(peers) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}

		c.JSON(http.StatusOK, models.RoomMembersResponse{
			RoomID: roomID,
			Peers:  peers,
		})
	}
}

// Stats exposes the relay counters and the number of open connections
func Stats(hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conns, err := hub.Connections(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Relay unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"connections": conns,
			"counters":    hub.Metrics().Snapshot(),
		})
	}
}
