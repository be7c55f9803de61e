package relay

import (
	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/models"
)

// route handles one inbound frame from a registered connection.
func (h *Hub) route(from models.PeerID, data []byte) {
	sender, ok := h.registry.Get(from)
	if !ok {
		// Frame raced with the sender's own close.
		return
	}
	h.metrics.Inc(metrics.FramesReceived)

	msg, err := models.Decode(data)
	if err != nil {
		h.metrics.Inc(metrics.FramesMalformed)
		h.log.Warn().Err(err).Str("peer_id", string(from)).Int("bytes", len(data)).Msg("Dropping malformed frame")
		return
	}

	switch m := msg.(type) {
	case models.Join:
		h.handleJoin(sender, m)

	case models.Offer:
		h.routeSignal(sender, m, data)
	case models.Answer:
		h.routeSignal(sender, m, data)
	case models.Candidate:
		h.routeSignal(sender, m, data)

	case models.Unknown:
		if m.TargetID == "" {
			h.broadcastRaw(sender, data)
			return
		}
		stamped, err := models.StampSender(m.Raw, sender.ID)
		if err != nil {
			h.metrics.Inc(metrics.FramesMalformed)
			h.log.Warn().Err(err).Str("peer_id", string(from)).Msg("Dropping unstampable frame")
			return
		}
		h.forwardRaw(sender.ID, m.TargetID, m.Type, stamped)

	case models.RoomUsers, models.UserJoined, models.UserLeft:
		h.metrics.Inc(metrics.ServerOnlyFromClient)
		h.log.Warn().Str("peer_id", string(from)).Str("type", string(m.SignalType())).Msg("Dropping server-only message sent by client")

	default:
		h.log.Error().Str("peer_id", string(from)).Str("type", string(msg.SignalType())).Msg("Unhandled message variant")
	}
}

// handleJoin records membership, tells the existing members about the joiner,
// then gives the joiner the snapshot those notifications were computed from.
func (h *Hub) handleJoin(sender *Peer, m models.Join) {
	if m.RoomID == "" {
		h.metrics.Inc(metrics.FramesMalformed)
		h.log.Warn().Str("peer_id", string(sender.ID)).Msg("Dropping join without roomId")
		return
	}

	previous := sender.RoomID
	p, _ := h.registry.Join(sender.ID, m.RoomID, m.Username)
	if previous != "" && previous != p.RoomID {
		h.presence.PeerLeft(previous, p.ID)
	}
	h.presence.PeerJoined(p.RoomID, p.ID)
	h.metrics.Inc(metrics.PeersJoined)

	others := h.registry.MembersOf(p.RoomID, p.ID)
	notice := models.UserJoined{PeerID: p.ID, Username: p.DisplayName}
	for _, other := range others {
		h.send(other.ID, notice)
	}
	h.send(p.ID, models.RoomUsers{Peers: peerInfos(others)})

	h.log.Info().
		Str("peer_id", string(p.ID)).
		Str("room_id", p.RoomID).
		Str("username", p.DisplayName).
		Int("others", len(others)).
		Msg("Peer joined room")
}

// routeSignal delivers offers, answers and candidates. With a target they go to
// that peer only, stamped with the real sender; without one they fall back to a
// verbatim room broadcast for clients that predate targeting.
func (h *Hub) routeSignal(sender *Peer, m models.Targeted, data []byte) {
	target := m.Target()
	if target == "" {
		h.broadcastRaw(sender, data)
		return
	}
	// Only fromId is rewritten; fields the relay does not model pass through.
	stamped, err := models.StampSender(data, sender.ID)
	if err != nil {
		h.metrics.Inc(metrics.FramesMalformed)
		h.log.Warn().Err(err).Str("peer_id", string(sender.ID)).Msg("Dropping unstampable frame")
		return
	}
	h.forwardRaw(sender.ID, target, m.SignalType(), stamped)
}

func (h *Hub) forwardRaw(from, target models.PeerID, t models.SignalType, data []byte) {
	if _, ok := h.outboxes[target]; !ok {
		h.metrics.Inc(metrics.TargetMissing)
		h.log.Debug().
			Str("peer_id", string(from)).
			Str("target_id", string(target)).
			Str("type", string(t)).
			Msg("Target not connected, dropping")
		return
	}
	if h.sendRaw(target, data) {
		h.metrics.Inc(metrics.FramesForwarded)
	}
}

// broadcastRaw forwards a frame unchanged to the sender's room. A sender that
// has not joined a room reaches nobody.
func (h *Hub) broadcastRaw(sender *Peer, data []byte) {
	if !sender.InRoom() {
		h.log.Debug().Str("peer_id", string(sender.ID)).Msg("Broadcast from peer without room, dropping")
		return
	}
	for _, other := range h.registry.MembersOf(sender.RoomID, sender.ID) {
		if h.sendRaw(other.ID, data) {
			h.metrics.Inc(metrics.FramesBroadcast)
		}
	}
}

// handleClose notifies the remaining room members, then forgets the peer.
// A second close for the same id finds nothing and does nothing.
func (h *Hub) handleClose(id models.PeerID) {
	p, ok := h.registry.Get(id)
	if !ok {
		return
	}

	if p.InRoom() {
		left := models.UserLeft{PeerID: id}
		for _, other := range h.registry.MembersOf(p.RoomID, id) {
			h.send(other.ID, left)
		}
		h.presence.PeerLeft(p.RoomID, id)
		h.metrics.Inc(metrics.PeersLeft)
	}

	h.registry.Remove(id)
	if out, ok := h.outboxes[id]; ok {
		out.Close()
		delete(h.outboxes, id)
	}

	h.log.Info().Str("peer_id", string(id)).Str("room_id", p.RoomID).Msg("Peer disconnected")
}

func (h *Hub) send(id models.PeerID, m models.Message) {
	data, err := models.Encode(m)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(m.SignalType())).Msg("Failed to encode message")
		return
	}
	h.sendRaw(id, data)
}

func (h *Hub) sendRaw(id models.PeerID, data []byte) bool {
	out, ok := h.outboxes[id]
	if !ok {
		return false
	}
	if !out.Enqueue(data) {
		h.metrics.Inc(metrics.SendBufferFull)
		h.log.Warn().Str("peer_id", string(id)).Msg("Send buffer full, dropping message")
		return false
	}
	return true
}
