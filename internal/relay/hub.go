package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/rs/zerolog"
)

var ErrHubStopped = errors.New("hub stopped")

// Outbox is the write side of one connection as seen by the hub.
type Outbox interface {
	// Enqueue queues one frame without blocking. It returns false when the frame was dropped.
	Enqueue(data []byte) bool
	// Close releases the write side; no Enqueue follows.
	Close()
}

// Presence observes membership changes. Implementations must not block.
type Presence interface {
	PeerJoined(roomID string, id models.PeerID)
	PeerLeft(roomID string, id models.PeerID)
}

type nopPresence struct{}

func (nopPresence) PeerJoined(string, models.PeerID) {}
func (nopPresence) PeerLeft(string, models.PeerID)   {}

type HubOptions struct {
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Presence Presence
}

type registerRequest struct {
	out   Outbox
	reply chan models.PeerID
}

type inboundFrame struct {
	from models.PeerID
	data []byte
}

// Hub owns the registry and every connection's outbox. All membership and
// routing work runs on the Run goroutine, one event at a time, so a room
// snapshot taken while handling an event cannot interleave with another event.
type Hub struct {
	registry *Registry
	outboxes map[models.PeerID]Outbox

	register   chan registerRequest
	unregister chan models.PeerID
	inbound    chan inboundFrame
	queries    chan func()
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	log      zerolog.Logger
	metrics  *metrics.Metrics
	presence Presence
}

func NewHub(opts HubOptions) *Hub {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Presence == nil {
		opts.Presence = nopPresence{}
	}
	return &Hub{
		registry:   NewRegistry(),
		outboxes:   make(map[models.PeerID]Outbox),
		register:   make(chan registerRequest),
		unregister: make(chan models.PeerID),
		inbound:    make(chan inboundFrame),
		queries:    make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        opts.Logger,
		metrics:    opts.Metrics,
		presence:   opts.Presence,
	}
}

func (h *Hub) Metrics() *metrics.Metrics {
	return h.metrics
}

// Run processes hub events until Stop is called.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for id, out := range h.outboxes {
				out.Close()
				delete(h.outboxes, id)
				h.registry.Remove(id)
			}
			h.log.Info().Msg("Hub stopped")
			return

		case req := <-h.register:
			id := h.registry.Register()
			h.outboxes[id] = req.out
			h.log.Debug().Str("peer_id", string(id)).Msg("Peer registered")
			req.reply <- id

		case id := <-h.unregister:
			h.handleClose(id)

		case f := <-h.inbound:
			h.route(f.from, f.data)

		case q := <-h.queries:
			q()
		}
	}
}

// Stop ends Run and closes every outbox. It is safe to call more than once,
// but only after Run has been started.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}

// Register allocates a peer id for a new connection.
func (h *Hub) Register(ctx context.Context, out Outbox) (models.PeerID, error) {
	req := registerRequest{out: out, reply: make(chan models.PeerID, 1)}
	select {
	case h.register <- req:
	case <-h.quit:
		return "", ErrHubStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return <-req.reply, nil
}

// Unregister reports that the connection closed.
func (h *Hub) Unregister(id models.PeerID) {
	select {
	case h.unregister <- id:
	case <-h.quit:
	}
}

// Deliver hands one inbound frame from id to the router. It returns once the
// hub has taken the frame, so frames from one connection are routed in order
// and before that connection's Unregister.
func (h *Hub) Deliver(id models.PeerID, data []byte) {
	select {
	case h.inbound <- inboundFrame{from: id, data: data}:
	case <-h.quit:
	}
}

// Members returns the current members of a room.
func (h *Hub) Members(ctx context.Context, roomID string) ([]models.PeerInfo, error) {
	var out []models.PeerInfo
	err := h.query(ctx, func() {
		out = peerInfos(h.registry.MembersOf(roomID, ""))
	})
	return out, err
}

// Rooms returns a summary of every non-empty room.
func (h *Hub) Rooms(ctx context.Context) ([]models.RoomSummary, error) {
	var out []models.RoomSummary
	err := h.query(ctx, func() {
		out = h.registry.Rooms()
	})
	return out, err
}

// Connections returns the number of open connections.
func (h *Hub) Connections(ctx context.Context) (int, error) {
	var n int
	err := h.query(ctx, func() {
		n = h.registry.Len()
	})
	return n, err
}

func (h *Hub) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}
	select {
	case h.queries <- wrapped:
	case <-h.quit:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}
