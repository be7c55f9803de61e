package relay

import (
	"sort"

	"github.com/google/uuid"
	"github.com/mossy-p/meshcall/internal/models"
)

// Peer is one registered connection.
type Peer struct {
	ID          models.PeerID
	RoomID      string
	DisplayName string

	seq uint64
}

// InRoom reports whether the peer has joined a room.
func (p *Peer) InRoom() bool {
	return p.RoomID != ""
}

// Registry maps connection identity to room membership. Rooms are not stored;
// every room query is answered from the peer table so there is one copy of the fact.
//
// Registry is not safe for concurrent use. The Hub owns it from a single goroutine.
type Registry struct {
	peers map[models.PeerID]*Peer
	seq   uint64
	newID func() string
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[models.PeerID]*Peer),
		newID: uuid.NewString,
	}
}

// Register allocates an id no open connection is using.
func (r *Registry) Register() models.PeerID {
	id := models.PeerID(r.newID())
	for {
		if _, taken := r.peers[id]; !taken && id != "" {
			break
		}
		id = models.PeerID(r.newID())
	}
	r.seq++
	r.peers[id] = &Peer{ID: id, seq: r.seq}
	return id
}

// Join sets the peer's room, replacing any previous membership. An empty
// displayName falls back to "User <first four id chars>".
func (r *Registry) Join(id models.PeerID, roomID, displayName string) (*Peer, bool) {
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	if displayName == "" {
		displayName = DefaultDisplayName(id)
	}
	p.RoomID = roomID
	p.DisplayName = displayName
	return p, true
}

// Get returns the registered peer.
func (r *Registry) Get(id models.PeerID) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// MembersOf lists the room's members in registration order, leaving out excluding.
func (r *Registry) MembersOf(roomID string, excluding models.PeerID) []*Peer {
	if roomID == "" {
		return nil
	}
	var out []*Peer
	for _, p := range r.peers {
		if p.RoomID == roomID && p.ID != excluding {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Remove forgets the peer. Removing an unknown id is a no-op.
func (r *Registry) Remove(id models.PeerID) (*Peer, bool) {
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	delete(r.peers, id)
	return p, true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.peers)
}

// Rooms derives the room index from the peer table.
func (r *Registry) Rooms() []models.RoomSummary {
	counts := make(map[string]int)
	for _, p := range r.peers {
		if p.InRoom() {
			counts[p.RoomID]++
		}
	}
	out := make([]models.RoomSummary, 0, len(counts))
	for id, n := range counts {
		out = append(out, models.RoomSummary{ID: id, PeerCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultDisplayName is the name given to peers that join without one.
func DefaultDisplayName(id models.PeerID) string {
	s := string(id)
	if len(s) > 4 {
		s = s[:4]
	}
	return "User " + s
}

func peerInfos(peers []*Peer) []models.PeerInfo {
	out := make([]models.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, models.PeerInfo{ID: p.ID, Username: p.DisplayName})
	}
	return out
}
