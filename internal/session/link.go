package session

import (
	"context"

	"github.com/mossy-p/meshcall/internal/models"
)

// PeerLink is one negotiated connection to a remote peer. Every method may
// block; the session runs them off the manager loop, one at a time.
type PeerLink interface {
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc models.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error
	AddICECandidate(ctx context.Context, c models.ICECandidate) error
	Close() error
}

type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Track is an inbound media track.
type Track interface {
	ID() string
	StreamID() string
}

// LinkEvents are invoked by a PeerLink from its own goroutines.
type LinkEvents struct {
	OnICECandidate          func(c models.ICECandidate)
	OnTrack                 func(t Track)
	OnConnectionStateChange func(s LinkState)
}

// LinkFactory builds a link for one remote peer. A nil stream means the link
// only receives media.
type LinkFactory interface {
	NewLink(peer models.PeerID, stream LocalStream, events LinkEvents) (PeerLink, error)
}

// LocalStream is captured local audio and video.
type LocalStream interface {
	Stop()
}

type MediaSource interface {
	Acquire(ctx context.Context) (LocalStream, error)
}

// TrackSink receives remote tracks for presentation.
type TrackSink interface {
	AddTrack(peer models.PeerID, t Track)
	RemovePeer(peer models.PeerID)
}

// Transport carries signaling frames to the relay.
type Transport interface {
	Send(m models.Message) error
}

type nopSink struct{}

func (nopSink) AddTrack(models.PeerID, Track) {}
func (nopSink) RemovePeer(models.PeerID)      {}
