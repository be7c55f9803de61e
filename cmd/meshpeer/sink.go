package main

import (
	"sync"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// logSink reads remote tracks to completion and reports what arrived.
type logSink struct {
	mu     sync.Mutex
	tracks map[models.PeerID][]string
	log    zerolog.Logger
}

func newLogSink(l zerolog.Logger) *logSink {
	return &logSink{tracks: make(map[models.PeerID][]string), log: l}
}

func (s *logSink) AddTrack(peer models.PeerID, t session.Track) {
	s.mu.Lock()
	s.tracks[peer] = append(s.tracks[peer], t.ID())
	s.mu.Unlock()

	s.log.Info().Str("peer_id", string(peer)).Str("track_id", t.ID()).Str("stream_id", t.StreamID()).Msg("Receiving track")

	if remote, ok := t.(*webrtc.TrackRemote); ok {
		go s.drain(peer, remote)
	}
}

func (s *logSink) RemovePeer(peer models.PeerID) {
	s.mu.Lock()
	n := len(s.tracks[peer])
	delete(s.tracks, peer)
	s.mu.Unlock()

	if n > 0 {
		s.log.Info().Str("peer_id", string(peer)).Int("tracks", n).Msg("Released tracks")
	}
}

func (s *logSink) drain(peer models.PeerID, t *webrtc.TrackRemote) {
	var packets, bytes int
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			break
		}
		packets++
		bytes += len(pkt.Payload)
	}
	s.log.Debug().
		Str("peer_id", string(peer)).
		Str("track_id", t.ID()).
		Int("packets", packets).
		Int("bytes", bytes).
		Msg("Track ended")
}
