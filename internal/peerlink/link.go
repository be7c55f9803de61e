package peerlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// TrackSource is a local stream whose tracks can be sent to a peer.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

type Options struct {
	ICEServers       []webrtc.ICEServer
	VideoBitrateKbps int
	Logger           zerolog.Logger
}

// Factory builds pion peer connections sharing one API instance.
type Factory struct {
	api     *webrtc.API
	conf    webrtc.Configuration
	bitrate int
	log     zerolog.Logger
}

func NewFactory(opts Options) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: LoggerFactory{Logger: opts.Logger},
	}

	return &Factory{
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		conf:    webrtc.Configuration{ICEServers: opts.ICEServers},
		bitrate: opts.VideoBitrateKbps,
		log:     opts.Logger,
	}, nil
}

// ICEServers converts client settings into pion ICE servers.
func ICEServers(cfg *config.ClientConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun := cfg.STUNServers(); len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := cfg.TURNServers(); len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}
	return servers
}

// NewLink implements session.LinkFactory. Without a stream the link offers
// and answers receive-only audio and video.
func (f *Factory) NewLink(peer models.PeerID, stream session.LocalStream, events session.LinkEvents) (session.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &Link{
		pc:        pc,
		bitrate:   f.bitrate,
		log:       f.log.With().Str("peer_id", string(peer)).Logger(),
		generated: make(map[string]string),
	}

	if err := l.addMedia(stream); err != nil {
		pc.Close()
		return nil, err
	}
	l.bind(events)
	return l, nil
}

// Link is a session.PeerLink backed by a pion PeerConnection.
type Link struct {
	pc      *webrtc.PeerConnection
	bitrate int
	log     zerolog.Logger

	// pion only accepts the local description it generated. The bitrate
	// hint lives in the copy sent to the remote; this maps it back.
	mu        sync.Mutex
	generated map[string]string
}

func (l *Link) addMedia(stream session.LocalStream) error {
	var tracks []webrtc.TrackLocal
	if ts, ok := stream.(TrackSource); ok {
		tracks = ts.Tracks()
	}

	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
		return nil
	}

	for _, t := range tracks {
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) bind(events session.LinkEvents) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || events.OnICECandidate == nil {
			return
		}
		events.OnICECandidate(candidateFromPion(c.ToJSON()))
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.Debug().Str("track_id", track.ID()).Str("kind", track.Kind().String()).Msg("Remote track")
		if events.OnTrack != nil {
			events.OnTrack(track)
		}
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if events.OnConnectionStateChange != nil {
			events.OnConnectionStateChange(linkState(s))
		}
	})
}

func (l *Link) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return l.limit(descFromPion(offer))
}

func (l *Link) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return l.limit(descFromPion(answer))
}

func (l *Link) limit(desc models.SessionDescription) (models.SessionDescription, error) {
	munged, err := SetVideoBitrate(desc.SDP, l.bitrate)
	if err != nil {
		return models.SessionDescription{}, err
	}
	if munged != desc.SDP {
		l.mu.Lock()
		l.generated[munged] = desc.SDP
		l.mu.Unlock()
	}
	desc.SDP = munged
	return desc, nil
}

func (l *Link) SetLocalDescription(ctx context.Context, desc models.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if raw, ok := l.generated[desc.SDP]; ok {
		delete(l.generated, desc.SDP)
		desc.SDP = raw
	}
	l.mu.Unlock()
	return l.pc.SetLocalDescription(descToPion(desc))
}

func (l *Link) SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.pc.SetRemoteDescription(descToPion(desc))
}

func (l *Link) AddICECandidate(ctx context.Context, c models.ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.pc.AddICECandidate(candidateToPion(c))
}

func (l *Link) Close() error {
	return l.pc.Close()
}

func descFromPion(d webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func descToPion(d models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func candidateFromPion(c webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateToPion(c models.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func linkState(s webrtc.PeerConnectionState) session.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return session.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return session.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return session.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return session.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return session.LinkClosed
	default:
		return session.LinkNew
	}
}
