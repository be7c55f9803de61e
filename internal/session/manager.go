package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/rs/zerolog"
)

type ManagerOptions struct {
	Transport Transport
	Links     LinkFactory
	Media     MediaSource
	Sink      TrackSink
	Logger    zerolog.Logger
}

// Manager owns every Negotiation of the local participant, keyed by remote
// peer id. All state is touched only by the Run goroutine.
type Manager struct {
	transport Transport
	links     LinkFactory
	media     MediaSource
	sink      TrackSink
	log       zerolog.Logger

	ctx      context.Context
	self     models.PeerID
	sessions map[models.PeerID]*Negotiation
	names    map[models.PeerID]string
	inCall   bool
	local    LocalStream

	// epoch changes on every hang-up; media arriving for an older epoch is
	// released instead of used.
	epoch         uint64
	acquiring     bool
	cancelAcquire context.CancelFunc
	awaitMedia    []func()

	events chan func()
	done   chan struct{}
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	return &Manager{
		transport: opts.Transport,
		links:     opts.Links,
		media:     opts.Media,
		sink:      opts.Sink,
		log:       opts.Logger,
		sessions:  make(map[models.PeerID]*Negotiation),
		names:     make(map[models.PeerID]string),
		events:    make(chan func()),
		done:      make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled, then closes every session.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.hangUp()
			return ctx.Err()
		case fn := <-m.events:
			fn()
		}
	}
}

// post hands fn to the loop. It must not be called from the loop itself.
func (m *Manager) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.done:
	}
}

// do runs fn on the loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case m.events <- func() { fn(); close(finished) }:
	case <-m.done:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Handle dispatches one message from the relay. Messages are processed in the
// order Handle is called.
func (m *Manager) Handle(msg models.Message) {
	m.post(func() { m.dispatch(msg) })
}

// Join asks the relay to place us in a room.
func (m *Manager) Join(ctx context.Context, roomID, username string) error {
	var err error
	if doErr := m.do(ctx, func() {
		err = m.transport.Send(models.Join{RoomID: roomID, Username: username})
	}); doErr != nil {
		return doErr
	}
	return err
}

// Call acquires local media and starts a session with every known peer.
// If media cannot be acquired the call does not start.
func (m *Manager) Call(ctx context.Context) error {
	stream, err := m.media.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		return err
	}
	if err := m.do(ctx, func() { m.startCall(stream) }); err != nil {
		stream.Stop()
		return err
	}
	return nil
}

// HangUp closes every session and leaves the call.
func (m *Manager) HangUp(ctx context.Context) error {
	return m.do(ctx, m.hangUp)
}

// SessionState reports the state of the session with peer, if one exists.
func (m *Manager) SessionState(ctx context.Context, peer models.PeerID) (State, bool, error) {
	var (
		st State
		ok bool
	)
	err := m.do(ctx, func() {
		var s *Negotiation
		if s, ok = m.sessions[peer]; ok {
			st = s.State()
		}
	})
	return st, ok, err
}

func (m *Manager) InCall(ctx context.Context) (bool, error) {
	var in bool
	err := m.do(ctx, func() { in = m.inCall })
	return in, err
}

// Peers returns the known room members and their display names.
func (m *Manager) Peers(ctx context.Context) (map[models.PeerID]string, error) {
	out := make(map[models.PeerID]string)
	err := m.do(ctx, func() {
		for id, name := range m.names {
			out[id] = name
		}
	})
	return out, err
}

func (m *Manager) dispatch(msg models.Message) {
	switch msg := msg.(type) {
	case models.RoomUsers:
		m.onRoomUsers(msg.Peers)
	case models.UserJoined:
		m.onUserJoined(msg.PeerID, msg.Username)
	case models.UserLeft:
		m.onUserLeft(msg.PeerID)
	case models.Offer:
		m.learnSelf(msg.TargetID)
		m.onOffer(msg.FromID, msg.Offer)
	case models.Answer:
		m.learnSelf(msg.TargetID)
		m.onAnswer(msg.FromID, msg.Answer)
	case models.Candidate:
		m.learnSelf(msg.TargetID)
		m.onCandidate(msg.FromID, msg.Candidate)
	case models.Join, models.Unknown:
		m.log.Debug().Str("type", string(msg.SignalType())).Msg("Ignoring message")
	}
}

// learnSelf records our own peer id from the target of a relayed message.
func (m *Manager) learnSelf(id models.PeerID) {
	if id != "" && id != m.self {
		m.self = id
		m.log.Debug().Str("peer_id", string(id)).Msg("Learned local peer id")
	}
}

func (m *Manager) onRoomUsers(peers []models.PeerInfo) {
	m.names = make(map[models.PeerID]string, len(peers))
	for _, p := range peers {
		m.names[p.ID] = p.Username
	}
	m.log.Info().Int("peers", len(peers)).Msg("Joined room")
}

func (m *Manager) onUserJoined(id models.PeerID, username string) {
	m.names[id] = username
	m.log.Info().Str("peer_id", string(id)).Str("username", username).Msg("Peer joined")

	if !m.inCall {
		return
	}
	if s, ok := m.sessions[id]; ok && !s.Closed() {
		return
	}
	m.initiate(id)
}

func (m *Manager) onUserLeft(id models.PeerID) {
	delete(m.names, id)
	if s, ok := m.sessions[id]; ok {
		s.Close()
		delete(m.sessions, id)
	}
	m.sink.RemovePeer(id)
	m.log.Info().Str("peer_id", string(id)).Msg("Peer left")
}

func (m *Manager) onOffer(from models.PeerID, desc models.SessionDescription) {
	if from == "" {
		return
	}
	if s, ok := m.sessions[from]; ok {
		if s.State() == StateOfferCreated {
			m.resolveCollision(s, desc)
			return
		}
		if err := s.ReceiveOffer(desc); err != nil {
			m.log.Debug().Err(err).Str("peer_id", string(from)).Msg("Dropping offer")
		}
		return
	}

	s := m.newSession(from)
	if m.local != nil || m.inCall {
		m.answer(s, desc)
		return
	}

	// Not in a call yet: pick up local media before answering.
	m.awaitMedia = append(m.awaitMedia, func() { m.answer(s, desc) })
	if m.acquiring {
		return
	}
	m.acquiring = true
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelAcquire = cancel
	epoch := m.epoch
	go func() {
		stream, err := m.media.Acquire(ctx)
		m.post(func() { m.mediaReady(epoch, stream, err) })
	}()
}

// resolveCollision handles an offer from a peer we already sent an offer to.
// The side with the lower peer id keeps its offer; the other drops its own
// session and answers. Without a known local id we give way.
func (m *Manager) resolveCollision(s *Negotiation, desc models.SessionDescription) {
	peer := s.PeerID
	if m.self != "" && m.self < peer {
		m.log.Info().Str("peer_id", string(peer)).Msg("Offer collision, keeping local offer")
		return
	}
	m.log.Info().Str("peer_id", string(peer)).Msg("Offer collision, answering remote offer")
	s.Close()
	m.sink.RemovePeer(peer)
	m.answer(m.newSession(peer), desc)
}

func (m *Manager) mediaReady(epoch uint64, stream LocalStream, err error) {
	if epoch != m.epoch {
		if err == nil && stream != nil {
			stream.Stop()
		}
		m.log.Debug().Msg("Releasing media acquired before hang-up")
		return
	}
	m.acquiring = false
	if m.cancelAcquire != nil {
		m.cancelAcquire()
		m.cancelAcquire = nil
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("No local media, answering receive-only")
	} else if m.local != nil {
		stream.Stop()
	} else {
		m.local = stream
	}
	m.inCall = true

	waiting := m.awaitMedia
	m.awaitMedia = nil
	for _, fn := range waiting {
		fn()
	}
}

func (m *Manager) answer(s *Negotiation, desc models.SessionDescription) {
	if s.Closed() {
		return
	}
	if !m.attach(s) {
		return
	}
	if err := s.ReceiveOffer(desc); err != nil {
		m.log.Debug().Err(err).Str("peer_id", string(s.PeerID)).Msg("Dropping offer")
	}
}

func (m *Manager) onAnswer(from models.PeerID, desc models.SessionDescription) {
	s, ok := m.sessions[from]
	if !ok {
		return
	}
	if err := s.ReceiveAnswer(desc); err != nil {
		m.log.Debug().Err(err).Str("peer_id", string(from)).Msg("Dropping answer")
	}
}

func (m *Manager) onCandidate(from models.PeerID, c models.ICECandidate) {
	s, ok := m.sessions[from]
	if !ok {
		return
	}
	if err := s.ReceiveCandidate(c); err != nil {
		m.log.Debug().Err(err).Str("peer_id", string(from)).Msg("Dropping candidate")
	}
}

func (m *Manager) startCall(stream LocalStream) {
	if m.local != nil {
		stream.Stop()
	} else {
		m.local = stream
	}
	m.inCall = true

	for id, s := range m.sessions {
		if s.Closed() {
			delete(m.sessions, id)
		}
	}

	ids := make([]models.PeerID, 0, len(m.names))
	for id := range m.names {
		if _, ok := m.sessions[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	m.log.Info().Int("peers", len(ids)).Msg("Starting call")
	for _, id := range ids {
		m.initiate(id)
	}
}

func (m *Manager) initiate(id models.PeerID) {
	s := m.newSession(id)
	if !m.attach(s) {
		return
	}
	if err := s.Initiate(); err != nil {
		m.log.Error().Err(err).Str("peer_id", string(id)).Msg("Failed to initiate session")
	}
}

// hangUp closes every session but keeps them registered, so late messages
// from those peers are dropped until they leave or a new call starts.
func (m *Manager) hangUp() {
	for id, s := range m.sessions {
		s.Close()
		m.sink.RemovePeer(id)
	}
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	m.inCall = false
	m.awaitMedia = nil
	m.epoch++
	m.acquiring = false
	if m.cancelAcquire != nil {
		m.cancelAcquire()
		m.cancelAcquire = nil
	}
	m.log.Info().Msg("Hung up")
}

func (m *Manager) newSession(id models.PeerID) *Negotiation {
	s := NewNegotiation(m.ctx, id, NegotiationOptions{
		Logger: m.log,
		Emit:   m.send,
		Post:   m.post,
	})
	m.sessions[id] = s
	return s
}

// attach creates the peer link for s. Link events are ignored once s is no
// longer the live session for its peer.
func (m *Manager) attach(s *Negotiation) bool {
	live := func() bool {
		cur, ok := m.sessions[s.PeerID]
		return ok && cur == s && !s.Closed()
	}

	link, err := m.links.NewLink(s.PeerID, m.local, LinkEvents{
		OnICECandidate: func(c models.ICECandidate) {
			if s.closed.Load() {
				return
			}
			m.post(func() {
				if live() {
					s.LocalCandidate(c)
				}
			})
		},
		OnTrack: func(t Track) {
			if s.closed.Load() {
				return
			}
			m.post(func() {
				if live() {
					m.sink.AddTrack(s.PeerID, t)
				}
			})
		},
		OnConnectionStateChange: func(st LinkState) {
			if s.closed.Load() {
				return
			}
			m.post(func() {
				if live() {
					s.LinkStateChanged(st)
				}
			})
		},
	})
	if err != nil {
		m.log.Error().Err(err).Str("peer_id", string(s.PeerID)).Msg("Failed to create peer link")
		s.Close()
		delete(m.sessions, s.PeerID)
		return false
	}
	s.Attach(link)
	return true
}

func (m *Manager) send(msg models.Message) {
	if err := m.transport.Send(msg); err != nil {
		m.log.Warn().Err(err).Str("type", string(msg.SignalType())).Msg("Failed to send message")
	}
}
