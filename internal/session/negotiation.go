package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/rs/zerolog"
)

type State int

const (
	StateIdle State = iota
	StateOfferCreated
	StateDescriptionsExchanged
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferCreated:
		return "offer-created"
	case StateDescriptionsExchanged:
		return "descriptions-exchanged"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type NegotiationOptions struct {
	Logger zerolog.Logger
	// Emit sends a message toward the relay. Called on the owner's goroutine.
	Emit func(models.Message)
	// Post schedules fn on the owner's goroutine. It must not run fn inline.
	Post func(fn func())
}

// Negotiation tracks the description exchange with one remote peer.
//
// Exported methods must be called from a single goroutine (the owner). Peer
// link primitives run on a per-session worker in the order they were
// requested, and their results come back to the owner through Post.
type Negotiation struct {
	PeerID models.PeerID

	state       State
	remoteFirst bool
	remoteSet   bool
	localSent   bool

	// inbound candidates waiting for a remote description
	pending []models.ICECandidate
	// local candidates waiting for our description to be sent
	outbound []models.ICECandidate

	link   PeerLink
	ctx    context.Context
	tail   chan struct{}
	closed atomic.Bool

	log  zerolog.Logger
	emit func(models.Message)
	post func(func())
}

func NewNegotiation(ctx context.Context, peer models.PeerID, opts NegotiationOptions) *Negotiation {
	return &Negotiation{
		PeerID: peer,
		ctx:    ctx,
		log:    opts.Logger.With().Str("peer_id", string(peer)).Logger(),
		emit:   opts.Emit,
		post:   opts.Post,
	}
}

// Attach sets the peer link. Until a link is attached, candidates are queued
// and no primitive can run.
func (n *Negotiation) Attach(link PeerLink) {
	n.link = link
}

func (n *Negotiation) State() State        { return n.state }
func (n *Negotiation) RemoteFirst() bool   { return n.remoteFirst }
func (n *Negotiation) Closed() bool        { return n.state == StateClosed }
func (n *Negotiation) PendingCount() int   { return len(n.pending) }
func (n *Negotiation) HasLink() bool       { return n.link != nil }
func (n *Negotiation) RemoteApplied() bool { return n.remoteSet }

func (n *Negotiation) check(want State, what string) error {
	if n.state == StateClosed {
		return ErrSessionClosed
	}
	if n.state != want {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, what, n.state)
	}
	if n.link == nil {
		return fmt.Errorf("%w: %s without a peer link", ErrInvalidTransition, what)
	}
	return nil
}

// Initiate creates, applies and sends a local offer.
func (n *Negotiation) Initiate() error {
	if err := n.check(StateIdle, "initiate"); err != nil {
		return err
	}
	n.state = StateOfferCreated

	n.run(func(ctx context.Context, link PeerLink) {
		desc, err := link.CreateOffer(ctx)
		if err != nil {
			err = negotiationError(n.PeerID, "create offer", err)
		} else {
			err = negotiationError(n.PeerID, "set local description", link.SetLocalDescription(ctx, desc))
		}
		n.post(func() { n.localReady(desc, err, false) })
	})
	return nil
}

// ReceiveOffer applies a remote offer and answers it.
func (n *Negotiation) ReceiveOffer(desc models.SessionDescription) error {
	if err := n.check(StateIdle, "offer"); err != nil {
		return err
	}
	n.state = StateDescriptionsExchanged
	n.remoteFirst = true
	n.applyRemote(desc, true)
	return nil
}

// ReceiveAnswer applies the remote answer to our offer.
func (n *Negotiation) ReceiveAnswer(desc models.SessionDescription) error {
	if err := n.check(StateOfferCreated, "answer"); err != nil {
		return err
	}
	n.state = StateDescriptionsExchanged
	n.applyRemote(desc, false)
	return nil
}

// ReceiveCandidate applies c once a remote description is in place, and
// queues it until then.
func (n *Negotiation) ReceiveCandidate(c models.ICECandidate) error {
	if n.state == StateClosed {
		return ErrSessionClosed
	}
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.log.Debug().Int("queued", len(n.pending)).Msg("Candidate queued until remote description is set")
		return nil
	}
	n.addCandidate(c)
	return nil
}

// LocalCandidate sends a locally gathered candidate, holding it back until
// our own description has gone out.
func (n *Negotiation) LocalCandidate(c models.ICECandidate) {
	if n.state == StateClosed {
		return
	}
	if !n.localSent {
		n.outbound = append(n.outbound, c)
		return
	}
	n.emit(models.Candidate{Candidate: c, TargetID: n.PeerID})
}

// LinkStateChanged records connectivity reported by the peer link.
func (n *Negotiation) LinkStateChanged(s LinkState) {
	if n.state == StateClosed {
		return
	}
	n.log.Debug().Str("link_state", s.String()).Str("state", n.state.String()).Msg("Peer link state changed")
	if s == LinkConnected && n.state == StateDescriptionsExchanged {
		n.state = StateConnected
		n.log.Info().Msg("Peer connected")
	}
}

// Close releases the peer link. Results of primitives still in flight are
// discarded when they complete.
func (n *Negotiation) Close() {
	if n.state == StateClosed {
		return
	}
	n.state = StateClosed
	n.closed.Store(true)
	n.pending = nil
	n.outbound = nil
	if n.link != nil {
		if err := n.link.Close(); err != nil {
			n.log.Warn().Err(err).Msg("Failed to close peer link")
		}
	}
	n.log.Debug().Msg("Session closed")
}

func (n *Negotiation) applyRemote(desc models.SessionDescription, answer bool) {
	n.run(func(ctx context.Context, link PeerLink) {
		err := negotiationError(n.PeerID, "set remote description", link.SetRemoteDescription(ctx, desc))
		n.post(func() { n.remoteReady(err, answer) })
	})
}

func (n *Negotiation) remoteReady(err error, answer bool) {
	if n.state == StateClosed {
		return
	}
	if err != nil {
		n.log.Error().Err(err).Msg("Remote description rejected")
		return
	}
	n.remoteSet = true

	queued := n.pending
	n.pending = nil
	if len(queued) > 0 {
		n.log.Debug().Int("count", len(queued)).Msg("Draining queued candidates")
	}
	for _, c := range queued {
		n.addCandidate(c)
	}

	if answer {
		n.run(func(ctx context.Context, link PeerLink) {
			desc, err := link.CreateAnswer(ctx)
			if err != nil {
				err = negotiationError(n.PeerID, "create answer", err)
			} else {
				err = negotiationError(n.PeerID, "set local description", link.SetLocalDescription(ctx, desc))
			}
			n.post(func() { n.localReady(desc, err, true) })
		})
	}
}

func (n *Negotiation) localReady(desc models.SessionDescription, err error, answer bool) {
	if n.state == StateClosed {
		return
	}
	if err != nil {
		n.log.Error().Err(err).Msg("Local description failed")
		return
	}

	if answer {
		n.emit(models.Answer{Answer: desc, TargetID: n.PeerID})
	} else {
		n.emit(models.Offer{Offer: desc, TargetID: n.PeerID})
	}
	n.localSent = true

	for _, c := range n.outbound {
		n.emit(models.Candidate{Candidate: c, TargetID: n.PeerID})
	}
	n.outbound = nil
}

func (n *Negotiation) addCandidate(c models.ICECandidate) {
	n.run(func(ctx context.Context, link PeerLink) {
		if err := link.AddICECandidate(ctx, c); err != nil {
			n.log.Warn().Err(negotiationError(n.PeerID, "add ICE candidate", err)).Msg("Skipping candidate")
		}
	})
}

// run queues op behind every primitive requested before it.
func (n *Negotiation) run(op func(ctx context.Context, link PeerLink)) {
	prev := n.tail
	done := make(chan struct{})
	n.tail = done
	link := n.link

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if n.closed.Load() {
			return
		}
		op(n.ctx, link)
	}()
}
