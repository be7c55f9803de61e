package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/meshcall/internal/models"
)

const waitFor = 2 * time.Second

var errFake = errors.New("fake failure")

type fakeLink struct {
	mu     sync.Mutex
	calls  []string
	closes int

	// when set, SetRemoteDescription blocks until it is closed
	remoteGate chan struct{}
	failCand   map[string]bool
	failOffer  bool

	events LinkEvents
}

func newFakeLink() *fakeLink {
	return &fakeLink{failCand: make(map[string]bool)}
}

func (l *fakeLink) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *fakeLink) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	l.record("create-offer")
	if l.failOffer {
		return models.SessionDescription{}, errFake
	}
	return models.SessionDescription{Type: "offer", SDP: "offer-sdp"}, nil
}

func (l *fakeLink) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	l.record("create-answer")
	return models.SessionDescription{Type: "answer", SDP: "answer-sdp"}, nil
}

func (l *fakeLink) SetLocalDescription(ctx context.Context, desc models.SessionDescription) error {
	l.record("set-local:" + desc.Type)
	return nil
}

func (l *fakeLink) SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error {
	l.record("set-remote:" + desc.Type)
	if l.remoteGate != nil {
		<-l.remoteGate
	}
	return nil
}

func (l *fakeLink) AddICECandidate(ctx context.Context, c models.ICECandidate) error {
	l.record("candidate:" + c.Candidate)
	if l.failCand[c.Candidate] {
		return errFake
	}
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// waitCalls polls until the link has recorded at least n calls.
func (l *fakeLink) waitCalls(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		calls := l.snapshot()
		if len(calls) >= n {
			return calls
		}
		if time.Now().After(deadline) {
			t.Fatalf("link recorded %v, want at least %d calls", calls, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	links   map[models.PeerID]*fakeLink
	streams map[models.PeerID]LocalStream
	created int
	err     error
	prepare func(*fakeLink)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		links:   make(map[models.PeerID]*fakeLink),
		streams: make(map[models.PeerID]LocalStream),
	}
}

func (f *fakeFactory) NewLink(peer models.PeerID, stream LocalStream, events LinkEvents) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := newFakeLink()
	l.events = events
	if f.prepare != nil {
		f.prepare(l)
	}
	f.links[peer] = l
	f.streams[peer] = stream
	f.created++
	return l, nil
}

func (f *fakeFactory) link(t *testing.T, peer models.PeerID) *fakeLink {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[peer]
	if !ok {
		t.Fatalf("no link created for %s", peer)
	}
	return l
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type fakeStream struct {
	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream

	// when set, Acquire waits for it to close and ignores ctx, like a capture
	// device that finishes opening regardless
	gate chan struct{}
}

func (m *fakeMedia) Acquire(ctx context.Context) (LocalStream, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) acquired() []*fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeStream(nil), m.streams...)
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []models.Message
}

func (tr *fakeTransport) Send(m models.Message) error {
	tr.mu.Lock()
	tr.sent = append(tr.sent, m)
	tr.mu.Unlock()
	return nil
}

func (tr *fakeTransport) messages() []models.Message {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]models.Message(nil), tr.sent...)
}

// waitSent polls until at least n messages were sent.
func (tr *fakeTransport) waitSent(t *testing.T, n int) []models.Message {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		msgs := tr.messages()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages (%v), want %d", len(msgs), msgs, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) StreamID() string { return "stream-" + t.id }

type fakeSink struct {
	mu      sync.Mutex
	tracks  map[models.PeerID][]string
	removed []models.PeerID
}

func (s *fakeSink) AddTrack(peer models.PeerID, t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks == nil {
		s.tracks = make(map[models.PeerID][]string)
	}
	s.tracks[peer] = append(s.tracks[peer], t.ID())
}

func (s *fakeSink) RemovePeer(peer models.PeerID) {
	s.mu.Lock()
	s.removed = append(s.removed, peer)
	s.mu.Unlock()
}

func (s *fakeSink) trackIDs(peer models.PeerID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tracks[peer]...)
}

func (s *fakeSink) removedPeers() []models.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PeerID(nil), s.removed...)
}

func candidate(s string) models.ICECandidate {
	return models.ICECandidate{Candidate: s}
}

// pipe carries one manager's messages to another in order, stamping fromId
// the way the relay does.
type pipe struct {
	from models.PeerID
	out  chan models.Message

	mu   sync.Mutex
	sent []models.Message
}

func newPipe(from models.PeerID) *pipe {
	return &pipe{from: from, out: make(chan models.Message, 64)}
}

func (p *pipe) Send(msg models.Message) error {
	if t, ok := msg.(models.Targeted); ok {
		msg = t.WithSender(p.from)
	}
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()
	p.out <- msg
	return nil
}

func (p *pipe) connect(m *Manager) {
	go func() {
		for msg := range p.out {
			m.Handle(msg)
		}
	}()
}

func (p *pipe) messages() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Message(nil), p.sent...)
}
