package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/rs/zerolog"
)

type managerFixture struct {
	m         *Manager
	transport *fakeTransport
	links     *fakeFactory
	media     *fakeMedia
	sink      *fakeSink
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	tr := &fakeTransport{}
	f := startManager(t, tr)
	f.transport = tr
	return f
}

// startManager runs a manager sending through tr with fake links and media.
func startManager(t *testing.T, tr Transport) *managerFixture {
	t.Helper()
	f := &managerFixture{
		links: newFakeFactory(),
		media: &fakeMedia{},
		sink:  &fakeSink{},
	}
	f.m = NewManager(ManagerOptions{
		Transport: tr,
		Links:     f.links,
		Media:     f.media,
		Sink:      f.sink,
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.m.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return f
}

// settle waits until every message handed to the manager so far was processed.
func (f *managerFixture) settle(t *testing.T) {
	t.Helper()
	if _, err := f.m.InCall(context.Background()); err != nil {
		t.Fatalf("InCall: %v", err)
	}
}

func (f *managerFixture) state(t *testing.T, peer models.PeerID) (State, bool) {
	t.Helper()
	st, ok, err := f.m.SessionState(context.Background(), peer)
	if err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	return st, ok
}

func offersIn(msgs []models.Message) []models.Offer {
	var out []models.Offer
	for _, m := range msgs {
		if o, ok := m.(models.Offer); ok {
			out = append(out, o)
		}
	}
	return out
}

func TestInCallPeerInitiatesTowardNewcomer(t *testing.T) {
	ctx := context.Background()

	// A is alone in the room and in a call when B arrives.
	a := newManagerFixture(t)
	a.m.Handle(models.RoomUsers{})
	if err := a.m.Call(ctx); err != nil {
		t.Fatalf("Call: %v", err)
	}
	a.m.Handle(models.UserJoined{PeerID: "B", Username: "bob"})

	sent := a.transport.waitSent(t, 1)
	a.settle(t)
	offers := offersIn(a.transport.messages())
	if len(offers) != 1 || offers[0].TargetID != "B" {
		t.Fatalf("offers = %#v, sent = %v", offers, sent)
	}
	if st, ok := a.state(t, "B"); !ok || st != StateOfferCreated {
		t.Fatalf("A's session with B = %s, %v", st, ok)
	}

	// B only sees A in its snapshot and must not initiate.
	b := newManagerFixture(t)
	b.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "A", Username: "alice"}}})
	b.settle(t)
	if msgs := b.transport.messages(); len(msgs) != 0 {
		t.Fatalf("B sent %v", msgs)
	}
	if _, ok := b.state(t, "A"); ok {
		t.Fatal("B created a session from the room snapshot")
	}
	if b.links.count() != 0 {
		t.Fatal("B created a peer link")
	}
}

func TestCallInitiatesTowardKnownPeers(t *testing.T) {
	f := newManagerFixture(t)
	f.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{
		{ID: "p2", Username: "two"},
		{ID: "p1", Username: "one"},
	}})

	if err := f.m.Call(context.Background()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	msgs := f.transport.waitSent(t, 2)
	offers := offersIn(msgs)
	if len(offers) != 2 {
		t.Fatalf("offers = %#v", offers)
	}
	targets := map[models.PeerID]bool{offers[0].TargetID: true, offers[1].TargetID: true}
	if !targets["p1"] || !targets["p2"] {
		t.Fatalf("targets = %v", targets)
	}
	if in, _ := f.m.InCall(context.Background()); !in {
		t.Fatal("not in call")
	}

	// Calling again does not start a second session per peer.
	if err := f.m.Call(context.Background()); err != nil {
		t.Fatalf("second Call: %v", err)
	}
	f.settle(t)
	if f.links.count() != 2 {
		t.Fatalf("links created = %d", f.links.count())
	}
	if !f.media.streams[1].isStopped() {
		t.Fatal("duplicate stream not released")
	}
}

func TestCallWithoutMediaDoesNotStart(t *testing.T) {
	f := newManagerFixture(t)
	f.media.err = errFake
	f.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "p1"}}})

	err := f.m.Call(context.Background())
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("Call err = %v", err)
	}
	f.settle(t)
	if in, _ := f.m.InCall(context.Background()); in {
		t.Fatal("in call without media")
	}
	if len(f.transport.messages()) != 0 || f.links.count() != 0 {
		t.Fatal("call started without media")
	}
}

func TestOfferCreatesSessionAndAnswers(t *testing.T) {
	f := newManagerFixture(t)

	// No session yet: candidates and answers never create one.
	f.m.Handle(models.Candidate{Candidate: candidate("stray"), FromID: "X"})
	f.m.Handle(models.Answer{Answer: models.SessionDescription{Type: "answer"}, FromID: "X"})
	f.settle(t)
	if _, ok := f.state(t, "X"); ok {
		t.Fatal("session created before offer")
	}

	f.m.Handle(models.Offer{Offer: models.SessionDescription{Type: "offer", SDP: "o"}, FromID: "X"})
	f.m.Handle(models.Candidate{Candidate: candidate("c1"), FromID: "X"})

	msgs := f.transport.waitSent(t, 1)
	ans, ok := msgs[0].(models.Answer)
	if !ok || ans.TargetID != "X" {
		t.Fatalf("sent %#v", msgs[0])
	}
	if in, _ := f.m.InCall(context.Background()); !in {
		t.Fatal("answering did not enter the call")
	}
	if f.links.streams["X"] == nil {
		t.Fatal("answering link has no local stream")
	}

	calls := f.links.link(t, "X").waitCalls(t, 4)
	want := []string{"set-remote:offer", "candidate:c1", "create-answer", "set-local:answer"}
	for i, c := range want {
		if calls[i] != c {
			t.Fatalf("link calls = %v, want %v", calls, want)
		}
	}

	// A second offer for an established session is ignored.
	f.m.Handle(models.Offer{Offer: models.SessionDescription{Type: "offer"}, FromID: "X"})
	f.settle(t)
	if f.links.count() != 1 {
		t.Fatalf("links created = %d", f.links.count())
	}
}

func TestOfferWithoutMediaAnswersReceiveOnly(t *testing.T) {
	f := newManagerFixture(t)
	f.media.err = errFake

	f.m.Handle(models.Offer{Offer: models.SessionDescription{Type: "offer"}, FromID: "X"})
	msgs := f.transport.waitSent(t, 1)
	if _, ok := msgs[0].(models.Answer); !ok {
		t.Fatalf("sent %#v", msgs[0])
	}
	f.settle(t)
	if s, ok := f.links.streams["X"]; !ok || s != nil {
		t.Fatalf("stream = %v, want receive-only link", s)
	}
}

func TestHangUpIgnoresLateMessages(t *testing.T) {
	f := newManagerFixture(t)
	f.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "B"}}})
	if err := f.m.Call(context.Background()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	f.transport.waitSent(t, 1)
	link := f.links.link(t, "B")
	before := link.waitCalls(t, 2)

	if err := f.m.HangUp(context.Background()); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	if link.closeCount() != 1 {
		t.Fatalf("link closed %d times", link.closeCount())
	}
	if !f.media.streams[0].isStopped() {
		t.Fatal("local stream still running")
	}

	f.m.Handle(models.Answer{Answer: models.SessionDescription{Type: "answer"}, FromID: "B"})
	f.m.Handle(models.Candidate{Candidate: candidate("late"), FromID: "B"})
	f.m.Handle(models.Offer{Offer: models.SessionDescription{Type: "offer"}, FromID: "B"})
	f.settle(t)
	time.Sleep(20 * time.Millisecond)

	if after := link.snapshot(); len(after) != len(before) {
		t.Fatalf("link used after hang up: %v", after)
	}
	if f.links.count() != 1 {
		t.Fatalf("links created = %d", f.links.count())
	}
	if st, ok := f.state(t, "B"); !ok || st != StateClosed {
		t.Fatalf("session = %s, %v", st, ok)
	}
	if in, _ := f.m.InCall(context.Background()); in {
		t.Fatal("still in call")
	}
	if removed := f.sink.removedPeers(); len(removed) != 1 || removed[0] != "B" {
		t.Fatalf("sink removals = %v", removed)
	}

	// A new call replaces the closed session.
	if err := f.m.Call(context.Background()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	f.settle(t)
	if f.links.count() != 2 {
		t.Fatalf("links created = %d", f.links.count())
	}
	if st, _ := f.state(t, "B"); st != StateOfferCreated {
		t.Fatalf("new session = %s", st)
	}
}

func TestHangUpReleasesMediaArrivingLate(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	gate := make(chan struct{})
	f.media.gate = gate

	f.m.Handle(models.Offer{Offer: models.SessionDescription{Type: "offer"}, FromID: "X", TargetID: "me"})
	f.settle(t)
	if err := f.m.HangUp(ctx); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	close(gate)

	deadline := time.Now().Add(waitFor)
	for {
		streams := f.media.acquired()
		if len(streams) == 1 && streams[0].isStopped() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late stream not released: %d acquired", len(streams))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if in, _ := f.m.InCall(ctx); in {
		t.Fatal("late media put the manager back in a call")
	}
	if f.links.count() != 0 {
		t.Fatalf("links created = %d", f.links.count())
	}

	f.m.Handle(models.UserJoined{PeerID: "Y", Username: "yan"})
	f.settle(t)
	if msgs := f.transport.messages(); len(msgs) != 0 {
		t.Fatalf("sent after hang up: %v", msgs)
	}
}

func TestOfferCollisionHigherIDAnswers(t *testing.T) {
	f := newManagerFixture(t)
	f.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "a"}}})
	if err := f.m.Call(context.Background()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	f.transport.waitSent(t, 1)
	first := f.links.link(t, "a")

	// Our id is "b"; the remote offer wins.
	f.m.Handle(models.Offer{Offer: models.SessionDescription{Type: "offer", SDP: "remote"}, FromID: "a", TargetID: "b"})

	msgs := f.transport.waitSent(t, 2)
	if ans, ok := msgs[1].(models.Answer); !ok || ans.TargetID != "a" {
		t.Fatalf("sent %#v, want answer to a", msgs[1])
	}
	if first.closeCount() != 1 {
		t.Fatal("losing session's link not closed")
	}
	if f.links.count() != 2 {
		t.Fatalf("links created = %d", f.links.count())
	}
	calls := f.links.link(t, "a").waitCalls(t, 3)
	want := []string{"set-remote:offer", "create-answer", "set-local:answer"}
	for i, c := range want {
		if calls[i] != c {
			t.Fatalf("link calls = %v, want %v", calls, want)
		}
	}
	if st, _ := f.state(t, "a"); st != StateDescriptionsExchanged {
		t.Fatalf("session = %s", st)
	}
}

func TestOfferCollisionLowerIDKeepsOffer(t *testing.T) {
	f := newManagerFixture(t)
	f.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "b"}}})
	if err := f.m.Call(context.Background()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	f.transport.waitSent(t, 1)

	// Our id is "a"; the remote side is expected to answer our offer.
	f.m.Handle(models.Offer{Offer: models.SessionDescription{Type: "offer"}, FromID: "b", TargetID: "a"})
	f.settle(t)
	time.Sleep(20 * time.Millisecond)

	if msgs := f.transport.messages(); len(msgs) != 1 {
		t.Fatalf("sent %v", msgs)
	}
	if f.links.count() != 1 {
		t.Fatalf("links created = %d", f.links.count())
	}
	if st, _ := f.state(t, "b"); st != StateOfferCreated {
		t.Fatalf("session = %s", st)
	}

	f.m.Handle(models.Answer{Answer: models.SessionDescription{Type: "answer"}, FromID: "b", TargetID: "a"})
	f.settle(t)
	if st, _ := f.state(t, "b"); st != StateDescriptionsExchanged {
		t.Fatalf("session after answer = %s", st)
	}
}

func TestSimultaneousCallsSettleOnOneExchange(t *testing.T) {
	ctx := context.Background()
	fromA, fromB := newPipe("A"), newPipe("B")
	a := startManager(t, fromA)
	b := startManager(t, fromB)
	fromA.connect(b.m)
	fromB.connect(a.m)

	a.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "B", Username: "bob"}}})
	b.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "A", Username: "alice"}}})

	errs := make(chan error, 2)
	go func() { errs <- a.m.Call(ctx) }()
	go func() { errs <- b.m.Call(ctx) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Call: %v", err)
		}
	}

	waitExchanged := func(f *managerFixture, peer models.PeerID) {
		t.Helper()
		deadline := time.Now().Add(waitFor)
		for {
			st, _ := f.state(t, peer)
			if st == StateDescriptionsExchanged {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("session with %s stuck in %s", peer, st)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitExchanged(a, "B")
	waitExchanged(b, "A")

	answers := 0
	for _, m := range append(fromA.messages(), fromB.messages()...) {
		if _, ok := m.(models.Answer); ok {
			answers++
		}
	}
	if answers != 1 {
		t.Fatalf("answers sent = %d, want 1", answers)
	}
}

func TestUserLeftClosesSession(t *testing.T) {
	f := newManagerFixture(t)
	f.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "B", Username: "bob"}}})
	f.m.Call(context.Background())
	f.transport.waitSent(t, 1)

	f.m.Handle(models.UserLeft{PeerID: "B"})
	f.settle(t)

	if _, ok := f.state(t, "B"); ok {
		t.Fatal("session kept after peer left")
	}
	if f.links.link(t, "B").closeCount() != 1 {
		t.Fatal("link not closed")
	}
	peers, _ := f.m.Peers(context.Background())
	if _, ok := peers["B"]; ok {
		t.Fatal("departed peer still known")
	}
	if removed := f.sink.removedPeers(); len(removed) != 1 || removed[0] != "B" {
		t.Fatalf("sink removals = %v", removed)
	}

	// Messages for the departed peer are dropped.
	f.m.Handle(models.Candidate{Candidate: candidate("late"), FromID: "B"})
	f.settle(t)
	if _, ok := f.state(t, "B"); ok {
		t.Fatal("candidate recreated the session")
	}
}

func TestLinkEventsReachTransportAndSink(t *testing.T) {
	f := newManagerFixture(t)
	f.m.Handle(models.RoomUsers{Peers: []models.PeerInfo{{ID: "B"}}})
	f.m.Call(context.Background())
	f.transport.waitSent(t, 1)

	link := f.links.link(t, "B")
	link.events.OnICECandidate(candidate("host-1"))
	link.events.OnTrack(fakeTrack{id: "video"})
	link.events.OnConnectionStateChange(LinkConnecting)
	f.settle(t)

	msgs := f.transport.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %v", msgs)
	}
	c, ok := msgs[1].(models.Candidate)
	if !ok || c.TargetID != "B" || c.Candidate.Candidate != "host-1" {
		t.Fatalf("sent %#v", msgs[1])
	}
	if ids := f.sink.trackIDs("B"); len(ids) != 1 || ids[0] != "video" {
		t.Fatalf("sink tracks = %v", ids)
	}

	// Events from a closed session's link are ignored.
	f.m.Handle(models.UserLeft{PeerID: "B"})
	f.settle(t)
	link.events.OnICECandidate(candidate("host-2"))
	link.events.OnTrack(fakeTrack{id: "audio"})
	f.settle(t)
	if len(f.transport.messages()) != 2 || len(f.sink.trackIDs("B")) != 1 {
		t.Fatal("closed session's link events were delivered")
	}
}

func TestJoinSendsJoin(t *testing.T) {
	f := newManagerFixture(t)
	if err := f.m.Join(context.Background(), "lobby", "me"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %v", msgs)
	}
	if j, ok := msgs[0].(models.Join); !ok || j.RoomID != "lobby" || j.Username != "me" {
		t.Fatalf("sent %#v", msgs[0])
	}
}

func TestStoppedManagerRejectsCalls(t *testing.T) {
	m := NewManager(ManagerOptions{
		Transport: &fakeTransport{},
		Links:     newFakeFactory(),
		Media:     &fakeMedia{},
		Logger:    zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}

	if err := m.HangUp(context.Background()); !errors.Is(err, ErrManagerStopped) {
		t.Fatalf("HangUp = %v", err)
	}
	if err := m.Call(context.Background()); !errors.Is(err, ErrManagerStopped) {
		t.Fatalf("Call = %v", err)
	}
}
