package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/Sharif2023/StudyNest-sub000/internal/registry"
	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
)

// memTransport is an in-process signaling pipe between a session and the
// real registry, standing in for the websocket.
type memTransport struct {
	toClient chan *protocol.Envelope
	toServer chan *protocol.Envelope
	done     chan struct{}
	once     sync.Once
}

func newMemTransport() *memTransport {
	return &memTransport{
		toClient: make(chan *protocol.Envelope, 64),
		toServer: make(chan *protocol.Envelope, 64),
		done:     make(chan struct{}),
	}
}

func (t *memTransport) Send(env *protocol.Envelope) error {
	select {
	case t.toServer <- env:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *memTransport) Receive() <-chan *protocol.Envelope { return t.toClient }
func (t *memTransport) Done() <-chan struct{}              { return t.done }

func (t *memTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

type memWriter struct{ t *memTransport }

func (w memWriter) WriteEnvelope(env *protocol.Envelope) error {
	select {
	case w.t.toClient <- env:
		return nil
	case <-w.t.done:
		return ErrTransportClosed
	}
}

func (w memWriter) Close() error { return w.t.Close() }

// serveMemConn mirrors the signaling controller's read loop against the
// real registry.
func serveMemConn(reg *registry.Registry, room protocol.RoomID, t *memTransport) {
	var env *protocol.Envelope
	select {
	case env = <-t.toServer:
	case <-t.done:
		return
	}
	if env.Type != protocol.EnvelopeJoin {
		t.Close()
		return
	}
	var join protocol.JoinPayload
	if err := env.Decode(&join); err != nil {
		t.Close()
		return
	}
	id := env.From

	members, err := reg.Join(room, id, join.Name, memWriter{t})
	if err != nil {
		t.Close()
		return
	}
	defer reg.Leave(room, id)

	snapshot, err := protocol.NewEnvelope(protocol.EnvelopeJoin, room, "", 0, protocol.JoinPayload{Members: members})
	if err != nil {
		return
	}
	snapshot.To = id
	if err := (memWriter{t}).WriteEnvelope(snapshot); err != nil {
		return
	}

	for {
		select {
		case msg := <-t.toServer:
			msg.Room = room
			msg.From = id
			if msg.Type == protocol.EnvelopeLeave {
				return
			}
			reg.Relay(room, msg)
		case <-t.done:
			return
		}
	}
}

type memDialer struct {
	reg  *registry.Registry
	room protocol.RoomID

	mu         sync.Mutex
	dials      int
	failAfter  int // >0: dials beyond this count are refused
	transports []*memTransport
}

func (d *memDialer) Dial(context.Context) (Transport, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	if d.failAfter > 0 && n > d.failAfter {
		return nil, errors.New("dial refused")
	}

	tr := newMemTransport()
	d.mu.Lock()
	d.transports = append(d.transports, tr)
	d.mu.Unlock()
	go serveMemConn(d.reg, d.room, tr)
	return tr, nil
}

func (d *memDialer) transport(i int) *memTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func newSessionFixture(t *testing.T, dialer Dialer, room, id, name string) *Session {
	t.Helper()
	sess := NewSession(NewSessionParams{
		Config: Config{
			Room:              room,
			PeerID:            id,
			DisplayName:       name,
			GracePeriod:       time.Second,
			ReconnectAttempts: 3,
			ReconnectBackoff:  20 * time.Millisecond,
			JoinTimeout:       2 * time.Second,
			StatsInterval:     100 * time.Millisecond,
		},
		Logger:   discardLogger(),
		API:      newTestAPI(t),
		Dialer:   dialer,
		Capturer: &fakeCapturer{t: t},
	})
	t.Cleanup(func() { sess.Disconnect() })
	return sess
}

func connectedSession(t *testing.T, reg *registry.Registry, room, id, name string) *Session {
	t.Helper()
	dialer := &memDialer{reg: reg, room: room}
	sess := newSessionFixture(t, dialer, room, id, name)
	require.NoError(t, sess.Connect(context.Background()))
	return sess
}

func newTestRegistry() *registry.Registry {
	return registry.NewRegistry(registry.NewRegistryParams{Logger: discardLogger()})
}

func trackParticipants(sess *Session) func() []Participant {
	var mu sync.Mutex
	var current []Participant
	sess.OnParticipants(func(ps []Participant) {
		mu.Lock()
		current = ps
		mu.Unlock()
	})
	return func() []Participant {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func trackStates(sess *Session) func() []SessionState {
	var mu sync.Mutex
	var states []SessionState
	sess.OnState(func(s SessionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	return func() []SessionState {
		mu.Lock()
		defer mu.Unlock()
		out := make([]SessionState, len(states))
		copy(out, states)
		return out
	}
}

func runOn(t *testing.T, sess *Session, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, sess.post(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop command timed out")
	}
}

func hasParticipant(ps []Participant, id protocol.PeerID, check func(Participant) bool) bool {
	for _, p := range ps {
		if p.ID == id {
			return check == nil || check(p)
		}
	}
	return false
}

func TestConnectJoinsRoom(t *testing.T) {
	reg := newTestRegistry()
	sess := connectedSession(t, reg, "cs220-review", "alice", "Alice")

	require.Equal(t, StateConnected, sess.State())
	members := reg.Members("cs220-review")
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].ID)

	// Idempotent on a live session.
	require.NoError(t, sess.Connect(context.Background()))
}

func TestConnectTimesOutWithoutSnapshot(t *testing.T) {
	// A transport nobody serves never yields a snapshot.
	dialer := dialerFunc(func(context.Context) (Transport, error) {
		return newMemTransport(), nil
	})
	sess := NewSession(NewSessionParams{
		Config: Config{
			Room: "cs220-review", PeerID: "alice", DisplayName: "Alice",
			JoinTimeout: 100 * time.Millisecond,
		},
		Logger:   discardLogger(),
		API:      newTestAPI(t),
		Dialer:   dialer,
		Capturer: &fakeCapturer{t: t},
	})
	require.ErrorIs(t, sess.Connect(context.Background()), ErrJoinTimeout)
	require.Equal(t, StateDisconnected, sess.State())
}

type dialerFunc func(ctx context.Context) (Transport, error)

func (f dialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

func TestConnectDegradesOnCameraDenial(t *testing.T) {
	reg := newTestRegistry()
	dialer := &memDialer{reg: reg, room: "cs220-review"}
	cap := &fakeCapturer{t: t, camErr: errors.New("denied")}
	sess := NewSession(NewSessionParams{
		Config: Config{
			Room: "cs220-review", PeerID: "alice", DisplayName: "Alice",
			EnableMic: true, EnableCam: true,
			JoinTimeout: 2 * time.Second,
		},
		Logger:   discardLogger(),
		API:      newTestAPI(t),
		Dialer:   dialer,
		Capturer: cap,
	})
	t.Cleanup(func() { sess.Disconnect() })
	sees := trackParticipants(sess)

	require.NoError(t, sess.Connect(context.Background()))
	require.Equal(t, StateConnected, sess.State())

	// The mic comes up; the denied camera stays off without failing the join.
	require.Eventually(t, func() bool {
		return hasParticipant(sees(), "alice", func(p Participant) bool {
			return p.MicOn && !p.CamOn
		})
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSessionsConverge(t *testing.T) {
	reg := newTestRegistry()
	alice := connectedSession(t, reg, "cs220-review", "alice", "Alice")
	aliceSees := trackParticipants(alice)

	bob := connectedSession(t, reg, "cs220-review", "bob", "Bob")
	bobSees := trackParticipants(bob)

	require.Eventually(t, func() bool {
		return hasParticipant(aliceSees(), "bob", nil) && hasParticipant(bobSees(), "alice", nil)
	}, 3*time.Second, 20*time.Millisecond)

	// Exactly one link per pair, offerer on the smaller id.
	runOn(t, alice, func() {
		require.Len(t, alice.links, 1)
		require.True(t, alice.links["bob"].offerer)
	})
	runOn(t, bob, func() {
		require.Len(t, bob.links, 1)
		require.False(t, bob.links["alice"].offerer)
	})
}

func TestChatDeliveredExactlyOnce(t *testing.T) {
	reg := newTestRegistry()
	alice := connectedSession(t, reg, "cs220-review", "alice", "Alice")
	bob := connectedSession(t, reg, "cs220-review", "bob", "Bob")
	bobSees := trackParticipants(bob)
	require.Eventually(t, func() bool {
		return hasParticipant(bobSees(), "alice", nil)
	}, 3*time.Second, 20*time.Millisecond)

	var mu sync.Mutex
	var bobGot []ChatMessage
	bob.OnChat(func(msg ChatMessage) {
		mu.Lock()
		bobGot = append(bobGot, msg)
		mu.Unlock()
	})
	var aliceGot []ChatMessage
	alice.OnChat(func(msg ChatMessage) {
		mu.Lock()
		aliceGot = append(aliceGot, msg)
		mu.Unlock()
	})

	require.NoError(t, alice.SendChat("anyone solved problem 3?"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bobGot) >= 1 && len(aliceGot) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	// The relay and the data channel mirror may both deliver; the session
	// must surface the message once.
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bobGot, 1)
	require.Equal(t, "Alice", bobGot[0].Author)
	require.Equal(t, "anyone solved problem 3?", bobGot[0].Text)
	require.False(t, bobGot[0].Self)

	require.Len(t, aliceGot, 1)
	require.True(t, aliceGot[0].Self)
}

func TestPeerLeaveTearsDownLink(t *testing.T) {
	reg := newTestRegistry()
	alice := connectedSession(t, reg, "cs220-review", "alice", "Alice")
	aliceSees := trackParticipants(alice)
	bob := connectedSession(t, reg, "cs220-review", "bob", "Bob")

	require.Eventually(t, func() bool {
		return hasParticipant(aliceSees(), "bob", nil)
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.Disconnect())

	require.Eventually(t, func() bool {
		ps := aliceSees()
		return len(ps) == 1 && ps[0].ID == "alice"
	}, 3*time.Second, 20*time.Millisecond)
	require.Len(t, reg.Members("cs220-review"), 1)
}

func TestPresencePropagates(t *testing.T) {
	reg := newTestRegistry()
	alice := connectedSession(t, reg, "cs220-review", "alice", "Alice")
	bob := connectedSession(t, reg, "cs220-review", "bob", "Bob")
	bobSees := trackParticipants(bob)
	require.Eventually(t, func() bool {
		return hasParticipant(bobSees(), "alice", nil)
	}, 3*time.Second, 20*time.Millisecond)

	alice.ToggleHand(true)
	alice.SetMic(true)

	require.Eventually(t, func() bool {
		return hasParticipant(bobSees(), "alice", func(p Participant) bool {
			return p.HandRaised && p.MicOn
		})
	}, 3*time.Second, 20*time.Millisecond)

	alice.ToggleHand(false)
	require.Eventually(t, func() bool {
		return hasParticipant(bobSees(), "alice", func(p Participant) bool {
			return !p.HandRaised && p.MicOn
		})
	}, 3*time.Second, 20*time.Millisecond)
}

func TestShareVisibleToPeersAndLateJoiners(t *testing.T) {
	reg := newTestRegistry()
	alice := connectedSession(t, reg, "cs220-review", "alice", "Alice")
	bob := connectedSession(t, reg, "cs220-review", "bob", "Bob")
	bobSees := trackParticipants(bob)
	require.Eventually(t, func() bool {
		return hasParticipant(bobSees(), "alice", nil)
	}, 3*time.Second, 20*time.Millisecond)

	alice.StartShare()
	require.Eventually(t, func() bool {
		return hasParticipant(bobSees(), "alice", func(p Participant) bool {
			return p.SharingScreen
		})
	}, 3*time.Second, 20*time.Millisecond)

	// The registry folded the share, so a late joiner's snapshot has it.
	carol := connectedSession(t, reg, "cs220-review", "carol", "Carol")
	carolSees := trackParticipants(carol)
	require.Eventually(t, func() bool {
		return hasParticipant(carolSees(), "alice", func(p Participant) bool {
			return p.SharingScreen
		})
	}, 3*time.Second, 20*time.Millisecond)

	alice.StopShare()
	require.Eventually(t, func() bool {
		return hasParticipant(bobSees(), "alice", func(p Participant) bool {
			return !p.SharingScreen
		})
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSignalFromUnknownPeerCreatesLink(t *testing.T) {
	reg := newTestRegistry()
	alice := connectedSession(t, reg, "cs220-review", "alice", "Alice")

	// A peer whose join broadcast lost the race against its first offer.
	scratch, err := newTestAPI(t).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { scratch.Close() })
	_, err = scratch.CreateDataChannel("chat", nil)
	require.NoError(t, err)
	offer, err := scratch.CreateOffer(nil)
	require.NoError(t, err)

	env, err := protocol.NewEnvelope(protocol.EnvelopeOffer, "cs220-review", "aaron", 1, protocol.SessionPayload{SDP: offer})
	require.NoError(t, err)
	runOn(t, alice, func() { alice.handleEnvelope(env) })

	var first *peerLink
	runOn(t, alice, func() {
		require.Len(t, alice.links, 1)
		first = alice.links["aaron"]
		require.NotNil(t, first)
		require.False(t, first.offerer, "the smaller id keeps the offerer role")
	})

	// Further signaling reuses the link instead of creating another.
	ice, err := protocol.NewEnvelope(protocol.EnvelopeICE, "cs220-review", "aaron", 2, protocol.ICEPayload{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"},
	})
	require.NoError(t, err)
	runOn(t, alice, func() { alice.handleEnvelope(ice) })
	runOn(t, alice, func() {
		require.Len(t, alice.links, 1)
		require.Same(t, first, alice.links["aaron"])
	})
}

func TestPresenceSurvivesSignalingReconnect(t *testing.T) {
	reg := newTestRegistry()
	aliceDialer := &memDialer{reg: reg, room: "cs220-review"}
	alice := newSessionFixture(t, aliceDialer, "cs220-review", "alice", "Alice")
	require.NoError(t, alice.Connect(context.Background()))
	bob := connectedSession(t, reg, "cs220-review", "bob", "Bob")
	bobSees := trackParticipants(bob)

	alice.ToggleHand(true)
	require.Eventually(t, func() bool {
		return hasParticipant(bobSees(), "alice", func(p Participant) bool {
			return p.HandRaised
		})
	}, 3*time.Second, 20*time.Millisecond)

	// The blip drops alice's member record on the server; the rejoin must
	// re-announce her flags.
	aliceDialer.transport(0).Close()

	require.Eventually(t, func() bool {
		return alice.State() == StateConnected &&
			hasParticipant(bobSees(), "alice", func(p Participant) bool {
				return p.HandRaised
			})
	}, 3*time.Second, 20*time.Millisecond)

	// A late joiner's snapshot carries them too.
	carol := connectedSession(t, reg, "cs220-review", "carol", "Carol")
	carolSees := trackParticipants(carol)
	require.Eventually(t, func() bool {
		return hasParticipant(carolSees(), "alice", func(p Participant) bool {
			return p.HandRaised
		})
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRejoinSnapshotReoffersReconnectingLink(t *testing.T) {
	// ICE drops together with signaling: the restart offer sent into the
	// dead transport is lost, so the membership snapshot that ends a rejoin
	// must trigger a fresh restart offer for every link still in grace.
	reg := newTestRegistry()
	alice := connectedSession(t, reg, "cs220-review", "alice", "Alice")
	bob := connectedSession(t, reg, "cs220-review", "bob", "Bob")

	bobRemoteSDP := func() string {
		var sdp string
		done := make(chan struct{})
		if !bob.post(func() {
			defer close(done)
			if link, ok := bob.links["alice"]; ok {
				if desc := link.pc.RemoteDescription(); desc != nil {
					sdp = desc.SDP
				}
			}
		}) {
			return ""
		}
		<-done
		return sdp
	}

	require.Eventually(t, func() bool {
		return bobRemoteSDP() != ""
	}, 5*time.Second, 20*time.Millisecond)
	before := bobRemoteSDP()

	snapshot, err := protocol.NewEnvelope(protocol.EnvelopeJoin, "cs220-review", "", 0, protocol.JoinPayload{
		Members: []protocol.Member{{ID: "alice", Name: "Alice"}, {ID: "bob", Name: "Bob"}},
	})
	require.NoError(t, err)
	snapshot.To = "alice"

	require.Eventually(t, func() bool {
		// Pin the link into its grace window and replay the snapshot in the
		// same loop turn; the live ICE session may recover concurrently, so
		// each attempt re-arms.
		done := make(chan struct{})
		if !alice.post(func() {
			defer close(done)
			alice.links["bob"].state.Store(int32(linkReconnecting))
			alice.handleEnvelope(snapshot)
		}) {
			return false
		}
		<-done
		current := bobRemoteSDP()
		return current != "" && current != before
	}, 5*time.Second, 100*time.Millisecond)
}

func TestSignalingReconnectRejoins(t *testing.T) {
	reg := newTestRegistry()
	dialer := &memDialer{reg: reg, room: "cs220-review"}
	sess := newSessionFixture(t, dialer, "cs220-review", "alice", "Alice")
	states := trackStates(sess)
	require.NoError(t, sess.Connect(context.Background()))

	// Drop the transport out from under the session.
	dialer.transport(0).Close()

	require.Eventually(t, func() bool {
		seen := states()
		var reconnecting, reconnected bool
		for i, s := range seen {
			if s == StateReconnecting {
				reconnecting = true
			}
			if reconnecting && s == StateConnected && i > 0 {
				reconnected = true
			}
		}
		return reconnecting && reconnected
	}, 3*time.Second, 20*time.Millisecond)

	require.Equal(t, StateConnected, sess.State())
	require.Len(t, reg.Members("cs220-review"), 1)
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	reg := newTestRegistry()
	dialer := &memDialer{reg: reg, room: "cs220-review", failAfter: 1}
	sess := newSessionFixture(t, dialer, "cs220-review", "alice", "Alice")
	require.NoError(t, sess.Connect(context.Background()))

	dialer.transport(0).Close()

	require.Eventually(t, func() bool {
		return sess.State() == StateDisconnected
	}, 3*time.Second, 20*time.Millisecond)
	require.ErrorIs(t, sess.SendChat("too late"), ErrSessionClosed)
}

func TestDisconnectIsTerminal(t *testing.T) {
	reg := newTestRegistry()
	sess := connectedSession(t, reg, "cs220-review", "alice", "Alice")

	require.NoError(t, sess.Disconnect())
	require.Equal(t, StateDisconnected, sess.State())
	// The leave envelope travels through the relay goroutine.
	require.Eventually(t, func() bool {
		return !reg.HasRoom("cs220-review")
	}, 3*time.Second, 20*time.Millisecond)

	require.ErrorIs(t, sess.Connect(context.Background()), ErrSessionClosed)
	require.NoError(t, sess.Disconnect())
}
