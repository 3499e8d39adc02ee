package registry

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
)

type captureWriter struct {
	mu     sync.Mutex
	sent   []*protocol.Envelope
	closed bool
}

func (w *captureWriter) WriteEnvelope(env *protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, env)
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *captureWriter) envelopes() []*protocol.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*protocol.Envelope, len(w.sent))
	copy(out, w.sent)
	return out
}

func (w *captureWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func newTestRegistry() *Registry {
	return NewRegistry(NewRegistryParams{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestJoinReturnsSnapshotWithJoiner(t *testing.T) {
	reg := newTestRegistry()

	alice := &captureWriter{}
	members, err := reg.Join("study", "alice", "Alice", alice)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].ID)
	require.Equal(t, "Alice", members[0].Name)

	bob := &captureWriter{}
	members, err = reg.Join("study", "bob", "Bob", bob)
	require.NoError(t, err)
	require.Len(t, members, 2)

	// Alice got the join broadcast, Bob did not.
	joins := alice.envelopes()
	require.Len(t, joins, 1)
	require.Equal(t, protocol.EnvelopeJoin, joins[0].Type)
	require.Equal(t, "bob", joins[0].From)
	require.Empty(t, bob.envelopes())
}

func TestJoinEmptyRoomID(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Join("", "alice", "Alice", &captureWriter{})
	require.ErrorIs(t, err, protocol.ErrEmptyRoomID)
}

func TestJoinReplacesStaleConnection(t *testing.T) {
	reg := newTestRegistry()

	stale := &captureWriter{}
	_, err := reg.Join("study", "alice", "Alice", stale)
	require.NoError(t, err)

	fresh := &captureWriter{}
	members, err := reg.Join("study", "alice", "Alice", fresh)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.True(t, stale.isClosed())
	require.False(t, fresh.isClosed())
}

func TestRejoinKeepsPresenceFlags(t *testing.T) {
	reg := newTestRegistry()

	stale := &captureWriter{}
	_, err := reg.Join("study", "alice", "Alice", stale)
	require.NoError(t, err)

	env, err := protocol.NewEnvelope(protocol.EnvelopePresence, "study", "alice", 1,
		protocol.PresencePayload{MicOn: true, HandRaised: true})
	require.NoError(t, err)
	require.NoError(t, reg.Relay("study", env))
	env, err = protocol.NewEnvelope(protocol.EnvelopeShareStart, "study", "alice", 2, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Relay("study", env))

	// The same id reconnecting replaces its connection, not its flags.
	fresh := &captureWriter{}
	members, err := reg.Join("study", "alice", "Alice", fresh)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.True(t, members[0].MicOn)
	require.True(t, members[0].HandRaised)
	require.True(t, members[0].SharingScreen)
}

func TestLeaveBroadcastsAndDeletesEmptyRoom(t *testing.T) {
	reg := newTestRegistry()

	alice := &captureWriter{}
	bob := &captureWriter{}
	_, err := reg.Join("study", "alice", "Alice", alice)
	require.NoError(t, err)
	_, err = reg.Join("study", "bob", "Bob", bob)
	require.NoError(t, err)

	reg.Leave("study", "bob")
	require.True(t, reg.HasRoom("study"))

	leaves := alice.envelopes()
	require.Equal(t, protocol.EnvelopeLeave, leaves[len(leaves)-1].Type)
	require.Equal(t, "bob", leaves[len(leaves)-1].From)

	reg.Leave("study", "alice")
	require.False(t, reg.HasRoom("study"))

	// Leaving twice, or leaving an unknown room, is a no-op.
	reg.Leave("study", "alice")
	reg.Leave("nowhere", "alice")
}

func TestRelayDirectedReachesOnlyAddressee(t *testing.T) {
	reg := newTestRegistry()

	alice := &captureWriter{}
	bob := &captureWriter{}
	carol := &captureWriter{}
	for id, w := range map[string]*captureWriter{"alice": alice, "bob": bob, "carol": carol} {
		_, err := reg.Join("study", id, id, w)
		require.NoError(t, err)
	}
	aliceBase := len(alice.envelopes())
	bobBase := len(bob.envelopes())
	carolBase := len(carol.envelopes())

	env, err := protocol.NewEnvelope(protocol.EnvelopeOffer, "study", "alice", 1,
		protocol.SessionPayload{})
	require.NoError(t, err)
	env.To = "bob"
	require.NoError(t, reg.Relay("study", env))

	require.Len(t, alice.envelopes(), aliceBase)
	require.Len(t, bob.envelopes(), bobBase+1)
	require.Len(t, carol.envelopes(), carolBase)
	require.Equal(t, protocol.EnvelopeOffer, bob.envelopes()[bobBase].Type)
}

func TestRelayDirectedToDepartedMemberIsBenign(t *testing.T) {
	reg := newTestRegistry()

	alice := &captureWriter{}
	_, err := reg.Join("study", "alice", "Alice", alice)
	require.NoError(t, err)

	env, err := protocol.NewEnvelope(protocol.EnvelopeICE, "study", "alice", 1, nil)
	require.NoError(t, err)
	env.To = "ghost"
	require.NoError(t, reg.Relay("study", env))
}

func TestRelayBroadcastExcludesSender(t *testing.T) {
	reg := newTestRegistry()

	alice := &captureWriter{}
	bob := &captureWriter{}
	_, err := reg.Join("study", "alice", "Alice", alice)
	require.NoError(t, err)
	_, err = reg.Join("study", "bob", "Bob", bob)
	require.NoError(t, err)
	aliceBase := len(alice.envelopes())
	bobBase := len(bob.envelopes())

	env, err := protocol.NewEnvelope(protocol.EnvelopeChat, "study", "alice", 1,
		protocol.ChatPayload{Author: "Alice", Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, reg.Relay("study", env))

	require.Len(t, alice.envelopes(), aliceBase)
	require.Len(t, bob.envelopes(), bobBase+1)
}

func TestRelayUnknownRoom(t *testing.T) {
	reg := newTestRegistry()
	env, err := protocol.NewEnvelope(protocol.EnvelopeChat, "nowhere", "alice", 1, nil)
	require.NoError(t, err)
	require.ErrorIs(t, reg.Relay("nowhere", env), ErrRoomNotExist)
}

func TestRelayFoldsPresenceIntoSnapshots(t *testing.T) {
	reg := newTestRegistry()

	alice := &captureWriter{}
	_, err := reg.Join("study", "alice", "Alice", alice)
	require.NoError(t, err)

	env, err := protocol.NewEnvelope(protocol.EnvelopePresence, "study", "alice", 1,
		protocol.PresencePayload{MicOn: true, HandRaised: true})
	require.NoError(t, err)
	require.NoError(t, reg.Relay("study", env))

	members := reg.Members("study")
	require.Len(t, members, 1)
	require.True(t, members[0].MicOn)
	require.True(t, members[0].HandRaised)
	require.False(t, members[0].SharingScreen)

	// Share envelopes fold too, so late joiners see a running share.
	env, err = protocol.NewEnvelope(protocol.EnvelopeShareStart, "study", "alice", 2, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Relay("study", env))
	require.True(t, reg.Members("study")[0].SharingScreen)

	env, err = protocol.NewEnvelope(protocol.EnvelopeShareStop, "study", "alice", 3, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Relay("study", env))
	require.False(t, reg.Members("study")[0].SharingScreen)

	// A late joiner's snapshot carries the folded flags.
	bob := &captureWriter{}
	members, err = reg.Join("study", "bob", "Bob", bob)
	require.NoError(t, err)
	for _, m := range members {
		if m.ID == "alice" {
			require.True(t, m.MicOn)
			require.True(t, m.HandRaised)
		}
	}
}

func TestMembersUnknownRoom(t *testing.T) {
	reg := newTestRegistry()
	require.Nil(t, reg.Members("nowhere"))
}
