package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
)

var (
	ErrRoomNotExist = errors.New("room not exist")
	ErrJoinRequired = errors.New("first envelope must be a join")
)

// EnvelopeWriter is one connected participant's outbound half. The relay
// writes to it from whichever goroutine holds the room lock; implementations
// must be safe for concurrent use.
type EnvelopeWriter interface {
	WriteEnvelope(env *protocol.Envelope) error
	Close() error
}

type member struct {
	id       protocol.PeerID
	name     string
	flags    protocol.PresencePayload
	joinedAt time.Time
	writer   EnvelopeWriter
}

func (m *member) snapshot() protocol.Member {
	return protocol.Member{
		ID:            m.id,
		Name:          m.name,
		MicOn:         m.flags.MicOn,
		CamOn:         m.flags.CamOn,
		SharingScreen: m.flags.SharingScreen,
		HandRaised:    m.flags.HandRaised,
	}
}

// roomState holds one room's membership in insertion order. All membership
// mutation and every broadcast happen under mu so no interleaving of
// concurrent joins and leaves can produce an inconsistent snapshot.
type roomState struct {
	id protocol.RoomID

	mu        sync.Mutex
	members   []*member
	closed    bool
	createdAt time.Time
}

func newRoomState(id protocol.RoomID) *roomState {
	return &roomState{
		id:        id,
		createdAt: time.Now(),
	}
}

func (r *roomState) find(id protocol.PeerID) (int, *member) {
	for i, m := range r.members {
		if m.id == id {
			return i, m
		}
	}
	return -1, nil
}

func (r *roomState) broadcast(env *protocol.Envelope, except protocol.PeerID) {
	for _, m := range r.members {
		if m.id == except {
			continue
		}
		if err := m.writer.WriteEnvelope(env); err != nil {
			// The reader loop of that member will observe the broken
			// connection and trigger its leave.
			continue
		}
	}
}

// Registry is the server-side room table. Rooms are created by the first
// successful join and deleted when their last participant leaves.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[protocol.RoomID]*roomState
}

type NewRegistryParams struct {
	fx.In

	Logger *slog.Logger
}

func NewRegistry(params NewRegistryParams) *Registry {
	return &Registry{
		logger: params.Logger,
		rooms:  make(map[protocol.RoomID]*roomState),
	}
}

// Join adds the participant and returns the membership snapshot, joiner
// included, so the client can initiate offers toward each existing member.
// The other members receive a join broadcast and initiate offers back
// according to the tie-break rule.
func (r *Registry) Join(roomID protocol.RoomID, id protocol.PeerID, name string, w EnvelopeWriter) ([]protocol.Member, error) {
	if roomID == "" {
		return nil, protocol.ErrEmptyRoomID
	}

	for {
		r.mu.Lock()
		room, ok := r.rooms[roomID]
		if !ok {
			room = newRoomState(roomID)
			r.rooms[roomID] = room
			r.logger.Info("room created", slog.String("room", roomID))
		}
		r.mu.Unlock()

		room.mu.Lock()
		if room.closed {
			// Lost the race against the last leave; the room was deleted
			// between the map lookup and taking its lock.
			room.mu.Unlock()
			continue
		}
		defer room.mu.Unlock()

		var flags protocol.PresencePayload
		if i, prev := room.find(id); prev != nil {
			// Same session id reconnecting; drop the stale connection but
			// keep its flags so snapshots stay fresh across the blip.
			flags = prev.flags
			prev.writer.Close()
			room.members = append(room.members[:i], room.members[i+1:]...)
		}

		room.members = append(room.members, &member{
			id:       id,
			name:     name,
			flags:    flags,
			joinedAt: time.Now(),
			writer:   w,
		})

		snapshot := make([]protocol.Member, 0, len(room.members))
		for _, m := range room.members {
			snapshot = append(snapshot, m.snapshot())
		}

		joined, err := protocol.NewEnvelope(protocol.EnvelopeJoin, roomID, id, 0, protocol.JoinPayload{Name: name})
		if err != nil {
			return nil, err
		}
		room.broadcast(joined, id)

		r.logger.Info("participant joined",
			slog.String("room", roomID),
			slog.String("participant", id),
			slog.Int("members", len(room.members)))
		return snapshot, nil
	}
}

// Leave removes the participant, broadcasts their leave and deletes the
// room when it becomes empty. Safe to call for a participant or room that
// is already gone.
func (r *Registry) Leave(roomID protocol.RoomID, id protocol.PeerID) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}

	room.mu.Lock()
	i, m := room.find(id)
	if m == nil {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.members = append(room.members[:i], room.members[i+1:]...)

	empty := len(room.members) == 0
	if empty {
		room.closed = true
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if !empty {
		left, err := protocol.NewEnvelope(protocol.EnvelopeLeave, roomID, id, 0, nil)
		if err == nil {
			room.broadcast(left, id)
		}
	}
	room.mu.Unlock()

	r.logger.Info("participant left",
		slog.String("room", roomID),
		slog.String("participant", id),
		slog.Bool("roomDeleted", empty))
}

// Relay forwards a client envelope: directed envelopes go only to their
// addressee, the rest are broadcast to every member except the sender, in
// per-sender arrival order. Presence-bearing envelopes also refresh the
// sender's member record so later join snapshots carry current flags.
func (r *Registry) Relay(roomID protocol.RoomID, env *protocol.Envelope) error {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return ErrRoomNotExist
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	_, sender := room.find(env.From)
	if sender != nil {
		switch env.Type {
		case protocol.EnvelopePresence:
			var p protocol.PresencePayload
			if err := env.Decode(&p); err == nil {
				sender.flags = p
			}
		case protocol.EnvelopeShareStart:
			sender.flags.SharingScreen = true
		case protocol.EnvelopeShareStop:
			sender.flags.SharingScreen = false
		}
	}

	if env.Directed() {
		_, dest := room.find(env.To)
		if dest == nil {
			// Addressee already left; at-least-once delivery makes this a
			// benign drop for the sender.
			return nil
		}
		return dest.writer.WriteEnvelope(env)
	}

	room.broadcast(env, env.From)
	return nil
}

// HasRoom reports whether the room currently exists.
func (r *Registry) HasRoom(roomID protocol.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Members returns the current membership snapshot, or nil for an unknown
// room.
func (r *Registry) Members(roomID protocol.RoomID) []protocol.Member {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	snapshot := make([]protocol.Member, 0, len(room.members))
	for _, m := range room.members {
		snapshot = append(snapshot, m.snapshot())
	}
	return snapshot
}
