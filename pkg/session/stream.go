package session

import (
	"time"

	webrtc "github.com/pion/webrtc/v3"

	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
)

type StreamKind string

const (
	StreamCamera StreamKind = "camera"
	StreamScreen StreamKind = "screen"
)

// Stream is one renderable tile: a camera or screen feed belonging to one
// participant. Remote is nil for the local participant's own entries; the
// embedder renders those straight from its capture surface.
type Stream struct {
	ID   string
	Peer protocol.PeerID
	Name string
	Self bool
	Kind StreamKind

	Remote *webrtc.TrackRemote
	// Audio carries the remote participant's audio track alongside their
	// camera entry, when negotiated.
	Audio *webrtc.TrackRemote
}

// Participant is the UI-facing membership record.
type Participant struct {
	ID   protocol.PeerID
	Name string
	Self bool

	MicOn         bool
	CamOn         bool
	SharingScreen bool
	HandRaised    bool

	// State is "connected" once the peer link is usable, "joining" before
	// that and "reconnecting" while a grace period runs.
	State string
}

type ChatMessage struct {
	From   protocol.PeerID
	Author string
	Text   string
	SentAt time.Time
	Self   bool
}

// LinkStats is a per-peer inbound snapshot from the stats interceptor.
type LinkStats struct {
	State           string
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsLost     int64
	Jitter          float64
}

type SessionState int32

const (
	StateNew SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}
