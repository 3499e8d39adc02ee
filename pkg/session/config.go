package session

import (
	"time"

	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"

	"github.com/Sharif2023/StudyNest-sub000/pkg/variables"
)

// Config carries the session policy knobs. Zero values fall back to the
// environment-derived defaults.
type Config struct {
	// ServerURL is the signaling endpoint, e.g. ws://localhost:8090.
	ServerURL string
	// Room is the opaque room identifier the session is tied to.
	Room string
	// PeerID is the pre-resolved stable identity for this connected
	// session. Defaults to a fresh uuid.
	PeerID string
	// DisplayName is the pre-resolved display name.
	DisplayName string

	// EnableMic and EnableCam request best-effort device acquisition as
	// part of Connect; denial degrades the feature instead of failing the
	// join.
	EnableMic bool
	EnableCam bool

	ICEServers []webrtc.ICEServer

	// GracePeriod bounds how long a peer link may stay in reconnecting
	// before it is closed unconditionally.
	GracePeriod time.Duration

	// ReconnectAttempts and ReconnectBackoff bound the automatic signaling
	// reconnection before the session surfaces a terminal disconnect.
	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	JoinTimeout   time.Duration
	StatsInterval time.Duration
}

func DefaultConfig() Config {
	grace, err := variables.ParseDuration(variables.Env(variables.PEER_GRACE_PERIOD_NAME, variables.PEER_GRACE_PERIOD_DEFAULT))
	if err != nil {
		grace = 7 * time.Second
	}
	attempts, err := variables.ParseInt(variables.Env(variables.SIGNAL_RECONNECT_ATTEMPTS_NAME, variables.SIGNAL_RECONNECT_ATTEMPTS_DEFAULT))
	if err != nil {
		attempts = 5
	}
	backoff, err := variables.ParseDuration(variables.Env(variables.SIGNAL_RECONNECT_BACKOFF_NAME, variables.SIGNAL_RECONNECT_BACKOFF_DEFAULT))
	if err != nil {
		backoff = 2 * time.Second
	}

	return Config{
		GracePeriod:       grace,
		ReconnectAttempts: attempts,
		ReconnectBackoff:  backoff,
		JoinTimeout:       10 * time.Second,
		StatsInterval:     2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PeerID == "" {
		c.PeerID = uuid.NewString()
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = def.ReconnectBackoff
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = def.StatsInterval
	}
	return c
}
