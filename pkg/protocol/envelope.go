package protocol

import (
	"encoding/json"
	"errors"
	"time"

	webrtc "github.com/pion/webrtc/v3"
)

type (
	RoomID = string
	PeerID = string
)

var (
	ErrUnknownEnvelopeType = errors.New("unknown envelope type")
	ErrEmptyRoomID         = errors.New("room id is empty")
)

type EnvelopeType string

const (
	EnvelopeOffer       EnvelopeType = "offer"
	EnvelopeAnswer      EnvelopeType = "answer"
	EnvelopeICE         EnvelopeType = "ice"
	EnvelopeRenegotiate EnvelopeType = "renegotiate"
	EnvelopeJoin        EnvelopeType = "join"
	EnvelopeLeave       EnvelopeType = "leave"
	EnvelopeChat        EnvelopeType = "chat"
	EnvelopePresence    EnvelopeType = "presence"
	EnvelopeShareStart  EnvelopeType = "share-start"
	EnvelopeShareStop   EnvelopeType = "share-stop"
)

func (t EnvelopeType) Valid() bool {
	switch t {
	case EnvelopeOffer, EnvelopeAnswer, EnvelopeICE, EnvelopeRenegotiate,
		EnvelopeJoin, EnvelopeLeave, EnvelopeChat,
		EnvelopePresence, EnvelopeShareStart, EnvelopeShareStop:
		return true
	}
	return false
}

// Envelope is the signaling wire unit. Seq is per-sender monotonic and is
// used for duplicate suppression only; envelopes from different senders
// carry independent sequences and may interleave.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Room    RoomID          `json:"room"`
	From    PeerID          `json:"from,omitempty"`
	To      PeerID          `json:"to,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Directed reports whether the envelope is addressed to a single member
// instead of the whole room.
func (e *Envelope) Directed() bool {
	return e.To != ""
}

func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

func NewEnvelope(t EnvelopeType, room RoomID, from PeerID, seq uint64, payload any) (*Envelope, error) {
	env := &Envelope{
		Type: t,
		Room: room,
		From: from,
		Seq:  seq,
	}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = raw
	return env, nil
}

// Member is one participant's record as the registry knows it. Capability
// flags are refreshed by presence envelopes so join snapshots reflect the
// room's current state, not just its membership.
type Member struct {
	ID            PeerID `json:"id"`
	Name          string `json:"name"`
	MicOn         bool   `json:"micOn"`
	CamOn         bool   `json:"camOn"`
	SharingScreen bool   `json:"sharingScreen"`
	HandRaised    bool   `json:"handRaised"`
}

// JoinPayload carries the joiner's display name on the way in. On the
// registry's snapshot reply Members holds the room membership, joiner
// included.
type JoinPayload struct {
	Name    string   `json:"name"`
	Members []Member `json:"members,omitempty"`
}

// SessionPayload carries an SDP offer or answer.
type SessionPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type ICEPayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// RenegotiatePayload asks the pair's offering side to produce a fresh offer.
// Only the tie-break winner ever offers; the other side sends this instead.
type RenegotiatePayload struct {
	ICERestart bool `json:"iceRestart,omitempty"`
}

type ChatPayload struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

type PresencePayload struct {
	MicOn         bool `json:"micOn"`
	CamOn         bool `json:"camOn"`
	SharingScreen bool `json:"sharingScreen"`
	HandRaised    bool `json:"handRaised"`
}
