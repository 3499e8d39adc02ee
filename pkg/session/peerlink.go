package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	webrtc "github.com/pion/webrtc/v3"
	uatomic "go.uber.org/atomic"

	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
	"github.com/Sharif2023/StudyNest-sub000/pkg/rtpstats"
)

type linkState int32

const (
	linkNegotiating linkState = iota
	linkConnected
	linkReconnecting
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkNegotiating:
		return "negotiating"
	case linkConnected:
		return "connected"
	case linkReconnecting:
		return "reconnecting"
	case linkClosed:
		return "closed"
	}
	return "unknown"
}

const (
	signalBacklog   = 64
	pliBurstCount   = 4
	pliBurstPeriod  = time.Second
	chatChannelName = "chat"
)

// Fixed transceiver order shared by both ends of a link; remote tracks are
// classified by the mid of the transceiver they arrive on.
const (
	midAudio  = "0"
	midCamera = "1"
	midScreen = "2"
)

type mediaKind int

const (
	kindMic mediaKind = iota
	kindCam
	kindScreen
)

// linkHooks is the narrow surface a peer link uses to talk back to its
// session. post schedules a closure on the session control loop; every
// callback fires there.
type linkHooks struct {
	send          func(to protocol.PeerID, t protocol.EnvelopeType, payload any) error
	post          func(fn func()) bool
	onStateChange func(l *peerLink, s linkState)
	onRemoteTrack func(l *peerLink)
	onChat        func(env *protocol.Envelope)
}

type peerLinkParams struct {
	Parent      context.Context
	LocalID     protocol.PeerID
	RemoteID    protocol.PeerID
	Name        string
	Offerer     bool
	API         *webrtc.API
	ICEServers  []webrtc.ICEServer
	GracePeriod time.Duration
	Logger      *slog.Logger
	Stats       *rtpstats.RtpStats
	Hooks       linkHooks
}

// peerLink owns the negotiation state machine for exactly one remote
// participant. Signaling envelopes are drained by the link's own goroutine;
// the fields below the "session loop owned" marker are only touched on the
// session control loop.
type peerLink struct {
	id    protocol.PeerID
	local protocol.PeerID

	ctx    context.Context
	cancel context.CancelCauseFunc

	pc       *webrtc.PeerConnection
	audioTx  *webrtc.RTPTransceiver
	camTx    *webrtc.RTPTransceiver
	screenTx *webrtc.RTPTransceiver

	// Smaller id initiates every offer; the other side asks it to
	// renegotiate instead of offering, so offers never collide.
	offerer bool

	inbox chan *protocol.Envelope

	state       uatomic.Int32
	negotiateMu sync.Mutex

	graceMu     sync.Mutex
	graceTimer  *time.Timer
	gracePeriod time.Duration

	closeOnce sync.Once

	// iceQueue is only touched by the link goroutine.
	iceQueue []webrtc.ICECandidateInit

	dcMu    sync.Mutex
	chatDC  *webrtc.DataChannel
	dcOpen  bool
	dcQueue [][]byte

	stats  *rtpstats.RtpStats
	logger *slog.Logger
	hooks  linkHooks

	// session loop owned.
	name         string
	flags        protocol.PresencePayload
	remoteAudio  *webrtc.TrackRemote
	remoteCam    *webrtc.TrackRemote
	remoteScreen *webrtc.TrackRemote
}

func newPeerLink(params peerLinkParams) (*peerLink, error) {
	pc, err := params.API.NewPeerConnection(webrtc.Configuration{
		ICEServers: params.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancelCause(params.Parent)
	p := &peerLink{
		id:          params.RemoteID,
		local:       params.LocalID,
		ctx:         ctx,
		cancel:      cancel,
		pc:          pc,
		offerer:     params.Offerer,
		inbox:       make(chan *protocol.Envelope, signalBacklog),
		gracePeriod: params.GracePeriod,
		stats:       params.Stats,
		logger: params.Logger.With(
			slog.String("peer", params.RemoteID),
		),
		hooks: params.Hooks,
		name:  params.Name,
	}

	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
	if p.audioTx, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init); err != nil {
		pc.Close()
		return nil, err
	}
	if p.camTx, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
		pc.Close()
		return nil, err
	}
	if p.screenTx, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := p.hooks.send(p.id, protocol.EnvelopeICE, protocol.ICEPayload{Candidate: c.ToJSON()}); err != nil {
			p.logger.Debug("ice candidate send failed", slog.String("err", err.Error()))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("connection state", slog.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.recovered()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.close(errLinkClosed)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.handleICEConnectionState(s)
	})

	pc.OnNegotiationNeeded(func() {
		// Only the tie-break winner reacts automatically; the session
		// triggers renegotiation explicitly when local media changes.
		if p.offerer {
			go p.negotiate(false)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.acceptRemoteTrack(track, receiver)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == chatChannelName {
			p.wireChatChannel(dc)
		}
	})

	if p.offerer {
		dc, err := pc.CreateDataChannel(chatChannelName, nil)
		if err == nil {
			p.wireChatChannel(dc)
		}
	}

	go p.run()
	return p, nil
}

func (p *peerLink) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case env := <-p.inbox:
			p.handleSignal(env)
		}
	}
}

// enqueueSignal hands an offer/answer/ice envelope to the link goroutine.
func (p *peerLink) enqueueSignal(env *protocol.Envelope) {
	select {
	case p.inbox <- env:
	default:
		p.logger.Error("signal inbox full, dropping envelope", slog.String("type", string(env.Type)))
	}
}

func (p *peerLink) handleSignal(env *protocol.Envelope) {
	switch env.Type {
	case protocol.EnvelopeOffer:
		p.handleOffer(env)
	case protocol.EnvelopeAnswer:
		p.handleAnswer(env)
	case protocol.EnvelopeICE:
		p.handleCandidate(env)
	case protocol.EnvelopeRenegotiate:
		p.handleRenegotiate(env)
	}
}

func (p *peerLink) handleOffer(env *protocol.Envelope) {
	var payload protocol.SessionPayload
	if err := env.Decode(&payload); err != nil {
		p.logger.Error("malformed offer", slog.String("err", err.Error()))
		return
	}

	if p.offerer {
		// Offers only flow from the tie-break winner; a misrouted or
		// duplicate offer must not corrupt our own outstanding one.
		p.logger.Debug("dropping offer addressed to the offering side")
		return
	}

	if err := p.pc.SetRemoteDescription(payload.SDP); err != nil {
		p.failNegotiation(fmt.Errorf("set remote offer: %w", err))
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.failNegotiation(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.failNegotiation(fmt.Errorf("set local answer: %w", err))
		return
	}
	if err := p.hooks.send(p.id, protocol.EnvelopeAnswer, protocol.SessionPayload{SDP: *p.pc.LocalDescription()}); err != nil {
		p.logger.Debug("answer send failed", slog.String("err", err.Error()))
	}
	p.flushCandidates()
}

func (p *peerLink) handleAnswer(env *protocol.Envelope) {
	var payload protocol.SessionPayload
	if err := env.Decode(&payload); err != nil {
		p.logger.Error("malformed answer", slog.String("err", err.Error()))
		return
	}
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		// Stale or duplicate answer under at-least-once delivery.
		return
	}
	if err := p.pc.SetRemoteDescription(payload.SDP); err != nil {
		p.failNegotiation(fmt.Errorf("set remote answer: %w", err))
		return
	}
	p.flushCandidates()
}

func (p *peerLink) handleCandidate(env *protocol.Envelope) {
	var payload protocol.ICEPayload
	if err := env.Decode(&payload); err != nil {
		p.logger.Error("malformed candidate", slog.String("err", err.Error()))
		return
	}
	if p.pc.RemoteDescription() == nil {
		p.iceQueue = append(p.iceQueue, payload.Candidate)
		return
	}
	if err := p.pc.AddICECandidate(payload.Candidate); err != nil {
		// Redundant candidates under at-least-once delivery are harmless.
		p.logger.Debug("add candidate failed", slog.String("err", err.Error()))
	}
}

func (p *peerLink) handleRenegotiate(env *protocol.Envelope) {
	if !p.offerer {
		return
	}
	var payload protocol.RenegotiatePayload
	if err := env.Decode(&payload); err != nil {
		p.logger.Error("malformed renegotiate request", slog.String("err", err.Error()))
		return
	}
	p.negotiate(payload.ICERestart)
}

func (p *peerLink) flushCandidates() {
	queued := p.iceQueue
	p.iceQueue = nil
	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Debug("flush candidate failed", slog.String("err", err.Error()))
		}
	}
}

// negotiate produces a fresh offer on the offering side. The other side has
// no offer of its own to make; it asks the offerer for one, so the pair can
// never put two offers in flight at once.
func (p *peerLink) negotiate(iceRestart bool) {
	if p.currentState() == linkClosed {
		return
	}
	if !p.offerer {
		if err := p.hooks.send(p.id, protocol.EnvelopeRenegotiate, protocol.RenegotiatePayload{ICERestart: iceRestart}); err != nil {
			p.logger.Debug("renegotiate request send failed", slog.String("err", err.Error()))
		}
		return
	}

	p.negotiateMu.Lock()
	defer p.negotiateMu.Unlock()

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		p.failNegotiation(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.failNegotiation(fmt.Errorf("set local offer: %w", err))
		return
	}
	if err := p.hooks.send(p.id, protocol.EnvelopeOffer, protocol.SessionPayload{SDP: *p.pc.LocalDescription()}); err != nil {
		p.logger.Debug("offer send failed", slog.String("err", err.Error()))
	}
}

// failNegotiation isolates a broken offer/answer sequence to this link: the
// link closes and may be recreated by the next relevant envelope. While the
// link is reconnecting the grace timer owns the failure decision, so a
// botched restart offer is logged and retried rather than fatal.
func (p *peerLink) failNegotiation(err error) {
	if p.currentState() == linkReconnecting {
		p.logger.Warn("negotiation failed during reconnect", slog.String("err", err.Error()))
		return
	}
	p.logger.Error("negotiation failed", slog.String("err", err.Error()))
	p.close(err)
}

func (p *peerLink) handleICEConnectionState(s webrtc.ICEConnectionState) {
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.recovered()
	case webrtc.ICEConnectionStateDisconnected:
		p.enterReconnecting()
	case webrtc.ICEConnectionStateFailed:
		p.close(errLinkClosed)
	}
}

// enterReconnecting starts the grace period and an ICE restart. Negotiated
// tracks survive until the grace period expires.
func (p *peerLink) enterReconnecting() {
	if !p.state.CompareAndSwap(int32(linkConnected), int32(linkReconnecting)) {
		return
	}
	p.hooks.post(func() { p.hooks.onStateChange(p, linkReconnecting) })

	p.graceMu.Lock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.graceTimer = time.AfterFunc(p.gracePeriod, func() {
		if p.currentState() == linkReconnecting {
			p.close(errGraceExpired)
		}
	})
	p.graceMu.Unlock()

	go p.negotiate(true)
}

func (p *peerLink) recovered() {
	p.graceMu.Lock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.graceMu.Unlock()

	prev := p.currentState()
	if prev == linkClosed || prev == linkConnected {
		return
	}
	p.state.Store(int32(linkConnected))
	p.hooks.post(func() { p.hooks.onStateChange(p, linkConnected) })
}

func (p *peerLink) currentState() linkState {
	return linkState(p.state.Load())
}

// close releases every local resource bound to this link. Idempotent and
// safe from any goroutine; subscribers observe it as a stream-removed
// notification through the state change hook.
func (p *peerLink) close(cause error) {
	p.closeOnce.Do(func() {
		p.state.Store(int32(linkClosed))
		p.cancel(cause)

		p.graceMu.Lock()
		if p.graceTimer != nil {
			p.graceTimer.Stop()
			p.graceTimer = nil
		}
		p.graceMu.Unlock()

		if err := p.pc.Close(); err != nil {
			p.logger.Debug("peer connection close", slog.String("err", err.Error()))
		}
		p.hooks.post(func() { p.hooks.onStateChange(p, linkClosed) })
	})
}

// setLocalTrack swaps a local track in or out of the fixed sender for its
// kind. Replacing a track never renegotiates; adding or removing the screen
// feed is followed by an explicit negotiate from the session.
func (p *peerLink) setLocalTrack(kind mediaKind, track webrtc.TrackLocal) error {
	var tx *webrtc.RTPTransceiver
	switch kind {
	case kindMic:
		tx = p.audioTx
	case kindCam:
		tx = p.camTx
	case kindScreen:
		tx = p.screenTx
	}
	if tx == nil || tx.Sender() == nil {
		return nil
	}
	return tx.Sender().ReplaceTrack(track)
}

func (p *peerLink) acceptRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	mid := p.receiverMid(receiver)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(uint32(track.SSRC()))
	}

	// The slot decision reads remoteCam, which is loop owned, so it is made
	// inside the posted closure.
	p.hooks.post(func() {
		switch remoteSlotFor(track.Kind(), mid, p.remoteCam != nil) {
		case slotAudio:
			p.remoteAudio = track
		case slotScreen:
			p.remoteScreen = track
		default:
			p.remoteCam = track
		}
		p.hooks.onRemoteTrack(p)
	})
}

func (p *peerLink) receiverMid(receiver *webrtc.RTPReceiver) string {
	for _, tx := range p.pc.GetTransceivers() {
		if tx.Receiver() == receiver {
			return tx.Mid()
		}
	}
	return ""
}

type remoteSlot int

const (
	slotAudio remoteSlot = iota
	slotCamera
	slotScreen
)

// remoteSlotFor picks the field an incoming remote track lands in. The mid
// decides when the remote honored the fixed transceiver order; a video track
// on an unknown mid falls back on whichever video slot is still free.
func remoteSlotFor(kind webrtc.RTPCodecType, mid string, camTaken bool) remoteSlot {
	if kind == webrtc.RTPCodecTypeAudio {
		return slotAudio
	}
	switch mid {
	case midScreen:
		return slotScreen
	case midCamera:
		return slotCamera
	}
	if camTaken {
		return slotScreen
	}
	return slotCamera
}

// requestKeyframes bursts a few PLIs so a freshly negotiated video track
// renders without waiting for the encoder's own keyframe interval.
func (p *peerLink) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(pliBurstPeriod)
	defer ticker.Stop()
	for i := 0; i < pliBurstCount; i++ {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}

func (p *peerLink) wireChatChannel(dc *webrtc.DataChannel) {
	p.dcMu.Lock()
	p.chatDC = dc
	p.dcMu.Unlock()

	dc.OnOpen(func() {
		p.dcMu.Lock()
		p.dcOpen = true
		queued := p.dcQueue
		p.dcQueue = nil
		p.dcMu.Unlock()
		for _, data := range queued {
			if err := dc.Send(data); err != nil {
				return
			}
		}
	})
	dc.OnClose(func() {
		p.dcMu.Lock()
		p.dcOpen = false
		p.dcMu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env := new(protocol.Envelope)
		if err := json.Unmarshal(msg.Data, env); err != nil {
			return
		}
		if env.Type != protocol.EnvelopeChat {
			return
		}
		p.hooks.post(func() { p.hooks.onChat(env) })
	})
}

// sendChatData mirrors a chat envelope over the link's data channel,
// queueing it until the channel opens.
func (p *peerLink) sendChatData(data []byte) {
	p.dcMu.Lock()
	defer p.dcMu.Unlock()
	if p.dcOpen && p.chatDC != nil {
		dc := p.chatDC
		go func() {
			if err := dc.Send(data); err != nil {
				p.logger.Debug("chat data channel send failed", slog.String("err", err.Error()))
			}
		}()
		return
	}
	p.dcQueue = append(p.dcQueue, data)
}

func (p *peerLink) inboundStats() LinkStats {
	ls := LinkStats{State: p.currentState().String()}
	if p.stats == nil {
		return ls
	}
	getter := p.stats.GetGetter()
	for _, track := range []*webrtc.TrackRemote{p.remoteAudio, p.remoteCam, p.remoteScreen} {
		if track == nil {
			continue
		}
		st := getter.Get(uint32(track.SSRC()))
		if st == nil {
			continue
		}
		ls.PacketsReceived += st.InboundRTPStreamStats.PacketsReceived
		ls.BytesReceived += st.InboundRTPStreamStats.BytesReceived
		ls.PacketsLost += st.InboundRTPStreamStats.PacketsLost
		ls.Jitter += st.InboundRTPStreamStats.Jitter
	}
	return ls
}
