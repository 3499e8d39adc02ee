package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	webrtc "github.com/pion/webrtc/v3"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/Sharif2023/StudyNest-sub000/pkg/protocol"
	"github.com/Sharif2023/StudyNest-sub000/pkg/rtpstats"
)

const commandBacklog = 128

type NewSessionParams struct {
	Config   Config
	Logger   *slog.Logger
	API      *webrtc.API
	Dialer   Dialer
	Capturer Capturer
	Stats    chan *rtpstats.RtpStats
}

// Session is the single entry point for one participant in one room. It
// owns the signaling transport, the per-peer links and the local media, and
// serializes every mutation on one control loop so callers never touch
// shared state directly. Subscriber callbacks fire on that loop and must
// not block.
type Session struct {
	cfg    Config
	logger *slog.Logger
	api    *webrtc.API
	dialer Dialer

	statsCh chan *rtpstats.RtpStats

	ctx    context.Context
	cancel context.CancelCauseFunc

	commands chan func()
	seq      uatomic.Uint64
	state    uatomic.Int32

	trMu      sync.RWMutex
	transport Transport

	stateMu   sync.Mutex
	stateSubs []func(SessionState)

	closeOnce sync.Once

	// Everything below is control loop owned.
	links       map[protocol.PeerID]*peerLink
	media       *mediaCoordinator
	dedup       *protocol.Dedup
	handRaised  bool
	lastSharing bool
	joinedCh    chan struct{}

	streamSubs      []func([]Stream)
	participantSubs []func([]Participant)
	chatSubs        []func(ChatMessage)
	statsSubs       []func(map[protocol.PeerID]LinkStats)
	warnSubs        []func(error)
}

func NewSession(params NewSessionParams) *Session {
	cfg := params.Config.withDefaults()

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("room", cfg.Room),
		slog.String("self", cfg.PeerID),
	)

	dialer := params.Dialer
	if dialer == nil {
		dialer = &WebsocketDialer{ServerURL: cfg.ServerURL, Room: cfg.Room}
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		cfg:      cfg,
		logger:   logger,
		api:      params.API,
		dialer:   dialer,
		statsCh:  params.Stats,
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan func(), commandBacklog),
		links:    make(map[protocol.PeerID]*peerLink),
		dedup:    protocol.NewDedup(),
	}
	s.media = newMediaCoordinator(ctx, params.Capturer, s, s.post, logger, mediaHooks{
		onShareEnded: func() {
			s.logger.Info("screen share ended by capture source")
		},
		onChanged: s.mediaChanged,
		onWarn:    s.emitWarn,
	})

	go s.run()
	return s
}

func (s *Session) ID() protocol.PeerID { return s.cfg.PeerID }
func (s *Session) Room() protocol.RoomID {
	return s.cfg.Room
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// post schedules fn on the control loop. Returns false once the session is
// shut down.
func (s *Session) post(fn func()) bool {
	select {
	case s.commands <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		s.trMu.RLock()
		tr := s.transport
		s.trMu.RUnlock()

		var recv <-chan *protocol.Envelope
		var done <-chan struct{}
		if tr != nil {
			recv = tr.Receive()
			done = tr.Done()
		}

		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.commands:
			fn()
		case env, ok := <-recv:
			if !ok {
				s.transportLost()
				continue
			}
			s.handleEnvelope(env)
		case <-done:
			s.transportLost()
		case <-ticker.C:
			s.reportStats()
		}
	}
}

// Connect dials the signaling endpoint, joins the room and waits for the
// registry's membership snapshot. Idempotent: a second call on a live
// session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateConnecting)) {
		if s.State() == StateDisconnected {
			return ErrSessionClosed
		}
		return nil
	}
	s.emitState(StateConnecting)

	tr, err := s.dialer.Dial(ctx)
	if err != nil {
		s.shutdown(err)
		return err
	}

	joined := make(chan struct{})
	if !s.post(func() {
		s.trMu.Lock()
		s.transport = tr
		s.trMu.Unlock()
		s.joinedCh = joined
		if err := s.sendJoin(); err != nil {
			s.logger.Error("join send failed", slog.String("err", err.Error()))
		}
		// Best-effort media acquisition; denial degrades the feature
		// instead of failing the join.
		if s.cfg.EnableMic {
			s.media.setMic(true)
		}
		if s.cfg.EnableCam {
			s.media.setCam(true)
		}
	}) {
		tr.Close()
		return ErrSessionClosed
	}

	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		s.shutdown(ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-time.After(s.cfg.JoinTimeout):
		s.shutdown(ErrJoinTimeout)
		return ErrJoinTimeout
	}
}

// Disconnect leaves the room and releases every link, capture device and
// the transport. The session is terminal afterwards.
func (s *Session) Disconnect() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		if s.post(func() {
			defer close(done)
			s.teardown()
		}) {
			<-done
		}
		s.cancel(cause)
		s.state.Store(int32(StateDisconnected))
		s.emitState(StateDisconnected)
	})
}

// teardown runs on the control loop.
func (s *Session) teardown() {
	if err := s.sendEnvelope(protocol.EnvelopeLeave, "", nil); err != nil {
		s.logger.Debug("leave send failed", slog.String("err", err.Error()))
	}

	g := new(errgroup.Group)
	for _, link := range s.links {
		link := link
		g.Go(func() error {
			link.close(errLinkClosed)
			return nil
		})
	}
	g.Wait()
	s.links = make(map[protocol.PeerID]*peerLink)

	s.media.closeAll()

	s.trMu.Lock()
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.trMu.Unlock()
}

func (s *Session) transportLost() {
	s.trMu.Lock()
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.trMu.Unlock()

	if s.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) ||
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateReconnecting)) {
		s.logger.Warn("signaling transport lost, redialing")
		s.emitState(StateReconnecting)
		go s.redial()
		return
	}
	if s.State() == StateReconnecting {
		// A replacement transport died before the rejoin snapshot arrived;
		// the previous redialer already finished, so start another round.
		go s.redial()
	}
}

// redial re-establishes signaling with bounded attempts. Peer links keep
// flowing on their own grace timers while this runs; exhaustion is a
// terminal disconnect.
func (s *Session) redial() {
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectBackoff):
		}

		tr, err := s.dialer.Dial(s.ctx)
		if err != nil {
			s.logger.Warn("signaling redial failed",
				slog.Int("attempt", attempt), slog.String("err", err.Error()))
			continue
		}
		s.post(func() {
			s.trMu.Lock()
			s.transport = tr
			s.trMu.Unlock()
			if err := s.sendJoin(); err != nil {
				s.logger.Error("rejoin send failed", slog.String("err", err.Error()))
			}
			// The registry may have dropped our member record with the dead
			// connection; re-announce flags so late joiners see them.
			s.broadcastPresence()
		})
		return
	}
	s.shutdown(ErrReconnectExhausted)
}

func (s *Session) sendJoin() error {
	return s.sendEnvelope(protocol.EnvelopeJoin, "", protocol.JoinPayload{Name: s.cfg.DisplayName})
}

// sendEnvelope stamps the sender identity and sequence and hands the
// envelope to the current transport. Safe from any goroutine.
func (s *Session) sendEnvelope(t protocol.EnvelopeType, to protocol.PeerID, payload any) error {
	env, err := protocol.NewEnvelope(t, s.cfg.Room, s.cfg.PeerID, s.seq.Inc(), payload)
	if err != nil {
		return err
	}
	env.To = to

	s.trMu.RLock()
	tr := s.transport
	s.trMu.RUnlock()
	if tr == nil {
		return ErrTransportClosed
	}
	return tr.Send(env)
}

func (s *Session) handleEnvelope(env *protocol.Envelope) {
	if env.From == s.cfg.PeerID {
		return
	}
	if !s.dedup.Observe(env.From, env.Seq) {
		return
	}

	switch env.Type {
	case protocol.EnvelopeJoin:
		s.handleJoin(env)
	case protocol.EnvelopeLeave:
		s.handleLeave(env)
	case protocol.EnvelopeOffer, protocol.EnvelopeAnswer, protocol.EnvelopeICE, protocol.EnvelopeRenegotiate:
		// Signaling for an unknown peer implicitly creates the link; a
		// join broadcast and the first offer may race.
		if link := s.ensureLink(env.From, ""); link != nil {
			link.enqueueSignal(env)
		}
	case protocol.EnvelopeChat:
		s.handleChat(env)
	case protocol.EnvelopePresence:
		s.handlePresence(env)
	case protocol.EnvelopeShareStart, protocol.EnvelopeShareStop:
		if link, ok := s.links[env.From]; ok {
			link.flags.SharingScreen = env.Type == protocol.EnvelopeShareStart
			s.emitParticipants()
		}
	default:
		s.logger.Debug("unhandled envelope", slog.String("type", string(env.Type)))
	}
}

func (s *Session) handleJoin(env *protocol.Envelope) {
	var payload protocol.JoinPayload
	if err := env.Decode(&payload); err != nil {
		s.logger.Error("malformed join", slog.String("err", err.Error()))
		return
	}

	if env.From == "" {
		// Registry snapshot reply: reconcile the link set against the
		// authoritative membership.
		seen := make(map[protocol.PeerID]bool, len(payload.Members))
		for _, m := range payload.Members {
			if m.ID == s.cfg.PeerID {
				continue
			}
			seen[m.ID] = true
			if link := s.ensureLink(m.ID, m.Name); link != nil {
				link.flags = protocol.PresencePayload{
					MicOn: m.MicOn, CamOn: m.CamOn,
					SharingScreen: m.SharingScreen, HandRaised: m.HandRaised,
				}
			}
		}
		for id, link := range s.links {
			if !seen[id] {
				delete(s.links, id)
				link.close(errPeerLeft)
			}
		}

		// A restart offer sent while signaling was down never reached the
		// peer; offer again for every link still waiting on its grace timer.
		for _, link := range s.links {
			if link.currentState() == linkReconnecting {
				go link.negotiate(true)
			}
		}

		if s.joinedCh != nil {
			close(s.joinedCh)
			s.joinedCh = nil
		}
		if s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) ||
			s.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnected)) {
			s.emitState(StateConnected)
		}
		s.emitParticipants()
		s.emitStreams()
		return
	}

	// A new member joined; the smaller id offers first.
	s.logger.Info("member joined",
		slog.String("peer", env.From), slog.String("name", payload.Name))
	s.ensureLink(env.From, payload.Name)
}

func (s *Session) handleLeave(env *protocol.Envelope) {
	link, ok := s.links[env.From]
	if !ok {
		return
	}
	s.logger.Info("member left", slog.String("peer", env.From))
	delete(s.links, env.From)
	s.dedup.Forget(env.From)
	link.close(errPeerLeft)
	s.emitParticipants()
	s.emitStreams()
}

func (s *Session) handleChat(env *protocol.Envelope) {
	var payload protocol.ChatPayload
	if err := env.Decode(&payload); err != nil {
		s.logger.Error("malformed chat", slog.String("err", err.Error()))
		return
	}
	if link, ok := s.links[env.From]; ok && payload.Author != "" {
		link.name = payload.Author
	}
	s.emitChat(ChatMessage{
		From:   env.From,
		Author: payload.Author,
		Text:   payload.Text,
		SentAt: payload.SentAt,
	})
}

func (s *Session) handlePresence(env *protocol.Envelope) {
	var payload protocol.PresencePayload
	if err := env.Decode(&payload); err != nil {
		s.logger.Error("malformed presence", slog.String("err", err.Error()))
		return
	}
	if link, ok := s.links[env.From]; ok {
		link.flags = payload
		s.emitParticipants()
	}
}

// ensureLink returns the link for a peer, creating it when an offer or join
// arrives before any explicit membership event. The lexicographically
// smaller id takes the offerer role; the larger id answers and requests
// renegotiation when it needs one.
func (s *Session) ensureLink(id protocol.PeerID, name string) *peerLink {
	if link, ok := s.links[id]; ok {
		if name != "" {
			link.name = name
		}
		return link
	}

	link, err := newPeerLink(peerLinkParams{
		Parent:      s.ctx,
		LocalID:     s.cfg.PeerID,
		RemoteID:    id,
		Name:        name,
		Offerer:     s.cfg.PeerID < id,
		API:         s.api,
		ICEServers:  s.cfg.ICEServers,
		GracePeriod: s.cfg.GracePeriod,
		Logger:      s.logger,
		Hooks: linkHooks{
			send: func(to protocol.PeerID, t protocol.EnvelopeType, payload any) error {
				return s.sendEnvelope(t, to, payload)
			},
			post:          s.post,
			onStateChange: s.linkStateChanged,
			onRemoteTrack: func(*peerLink) { s.emitStreams() },
			onChat:        s.handleEnvelope,
		},
	})
	if err != nil {
		s.logger.Error("peer link setup failed",
			slog.String("peer", id), slog.String("err", err.Error()))
		return nil
	}

	// The stats interceptor hands out one getter per peer connection, in
	// creation order.
	select {
	case rs := <-s.statsCh:
		link.stats = rs
	default:
	}

	for _, kind := range []mediaKind{kindMic, kindCam, kindScreen} {
		if track := s.media.localTrack(kind); track != nil {
			if err := link.setLocalTrack(kind, track); err != nil {
				s.logger.Warn("initial track bind failed", slog.String("err", err.Error()))
			}
		}
	}

	s.links[id] = link
	s.emitParticipants()
	return link
}

// linkStateChanged runs on the control loop.
func (s *Session) linkStateChanged(link *peerLink, state linkState) {
	if state == linkClosed {
		if current, ok := s.links[link.id]; ok && current == link {
			delete(s.links, link.id)
		}
		s.emitStreams()
	}
	s.emitParticipants()
}

// bindLocal implements trackBinder: it applies a local track change to every
// live link. Track replacement rides the existing negotiation; attaching or
// detaching the screen sender renegotiates each link explicitly.
func (s *Session) bindLocal(kind mediaKind, track webrtc.TrackLocal, renegotiate bool) {
	for _, link := range s.links {
		if link.currentState() == linkClosed {
			continue
		}
		if err := link.setLocalTrack(kind, track); err != nil {
			s.logger.Warn("track bind failed",
				slog.String("peer", link.id), slog.String("err", err.Error()))
			continue
		}
		if renegotiate {
			go link.negotiate(false)
		}
	}
}

// mediaChanged runs on the control loop after any capability flip. Share
// transitions are announced explicitly so late joiners get them folded into
// their snapshot.
func (s *Session) mediaChanged() {
	sharing := s.media.sharing()
	if sharing != s.lastSharing {
		s.lastSharing = sharing
		t := protocol.EnvelopeShareStart
		if !sharing {
			t = protocol.EnvelopeShareStop
		}
		if err := s.sendEnvelope(t, "", nil); err != nil {
			s.logger.Debug("share announce failed", slog.String("err", err.Error()))
		}
	}
	s.broadcastPresence()
	s.emitParticipants()
	s.emitStreams()
}

func (s *Session) broadcastPresence() {
	payload := protocol.PresencePayload{
		MicOn:         s.media.micEnabled(),
		CamOn:         s.media.camEnabled(),
		SharingScreen: s.media.sharing(),
		HandRaised:    s.handRaised,
	}
	if err := s.sendEnvelope(protocol.EnvelopePresence, "", payload); err != nil {
		s.logger.Debug("presence send failed", slog.String("err", err.Error()))
	}
}

// SetMic toggles the local microphone without renegotiation.
func (s *Session) SetMic(on bool) {
	s.post(func() { s.media.setMic(on) })
}

// SetCam toggles the local camera without renegotiation. A denied camera
// leaves the session running audio-only.
func (s *Session) SetCam(on bool) {
	s.post(func() { s.media.setCam(on) })
}

// StartShare begins a screen share, replacing any share already running.
func (s *Session) StartShare() {
	s.post(func() { s.media.startShare() })
}

func (s *Session) StopShare() {
	s.post(func() { s.media.stopShare() })
}

// ToggleHand sets the raised-hand flag. Setting an already-set value still
// re-broadcasts, which is harmless under at-least-once delivery.
func (s *Session) ToggleHand(raised bool) {
	s.post(func() {
		s.handRaised = raised
		s.broadcastPresence()
		s.emitParticipants()
	})
}

// SendChat relays a message through the room and mirrors it over every open
// data channel. The local copy is emitted immediately; receivers suppress
// the duplicate delivery by sender sequence.
func (s *Session) SendChat(text string) error {
	if s.State() == StateDisconnected {
		return ErrSessionClosed
	}
	payload := protocol.ChatPayload{
		Author: s.cfg.DisplayName,
		Text:   text,
		SentAt: time.Now(),
	}
	env, err := protocol.NewEnvelope(protocol.EnvelopeChat, s.cfg.Room, s.cfg.PeerID, s.seq.Inc(), payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if !s.post(func() {
		s.emitChat(ChatMessage{
			From:   s.cfg.PeerID,
			Author: payload.Author,
			Text:   payload.Text,
			SentAt: payload.SentAt,
			Self:   true,
		})
		s.trMu.RLock()
		tr := s.transport
		s.trMu.RUnlock()
		if tr != nil {
			if err := tr.Send(env); err != nil {
				s.logger.Debug("chat relay failed", slog.String("err", err.Error()))
			}
		}
		for _, link := range s.links {
			link.sendChatData(raw)
		}
	}) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) reportStats() {
	if len(s.statsSubs) == 0 {
		return
	}
	out := make(map[protocol.PeerID]LinkStats, len(s.links))
	for id, link := range s.links {
		out[id] = link.inboundStats()
	}
	for _, fn := range s.statsSubs {
		fn(out)
	}
}

// OnStreams registers a renderable stream subscriber. The current snapshot
// is delivered immediately, then on every change.
func (s *Session) OnStreams(fn func([]Stream)) {
	s.post(func() {
		s.streamSubs = append(s.streamSubs, fn)
		fn(s.snapshotStreams())
	})
}

func (s *Session) OnParticipants(fn func([]Participant)) {
	s.post(func() {
		s.participantSubs = append(s.participantSubs, fn)
		fn(s.snapshotParticipants())
	})
}

func (s *Session) OnChat(fn func(ChatMessage)) {
	s.post(func() { s.chatSubs = append(s.chatSubs, fn) })
}

// OnStats registers a per-peer inbound stats subscriber, invoked on the
// session's stats interval.
func (s *Session) OnStats(fn func(map[protocol.PeerID]LinkStats)) {
	s.post(func() { s.statsSubs = append(s.statsSubs, fn) })
}

// OnWarn registers a subscriber for recoverable failures such as denied
// capture devices.
func (s *Session) OnWarn(fn func(error)) {
	s.post(func() { s.warnSubs = append(s.warnSubs, fn) })
}

// OnState registers a lifecycle subscriber. The current state is delivered
// immediately. Unlike the other subscriptions this one may fire off the
// control loop.
func (s *Session) OnState(fn func(SessionState)) {
	s.stateMu.Lock()
	s.stateSubs = append(s.stateSubs, fn)
	s.stateMu.Unlock()
	fn(s.State())
}

func (s *Session) emitState(state SessionState) {
	s.stateMu.Lock()
	subs := make([]func(SessionState), len(s.stateSubs))
	copy(subs, s.stateSubs)
	s.stateMu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (s *Session) emitWarn(err error) {
	for _, fn := range s.warnSubs {
		fn(err)
	}
}

func (s *Session) emitChat(msg ChatMessage) {
	for _, fn := range s.chatSubs {
		fn(msg)
	}
}

func (s *Session) emitStreams() {
	if len(s.streamSubs) == 0 {
		return
	}
	snapshot := s.snapshotStreams()
	for _, fn := range s.streamSubs {
		fn(snapshot)
	}
}

func (s *Session) emitParticipants() {
	if len(s.participantSubs) == 0 {
		return
	}
	snapshot := s.snapshotParticipants()
	for _, fn := range s.participantSubs {
		fn(snapshot)
	}
}

func (s *Session) sortedLinkIDs() []protocol.PeerID {
	ids := make([]protocol.PeerID, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Session) snapshotStreams() []Stream {
	var out []Stream
	if s.media.micEnabled() || s.media.camEnabled() {
		out = append(out, Stream{
			ID:   s.cfg.PeerID + ":camera",
			Peer: s.cfg.PeerID,
			Name: s.cfg.DisplayName,
			Self: true,
			Kind: StreamCamera,
		})
	}
	if s.media.sharing() {
		out = append(out, Stream{
			ID:   s.cfg.PeerID + ":screen",
			Peer: s.cfg.PeerID,
			Name: s.cfg.DisplayName,
			Self: true,
			Kind: StreamScreen,
		})
	}
	for _, id := range s.sortedLinkIDs() {
		link := s.links[id]
		if link.remoteCam != nil || link.remoteAudio != nil {
			out = append(out, Stream{
				ID:     id + ":camera",
				Peer:   id,
				Name:   link.name,
				Kind:   StreamCamera,
				Remote: link.remoteCam,
				Audio:  link.remoteAudio,
			})
		}
		if link.remoteScreen != nil {
			out = append(out, Stream{
				ID:     id + ":screen",
				Peer:   id,
				Name:   link.name,
				Kind:   StreamScreen,
				Remote: link.remoteScreen,
			})
		}
	}
	return out
}

func (s *Session) snapshotParticipants() []Participant {
	out := make([]Participant, 0, len(s.links)+1)
	out = append(out, Participant{
		ID:            s.cfg.PeerID,
		Name:          s.cfg.DisplayName,
		Self:          true,
		MicOn:         s.media.micEnabled(),
		CamOn:         s.media.camEnabled(),
		SharingScreen: s.media.sharing(),
		HandRaised:    s.handRaised,
		State:         "connected",
	})
	for _, id := range s.sortedLinkIDs() {
		link := s.links[id]
		out = append(out, Participant{
			ID:            id,
			Name:          link.name,
			MicOn:         link.flags.MicOn,
			CamOn:         link.flags.CamOn,
			SharingScreen: link.flags.SharingScreen,
			HandRaised:    link.flags.HandRaised,
			State:         participantState(link.currentState()),
		})
	}
	return out
}

func participantState(s linkState) string {
	switch s {
	case linkConnected:
		return "connected"
	case linkReconnecting:
		return "reconnecting"
	case linkClosed:
		return "left"
	}
	return "joining"
}
