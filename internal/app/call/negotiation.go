package call

import (
	"context"
	"fmt"

	"github.com/dkeye/rtcall/internal/app/quality"
	"github.com/dkeye/rtcall/internal/app/sink"
	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type prepared struct {
	audio localMedia
	video localMedia
	err   error
}

// begin leaves Idle. The router subscribes here, before capture starts, so
// signals racing ahead of local setup land in the session's queues.
func (s *Session) begin(id domain.CallID, peer domain.ParticipantID, role domain.Role, kind domain.MediaKind) {
	s.id, s.peer, s.role, s.kind = id, peer, role, kind
	s.logger = log.With().
		Str("module", "call").
		Str("call", id.String()).
		Str("peer", peer.String()).
		Str("role", string(role)).
		Logger()
	s.sinks = sink.NewManager(id.String())
	for k, snk := range s.pendingSinks {
		s.sinks.Bind(codecType(k), snk)
	}
	s.router = NewRouter(s.deps.Signal, id, peer, s.signalHandlers(), s.logger)
	s.publish(func(sn *snapshot) {
		sn.callID = id
		sn.peer = peer
		sn.role = role
		sn.kind = kind
	})

	s.setState(domain.StatePreparing)
	go s.prepare(s.ctx, id, kind, s.selection)
}

func (s *Session) signalHandlers() map[domain.SignalType]func(domain.SignalEnvelope) {
	h := make(map[domain.SignalType]func(domain.SignalEnvelope), len(domain.SessionSignals))
	for _, t := range domain.SessionSignals {
		h[t] = func(env domain.SignalEnvelope) {
			s.post(func() { s.onSignal(env) })
		}
	}
	return h
}

// prepare captures local media off the loop and posts the result back.
func (s *Session) prepare(ctx context.Context, id domain.CallID, kind domain.MediaKind, sel domain.DeviceSelection) {
	var res prepared
	res.audio, res.err = s.capture(ctx, id, domain.DeviceAudioInput, sel.Microphone)
	if res.err == nil && kind.WantsVideo() {
		res.video, res.err = s.capture(ctx, id, domain.DeviceVideoInput, sel.Camera)
	}
	if !s.box.post(func() { s.onPrepared(res) }) {
		// Ended while capturing.
		_ = res.audio.close()
		_ = res.video.close()
		s.deps.Media.Release(id)
	}
}

func (s *Session) capture(ctx context.Context, id domain.CallID, kind domain.DeviceKind, selected string) (localMedia, error) {
	dev, err := s.deps.Devices.Resolve(kind, selected)
	if err != nil {
		return localMedia{}, err
	}
	track, err := s.deps.Media.Acquire(ctx, id, dev)
	if err != nil {
		return localMedia{}, err
	}
	return localMedia{track: track, device: dev}, nil
}

func (s *Session) onPrepared(res prepared) {
	if s.state != domain.StatePreparing {
		_ = res.audio.close()
		_ = res.video.close()
		return
	}
	if res.err != nil {
		_ = res.audio.close()
		s.fail(domain.KindOf(res.err), res.err)
		return
	}
	s.audio, s.video = res.audio, res.video
	s.selection.Set(domain.DeviceAudioInput, s.audio.device.DeviceID)
	if s.video.track != nil {
		s.selection.Set(domain.DeviceVideoInput, s.video.device.DeviceID)
	}

	pc, err := s.deps.Peers.NewPeerConnection(s.id)
	if err != nil {
		s.fail(domain.KindConnectionFailed, domain.NewCallError(domain.KindConnectionFailed, "peer-connection", err))
		return
	}
	s.pc = pc
	s.wire(pc)

	if err := s.attach(&s.audio); err != nil {
		s.fail(domain.KindNegotiationFailed, err)
		return
	}
	if s.video.track != nil {
		if err := s.attach(&s.video); err != nil {
			s.fail(domain.KindNegotiationFailed, err)
			return
		}
		s.publish(func(sn *snapshot) { sn.video = true })
	}
	s.monitor = quality.NewMonitor(pc, s.opts.QualityInterval, func(sample domain.QualitySample, changed bool) {
		s.post(func() { s.onQuality(sample, changed) })
	})

	if s.role == domain.RoleInitiator {
		s.setState(domain.StateOffering)
		if err := s.sendOffer(false); err != nil {
			s.fail(domain.KindOf(err), err)
			return
		}
		s.setState(domain.StateNegotiating)
		return
	}

	s.setState(domain.StateAwaitingOffer)
	if env, ok := s.offers.take(); ok {
		p, err := env.SessionDescription()
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed pending offer")
			return
		}
		s.logger.Debug().Msg("applying pending offer")
		_ = s.acceptInitialOffer(p)
	}
}

func (s *Session) wire(pc core.PeerConnection) {
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(func() { s.onLocalCandidate(c) })
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.post(func() { s.onConnectionState(st) })
	})
	pc.OnTrack(func(t core.RemoteTrack) {
		s.post(func() { s.onRemoteTrack(t) })
	})
}

func (s *Session) attach(m *localMedia) error {
	sender, err := s.pc.AddTrack(m.track)
	if err != nil {
		return domain.NewCallError(domain.KindNegotiationFailed, "add-track", err)
	}
	m.sender = sender
	return nil
}

func (s *Session) onSignal(env domain.SignalEnvelope) {
	if s.state.Terminal() {
		return
	}
	var err error
	switch env.Type {
	case domain.SignalOffer:
		p, derr := env.SessionDescription()
		if derr != nil {
			err = domain.NewCallError(domain.KindSignalingError, "offer", derr)
			break
		}
		err = s.handleOffer(env, p)
	case domain.SignalAnswer:
		p, derr := env.SessionDescription()
		if derr != nil {
			err = domain.NewCallError(domain.KindSignalingError, "answer", derr)
			break
		}
		err = s.handleAnswer(env, p)
	case domain.SignalICECandidate:
		err = s.handleCandidate(env)
	case domain.SignalCallEnd:
		reason := env.EndReason()
		if reason == domain.ReasonHangup {
			reason = domain.ReasonRemoteHangup
		}
		s.logger.Info().Str("reason", string(reason)).Msg("remote ended call")
		s.terminate(domain.StateEnded, reason, "", nil)
	case domain.SignalMute:
		var p domain.MutePayload
		if err = env.Decode(&p); err == nil {
			s.emit(Event{Type: EventRemoteMute, Muted: p.Muted})
		}
	case domain.SignalVideoToggle:
		var p domain.VideoPayload
		if err = env.Decode(&p); err == nil {
			s.sinks.SetMuted(webrtc.RTPCodecTypeVideo, !p.Enabled)
			s.emit(Event{Type: EventRemoteVideo, Enabled: p.Enabled})
		}
	case domain.SignalRenegotiateNak:
		s.onReject(env)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("signal not applied")
	}
}

func (s *Session) handleOffer(env domain.SignalEnvelope, p domain.SessionDescriptionPayload) error {
	switch s.state {
	case domain.StatePreparing:
		if s.offers.store(env) {
			s.logger.Debug().Msg("pending offer replaced by a newer one")
		}
		return nil
	case domain.StateAwaitingOffer:
		return s.acceptInitialOffer(p)
	case domain.StateNegotiating:
		if s.role == domain.RoleInitiator && !s.remoteApplied {
			s.reject(domain.KindRenegotiationCollision, "offer while awaiting answer")
			return domain.NewCallError(domain.KindRenegotiationCollision, "offer",
				fmt.Errorf("local offer outstanding"))
		}
		if err := s.applyOffer(p); err != nil {
			s.fail(domain.KindOf(err), err)
			return err
		}
		return nil
	case domain.StateConnected:
		return s.applyRemoteRenegotiation(p)
	case domain.StateRenegotiating:
		if s.reneg.offerSent {
			return s.onGlare(p)
		}
		return s.applyRemoteRenegotiation(p)
	default:
		return invalidState("offer", s.state)
	}
}

func (s *Session) acceptInitialOffer(p domain.SessionDescriptionPayload) error {
	if err := s.applyOffer(p); err != nil {
		s.fail(domain.KindOf(err), err)
		return err
	}
	s.setState(domain.StateNegotiating)
	if s.linkUp {
		s.setState(domain.StateConnected)
	}
	return nil
}

// applyOffer is the single offer path for initial and renegotiation offers:
// apply remote, drain queued candidates, answer.
func (s *Session) applyOffer(p domain.SessionDescriptionPayload) error {
	const op = "apply-offer"
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return domain.NewCallError(domain.KindNegotiationFailed, op, err)
	}
	s.remoteApplied = true
	s.drainCandidates()

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return domain.NewCallError(domain.KindNegotiationFailed, op, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return domain.NewCallError(domain.KindNegotiationFailed, op, err)
	}
	return s.send(domain.SignalAnswer, domain.SessionDescriptionPayload{SDP: answer.SDP, Renegotiation: p.Renegotiation})
}

func (s *Session) handleAnswer(_ domain.SignalEnvelope, p domain.SessionDescriptionPayload) error {
	const op = "apply-answer"
	switch {
	case s.state == domain.StateNegotiating && s.role == domain.RoleInitiator && !s.remoteApplied:
		if err := s.setRemoteAnswer(p); err != nil {
			s.fail(domain.KindNegotiationFailed, err)
			return err
		}
		if s.linkUp {
			s.setState(domain.StateConnected)
		}
		return nil
	case s.state == domain.StateRenegotiating && s.reneg.offerSent:
		return s.finishRenegotiation(p)
	default:
		return invalidState(op, s.state)
	}
}

func (s *Session) setRemoteAnswer(p domain.SessionDescriptionPayload) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return domain.NewCallError(domain.KindNegotiationFailed, "apply-answer", err)
	}
	s.remoteApplied = true
	s.drainCandidates()
	return nil
}

func (s *Session) handleCandidate(env domain.SignalEnvelope) error {
	c, err := env.Candidate()
	if err != nil {
		return domain.NewCallError(domain.KindSignalingError, "apply-candidate", err)
	}
	if n := s.handedOver[c.Candidate]; n > 0 {
		// Buffered by the manager and delivered live while the router subscribed.
		s.handedOver[c.Candidate] = n - 1
		s.logger.Debug().Str("candidate", c.Candidate).Msg("candidate already taken over")
		return nil
	}
	s.addCandidate(c)
	return nil
}

// takeOverCandidate applies a candidate buffered before the router existed and
// remembers it, so its live copy is not applied a second time.
func (s *Session) takeOverCandidate(env domain.SignalEnvelope) {
	c, err := env.Candidate()
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed buffered candidate")
		return
	}
	if s.handedOver == nil {
		s.handedOver = make(map[string]int)
	}
	s.handedOver[c.Candidate]++
	s.addCandidate(c)
}

func (s *Session) addCandidate(c domain.CandidatePayload) {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	if s.pc == nil || !s.remoteApplied {
		s.candidates.push(init)
		s.logger.Debug().Int("queued", s.candidates.len()).Msg("candidate queued until remote description")
		return
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		s.logger.Warn().Err(err).Str("candidate", init.Candidate).Msg("remote candidate rejected")
	}
}

func (s *Session) drainCandidates() {
	n := s.candidates.drain(s.pc.AddICECandidate, func(c webrtc.ICECandidateInit, err error) {
		s.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("queued candidate rejected")
	})
	if n > 0 {
		s.logger.Debug().Int("count", n).Msg("drained queued candidates")
	}
}

func (s *Session) sendOffer(renegotiation bool) error {
	const op = "offer"
	offer, err := s.pc.CreateOffer()
	if err != nil {
		return domain.NewCallError(domain.KindNegotiationFailed, op, err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return domain.NewCallError(domain.KindNegotiationFailed, op, err)
	}
	return s.send(domain.SignalOffer, domain.SessionDescriptionPayload{SDP: offer.SDP, Renegotiation: renegotiation})
}

func (s *Session) send(t domain.SignalType, payload any) error {
	op := "send " + string(t)
	env, err := domain.NewEnvelope(t, s.id, s.self, s.peer, payload)
	if err != nil {
		return domain.NewCallError(domain.KindSignalingError, op, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
	defer cancel()
	if err := s.deps.Signal.Send(ctx, env); err != nil {
		return domain.NewCallError(domain.KindSignalingError, op, err)
	}
	return nil
}

// reject answers an offer this side will not apply.
func (s *Session) reject(kind domain.ErrorKind, reason string) {
	if err := s.send(domain.SignalRenegotiateNak, domain.RejectPayload{Kind: kind, Reason: reason}); err != nil {
		s.logger.Warn().Err(err).Msg("reject not delivered")
	}
}

func (s *Session) rollback() {
	if s.pc == nil {
		return
	}
	if err := s.pc.Rollback(); err != nil {
		s.logger.Debug().Err(err).Msg("rollback failed")
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	if s.state.Terminal() || s.state == domain.StateIdle {
		return
	}
	p := domain.CandidatePayload{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
	if err := s.send(domain.SignalICECandidate, p); err != nil {
		s.logger.Warn().Err(err).Msg("local candidate not delivered")
	}
}

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	if s.state.Terminal() {
		return
	}
	s.logger.Debug().Str("pc_state", st.String()).Msg("peer connection state")
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.linkUp = true
		if s.state == domain.StateNegotiating && s.remoteApplied {
			s.setState(domain.StateConnected)
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.linkUp = false
		s.fail(domain.KindConnectionFailed,
			domain.NewCallError(domain.KindConnectionFailed, "connection", fmt.Errorf("peer connection %s", st)))
	}
}

func (s *Session) onQuality(sample domain.QualitySample, changed bool) {
	if s.state != domain.StateConnected {
		return
	}
	s.publish(func(sn *snapshot) { sn.quality = sample })
	if changed {
		s.emit(Event{Type: EventQualityChanged, Tier: sample.Tier, Sample: sample})
	}
}
