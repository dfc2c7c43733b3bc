package call

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

var errRenegotiationInFlight = errors.New("renegotiation already in flight")

// renegotiation is the single in-flight slot of a session. A local change
// holds it from capture until the peer's answer; offerSent marks the window
// in which a remote offer is a glare.
type renegotiation struct {
	inFlight    bool
	offerSent   bool
	retryWanted bool
	retry       *time.Timer
}

func (r *renegotiation) acquire() bool {
	if r.inFlight {
		return false
	}
	r.inFlight = true
	r.offerSent = false
	return true
}

func (r *renegotiation) release() {
	r.inFlight = false
	r.offerSent = false
}

func (r *renegotiation) stop() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	r.retryWanted = false
	r.release()
}

// reserve claims the slot for a local change. The session stays Connected.
func (s *Session) reserve(op string) error {
	if s.reneg.inFlight || s.state == domain.StateRenegotiating {
		return domain.NewCallError(domain.KindRenegotiationCollision, op, errRenegotiationInFlight)
	}
	if s.state != domain.StateConnected {
		return invalidState(op, s.state)
	}
	s.reneg.acquire()
	return nil
}

// offerChange sends the renegotiation offer for a change already applied to
// the connection. The slot must be held.
func (s *Session) offerChange() error {
	s.setState(domain.StateRenegotiating)
	if err := s.sendOffer(true); err != nil {
		s.rollback()
		s.reneg.release()
		s.setState(domain.StateConnected)
		return err
	}
	s.reneg.offerSent = true
	return nil
}

func (s *Session) finishRenegotiation(p domain.SessionDescriptionPayload) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	err := s.pc.SetRemoteDescription(answer)
	if err != nil {
		s.rollback()
		err = domain.NewCallError(domain.KindNegotiationFailed, "apply-answer", err)
	} else {
		s.drainCandidates()
	}
	s.reneg.release()
	s.setState(domain.StateConnected)
	return err
}

// applyRemoteRenegotiation answers a peer's renegotiation offer on the
// regular offer path. A failed round leaves the call up on the old media.
func (s *Session) applyRemoteRenegotiation(p domain.SessionDescriptionPayload) error {
	s.setState(domain.StateRenegotiating)
	if err := s.applyOffer(p); err != nil {
		s.rollback()
		s.reject(domain.KindOf(err), "offer not applied")
		s.setState(domain.StateConnected)
		return err
	}
	s.setState(domain.StateConnected)
	return nil
}

// onGlare resolves two crossing renegotiation offers. The call initiator
// keeps its own offer and rejects the peer's; the receiver rolls back,
// answers, and retries its change later.
func (s *Session) onGlare(p domain.SessionDescriptionPayload) error {
	collision := domain.NewCallError(domain.KindRenegotiationCollision, "offer", errRenegotiationInFlight)
	if s.role == domain.RoleInitiator {
		s.logger.Info().Msg("renegotiation glare, rejecting remote offer")
		s.reject(domain.KindRenegotiationCollision, "local renegotiation in flight")
		return collision
	}
	s.logger.Info().Err(collision).Msg("renegotiation glare, yielding to remote offer")
	s.rollback()
	s.reneg.release()
	s.scheduleRetry()
	return s.applyRemoteRenegotiation(p)
}

func (s *Session) onReject(env domain.SignalEnvelope) {
	var p domain.RejectPayload
	if err := env.Decode(&p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed reject")
		return
	}
	if s.state != domain.StateRenegotiating || !s.reneg.offerSent {
		s.logger.Debug().Str("kind", string(p.Kind)).Msg("stale reject ignored")
		return
	}
	s.logger.Info().Str("kind", string(p.Kind)).Str("reason", p.Reason).Msg("renegotiation offer rejected")
	s.rollback()
	s.reneg.release()
	s.setState(domain.StateConnected)
	if p.Kind == domain.KindRenegotiationCollision {
		s.scheduleRetry()
	}
}

// scheduleRetry re-offers after a jittered backoff so both peers do not
// collide again on the same tick.
func (s *Session) scheduleRetry() {
	s.reneg.retryWanted = true
	if s.reneg.retry != nil {
		s.reneg.retry.Stop()
	}
	base := s.opts.RenegotiationBackoff
	delay := base + rand.N(base+1)
	s.reneg.retry = time.AfterFunc(delay, func() {
		s.post(s.retryRenegotiation)
	})
	s.logger.Debug().Dur("delay", delay).Msg("renegotiation retry scheduled")
}

func (s *Session) retryRenegotiation() {
	s.reneg.retry = nil
	if !s.reneg.retryWanted || s.state.Terminal() {
		return
	}
	if s.state != domain.StateConnected || s.reneg.inFlight {
		s.scheduleRetry()
		return
	}
	s.reneg.retryWanted = false
	s.reneg.acquire()
	if err := s.offerChange(); err != nil {
		s.logger.Warn().Err(err).Msg("renegotiation retry failed")
	}
}

// UpgradeToVideo adds a camera track to a Connected audio call in one
// renegotiation round. The audio sender is not touched. A capture or offer
// failure is returned and the call stays Connected on audio; a later upgrade
// may try again.
func (s *Session) UpgradeToVideo(ctx context.Context) error {
	const op = "upgrade-video"
	var (
		id       domain.CallID
		selected string
	)
	err := s.do(ctx, op, func() error {
		if s.video.track != nil {
			return invalidState(op, s.state)
		}
		if err := s.reserve(op); err != nil {
			return err
		}
		id, selected = s.id, s.selection.Camera
		return nil
	})
	if err != nil {
		return err
	}

	// Capture off the loop; signals keep flowing meanwhile.
	media, capErr := s.capture(ctx, id, domain.DeviceVideoInput, selected)
	consumed := false
	err = s.do(context.Background(), op, func() error {
		if capErr != nil {
			s.reneg.release()
			return capErr
		}
		consumed = true
		if s.state != domain.StateConnected {
			_ = media.close()
			s.reneg.release()
			return invalidState(op, s.state)
		}
		if s.video.sender != nil {
			// Left idle by an earlier upgrade that was never negotiated.
			if err := s.video.sender.ReplaceTrack(media.track); err != nil {
				_ = media.close()
				s.reneg.release()
				return domain.NewCallError(domain.KindNegotiationFailed, op, err)
			}
			s.video.track, s.video.device = media.track, media.device
		} else {
			s.video = media
			if err := s.attach(&s.video); err != nil {
				_ = s.video.close()
				s.video = localMedia{}
				s.reneg.release()
				return err
			}
		}
		s.selection.Set(domain.DeviceVideoInput, media.device.DeviceID)
		s.setKind(domain.MediaVideo)
		if err := s.offerChange(); err != nil {
			s.idleVideo()
			return err
		}
		if err := s.send(domain.SignalVideoToggle, domain.VideoPayload{Enabled: true}); err != nil {
			s.logger.Warn().Err(err).Msg("video-toggle not delivered")
		}
		return nil
	})
	if !consumed && capErr == nil {
		_ = media.close()
		s.deps.Media.Release(id)
	}
	return err
}

// idleVideo takes the camera off a video sender whose offer never went out.
// The sender stays on the connection for the next upgrade.
func (s *Session) idleVideo() {
	if err := s.video.sender.ReplaceTrack(nil); err != nil {
		s.logger.Warn().Err(err).Msg("video sender not cleared")
	}
	if err := s.video.close(); err != nil {
		s.logger.Warn().Err(err).Msg("camera did not stop cleanly")
	}
	s.setKind(domain.MediaAudio)
}

func (s *Session) setKind(kind domain.MediaKind) {
	s.kind = kind
	s.publish(func(sn *snapshot) {
		sn.video = kind.WantsVideo()
		sn.kind = kind
	})
}
