package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

func codecType(k domain.MediaKind) webrtc.RTPCodecType {
	if k == domain.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// ToggleMute stops or resumes sending microphone audio. The track stays
// captured; only the sender is emptied, so no renegotiation is needed.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	const op = "toggle-mute"
	var muted bool
	err := s.do(ctx, op, func() error {
		switch s.state {
		case domain.StateNegotiating, domain.StateConnected, domain.StateRenegotiating:
		default:
			return invalidState(op, s.state)
		}
		if s.audio.sender == nil {
			return invalidState(op, s.state)
		}
		next := !s.muted
		var track webrtc.TrackLocal
		if !next {
			track = s.audio.track
		}
		if err := s.audio.sender.ReplaceTrack(track); err != nil {
			return domain.NewCallError(domain.KindNegotiationFailed, op, err)
		}
		s.muted = next
		muted = next
		s.publish(func(sn *snapshot) { sn.muted = next })
		if err := s.send(domain.SignalMute, domain.MutePayload{Muted: next}); err != nil {
			s.logger.Warn().Err(err).Msg("mute notification not delivered")
		}
		return nil
	})
	return muted, err
}

// SwitchDevice changes the microphone, camera or speaker. Before the call is
// up the choice is only recorded. While Connected an input device is swapped
// on the existing sender (new track attached first, old one stopped after)
// followed by one renegotiation round; an output device reroutes the bound
// audio sink. A failed capture leaves the call Connected on the old device.
func (s *Session) SwitchDevice(ctx context.Context, kind domain.DeviceKind, deviceID string) error {
	const op = "switch-device"
	switch kind {
	case domain.DeviceAudioInput, domain.DeviceAudioOutput, domain.DeviceVideoInput:
	default:
		return domain.NewCallError(domain.KindDeviceNotFound, op, fmt.Errorf("unknown device kind %q", kind))
	}
	var (
		id      domain.CallID
		capture bool
	)
	err := s.do(ctx, op, func() error {
		switch s.state {
		case domain.StateIdle, domain.StatePreparing:
			s.selection.Set(kind, deviceID)
			return nil
		case domain.StateConnected, domain.StateRenegotiating:
		default:
			return invalidState(op, s.state)
		}
		if !kind.Capturable() {
			return s.routeOutput(deviceID)
		}
		if s.local(kind).track == nil {
			// Camera not sent yet; used by a later upgrade.
			s.selection.Set(kind, deviceID)
			return nil
		}
		if err := s.reserve(op); err != nil {
			return err
		}
		id, capture = s.id, true
		return nil
	})
	if err != nil || !capture {
		return err
	}

	media, capErr := s.capture(ctx, id, kind, deviceID)
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
		return s.swap(kind, media)
	})
	if !consumed && capErr == nil {
		_ = media.close()
		s.deps.Media.Release(id)
	}
	return err
}

func (s *Session) local(kind domain.DeviceKind) *localMedia {
	if kind == domain.DeviceVideoInput {
		return &s.video
	}
	return &s.audio
}

// swap puts media on the existing sender, then stops the old track.
func (s *Session) swap(kind domain.DeviceKind, media localMedia) error {
	const op = "switch-device"
	cur := s.local(kind)
	// A muted microphone keeps an empty sender; the new track goes live on unmute.
	if kind != domain.DeviceAudioInput || !s.muted {
		if err := cur.sender.ReplaceTrack(media.track); err != nil {
			_ = media.close()
			s.reneg.release()
			return domain.NewCallError(domain.KindNegotiationFailed, op, err)
		}
	}
	old := cur.track
	cur.track = media.track
	cur.device = media.device
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("old track did not stop cleanly")
		}
	}
	s.selection.Set(kind, media.device.DeviceID)
	s.logger.Info().Str("kind", string(kind)).Str("device", media.device.DeviceID).Msg("device switched")
	return s.offerChange()
}

func (s *Session) routeOutput(deviceID string) error {
	const op = "switch-device"
	dev, err := s.deps.Devices.Resolve(domain.DeviceAudioOutput, deviceID)
	if err != nil {
		return err
	}
	s.selection.Set(domain.DeviceAudioOutput, dev.DeviceID)
	snk, ok := s.sinks.Sink(webrtc.RTPCodecTypeAudio)
	if !ok {
		return nil
	}
	router, ok := snk.(core.OutputRouter)
	if !ok {
		return nil
	}
	if err := router.SetOutputDevice(dev.DeviceID); err != nil {
		return domain.NewCallError(domain.KindDeviceNotFound, op, err)
	}
	return nil
}

// BindSink routes remote media of kind into snk, for tracks already
// received and those still to come.
func (s *Session) BindSink(ctx context.Context, kind domain.MediaKind, snk core.Sink) error {
	const op = "bind-sink"
	if snk == nil {
		return domain.NewCallError(domain.KindInvalidState, op, errors.New("nil sink"))
	}
	if !kind.Valid() {
		return domain.NewCallError(domain.KindInvalidState, op, fmt.Errorf("unknown media kind %q", kind))
	}
	return s.do(ctx, op, func() error {
		if s.sinks == nil {
			s.pendingSinks[kind] = snk
			return nil
		}
		s.sinks.Bind(codecType(kind), snk)
		if kind == domain.MediaAudio && s.selection.Speaker != "" {
			if router, ok := snk.(core.OutputRouter); ok {
				if err := router.SetOutputDevice(s.selection.Speaker); err != nil {
					s.logger.Warn().Err(err).Msg("speaker selection not applied")
				}
			}
		}
		return nil
	})
}

func (s *Session) onRemoteTrack(t core.RemoteTrack) {
	if s.state.Terminal() {
		return
	}
	s.logger.Info().Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("remote track")
	s.sinks.StartRelay(s.ctx, t)
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the renderer does not wait for the next one.
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())}}
		if err := s.pc.WriteRTCP(pli); err != nil {
			s.logger.Debug().Err(err).Msg("keyframe request failed")
		}
	}
	s.emit(Event{Type: EventRemoteTrack, TrackKind: t.Kind().String()})
}
