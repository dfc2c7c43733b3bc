// Package media captures local microphone and camera tracks through
// pion/mediadevices. Drivers and encoders are registered by the binary.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
)

var ErrNoTrack = errors.New("capture returned no track")

// Source lists the devices mediadevices knows about. The first device of
// each kind is reported as the default; mediadevices has no such notion.
type Source struct {
	enumerate func() []mediadevices.MediaDeviceInfo
}

func NewSource() *Source {
	return &Source{enumerate: mediadevices.EnumerateDevices}
}

func (s *Source) Devices() ([]domain.DeviceDescriptor, error) {
	infos := s.enumerate()
	out := make([]domain.DeviceDescriptor, 0, len(infos))
	seen := make(map[domain.DeviceKind]bool)
	for _, info := range infos {
		kind, ok := deviceKind(info.Kind)
		if !ok {
			continue
		}
		out = append(out, domain.DeviceDescriptor{
			DeviceID:  info.DeviceID,
			Kind:      kind,
			Label:     info.Label,
			IsDefault: !seen[kind],
		})
		seen[kind] = true
	}
	return out, nil
}

func deviceKind(t mediadevices.MediaDeviceType) (domain.DeviceKind, bool) {
	switch t {
	case mediadevices.AudioInput:
		return domain.DeviceAudioInput, true
	case mediadevices.VideoInput:
		return domain.DeviceVideoInput, true
	case mediadevices.AudioOutput:
		return domain.DeviceAudioOutput, true
	default:
		return "", false
	}
}

// Capturer opens one track per call through GetUserMedia.
type Capturer struct {
	codecs       *mediadevices.CodecSelector
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

// NewCapturer encodes captured media with codecs; the same selector must
// populate the peer connection's media engine.
func NewCapturer(codecs *mediadevices.CodecSelector) *Capturer {
	return &Capturer{codecs: codecs, getUserMedia: mediadevices.GetUserMedia}
}

func (c *Capturer) Capture(ctx context.Context, dev domain.DeviceDescriptor) (core.LocalTrack, error) {
	const op = "capture"
	constraints := mediadevices.MediaStreamConstraints{Codec: c.codecs}
	pick := func(mc *mediadevices.MediaTrackConstraints) {
		mc.DeviceID = prop.String(dev.DeviceID)
	}
	switch dev.Kind {
	case domain.DeviceAudioInput:
		constraints.Audio = pick
	case domain.DeviceVideoInput:
		constraints.Video = pick
	default:
		return nil, domain.NewCallError(domain.KindDeviceNotFound, op, fmt.Errorf("%s cannot be captured", dev.Kind))
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := c.getUserMedia(constraints)
		done <- result{stream, err}
	}()

	select {
	case <-ctx.Done():
		// Whatever GetUserMedia opens after this is closed straight away.
		go func() {
			if r := <-done; r.err == nil {
				closeAll(r.stream)
			}
		}()
		return nil, domain.NewCallError(domain.KindTimeout, op, ctx.Err())
	case r := <-done:
		if r.err != nil {
			log.Warn().Err(r.err).Str("module", "media").Str("device", dev.DeviceID).Msg("capture failed")
			return nil, translate(op, r.err)
		}
		tracks := r.stream.GetTracks()
		if len(tracks) == 0 {
			return nil, domain.NewCallError(domain.KindDeviceNotFound, op, ErrNoTrack)
		}
		for _, extra := range tracks[1:] {
			_ = extra.Close()
		}
		log.Info().
			Str("module", "media").
			Str("device", dev.DeviceID).
			Str("kind", string(dev.Kind)).
			Str("track", tracks[0].ID()).
			Msg("device captured")
		return tracks[0], nil
	}
}

func closeAll(s mediadevices.MediaStream) {
	for _, t := range s.GetTracks() {
		_ = t.Close()
	}
}

// translate maps driver failures onto the engine's device error kinds.
func translate(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), strings.Contains(msg, "permission"):
		return domain.NewCallError(domain.KindPermissionDenied, op, err)
	case errors.Is(err, syscall.EBUSY), strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return domain.NewCallError(domain.KindDeviceInUse, op, err)
	default:
		return domain.NewCallError(domain.KindDeviceNotFound, op, err)
	}
}
