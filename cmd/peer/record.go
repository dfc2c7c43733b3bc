package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

type mediaWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// recorder is a sink writing one call's remote media to disk.
type recorder struct {
	mu      sync.Mutex
	w       mediaWriter
	path    string
	packets int
	closed  bool
}

func newRecorder(dir string, callID domain.CallID, kind domain.MediaKind) (*recorder, error) {
	var (
		w    mediaWriter
		path string
		err  error
	)
	switch kind {
	case domain.MediaAudio:
		path = filepath.Join(dir, fmt.Sprintf("%s-audio.ogg", callID))
		w, err = oggwriter.New(path, 48000, 2)
	case domain.MediaVideo:
		path = filepath.Join(dir, fmt.Sprintf("%s-video.ivf", callID))
		w, err = ivfwriter.New(path, ivfwriter.WithCodec(webrtc.MimeTypeVP8))
	default:
		return nil, fmt.Errorf("cannot record %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return &recorder{w: w, path: path}, nil
}

func (r *recorder) WriteRTP(p *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder closed")
	}
	r.packets++
	return r.w.WriteRTP(p)
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	log.Info().Str("module", "peer").Str("file", r.path).Int("packets", r.packets).Msg("recording closed")
	return r.w.Close()
}
