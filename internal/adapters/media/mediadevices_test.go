package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceMarksFirstOfKindDefault(t *testing.T) {
	s := &Source{enumerate: func() []mediadevices.MediaDeviceInfo {
		return []mediadevices.MediaDeviceInfo{
			{DeviceID: "cam-a", Kind: mediadevices.VideoInput, Label: "Front"},
			{DeviceID: "mic-a", Kind: mediadevices.AudioInput, Label: "Built-in"},
			{DeviceID: "mic-b", Kind: mediadevices.AudioInput, Label: "USB"},
		}
	}}

	got, err := s.Devices()
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceDescriptor{
		{DeviceID: "cam-a", Kind: domain.DeviceVideoInput, Label: "Front", IsDefault: true},
		{DeviceID: "mic-a", Kind: domain.DeviceAudioInput, Label: "Built-in", IsDefault: true},
		{DeviceID: "mic-b", Kind: domain.DeviceAudioInput, Label: "USB"},
	}, got)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"os permission", fmt.Errorf("open /dev/video0: %w", os.ErrPermission), domain.ErrPermissionDenied},
		{"eacces", syscall.EACCES, domain.ErrPermissionDenied},
		{"ebusy", fmt.Errorf("ioctl: %w", syscall.EBUSY), domain.ErrDeviceInUse},
		{"busy text", errors.New("Device or resource busy"), domain.ErrDeviceInUse},
		{"no driver", errors.New("failed to find the best driver that fits the constraints"), domain.ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate("capture", tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestCaptureRejectsOutputDevices(t *testing.T) {
	c := NewCapturer(nil)
	_, err := c.Capture(context.Background(), domain.DeviceDescriptor{DeviceID: "spk", Kind: domain.DeviceAudioOutput})
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestCaptureTranslatesDriverError(t *testing.T) {
	var seen mediadevices.MediaStreamConstraints
	c := &Capturer{getUserMedia: func(mc mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		seen = mc
		return nil, syscall.EBUSY
	}}

	_, err := c.Capture(context.Background(), domain.DeviceDescriptor{DeviceID: "mic-a", Kind: domain.DeviceAudioInput})
	assert.ErrorIs(t, err, domain.ErrDeviceInUse)
	assert.NotNil(t, seen.Audio)
	assert.Nil(t, seen.Video)
}

func TestCaptureHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := &Capturer{getUserMedia: func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		<-release
		return nil, errors.New("too late")
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Capture(ctx, domain.DeviceDescriptor{DeviceID: "cam-a", Kind: domain.DeviceVideoInput})
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
