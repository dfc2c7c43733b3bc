package domain

import (
	"fmt"
	"strings"
)

type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
	DeviceVideoInput  DeviceKind = "videoinput"
)

// DefaultDeviceID selects whatever device the platform marks as default.
const DefaultDeviceID = "default"

// ParseDeviceKind accepts the canonical kinds and the short UI aliases.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audioinput", "input", "microphone", "mic":
		return DeviceAudioInput, nil
	case "audiooutput", "output", "speaker":
		return DeviceAudioOutput, nil
	case "videoinput", "camera", "video":
		return DeviceVideoInput, nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// Capturable reports whether the kind produces a local track.
func (k DeviceKind) Capturable() bool {
	return k == DeviceAudioInput || k == DeviceVideoInput
}

// DeviceDescriptor is refreshed on hot-plug and never persisted.
type DeviceDescriptor struct {
	DeviceID  string     `json:"deviceId"`
	Kind      DeviceKind `json:"kind"`
	Label     string     `json:"label"`
	IsDefault bool       `json:"isDefault"`
}

// DeviceSelection is the per-call choice of devices; empty means default.
type DeviceSelection struct {
	Microphone string `json:"microphone,omitempty"`
	Speaker    string `json:"speaker,omitempty"`
	Camera     string `json:"camera,omitempty"`
}

func (s DeviceSelection) For(kind DeviceKind) string {
	switch kind {
	case DeviceAudioInput:
		return s.Microphone
	case DeviceAudioOutput:
		return s.Speaker
	case DeviceVideoInput:
		return s.Camera
	}
	return ""
}

func (s *DeviceSelection) Set(kind DeviceKind, id string) {
	switch kind {
	case DeviceAudioInput:
		s.Microphone = id
	case DeviceAudioOutput:
		s.Speaker = id
	case DeviceVideoInput:
		s.Camera = id
	}
}
