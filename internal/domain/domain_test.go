package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallErrorMatchesByKind(t *testing.T) {
	cause := errors.New("ioctl failed")
	err := fmt.Errorf("start: %w", NewCallError(KindDeviceInUse, "capture", cause))

	assert.ErrorIs(t, err, ErrDeviceInUse)
	assert.NotErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindDeviceInUse, KindOf(err))
	assert.Equal(t, "start: capture: device-in-use: ioctl failed", err.Error())

	assert.Equal(t, KindSignalingError, KindOf(errors.New("foreign")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))

	assert.Contains(t, UserMessage(KindPermissionDenied), "Allow access")
	assert.Equal(t, "The call failed.", UserMessage(KindRenegotiationCollision))
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonConnectionLost, ReasonFor(KindConnectionFailed))
	assert.Equal(t, ReasonTimeout, ReasonFor(KindTimeout))
	assert.Equal(t, ReasonFailed, ReasonFor(KindNegotiationFailed))
}

func TestClassifyLoss(t *testing.T) {
	tests := []struct {
		ratio float64
		want  QualityTier
	}{
		{0, QualityGood},
		{0.0199, QualityGood},
		{0.02, QualityFair},
		{0.05, QualityFair},
		{0.0501, QualityPoor},
		{1, QualityPoor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyLoss(tt.ratio), "ratio %v", tt.ratio)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(SignalICECandidate, "call-1", "alice", "bob", CandidatePayload{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host"})
	require.NoError(t, err)
	assert.False(t, env.Timestamp.IsZero())

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"callId":"call-1"`)
	assert.Contains(t, string(raw), `"type":"ice-candidate"`)

	var back SignalEnvelope
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NoError(t, back.Validate())
	c, err := back.Candidate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Candidate, "candidate:1"))
}

func TestEnvelopeValidate(t *testing.T) {
	ok := SignalEnvelope{Type: SignalMute, CallID: "c", From: "a"}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Type = "join"
	assert.ErrorIs(t, bad.Validate(), ErrEnvelopeType)
	assert.False(t, bad.Known())

	bad = ok
	bad.CallID = ""
	assert.ErrorIs(t, bad.Validate(), ErrEnvelopeCallID)

	bad = ok
	bad.From = ""
	assert.ErrorIs(t, bad.Validate(), ErrEnvelopeFrom)
}

func TestEnvelopePayloads(t *testing.T) {
	empty := SignalEnvelope{Type: SignalOffer, CallID: "c", From: "a"}
	_, err := empty.SessionDescription()
	assert.ErrorIs(t, err, ErrEnvelopePayload)

	noSDP, err := NewEnvelope(SignalOffer, "c", "a", "b", SessionDescriptionPayload{})
	require.NoError(t, err)
	_, err = noSDP.SessionDescription()
	assert.ErrorIs(t, err, ErrEnvelopePayload)

	garbage := SignalEnvelope{Type: SignalICECandidate, Payload: json.RawMessage(`[1,2]`)}
	_, err = garbage.Candidate()
	assert.ErrorIs(t, err, ErrEnvelopePayload)

	reneg, err := NewEnvelope(SignalOffer, "c", "a", "b", SessionDescriptionPayload{SDP: "v=0", Renegotiation: true})
	require.NoError(t, err)
	p, err := reneg.SessionDescription()
	require.NoError(t, err)
	assert.True(t, p.Renegotiation)
}

func TestEndReason(t *testing.T) {
	bare := SignalEnvelope{Type: SignalCallEnd}
	assert.Equal(t, ReasonRemoteHangup, bare.EndReason())

	busy, err := NewEnvelope(SignalCallEnd, "c", "a", "b", EndPayload{Reason: ReasonBusy})
	require.NoError(t, err)
	assert.Equal(t, ReasonBusy, busy.EndReason())

	broken := SignalEnvelope{Type: SignalCallEnd, Payload: json.RawMessage(`"x"`)}
	assert.Equal(t, ReasonRemoteHangup, broken.EndReason())
}

func TestNewParticipant(t *testing.T) {
	p, err := NewParticipant("", "Guest")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	_, err = NewParticipant(ParticipantID(strings.Repeat("x", MaxParticipantIDLen+1)), "")
	assert.ErrorIs(t, err, ErrParticipantIDTooLong)
	_, err = NewParticipant("alice", strings.Repeat("n", MaxDisplayNameLen+1))
	assert.ErrorIs(t, err, ErrDisplayNameTooLong)

	require.NoError(t, p.SetDisplayName("Alice"))
	assert.Equal(t, "Alice", p.DisplayName)
	assert.ErrorIs(t, ValidateParticipantID(""), ErrParticipantIDEmpty)
}

func TestDeviceKinds(t *testing.T) {
	for in, want := range map[string]DeviceKind{
		"mic":         DeviceAudioInput,
		" Speaker ":   DeviceAudioOutput,
		"camera":      DeviceVideoInput,
		"audioinput":  DeviceAudioInput,
		"audiooutput": DeviceAudioOutput,
	} {
		got, err := ParseDeviceKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDeviceKind("printer")
	assert.Error(t, err)

	assert.True(t, DeviceVideoInput.Capturable())
	assert.False(t, DeviceAudioOutput.Capturable())

	var sel DeviceSelection
	sel.Set(DeviceVideoInput, "cam-2")
	assert.Equal(t, "cam-2", sel.For(DeviceVideoInput))
	assert.Empty(t, sel.For(DeviceAudioInput))
}

func TestCallStateTerminal(t *testing.T) {
	assert.True(t, StateEnded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateConnected.Terminal())
	assert.Equal(t, "awaiting-offer", StateAwaitingOffer.String())
	assert.Equal(t, "state(42)", CallState(42).String())
	assert.True(t, MediaVideo.WantsVideo())
	assert.False(t, MediaKind("screen").Valid())
}
