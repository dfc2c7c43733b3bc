package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type SignalType string

const (
	SignalOffer          SignalType = "offer"
	SignalAnswer         SignalType = "answer"
	SignalICECandidate   SignalType = "ice-candidate"
	SignalCallEnd        SignalType = "call-end"
	SignalMute           SignalType = "mute"
	SignalVideoToggle    SignalType = "video-toggle"
	SignalRenegotiateNak SignalType = "renegotiation-reject"
)

// SessionSignals are the types a call session subscribes to.
var SessionSignals = []SignalType{
	SignalOffer,
	SignalAnswer,
	SignalICECandidate,
	SignalCallEnd,
	SignalMute,
	SignalVideoToggle,
	SignalRenegotiateNak,
}

var (
	ErrEnvelopeType    = errors.New("unknown envelope type")
	ErrEnvelopeCallID  = errors.New("envelope without call id")
	ErrEnvelopeFrom    = errors.New("envelope without sender")
	ErrEnvelopePayload = errors.New("malformed envelope payload")
)

// SignalEnvelope is one signaling message. Treat as immutable once built.
type SignalEnvelope struct {
	Type      SignalType      `json:"type"`
	CallID    CallID          `json:"callId"`
	From      ParticipantID   `json:"from"`
	To        ParticipantID   `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type SessionDescriptionPayload struct {
	SDP           string `json:"sdp"`
	Renegotiation bool   `json:"renegotiation,omitempty"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type EndPayload struct {
	Reason EndReason `json:"reason"`
}

type MutePayload struct {
	Muted bool `json:"muted"`
}

type VideoPayload struct {
	Enabled bool `json:"enabled"`
}

type RejectPayload struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
}

// NewEnvelope marshals payload and stamps the envelope.
func NewEnvelope(t SignalType, callID CallID, from, to ParticipantID, payload any) (SignalEnvelope, error) {
	env := SignalEnvelope{
		Type:      t,
		CallID:    callID,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return SignalEnvelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

func (e SignalEnvelope) Known() bool {
	switch e.Type {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalCallEnd,
		SignalMute, SignalVideoToggle, SignalRenegotiateNak:
		return true
	}
	return false
}

// Validate checks the header fields every envelope must carry.
func (e SignalEnvelope) Validate() error {
	if !e.Known() {
		return fmt.Errorf("%w: %q", ErrEnvelopeType, e.Type)
	}
	if e.CallID == "" {
		return ErrEnvelopeCallID
	}
	if e.From == "" {
		return ErrEnvelopeFrom
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e SignalEnvelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrEnvelopePayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvelopePayload, err)
	}
	return nil
}

func (e SignalEnvelope) SessionDescription() (SessionDescriptionPayload, error) {
	var p SessionDescriptionPayload
	if err := e.Decode(&p); err != nil {
		return p, err
	}
	if p.SDP == "" {
		return p, fmt.Errorf("%w: empty sdp", ErrEnvelopePayload)
	}
	return p, nil
}

func (e SignalEnvelope) Candidate() (CandidatePayload, error) {
	var p CandidatePayload
	if err := e.Decode(&p); err != nil {
		return p, err
	}
	if p.Candidate == "" {
		return p, fmt.Errorf("%w: empty candidate", ErrEnvelopePayload)
	}
	return p, nil
}

// EndReason tolerates a missing payload, which peers send on a bare hangup.
func (e SignalEnvelope) EndReason() EndReason {
	var p EndPayload
	if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &p) != nil || p.Reason == "" {
		return ReasonRemoteHangup
	}
	return p.Reason
}
