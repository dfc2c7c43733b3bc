// Package domain contains the call engine entities and wire shapes, no behaviour
// beyond validation and encoding.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrDisplayNameTooLong   = errors.New("display name too long")
)

// ParticipantID addresses one endpoint on the signal channel.
type ParticipantID string

func (p ParticipantID) String() string { return string(p) }

type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
}

// NewParticipant builds a participant with a generated id when id is empty.
func NewParticipant(id ParticipantID, displayName string) (*Participant, error) {
	if id == "" {
		id = ParticipantID(uuid.NewString())
	}
	if err := ValidateParticipantID(id); err != nil {
		return nil, err
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{ID: id, DisplayName: displayName}, nil
}

func ValidateParticipantID(id ParticipantID) error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
