package signal

import (
	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: framePong,
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleWhoAmI(
	sess core.ParticipantSession,
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
		domain.Participant
	}{
		Type:        frameWhoAmI,
		Participant: *sess.Meta(),
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleParticipants(
	conn *WsSignalConn,
) {
	resp := struct {
		Type         string               `json:"type"`
		Participants []domain.Participant `json:"participants"`
	}{
		Type:         frameParticipants,
		Participants: ctl.Orch.Participants(),
	}
	ctl.sendJSON(conn, resp)
}
