package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/rtcall/internal/app/orch"
	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Control frames exchanged with the hub itself; everything else is relayed.
const (
	framePing         = "ping"
	framePong         = "pong"
	frameWhoAmI       = "whoami"
	frameParticipants = "participants"
	frameError        = "error"
)

// Error codes carried by error frames.
const (
	codeBadEnvelope      = "bad_envelope"
	codeNoRecipient      = "no_recipient"
	codeUnknownRecipient = "unknown_recipient"
	codeRecipientSlow    = "recipient_slow"
	codeRateLimited      = "rate_limited"
	codeInternal         = "internal"
)

type errorFrame struct {
	Type   string               `json:"type"`
	Error  string               `json:"error"`
	CallID domain.CallID        `json:"callId,omitempty"`
	To     domain.ParticipantID `json:"to,omitempty"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(
	ctx context.Context,
	cancel context.CancelFunc,
	sid core.SessionID,
	sess core.ParticipantSession,
	c *WsSignalConn,
) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.Disconnect(sid)
		ctl.Limiter.Forget(sid)
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(sid, sess, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, sess core.ParticipantSession, c *WsSignalConn, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json")
		ctl.sendJSON(c, errorFrame{Type: frameError, Error: codeBadEnvelope})
		return
	}

	switch head.Type {
	case framePing:
		ctl.handlePing(c)
	case frameWhoAmI:
		ctl.handleWhoAmI(sess, c)
	case frameParticipants:
		ctl.handleParticipants(c)
	default:
		ctl.relay(sid, c, data)
	}
}

func (ctl *SignalWSController) relay(sid core.SessionID, c *WsSignalConn, data []byte) {
	if !ctl.Limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("rate limited")
		ctl.sendJSON(c, errorFrame{Type: frameError, Error: codeRateLimited})
		return
	}
	env, err := ctl.Orch.Relay(sid, data)
	if err == nil {
		return
	}
	log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", string(env.Type)).Msg("relay failed")
	ctl.sendJSON(c, errorFrame{
		Type:   frameError,
		Error:  errorCode(err),
		CallID: env.CallID,
		To:     env.To,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, orch.ErrBadEnvelope):
		return codeBadEnvelope
	case errors.Is(err, orch.ErrNoRecipient):
		return codeNoRecipient
	case errors.Is(err, orch.ErrUnknownRecipient):
		return codeUnknownRecipient
	case errors.Is(err, orch.ErrRecipientSlow):
		return codeRecipientSlow
	default:
		return codeInternal
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
