// Package signal carries signaling envelopes: the websocket hub the server
// exposes, the websocket client peers dial it with, and an in-memory bus.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/rtcall/internal/app/orch"
	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// HubOptions tune every hub connection.
type HubOptions struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// RatePerSecond and RateBurst bound the frames one connection may send.
	RatePerSecond float64
	RateBurst     int
}

func DefaultHubOptions() HubOptions {
	return HubOptions{
		ReadLimit:     32 << 10,
		PingPeriod:    54 * time.Second,
		SendBuffer:    64,
		RatePerSecond: 50,
		RateBurst:     100,
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *ParticipantRateLimiter
	opts    HubOptions
}

func NewSignalWSController(o *orch.Orchestrator, opts HubOptions) *SignalWSController {
	def := DefaultHubOptions()
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = def.PingPeriod
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	return &SignalWSController{
		Orch:    o,
		Limiter: NewParticipantRateLimiter(opts.RatePerSecond, opts.RateBurst),
		opts:    opts,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// participantFrom picks the participant id from the query, falling back to
// the client token cookie.
func participantFrom(c *gin.Context) (*domain.Participant, error) {
	id := domain.ParticipantID(c.Query("participant"))
	if id == "" {
		id = domain.ParticipantID(c.GetString("client_token"))
	}
	return domain.NewParticipant(id, c.Query("name"))
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	meta, err := participantFrom(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("rejecting ws connection")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("participant", meta.ID.String()).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}

	sess := core.NewParticipantSession(meta, conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(sid, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, sess, conn)
}
