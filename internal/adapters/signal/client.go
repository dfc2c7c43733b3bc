package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ClientOptions struct {
	// URL of the hub endpoint, e.g. ws://localhost:8080/api/ws/signal.
	URL         string
	Participant domain.ParticipantID
	DisplayName string
	PingPeriod  time.Duration
	SendBuffer  int
	Dialer      *websocket.Dialer
	Header      http.Header
}

// HubError is an error frame the hub sent back for one of our envelopes.
type HubError struct {
	Code   string
	CallID domain.CallID
	To     domain.ParticipantID
}

func (e HubError) Error() string {
	return fmt.Sprintf("hub: %s (call %s, to %s)", e.Code, e.CallID, e.To)
}

// Client is a SignalChannel over a hub websocket.
type Client struct {
	self   domain.ParticipantID
	conn   *websocket.Conn
	send   chan []byte
	subs   subscriptions
	logger zerolog.Logger
	ping   time.Duration

	rosterMu sync.Mutex
	roster   chan []domain.Participant

	mu       sync.Mutex
	onError  []func(HubError)
	err      error
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if err := domain.ValidateParticipantID(opts.Participant); err != nil {
		return nil, err
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("hub url: %w", err)
	}
	q := u.Query()
	q.Set("participant", opts.Participant.String())
	if opts.DisplayName != "" {
		q.Set("name", opts.DisplayName)
	}
	u.RawQuery = q.Encode()

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultHubOptions().PingPeriod
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultHubOptions().SendBuffer
	}
	c := &Client{
		self:   opts.Participant,
		conn:   conn,
		send:   make(chan []byte, opts.SendBuffer),
		logger: log.With().Str("module", "signal.client").Str("participant", opts.Participant.String()).Logger(),
		ping:   opts.PingPeriod,
		roster: make(chan []domain.Participant, 1),
		done:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	c.logger.Info().Str("hub", u.Redacted()).Msg("connected")
	return c, nil
}

func (c *Client) Self() domain.ParticipantID { return c.self }

// Send queues env for the hub. The hub stamps the sender itself.
func (c *Client) Send(ctx context.Context, env domain.SignalEnvelope) error {
	if env.From == "" {
		env.From = c.self
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

func (c *Client) write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

func (c *Client) Subscribe(t domain.SignalType, fn func(domain.SignalEnvelope)) func() {
	return c.subs.add(t, fn)
}

// OnHubError registers fn for error frames. It runs on the read goroutine.
func (c *Client) OnHubError(fn func(HubError)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

// Participants asks the hub who is connected.
func (c *Client) Participants(ctx context.Context) ([]domain.Participant, error) {
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()
	// Drop a reply left over from a request that gave up.
	select {
	case <-c.roster:
	default:
	}
	if err := c.write(ctx, []byte(`{"type":"participants"}`)); err != nil {
		return nil, err
	}
	select {
	case list := <-c.roster:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Client) Close() error {
	c.stop(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) stop(cause error) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		if cause == nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		}
		_ = c.conn.Close()
		if cause != nil {
			c.logger.Warn().Err(cause).Msg("connection lost")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.stop(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.stop(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.stop(err)
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.stop(err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Warn().Err(err).Msg("bad frame from hub")
		return
	}
	switch head.Type {
	case framePong, frameWhoAmI:
		c.logger.Debug().Str("type", head.Type).Msg("hub control frame")
	case frameParticipants:
		var p struct {
			Participants []domain.Participant `json:"participants"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		select {
		case c.roster <- p.Participants:
		default:
		}
	case frameError:
		var f errorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		he := HubError{Code: f.Error, CallID: f.CallID, To: f.To}
		c.logger.Warn().Str("code", he.Code).Str("call", he.CallID.String()).Str("to", he.To.String()).Msg("hub error")
		c.mu.Lock()
		fns := append([]func(HubError){}, c.onError...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(he)
		}
	default:
		var env domain.SignalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("bad envelope from hub")
			return
		}
		if env.To != "" && env.To != c.self {
			return
		}
		if err := env.Validate(); err != nil {
			c.logger.Warn().Err(err).Msg("dropping envelope")
			return
		}
		if c.subs.dispatch(env) == 0 {
			c.logger.Debug().Str("type", string(env.Type)).Str("call", env.CallID.String()).Msg("no subscriber")
		}
	}
}
