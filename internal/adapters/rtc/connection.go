package rtc

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("peer connection closed")

// Config tunes every connection a Factory builds.
type Config struct {
	ICEServers []webrtc.ICEServer
	// ICE timeouts; zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// Codecs registers the codecs to negotiate. Nil registers pion's defaults.
	Codecs func(*webrtc.MediaEngine) error
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
		DisconnectedTimeout: 10 * time.Second,
		FailedTimeout:       30 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Factory builds one pion PeerConnection per call. It never reuses one.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) api() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	register := f.cfg.Codecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(me); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if f.cfg.DisconnectedTimeout > 0 || f.cfg.FailedTimeout > 0 {
		se.SetICETimeouts(f.cfg.DisconnectedTimeout, f.cfg.FailedTimeout, f.cfg.KeepAliveInterval)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *Factory) NewPeerConnection(callID domain.CallID) (core.PeerConnection, error) {
	api, err := f.api()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	return newConnection(pc, callID), nil
}

// Connection adapts *webrtc.PeerConnection to the call engine's port.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack)
	closed  bool
}

func newConnection(pc *webrtc.PeerConnection, callID domain.CallID) *Connection {
	c := &Connection{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("call", callID.String()).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
	return c
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

// Rollback returns the signaling state to stable, discarding the local offer.
func (c *Connection) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and drains the RTCP its sender receives;
// interceptors only see feedback that is read.
func (c *Connection) AddTrack(t core.LocalTrack) (core.Sender, error) {
	sender, err := c.pc.AddTrack(t)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *Connection) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}

// Stats sums the inbound RTP counters of every stream and takes the round
// trip time of the nominated candidate pair.
func (c *Connection) Stats() core.LinkStats {
	return collectStats(c.pc.GetStats())
}

func collectStats(report webrtc.StatsReport) core.LinkStats {
	var (
		out     core.LinkStats
		streams int
	)
	addInbound := func(s webrtc.InboundRTPStreamStats) {
		out.PacketsLost += int64(s.PacketsLost)
		out.PacketsReceived += int64(s.PacketsReceived)
		out.Jitter += s.Jitter
		streams++
	}
	addPair := func(s webrtc.ICECandidatePairStats) {
		if !s.Nominated && s.State != webrtc.StatsICECandidatePairStateSucceeded {
			return
		}
		if rtt := time.Duration(s.CurrentRoundTripTime * float64(time.Second)); rtt > out.RoundTripTime {
			out.RoundTripTime = rtt
		}
	}
	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			addInbound(s)
		case *webrtc.InboundRTPStreamStats:
			addInbound(*s)
		case webrtc.ICECandidatePairStats:
			addPair(s)
		case *webrtc.ICECandidatePairStats:
			addPair(*s)
		}
	}
	if streams > 1 {
		out.Jitter /= float64(streams)
	}
	return out
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnTrack sets the callback for remote tracks.
func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// Close shuts the connection down once; later calls return ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.onICE, c.onState, c.onTrack = nil, nil, nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
