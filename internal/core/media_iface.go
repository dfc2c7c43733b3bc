package core

import (
	"time"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the capability set the call engine needs from a WebRTC
// implementation. SDP and ICE internals stay behind it.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// RemoteDescription returns nil until a remote description was applied.
	RemoteDescription() *webrtc.SessionDescription
	// Rollback discards a local offer that lost a renegotiation glare.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(LocalTrack) (Sender, error)
	WriteRTCP([]rtcp.Packet) error
	Stats() LinkStats

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))

	// Close releases the connection; a closed connection is never reused.
	Close() error
}

// PeerConnectionFactory builds a fresh connection for every call session.
type PeerConnectionFactory interface {
	NewPeerConnection(callID domain.CallID) (PeerConnection, error)
}

// Sender is the outbound side of one media line. *webrtc.RTPSender satisfies it.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// LocalTrack is a captured microphone or camera track. Close stops capture.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// RemoteTrack is an inbound track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink consumes remote media, typically a renderer or an audio player.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

// OutputRouter is implemented by audio sinks that can switch the playback device.
type OutputRouter interface {
	SetOutputDevice(deviceID string) error
}

// LinkStats are cumulative inbound counters of one connection.
type LinkStats struct {
	PacketsLost     int64
	PacketsReceived int64
	Jitter          float64
	RoundTripTime   time.Duration
}

// StatsSource is polled by the quality monitor.
type StatsSource interface {
	Stats() LinkStats
}
