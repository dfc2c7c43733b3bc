package rtc

import (
	"testing"
	"time"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closableTrack struct {
	*webrtc.TrackLocalStaticRTP
}

func (closableTrack) Close() error { return nil }

func localTrack(t *testing.T, id string) closableTrack {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "local")
	require.NoError(t, err)
	return closableTrack{tr}
}

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	f := NewFactory(Config{})
	pc, err := f.NewPeerConnection(domain.CallID("test"))
	require.NoError(t, err)
	c, ok := pc.(*Connection)
	require.True(t, ok)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCollectStats(t *testing.T) {
	report := webrtc.StatsReport{
		"in-audio": webrtc.InboundRTPStreamStats{PacketsReceived: 900, PacketsLost: 10, Jitter: 0.02},
		"in-video": &webrtc.InboundRTPStreamStats{PacketsReceived: 100, PacketsLost: 5, Jitter: 0.04},
		"pair-1": webrtc.ICECandidatePairStats{
			Nominated:            true,
			CurrentRoundTripTime: 0.080,
		},
		"pair-2": &webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateFailed,
			CurrentRoundTripTime: 5,
		},
		"out": webrtc.OutboundRTPStreamStats{PacketsSent: 1000},
	}

	got := collectStats(report)
	assert.Equal(t, int64(15), got.PacketsLost)
	assert.Equal(t, int64(1000), got.PacketsReceived)
	assert.InDelta(t, 0.03, got.Jitter, 1e-9)
	assert.Equal(t, 80*time.Millisecond, got.RoundTripTime)
}

func TestCollectStatsEmpty(t *testing.T) {
	assert.Zero(t, collectStats(webrtc.StatsReport{}))
}

func TestOfferRollback(t *testing.T) {
	c := newTestConnection(t)
	sender, err := c.AddTrack(localTrack(t, "mic"))
	require.NoError(t, err)
	assert.Equal(t, "mic", sender.Track().ID())

	offer, err := c.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, c.SetLocalDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, c.pc.SignalingState())

	require.NoError(t, c.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, c.pc.SignalingState())
	assert.Nil(t, c.RemoteDescription())
}

// Two adapters negotiate against each other without a network round trip.
func TestOfferAnswerBetweenConnections(t *testing.T) {
	caller := newTestConnection(t)
	callee := newTestConnection(t)
	_, err := caller.AddTrack(localTrack(t, "mic-a"))
	require.NoError(t, err)
	_, err = callee.AddTrack(localTrack(t, "mic-b"))
	require.NoError(t, err)

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(offer))
	require.NoError(t, callee.SetRemoteDescription(offer))

	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(answer))

	require.NotNil(t, caller.RemoteDescription())
	assert.Equal(t, webrtc.SDPTypeAnswer, caller.RemoteDescription().Type)
	assert.Equal(t, webrtc.SignalingStateStable, caller.pc.SignalingState())
}

func TestCloseOnce(t *testing.T) {
	c := newTestConnection(t)
	c.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)
}
