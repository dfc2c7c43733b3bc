package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ core.SignalChannel = (*Endpoint)(nil)

const waitFor = 2 * time.Second

type inbox struct {
	mu   sync.Mutex
	envs []domain.SignalEnvelope
}

func (in *inbox) add(env domain.SignalEnvelope) {
	in.mu.Lock()
	in.envs = append(in.envs, env)
	in.mu.Unlock()
}

func (in *inbox) all() []domain.SignalEnvelope {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]domain.SignalEnvelope(nil), in.envs...)
}

func envelope(t *testing.T, typ domain.SignalType, to domain.ParticipantID, payload any) domain.SignalEnvelope {
	t.Helper()
	env, err := domain.NewEnvelope(typ, "call-1", "", to, payload)
	require.NoError(t, err)
	return env
}

func TestBusDeliversInOrderWithSenderStamped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	alice, err := bus.Join("alice")
	require.NoError(t, err)
	bob, err := bus.Join("bob")
	require.NoError(t, err)

	var got inbox
	bob.Subscribe(domain.SignalICECandidate, got.add)

	ctx := context.Background()
	for _, c := range []string{"c1", "c2", "c3"} {
		env := envelope(t, domain.SignalICECandidate, "bob", domain.CandidatePayload{Candidate: c})
		env.From = "mallory"
		require.NoError(t, alice.Send(ctx, env))
	}

	require.Eventually(t, func() bool { return len(got.all()) == 3 }, waitFor, time.Millisecond)
	for i, env := range got.all() {
		assert.Equal(t, domain.ParticipantID("alice"), env.From)
		p, err := env.Candidate()
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2", "c3"}[i], p.Candidate)
	}
}

func TestBusAnswersAbsentRecipient(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	alice, err := bus.Join("alice")
	require.NoError(t, err)

	var got inbox
	alice.Subscribe(domain.SignalCallEnd, got.add)

	require.NoError(t, alice.Send(context.Background(), envelope(t, domain.SignalOffer, "bob", domain.SessionDescriptionPayload{SDP: "v=0"})))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, waitFor, time.Millisecond)
	env := got.all()[0]
	assert.Equal(t, domain.ParticipantID("bob"), env.From)
	assert.Equal(t, domain.ReasonUnreachable, env.EndReason())

	require.NoError(t, alice.Send(context.Background(), envelope(t, domain.SignalCallEnd, "bob", nil)))
	assert.Never(t, func() bool { return len(got.all()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBusRejects(t *testing.T) {
	bus := NewBus()
	alice, err := bus.Join("alice")
	require.NoError(t, err)

	_, err = bus.Join("alice")
	assert.ErrorIs(t, err, ErrParticipantTaken)
	_, err = bus.Join("")
	assert.ErrorIs(t, err, domain.ErrParticipantIDEmpty)

	ctx := context.Background()
	assert.Error(t, alice.Send(ctx, envelope(t, domain.SignalMute, "", domain.MutePayload{})))
	assert.Error(t, alice.Send(ctx, envelope(t, domain.SignalMute, "alice", domain.MutePayload{})))
	bad := envelope(t, domain.SignalMute, "bob", domain.MutePayload{})
	bad.CallID = ""
	assert.ErrorIs(t, alice.Send(ctx, bad), domain.ErrEnvelopeCallID)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, alice.Send(canceled, envelope(t, domain.SignalMute, "bob", domain.MutePayload{})), context.Canceled)

	bus.Close()
	alice.Wait()
	assert.ErrorIs(t, alice.Send(ctx, envelope(t, domain.SignalMute, "bob", domain.MutePayload{})), ErrClosed)
	_, err = bus.Join("carol")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	alice, err := bus.Join("alice")
	require.NoError(t, err)
	bob, err := bus.Join("bob")
	require.NoError(t, err)

	var first, second inbox
	unsub := bob.Subscribe(domain.SignalMute, first.add)
	bob.Subscribe(domain.SignalMute, second.add)

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, envelope(t, domain.SignalMute, "bob", domain.MutePayload{Muted: true})))
	require.Eventually(t, func() bool { return len(second.all()) == 1 }, waitFor, time.Millisecond)

	unsub()
	unsub()
	require.NoError(t, alice.Send(ctx, envelope(t, domain.SignalMute, "bob", domain.MutePayload{})))
	require.Eventually(t, func() bool { return len(second.all()) == 2 }, waitFor, time.Millisecond)
	assert.Len(t, first.all(), 1)
}

// A subscriber may send from inside its callback without deadlocking.
func TestSubscriberCanReply(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	alice, err := bus.Join("alice")
	require.NoError(t, err)
	bob, err := bus.Join("bob")
	require.NoError(t, err)

	bob.Subscribe(domain.SignalOffer, func(env domain.SignalEnvelope) {
		reply, err := domain.NewEnvelope(domain.SignalAnswer, env.CallID, "", env.From, domain.SessionDescriptionPayload{SDP: "answer"})
		if err == nil {
			_ = bob.Send(context.Background(), reply)
		}
	})
	var got inbox
	alice.Subscribe(domain.SignalAnswer, got.add)

	require.NoError(t, alice.Send(context.Background(), envelope(t, domain.SignalOffer, "bob", domain.SessionDescriptionPayload{SDP: "offer"})))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, domain.ParticipantID("bob"), got.all()[0].From)
}
