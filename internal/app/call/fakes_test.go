package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/rtcall/internal/core"
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	alice domain.ParticipantID = "alice"
	bob   domain.ParticipantID = "bob"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

// opLog records side effects across fakes in order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ops)
}

func (l *opLog) index(op string) int {
	return slices.Index(l.all(), op)
}

// fakeSignal is an in-memory SignalChannel. Linked channels deliver to each other.
type fakeSignal struct {
	self domain.ParticipantID

	mu      sync.Mutex
	subs    map[domain.SignalType]map[int]func(domain.SignalEnvelope)
	nextSub int
	sent    []domain.SignalEnvelope
	sendErr error
	link    *fakeSignal
	// onSubscribe runs after every Subscribe, outside the lock.
	onSubscribe func(domain.SignalType)
}

func newFakeSignal(self domain.ParticipantID) *fakeSignal {
	return &fakeSignal{self: self, subs: make(map[domain.SignalType]map[int]func(domain.SignalEnvelope))}
}

func linkSignals(a, b *fakeSignal) {
	a.link, b.link = b, a
}

func (f *fakeSignal) Self() domain.ParticipantID { return f.self }

func (f *fakeSignal) Send(_ context.Context, env domain.SignalEnvelope) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, env)
	link := f.link
	f.mu.Unlock()
	if link != nil {
		link.deliver(env)
	}
	return nil
}

func (f *fakeSignal) Subscribe(t domain.SignalType, fn func(domain.SignalEnvelope)) func() {
	f.mu.Lock()
	if f.subs[t] == nil {
		f.subs[t] = make(map[int]func(domain.SignalEnvelope))
	}
	id := f.nextSub
	f.nextSub++
	f.subs[t][id] = fn
	hook := f.onSubscribe
	f.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return func() {
		f.mu.Lock()
		delete(f.subs[t], id)
		f.mu.Unlock()
	}
}

func (f *fakeSignal) deliver(env domain.SignalEnvelope) {
	f.mu.Lock()
	handlers := make([]func(domain.SignalEnvelope), 0, len(f.subs[env.Type]))
	for _, h := range f.subs[env.Type] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (f *fakeSignal) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.subs {
		n += len(m)
	}
	return n
}

func (f *fakeSignal) sentOf(t domain.SignalType) []domain.SignalEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SignalEnvelope
	for _, e := range f.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSignal) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// fakeSender records ReplaceTrack calls.
type fakeSender struct {
	log   *opLog
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	if t == nil {
		s.log.add("replace:nil")
	} else {
		s.log.add("replace:" + t.ID())
	}
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// fakePC models the JSEP signaling states closely enough to catch misuse.
type fakePC struct {
	log *opLog

	mu         sync.Mutex
	signaling  string
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	offers     int
	answers    int
	candidates []string
	rollbacks  int
	closes     int
	senders    []*fakeSender
	rtcp       []rtcp.Packet
	stats      core.LinkStats
	remoteErr  error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(core.RemoteTrack)
}

func newFakePC(log *opLog) *fakePC { return &fakePC{log: log, signaling: "stable"} }

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != "have-remote-offer" {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.signaling == "stable":
		p.signaling = "have-local-offer"
	case d.Type == webrtc.SDPTypeAnswer && p.signaling == "have-remote-offer":
		p.signaling = "stable"
	default:
		return fmt.Errorf("set local %s in %s", d.Type, p.signaling)
	}
	p.local = &d
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.signaling == "stable":
		p.signaling = "have-remote-offer"
	case d.Type == webrtc.SDPTypeAnswer && p.signaling == "have-local-offer":
		p.signaling = "stable"
	default:
		return fmt.Errorf("set remote %s in %s", d.Type, p.signaling)
	}
	p.remote = &d
	p.log.add("remote:" + d.SDP)
	return nil
}

func (p *fakePC) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling == "stable" {
		return errors.New("nothing to roll back")
	}
	p.signaling = "stable"
	p.rollbacks++
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	if strings.HasPrefix(c.Candidate, "bad") {
		return errors.New("malformed candidate")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePC) AddTrack(t core.LocalTrack) (core.Sender, error) {
	s := &fakeSender{log: p.log, track: t}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	p.log.add("add:" + t.ID())
	return s, nil
}

func (p *fakePC) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *fakePC) Stats() core.LinkStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.log.add("pc:close")
	return nil
}

func (p *fakePC) fireState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePC) fireCandidate(c string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (p *fakePC) fireTrack(t core.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePC) setStats(lost, received int64) {
	p.mu.Lock()
	p.stats = core.LinkStats{PacketsLost: lost, PacketsReceived: received}
	p.mu.Unlock()
}

func (p *fakePC) snapshot() (signaling string, remote string, candidates []string, rollbacks, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote != nil {
		remote = p.remote.SDP
	}
	return p.signaling, remote, slices.Clone(p.candidates), p.rollbacks, p.closes
}

func (p *fakePC) sender(i int) *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[i]
}

func (p *fakePC) senderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.senders)
}

type fakeFactory struct {
	log *opLog
	mu  sync.Mutex
	pcs []*fakePC
	err error
}

func (f *fakeFactory) NewPeerConnection(domain.CallID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := newFakePC(f.log)
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[len(f.pcs)-1]
}

type fakeTrack struct {
	*webrtc.TrackLocalStaticRTP
	log *opLog
}

func (t *fakeTrack) Close() error {
	t.log.add("close:" + t.ID())
	return nil
}

type fakeDevices struct{}

func (fakeDevices) Resolve(kind domain.DeviceKind, id string) (domain.DeviceDescriptor, error) {
	if id == "" || id == domain.DefaultDeviceID {
		switch kind {
		case domain.DeviceAudioInput:
			id = "mic-1"
		case domain.DeviceVideoInput:
			id = "cam-1"
		case domain.DeviceAudioOutput:
			id = "spk-1"
		}
	}
	return domain.DeviceDescriptor{DeviceID: id, Kind: kind}, nil
}

// fakeMedia captures instantly unless a gate is set for the device kind.
type fakeMedia struct {
	log *opLog

	mu       sync.Mutex
	gates    map[domain.DeviceKind]chan struct{}
	errs     map[domain.DeviceKind]error
	released []domain.CallID
	waiting  int
}

func newFakeMedia(log *opLog) *fakeMedia {
	return &fakeMedia{
		log:   log,
		gates: make(map[domain.DeviceKind]chan struct{}),
		errs:  make(map[domain.DeviceKind]error),
	}
}

func (m *fakeMedia) gate(kind domain.DeviceKind) chan struct{} {
	ch := make(chan struct{})
	m.mu.Lock()
	m.gates[kind] = ch
	m.mu.Unlock()
	return ch
}

func (m *fakeMedia) fail(kind domain.DeviceKind, err error) {
	m.mu.Lock()
	m.errs[kind] = err
	m.mu.Unlock()
}

func (m *fakeMedia) Acquire(ctx context.Context, _ domain.CallID, dev domain.DeviceDescriptor) (core.LocalTrack, error) {
	m.mu.Lock()
	gate := m.gates[dev.Kind]
	err := m.errs[dev.Kind]
	m.mu.Unlock()
	if gate != nil {
		m.mu.Lock()
		m.waiting++
		m.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	mime := webrtc.MimeTypeOpus
	if dev.Kind == domain.DeviceVideoInput {
		mime = webrtc.MimeTypeVP8
	}
	tr, terr := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, dev.DeviceID, "local")
	if terr != nil {
		return nil, terr
	}
	m.log.add("capture:" + dev.DeviceID)
	return &fakeTrack{TrackLocalStaticRTP: tr, log: m.log}, nil
}

func (m *fakeMedia) Release(owner domain.CallID) {
	m.mu.Lock()
	m.released = append(m.released, owner)
	m.mu.Unlock()
}

// waiters counts captures that reached a gate.
func (m *fakeMedia) waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

func (m *fakeMedia) releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

// fakeRemoteTrack blocks in ReadRTP until closed.
type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
	pkts chan *rtp.Packet
}

func newFakeRemoteTrack(id string, kind webrtc.RTPCodecType) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, pkts: make(chan *rtp.Packet, 8)}
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeRemoteTrack) SSRC() webrtc.SSRC         { return 4242 }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.pkts
	if !ok {
		return nil, nil, errors.New("track closed")
	}
	return p, nil, nil
}

type fakeSink struct {
	mu     sync.Mutex
	got    int
	output string
}

func (s *fakeSink) WriteRTP(*rtp.Packet) error {
	s.mu.Lock()
	s.got++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) SetOutputDevice(id string) error {
	s.mu.Lock()
	s.output = id
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got
}

func (s *fakeSink) device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (l *eventLog) count(t EventType) int {
	n := 0
	for _, e := range l.all() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) last(t EventType) (Event, bool) {
	all := l.all()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Type == t {
			return all[i], true
		}
	}
	return Event{}, false
}

// harness wires one session to fakes. The remote side is driven by hand.
type harness struct {
	t      *testing.T
	log    *opLog
	sig    *fakeSignal
	peers  *fakeFactory
	media  *fakeMedia
	events *eventLog
	s      *Session
}

func newHarness(t *testing.T, self domain.ParticipantID, opts Options) *harness {
	t.Helper()
	log := &opLog{}
	h := &harness{
		t:      t,
		log:    log,
		sig:    newFakeSignal(self),
		peers:  &fakeFactory{log: log},
		media:  newFakeMedia(log),
		events: &eventLog{},
	}
	opts.Observers = append(opts.Observers, h.events.observe)
	if opts.RenegotiationBackoff == 0 {
		opts.RenegotiationBackoff = 10 * time.Millisecond
	}
	h.s = NewSession(h.deps(), opts)
	t.Cleanup(func() { _ = h.s.End(context.Background(), domain.ReasonShutdown) })
	return h
}

func (h *harness) deps() Deps {
	return Deps{Signal: h.sig, Peers: h.peers, Devices: fakeDevices{}, Media: h.media}
}

func (h *harness) waitState(want domain.CallState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.s.State() == want }, waitFor, tick,
		"state %s, want %s", h.s.State(), want)
}

func (h *harness) waitSent(t domain.SignalType, n int) []domain.SignalEnvelope {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.sig.sentOf(t)) >= n }, waitFor, tick,
		"want %d %s envelopes", n, t)
	return h.sig.sentOf(t)
}

func (h *harness) pc() *fakePC {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.peers.count() > 0 }, waitFor, tick)
	return h.peers.last()
}

// remote builds an envelope from the peer for the session's call.
func (h *harness) remote(t domain.SignalType, payload any) domain.SignalEnvelope {
	h.t.Helper()
	env, err := domain.NewEnvelope(t, h.s.CallID(), bob, h.sig.self, payload)
	require.NoError(h.t, err)
	return env
}

func (h *harness) deliver(t domain.SignalType, payload any) {
	h.sig.deliver(h.remote(t, payload))
}

// connectInitiator drives an initiator session to Connected.
func (h *harness) connectInitiator(kind domain.MediaKind) *fakePC {
	h.t.Helper()
	require.NoError(h.t, h.s.Initiate(context.Background(), bob, kind))
	h.waitSent(domain.SignalOffer, 1)
	h.waitState(domain.StateNegotiating)
	pc := h.pc()
	h.deliver(domain.SignalAnswer, domain.SessionDescriptionPayload{SDP: "remote-answer-1"})
	require.Eventually(h.t, func() bool {
		_, remote, _, _, _ := pc.snapshot()
		return remote == "remote-answer-1"
	}, waitFor, tick)
	pc.fireState(webrtc.PeerConnectionStateConnected)
	h.waitState(domain.StateConnected)
	return pc
}

// connectReceiver drives a receiver session to Connected on an audio offer.
func (h *harness) connectReceiver(callID domain.CallID) *fakePC {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.s.Accept(ctx, callID, alice, domain.MediaAudio))
	offer, err := domain.NewEnvelope(domain.SignalOffer, callID, alice, h.sig.self, domain.SessionDescriptionPayload{SDP: "remote-offer-1"})
	require.NoError(h.t, err)
	require.NoError(h.t, h.s.AcceptOffer(ctx, offer))
	h.waitSent(domain.SignalAnswer, 1)
	pc := h.pc()
	pc.fireState(webrtc.PeerConnectionStateConnected)
	h.waitState(domain.StateConnected)
	return pc
}

// fromCaller builds an envelope from the caller side for receiver harnesses.
func (h *harness) fromCaller(t domain.SignalType, payload any) domain.SignalEnvelope {
	h.t.Helper()
	env, err := domain.NewEnvelope(t, h.s.CallID(), alice, h.sig.self, payload)
	require.NoError(h.t, err)
	return env
}

func candidate(c string) domain.CandidatePayload {
	return domain.CandidatePayload{Candidate: c}
}
