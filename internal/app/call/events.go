package call

import (
	"sync"
	"time"

	"github.com/dkeye/rtcall/internal/domain"
)

type EventType string

const (
	EventConnecting     EventType = "connecting"
	EventConnected      EventType = "connected"
	EventRenegotiating  EventType = "renegotiating"
	EventQualityChanged EventType = "qualityChanged"
	EventEnded          EventType = "ended"
	EventFailed         EventType = "failed"
	EventRemoteMute     EventType = "remoteMute"
	EventRemoteVideo    EventType = "remoteVideo"
	EventRemoteTrack    EventType = "remoteTrack"
)

// Event is a lifecycle notification for the UI layer.
type Event struct {
	Type   EventType
	CallID domain.CallID
	Peer   domain.ParticipantID
	State  domain.CallState
	At     time.Time

	Tier      domain.QualityTier
	Sample    domain.QualitySample
	Reason    domain.EndReason
	ErrorKind domain.ErrorKind
	Err       error
	Muted     bool
	Enabled   bool
	TrackKind string
}

func (e Event) Terminal() bool { return e.Type == EventEnded || e.Type == EventFailed }

// Observer receives events in emission order on a dedicated goroutine, so it
// may call back into the session (End included).
type Observer func(Event)

// notifier delivers events to observers without ever blocking the session loop.
type notifier struct {
	mu        sync.Mutex
	queue     []Event
	wake      chan struct{}
	closed    bool
	done      chan struct{}
	observers []Observer
}

func newNotifier(observers ...Observer) *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, o := range observers {
		if o != nil {
			n.observers = append(n.observers, o)
		}
	}
	go n.run()
	return n
}

func (n *notifier) emit(e Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, e)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// close lets already queued events drain, then stops the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, e := range batch {
			for _, o := range n.observers {
				o(e)
			}
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-n.wake
		}
	}
}
