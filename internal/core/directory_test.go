package core

import (
	"errors"
	"testing"

	"github.com/dkeye/rtcall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	frames []Frame
	full   bool
	closed bool
}

func (c *stubConn) TrySend(f Frame) error {
	if c.full {
		return errors.New("buffer full")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *stubConn) Close() { c.closed = true }

func session(id domain.ParticipantID, conn *stubConn) ParticipantSession {
	return NewParticipantSession(&domain.Participant{ID: id, DisplayName: string(id)}, conn)
}

func TestDirectoryAddLookupRemove(t *testing.T) {
	d := NewDirectory()
	d.Add("s1", session("alice", &stubConn{}))

	sid, ps, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, SessionID("s1"), sid)
	assert.Equal(t, domain.ParticipantID("alice"), ps.Meta().ID)
	assert.Equal(t, 1, d.Count())

	d.Remove("s1")
	_, _, ok = d.Lookup("alice")
	assert.False(t, ok)
	assert.Zero(t, d.Count())

	d.Remove("missing")
}

func TestDirectoryNewerConnectionReplaces(t *testing.T) {
	d := NewDirectory()
	d.Add("old", session("alice", &stubConn{}))
	d.Add("new", session("alice", &stubConn{}))

	sid, _, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, SessionID("new"), sid)
	assert.Equal(t, 1, d.Count())

	// the superseded connection tearing down must not evict its replacement
	d.Remove("old")
	sid, _, ok = d.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, SessionID("new"), sid)
}

func TestDirectoryDeliver(t *testing.T) {
	d := NewDirectory()
	bob := &stubConn{}
	slow := &stubConn{full: true}
	d.Add("s-bob", session("bob", bob))
	d.Add("s-carol", session("carol", slow))

	res := d.Deliver("bob", Frame(`{"type":"offer"}`))
	assert.True(t, res.Delivered)
	assert.Nil(t, res.Dropped)
	require.Len(t, bob.frames, 1)

	res = d.Deliver("carol", Frame(`{}`))
	assert.False(t, res.Delivered)
	require.NotNil(t, res.Dropped)
	assert.Equal(t, domain.ParticipantID("carol"), res.Dropped.Meta().ID)
	assert.False(t, slow.closed)

	res = d.Deliver("nobody", Frame(`{}`))
	assert.Equal(t, DeliveryResult{}, res)
}

func TestDirectorySnapshotSorted(t *testing.T) {
	d := NewDirectory()
	for _, id := range []domain.ParticipantID{"zed", "amy", "kim"} {
		d.Add(SessionID("s-"+id), session(id, &stubConn{}))
	}
	snap := d.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []domain.ParticipantID{"amy", "kim", "zed"}, []domain.ParticipantID{snap[0].ID, snap[1].ID, snap[2].ID})
}
