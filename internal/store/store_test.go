package store

import (
	"testing"
	"time"

	"github.com/agent-afk/afkd/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(id MessageID, session registry.SessionID, tool, cmd string) *PendingRequest {
	return &PendingRequest{
		MessageID: id, SessionID: session, Kind: KindPermission,
		ToolName: tool, CommandText: cmd, FirstSeenAt: time.Now(),
	}
}

// TestInsertMaintainsDualIndex exercises I1: for every message-id, its
// session-id appears in requests-by-session and vice versa.
func TestInsertMaintainsDualIndex(t *testing.T) {
	var mutations int
	s := New(func() { mutations++ })

	p := newPending("1", "sess-a", "Bash", "npm test")
	s.Insert(p)

	assert.Equal(t, p, s.LookupByMessageID("1"))
	assert.Equal(t, []MessageID{"1"}, messageIDsFor(s, "sess-a"))
	assert.Equal(t, 1, mutations)
}

// TestRemoveMaintainsDualIndex: removing drops both sides and empties the
// session entry once it has no more pendings.
func TestRemoveMaintainsDualIndex(t *testing.T) {
	s := New(func() {})
	p := newPending("1", "sess-a", "Bash", "npm test")
	s.Insert(p)

	removed := s.RemoveByMessageID("1")
	require.NotNil(t, removed)
	assert.Nil(t, s.LookupByMessageID("1"))
	assert.Empty(t, messageIDsFor(s, "sess-a"))
	assert.Empty(t, s.Sessions())
}

func TestRemoveByMessageIDAbsentReturnsNil(t *testing.T) {
	s := New(func() {})
	assert.Nil(t, s.RemoveByMessageID("does-not-exist"))
}

func TestFindBySessionToolCommandMatchesOnlyPermission(t *testing.T) {
	s := New(func() {})
	perm := newPending("1", "sess-a", "Bash", "npm test")
	s.Insert(perm)

	stop := &PendingRequest{MessageID: "2", SessionID: "sess-a", Kind: KindStop, FirstSeenAt: time.Now()}
	s.Insert(stop)

	found := s.FindBySessionToolCommand("sess-a", "Bash", "npm test")
	assert.Equal(t, perm, found)

	assert.Nil(t, s.FindBySessionToolCommand("sess-a", "Write", "npm test"))
	assert.Nil(t, s.FindBySessionToolCommand("sess-b", "Bash", "npm test"))
}

func TestSingleReturnsOnlyWhenExactlyOnePending(t *testing.T) {
	s := New(func() {})
	assert.Nil(t, s.Single())

	p1 := newPending("1", "sess-a", "Bash", "npm test")
	s.Insert(p1)
	assert.Equal(t, p1, s.Single())

	p2 := newPending("2", "sess-b", "Write", "touch x")
	s.Insert(p2)
	assert.Nil(t, s.Single())
}

func TestListBySessionPreservesInsertionOrder(t *testing.T) {
	s := New(func() {})
	s.Insert(newPending("1", "sess-a", "Bash", "one"))
	s.Insert(newPending("2", "sess-a", "Bash", "two"))
	s.Insert(newPending("3", "sess-a", "Bash", "three"))

	list := s.ListBySession("sess-a")
	require.Len(t, list, 3)
	assert.Equal(t, MessageID("1"), list[0].MessageID)
	assert.Equal(t, MessageID("2"), list[1].MessageID)
	assert.Equal(t, MessageID("3"), list[2].MessageID)
}

func TestClearEmptiesBothIndices(t *testing.T) {
	s := New(func() {})
	s.Insert(newPending("1", "sess-a", "Bash", "one"))
	s.Insert(newPending("2", "sess-b", "Write", "two"))

	s.Clear()

	assert.Equal(t, 0, s.Count())
	assert.Empty(t, s.Sessions())
}

func TestSnapshotsRoundTripExcludesTransientFields(t *testing.T) {
	s := New(func() {})
	p := newPending("1", "sess-a", "Bash", "npm test")
	p.LiveReply = func(any) bool { return true }
	s.Insert(p)

	byMessage, bySession := s.Snapshots()
	require.Contains(t, byMessage, MessageID("1"))
	assert.Equal(t, []MessageID{"1"}, bySession["sess-a"])

	restored := FromSnapshot(byMessage["1"])
	assert.Nil(t, restored.LiveReply)
	assert.Nil(t, restored.Conn)
	assert.Equal(t, p.ToolName, restored.ToolName)
}

func messageIDsFor(s *Store, session registry.SessionID) []MessageID {
	var out []MessageID
	for _, p := range s.ListBySession(session) {
		out = append(out, p.MessageID)
	}
	return out
}
