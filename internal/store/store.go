// Package store implements the Pending-Request Store (§4.4): the
// dual-indexed set of in-flight prompts, keyed by remote-message-id and by
// host-session-id, with the invariants of §3.2. The live-reply-channel
// field is held here too since §9 treats the parked-reply map as "a
// write-through cache over the persisted PendingRequest set" — keeping
// both in the same guarded structure makes that cache coherent by
// construction instead of by convention across two packages.
package store

import (
	"sync"
	"time"

	"github.com/agent-afk/afkd/internal/registry"
	"github.com/agent-afk/afkd/internal/transport"
)

// MessageID is the remote-chat message-id, stored as a string (§3.1, §9's
// "Dynamic maps" note: JSON has no integer map keys).
type MessageID string

// Kind distinguishes permission and stop requests (§3.1).
type Kind string

const (
	KindPermission Kind = "permission"
	KindStop       Kind = "stop"
)

// Reply is the parked closure a resolution path invokes to wake the
// blocked hook. Implementations deliver exactly one frame and report
// whether delivery succeeded (false if the connection is already gone).
type Reply func(frame any) bool

// PendingRequest is §3.1's PendingRequest entity.
type PendingRequest struct {
	MessageID MessageID
	SessionID registry.SessionID
	Kind      Kind

	ToolName    string
	CommandText string
	ToolUseID   string

	TranscriptPath             string
	ProjectDir                 string
	TerminalID                 string
	LastScannedOffset          int
	FirstSeenAt                time.Time
	CorrelationID              string
	RetryCount                 int
	BulkApprovalAllowedForTool bool

	// LiveReply is transient and never persisted (§3.1).
	LiveReply Reply
	// Conn backs the "connection-closed signal" check (§4.2, §4.9) — nil
	// once a startup-recovered PendingRequest has been restored without a
	// live hook attached.
	Conn *transport.Conn
	// Timer cancels the per-request timeout on first resolution (§5
	// "Cancellation": arm-once, cancel-on-first-resolution).
	Timer *time.Timer
}

// Snapshot is the persisted projection (no LiveReply/Timer).
type Snapshot struct {
	MessageID         MessageID          `json:"messageId"`
	SessionID         registry.SessionID `json:"sessionId"`
	Kind              Kind               `json:"kind"`
	ToolName          string             `json:"toolName,omitempty"`
	CommandText       string             `json:"commandText,omitempty"`
	ToolUseID         string             `json:"toolUseId,omitempty"`
	TranscriptPath    string             `json:"transcriptPath"`
	ProjectDir        string             `json:"projectDir"`
	TerminalID        string             `json:"terminalId"`
	LastScannedOffset int                `json:"lastScannedOffset"`
	FirstSeenAt       time.Time          `json:"firstSeenAt"`
	CorrelationID     string             `json:"correlationId"`
	RetryCount        int                `json:"retryCount"`
}

func (p *PendingRequest) Snapshot() Snapshot {
	return Snapshot{
		MessageID: p.MessageID, SessionID: p.SessionID, Kind: p.Kind,
		ToolName: p.ToolName, CommandText: p.CommandText, ToolUseID: p.ToolUseID,
		TranscriptPath: p.TranscriptPath, ProjectDir: p.ProjectDir, TerminalID: p.TerminalID,
		LastScannedOffset: p.LastScannedOffset, FirstSeenAt: p.FirstSeenAt,
		CorrelationID: p.CorrelationID, RetryCount: p.RetryCount,
	}
}

// FromSnapshot restores a PendingRequest with no live channel (used for
// startup recovery, which the caller then immediately discards per
// §3.3/§4.12 — kept for symmetry and so tests can round-trip).
func FromSnapshot(s Snapshot) *PendingRequest {
	return &PendingRequest{
		MessageID: s.MessageID, SessionID: s.SessionID, Kind: s.Kind,
		ToolName: s.ToolName, CommandText: s.CommandText, ToolUseID: s.ToolUseID,
		TranscriptPath: s.TranscriptPath, ProjectDir: s.ProjectDir, TerminalID: s.TerminalID,
		LastScannedOffset: s.LastScannedOffset, FirstSeenAt: s.FirstSeenAt,
		CorrelationID: s.CorrelationID, RetryCount: s.RetryCount,
	}
}

// OnMutate is called after every mutation, once the store's lock is
// released, so the Persistence component (internal/state) can serialize
// the whole ProcessState (§4.12).
type OnMutate func()

// Store holds the dual index (§3.2 invariant 1) under one mutex, per §5's
// "single exclusive mutex" concurrency model.
type Store struct {
	mu        sync.Mutex
	byMessage map[MessageID]*PendingRequest
	bySession map[registry.SessionID][]MessageID

	onMutate OnMutate
}

func New(onMutate OnMutate) *Store {
	return &Store{
		byMessage: make(map[MessageID]*PendingRequest),
		bySession: make(map[registry.SessionID][]MessageID),
		onMutate:  onMutate,
	}
}

// Insert adds p to both indices. It does not check for an existing
// p.MessageID: a repeated id replaces the by-message entry and is appended
// to the session's list a second time. Invariant 2 (at most one pending
// per (session, tool, command)) is the router's to check before inserting.
func (s *Store) Insert(p *PendingRequest) {
	s.mu.Lock()
	s.byMessage[p.MessageID] = p
	s.bySession[p.SessionID] = append(s.bySession[p.SessionID], p.MessageID)
	s.mu.Unlock()
	s.notify()
}

// RemoveByMessageID removes the pending request, if present, from both
// indices atomically. Returns the removed request (nil if absent) so
// callers (resolution paths) can act on it after the lock is released.
func (s *Store) RemoveByMessageID(id MessageID) *PendingRequest {
	s.mu.Lock()
	p, ok := s.byMessage[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.byMessage, id)
	ids := s.bySession[p.SessionID]
	for i, mid := range ids {
		if mid == id {
			s.bySession[p.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.bySession[p.SessionID]) == 0 {
		delete(s.bySession, p.SessionID)
	}
	s.mu.Unlock()
	s.notify()
	return p
}

// LookupByMessageID returns the pending request, or nil.
func (s *Store) LookupByMessageID(id MessageID) *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byMessage[id]
}

// FindBySessionToolCommand implements invariant 2's retry-collapse lookup
// (§4.7 step 4).
func (s *Store) FindBySessionToolCommand(session registry.SessionID, tool, command string) *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.bySession[session] {
		p := s.byMessage[id]
		if p.Kind == KindPermission && p.ToolName == tool && p.CommandText == command {
			return p
		}
	}
	return nil
}

// ListBySession returns every pending request for session, in insertion
// order (used by the Resolution Watcher and the per-session expiry check).
func (s *Store) ListBySession(session registry.SessionID) []*PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.bySession[session]
	out := make([]*PendingRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byMessage[id])
	}
	return out
}

// Sessions lists every session-id with at least one pending request, for
// the Resolution Watcher's per-session iteration (§4.9).
func (s *Store) Sessions() []registry.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.SessionID, 0, len(s.bySession))
	for id := range s.bySession {
		out = append(out, id)
	}
	return out
}

// Count returns the number of pending requests (used for the
// single-pending fallback, §4.10, and the status response, §6.1).
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byMessage)
}

// Single returns the lone pending request iff Count() == 1.
func (s *Store) Single() *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byMessage) != 1 {
		return nil
	}
	for _, p := range s.byMessage {
		return p
	}
	return nil
}

// Touch fires onMutate without changing the index; used after in-place
// field mutation (e.g. bumping RetryCount or LastScannedOffset) that the
// caller has already applied while holding no lock of its own — callers
// must not mutate fields concurrently with other Store operations on the
// same PendingRequest since Store does not separately guard field access
// beyond the index structures themselves (single-writer-at-a-time is
// maintained by the router/watcher/dispatcher's own serialization via the
// store's mutations).
func (s *Store) Touch() {
	s.notify()
}

// Snapshots returns the persisted projection of every pending request and
// of requests-by-session, for ProcessState (§3.1).
func (s *Store) Snapshots() (byMessage map[MessageID]Snapshot, bySession map[registry.SessionID][]MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byMessage = make(map[MessageID]Snapshot, len(s.byMessage))
	for id, p := range s.byMessage {
		byMessage[id] = p.Snapshot()
	}
	bySession = make(map[registry.SessionID][]MessageID, len(s.bySession))
	for sid, ids := range s.bySession {
		bySession[sid] = append([]MessageID(nil), ids...)
	}
	return byMessage, bySession
}

// Clear empties both indices (used by the startup-cleanup step, §3.3/§4.12).
func (s *Store) Clear() {
	s.mu.Lock()
	s.byMessage = make(map[MessageID]*PendingRequest)
	s.bySession = make(map[registry.SessionID][]MessageID)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	if s.onMutate != nil {
		s.onMutate()
	}
}
