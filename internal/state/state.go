// Package state implements Persistence (§4.12): ProcessState (§3.1)
// serialized as pretty-printed JSON on every mutation of the store or
// registry, with startup recovery. The write-then-rename file safety idiom
// is grounded on internal/queue/queue.go's compact() from the teacher,
// adapted from an append-and-compact log to a write-the-whole-snapshot
// model, since §4.12 has no log to compact — every write is the complete
// current ProcessState.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agent-afk/afkd/internal/afkerr"
	"github.com/agent-afk/afkd/internal/registry"
	"github.com/agent-afk/afkd/internal/store"
	"github.com/rs/zerolog"
)

// ProcessState is §3.1's persisted singleton aggregate.
type ProcessState struct {
	PairedChatID      *int64                                    `json:"pairedChatId"`
	AFKEnabled        []registry.SessionID                     `json:"afkEnabled"`
	PendingRequests   map[store.MessageID]store.Snapshot       `json:"pendingRequests"`
	RequestsBySession map[registry.SessionID][]store.MessageID `json:"requestsBySession"`
	SessionWhitelists map[registry.SessionID]registry.Snapshot `json:"sessionWhitelists"`
	ChatUpdateOffset  int                                      `json:"-"`
}

// Persister owns the on-disk state.json file (§6.6) and the write-on-every-
// mutation contract. It does not itself own the Store/Registry — those are
// passed in on each Save call — because §4.12 is explicit that persistence
// is driven by *their* mutations, not the other way around; Persister is a
// dumb writer, not a cache.
type Persister struct {
	path string
	log  zerolog.Logger

	mu           sync.Mutex
	pairedChatID *int64
}

func New(log zerolog.Logger, path string) *Persister {
	return &Persister{path: path, log: log}
}

// PairedChatID returns the write-once paired-chat-id (invariant 5).
func (p *Persister) PairedChatID() *int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pairedChatID
}

// SetPairedChatID sets the paired-chat-id exactly once; subsequent calls
// are no-ops (invariant 5: write-once per daemon lifetime).
func (p *Persister) SetPairedChatID(id int64) {
	p.mu.Lock()
	if p.pairedChatID == nil {
		p.pairedChatID = &id
	}
	p.mu.Unlock()
}

// Save serializes the full ProcessState (paired-chat-id plus live snapshots
// pulled from reg and st) and writes it via a temp-file-then-rename, per
// §4.12.
func (p *Persister) Save(reg *registry.Registry, st *store.Store) error {
	byMessage, bySession := st.Snapshots()

	whitelists := make(map[registry.SessionID]registry.Snapshot)
	for id, snap := range reg.Snapshots() {
		whitelists[id] = snap
	}

	afk := reg.AFKEnabledIDs()

	ps := ProcessState{
		PairedChatID:      p.PairedChatID(),
		AFKEnabled:        afk,
		PendingRequests:   byMessage,
		RequestsBySession: bySession,
		SessionWhitelists: whitelists,
	}

	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return afkerr.Wrap(afkerr.Persistence, "marshal state", err)
	}

	tmp := p.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return afkerr.Wrap(afkerr.Persistence, "mkdir state dir", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return afkerr.Wrap(afkerr.Persistence, "write temp state file", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return afkerr.Wrap(afkerr.Persistence, "rename state file", err)
	}
	return nil
}

// Load reads state.json (missing/malformed treated as empty, per §4.12
// step 1) and restores the paired-chat-id into the Persister. It returns
// the raw ProcessState so the caller can run the startup-cleanup step
// (notify-then-clear) before resuming — Load itself does not clear
// anything or send notifications, keeping this package free of any
// dependency on the chat adapter.
func (p *Persister) Load() (ProcessState, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return ProcessState{}, nil
	}
	if err != nil {
		p.log.Warn().Err(err).Msg("state: failed to read state.json, starting empty")
		return ProcessState{}, nil
	}

	var ps ProcessState
	if err := json.Unmarshal(data, &ps); err != nil {
		p.log.Warn().Err(err).Msg("state: malformed state.json, starting empty")
		return ProcessState{}, nil
	}

	p.mu.Lock()
	p.pairedChatID = ps.PairedChatID
	p.mu.Unlock()

	return ps, nil
}

// OrphanedPending describes a pending request found on disk at startup
// that refers to a hook process which no longer exists (§3.3).
type OrphanedPending struct {
	MessageID   store.MessageID
	ToolName    string
	CommandText string
	Kind        store.Kind
	FirstSeenAt time.Time
}

// Orphans extracts the notify-then-discard list from a loaded
// ProcessState (§3.3, §4.12 step 2).
func Orphans(ps ProcessState) []OrphanedPending {
	out := make([]OrphanedPending, 0, len(ps.PendingRequests))
	for id, snap := range ps.PendingRequests {
		out = append(out, OrphanedPending{
			MessageID: id, ToolName: snap.ToolName, CommandText: snap.CommandText,
			Kind: snap.Kind, FirstSeenAt: snap.FirstSeenAt,
		})
	}
	return out
}
