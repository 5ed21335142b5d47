// Package watcher implements the Resolution Watcher (§4.9): the periodic
// loop that notices resolutions which bypass the remote chat entirely —
// a closed hook connection, a transcript line proving the host already
// resolved the tool call or took a follow-up instruction, or a terminal
// rebinding that means the owning host session has restarted. Whichever
// of this loop or internal/dispatcher observes a resolution first wins
// (§5's "mutually exclusive" resolution paths; the store's
// RemoveByMessageID is the single point of arbitration, §8's I2).
//
// Ticker-plus-boolean-overlap-guard loop, grounded on the several
// goroutine pollers (pollTmux, captureSnapshots, pollProviderUsage) in
// cmd/agentd/main.go (teacher); additionally select-listens on
// internal/fswatch's debounced channel for sessions/by-terminal/*.json so
// a same-process rewrite of a binding file is observed before the next
// tick.
package watcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agent-afk/afkd/internal/fswatch"
	"github.com/agent-afk/afkd/internal/metrics"
	"github.com/agent-afk/afkd/internal/registry"
	"github.com/agent-afk/afkd/internal/router"
	"github.com/agent-afk/afkd/internal/store"
	"github.com/agent-afk/afkd/internal/termbind"
	"github.com/agent-afk/afkd/internal/transcript"
	"github.com/rs/zerolog"
)

const siblingRecentWindow = 10 * time.Second

// Watcher drives the periodic resolution scan.
type Watcher struct {
	r                  *router.Router
	terminalBindingDir string
	log                zerolog.Logger

	fsw     *fswatch.Watcher // nil if the binding dir could not be watched
	running atomic.Bool      // overlap guard (§5 "Overlap guards")
	started atomic.Bool      // set by Run; Stop waits for the loop only then
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Watcher. terminalBindingDir is sessions/by-terminal/ (§6.6).
func New(log zerolog.Logger, r *router.Router, terminalBindingDir string) *Watcher {
	w := &Watcher{r: r, terminalBindingDir: terminalBindingDir, log: log, stop: make(chan struct{}), done: make(chan struct{})}
	if fsw, err := fswatch.New(log, 500*time.Millisecond, terminalBindingDir); err == nil {
		w.fsw = fsw
	} else {
		log.Debug().Err(err).Msg("watcher: could not watch terminal-binding dir, falling back to poll-only")
	}
	return w
}

// Run drives the scan loop until Stop is called. Call in its own
// goroutine.
func (w *Watcher) Run() {
	w.started.Store(true)
	defer close(w.done)
	ticker := time.NewTicker(w.r.Config().TranscriptScanInterval())
	defer ticker.Stop()

	var changed <-chan struct{}
	if w.fsw != nil {
		changed = w.fsw.Changed
	}

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.tick()
		case <-changed:
			w.tick()
		}
	}
}

// Stop halts the loop and releases the fsnotify watch, if any. It is safe
// to call on a Watcher whose Run was never started.
func (w *Watcher) Stop() {
	close(w.stop)
	if w.started.Load() {
		<-w.done
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) tick() {
	if !w.running.CompareAndSwap(false, true) {
		return // previous tick still running
	}
	defer w.running.Store(false)

	for _, sessionID := range w.r.Store().Sessions() {
		w.scanSession(sessionID)
	}
}

func (w *Watcher) scanSession(sessionID registry.SessionID) {
	pendings := w.r.Store().ListBySession(sessionID)
	if len(pendings) == 0 {
		return
	}

	if w.sessionExpired(sessionID, pendings[0].TerminalID) {
		w.expireSession(sessionID, pendings)
		return
	}

	for _, p := range pendings {
		switch p.Kind {
		case store.KindPermission:
			w.scanPermission(p)
		case store.KindStop:
			w.scanStop(p)
		}
	}
}

// sessionExpired implements §4.9's per-session check: the terminal-binding
// file is missing, or names a different session than the one these
// pending requests belong to.
func (w *Watcher) sessionExpired(sessionID registry.SessionID, terminalID string) bool {
	if terminalID == "" {
		return false // no terminal to check against (hook omitted it)
	}
	binding, ok := termbind.Read(w.terminalBindingDir, terminalID)
	if !ok {
		return true
	}
	return binding.SessionID != string(sessionID)
}

func (w *Watcher) expireSession(sessionID registry.SessionID, pendings []*store.PendingRequest) {
	chatID := w.r.Persister().PairedChatID()
	w.log.Info().Str("session_id", string(sessionID)).Msg("watcher: session expired, dropping pending requests")

	if chatID != nil {
		w.sendNotice(*chatID, "session ended")
	}
	for _, p := range pendings {
		w.r.ResolveViaTranscriptOrSocket(p, "session_expired", chatID)
		if w.r.Metrics() != nil {
			w.r.Metrics().ObserveResolution(metrics.ResolutionSessionExpiry, time.Since(p.FirstSeenAt).Seconds())
		}
	}
	w.r.Registry().Remove(sessionID)
	w.r.Persister().Save(w.r.Registry(), w.r.Store())
}

func (w *Watcher) scanPermission(p *store.PendingRequest) {
	if p.Conn != nil && p.Conn.IsClosed() {
		w.resolve(p, "unknown", metrics.ResolutionSocketClosed)
		return
	}

	res := transcript.FindToolResult(p.TranscriptPath, p.ToolUseID, p.LastScannedOffset)
	if res.Found {
		w.resolve(p, outcomeFor(res.IsError), metrics.ResolutionTranscript)
		return
	}

	for _, sibling := range transcript.SiblingAgentTranscripts(p.TranscriptPath) {
		if !transcript.RecentlyModified(sibling, siblingRecentWindow, time.Now()) {
			continue
		}
		siblingRes := transcript.FindToolResult(sibling, p.ToolUseID, 0)
		if siblingRes.Found {
			w.resolve(p, outcomeFor(siblingRes.IsError), metrics.ResolutionTranscript)
			return
		}
	}

	p.LastScannedOffset = res.OffsetAfter
	w.r.Store().Touch()
}

func (w *Watcher) scanStop(p *store.PendingRequest) {
	if p.Conn != nil && p.Conn.IsClosed() {
		w.resolve(p, "unknown", metrics.ResolutionSocketClosed)
		return
	}

	_, offsetAfter, found := transcript.FindUserText(p.TranscriptPath, p.LastScannedOffset)
	if found {
		w.resolve(p, "local_followup", metrics.ResolutionTranscript)
		return
	}

	p.LastScannedOffset = offsetAfter
	w.r.Store().Touch()
}

func outcomeFor(isError bool) string {
	if isError {
		return "denied"
	}
	return "approved"
}

// resolve implements §4.9's "Local-resolution cleanup" for one pending
// request.
func (w *Watcher) resolve(p *store.PendingRequest, resolution string, path metrics.ResolutionPath) {
	chatID := w.r.Persister().PairedChatID()
	elapsed := time.Since(p.FirstSeenAt)
	w.r.ResolveViaTranscriptOrSocket(p, resolution, chatID)
	if w.r.Metrics() != nil {
		w.r.Metrics().ObserveResolution(path, elapsed.Seconds())
	}
}

func (w *Watcher) sendNotice(chatID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.r.Chat().SendMessage(ctx, chatID, text); err != nil {
		w.log.Debug().Err(err).Msg("watcher: failed to send in-chat notice")
	}
}
