// Package dispatcher implements the Reply Dispatcher (§4.10): the
// long-poll loop that fetches chat updates, matches replies to pending
// requests (by reply-to-message-id, or the single-pending fallback), and
// applies the Verdict Logic (§4.11) via internal/router. The long-poll
// loop shape is grounded on the getUpdates patterns in
// other_examples/wagok-ccc and other_examples/MichaelC001-ccc; the
// reader-goroutine/done-channel structuring is grounded on
// internal/ws/client.go's reader loop (teacher).
package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-afk/afkd/internal/chatapi"
	"github.com/agent-afk/afkd/internal/router"
	"github.com/agent-afk/afkd/internal/store"
	"github.com/rs/zerolog"
)

// Dispatcher drives the periodic long-poll loop.
type Dispatcher struct {
	r   *router.Router
	log zerolog.Logger

	offset   int64
	running  atomic.Bool // overlap guard (§5 "Overlap guards")
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Conflict is closed exactly once, when a repeated getUpdates conflict
	// forces this dispatcher to cede its long-poll slot (§4.5). cmd/afkd
	// selects on it alongside OS signals so the whole daemon exits zero
	// instead of running on with chat polling silently dead.
	Conflict     chan struct{}
	conflictOnce sync.Once
}

func New(log zerolog.Logger, r *router.Router) *Dispatcher {
	return &Dispatcher{
		r: r, log: log,
		stop: make(chan struct{}), done: make(chan struct{}),
		Conflict: make(chan struct{}),
	}
}

// Run drives the poll loop until Stop is called. Call in its own
// goroutine.
func (d *Dispatcher) Run() {
	defer close(d.done)
	interval := d.r.Config().PollingIntervalDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if !d.running.CompareAndSwap(false, true) {
				continue // previous tick still running
			}
			d.tick()
			d.running.Store(false)
		}
	}
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) tick() {
	if d.r.Chat().NotConfigured() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
	defer cancel()

	updates, err := d.r.Chat().FetchUpdates(ctx, d.offset)
	if err != nil {
		if _, ok := err.(chatapi.ConflictErr); ok {
			d.handleConflict()
			return
		}
		d.log.Warn().Err(err).Msg("dispatcher: fetch updates failed")
		return
	}

	for _, u := range updates {
		if u.UpdateID >= d.offset {
			d.offset = u.UpdateID + 1
		}
		if u.Message != nil {
			d.processMessage(*u.Message)
		}
	}
}

func (d *Dispatcher) handleConflict() {
	chatID := d.r.Persister().PairedChatID()
	if chatID != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.r.Chat().SendMessage(ctx, *chatID, "Another daemon instance took over the chat connection; shutting down.")
	}
	d.log.Warn().Msg("dispatcher: repeated getUpdates conflict, ceding long-poll slot")
	d.conflictOnce.Do(func() { close(d.Conflict) })
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Dispatcher) processMessage(msg chatapi.Message) {
	cfg := d.r.Config()
	pairedChatID := d.r.Persister().PairedChatID()

	// Pairing.
	if msg.Text == "/start" && pairedChatID == nil {
		d.r.Persister().SetPairedChatID(msg.ChatID)
		d.r.Persister().Save(d.r.Registry(), d.r.Store())
		d.sendNotice(msg.ChatID, "Paired. You will receive permission and stop prompts here.")
		return
	}

	// Chat filter.
	if pairedChatID == nil || msg.ChatID != *pairedChatID {
		return
	}

	if msg.ReplyToMessageID != 0 {
		d.handleReplyTargeted(msg, *pairedChatID)
		return
	}

	if cfg.AllowSinglePendingFallback {
		if pending := d.r.Store().Single(); pending != nil {
			if pending.Conn != nil && pending.Conn.IsClosed() {
				d.r.ResolveViaTranscriptOrSocket(pending, "remote_reply", pairedChatID)
				d.sendNotice(*pairedChatID, "response recorded, session no longer active")
				return
			}
			d.applyVerdict(pending, msg.Text, *pairedChatID)
			return
		}
	}

	if d.r.Store().Count() > 0 {
		d.sendNotice(*pairedChatID, "please reply directly to a notification message")
	}
}

func (d *Dispatcher) handleReplyTargeted(msg chatapi.Message, chatID int64) {
	messageID := store.MessageID(strconv.FormatInt(msg.ReplyToMessageID, 10))
	pending := d.r.Store().LookupByMessageID(messageID)
	if pending == nil {
		d.sendNotice(chatID, "already handled")
		return
	}
	d.applyVerdict(pending, msg.Text, chatID)
}

func (d *Dispatcher) applyVerdict(pending *store.PendingRequest, replyText string, chatID int64) {
	var notice string
	switch pending.Kind {
	case store.KindPermission:
		notice = d.r.ApplyPermissionVerdict(pending, replyText, chatID)
	case store.KindStop:
		notice = d.r.ApplyStopVerdict(pending, replyText)
	}
	if notice != "" {
		d.sendNotice(chatID, notice)
	}
}

func (d *Dispatcher) sendNotice(chatID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.r.Chat().SendMessage(ctx, chatID, text); err != nil {
		d.log.Debug().Err(err).Msg("dispatcher: failed to send in-chat notice")
	}
}
