package dispatcher

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-afk/afkd/internal/chatapi"
	"github.com/agent-afk/afkd/internal/config"
	"github.com/agent-afk/afkd/internal/metrics"
	"github.com/agent-afk/afkd/internal/registry"
	"github.com/agent-afk/afkd/internal/router"
	"github.com/agent-afk/afkd/internal/state"
	"github.com/agent-afk/afkd/internal/store"
	"github.com/agent-afk/afkd/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	d      *Dispatcher
	r      *router.Router
	st     *store.Store
	reg    *registry.Registry
	chat   *chatapi.Adapter
	sent   []map[string]string
	nextID int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{nextID: 100}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		h.sent = append(h.sent, map[string]string{"chat_id": r.FormValue("chat_id"), "text": r.FormValue("text")})
		h.nextID++
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d}}`, h.nextID)
	}))
	t.Cleanup(srv.Close)

	h.chat = chatapi.New(zerolog.Nop(), metrics.New(), "test-token", 1, time.Minute)
	h.chat.SetBaseURL(srv.URL)

	h.reg = registry.New()
	h.st = store.New(func() {})
	persister := state.New(zerolog.Nop(), filepath.Join(t.TempDir(), "state.json"))

	h.r = router.New(zerolog.Nop(), h.reg, h.st, h.chat, persister, metrics.New(), config.Defaults())
	h.d = New(zerolog.Nop(), h.r)
	return h
}

func parkPermission(t *testing.T, h *harness, sessionID, tool, cmd string) *store.PendingRequest {
	t.Helper()
	h.reg.Register(registry.SessionID(sessionID), "/p")
	h.reg.EnableAFK(registry.SessionID(sessionID))
	conn := &transport.Conn{ID: "c1"}
	respond := func(f any) error { return nil }
	h.r.Dispatch(conn, transport.Frame{
		"type": "permission_request", "request_id": "r1", "session_id": sessionID,
		"tool_name": tool, "message": cmd, "cwd": "/p",
	}, respond)
	p := h.st.Single()
	require.NotNil(t, p)
	return p
}

func TestProcessMessageStartPairsChat(t *testing.T) {
	h := newHarness(t)
	h.d.processMessage(chatapi.Message{ChatID: 555, Text: "/start"})

	chatID := h.r.Persister().PairedChatID()
	require.NotNil(t, chatID)
	assert.Equal(t, int64(555), *chatID)
}

func TestProcessMessageIgnoresUnpairedChat(t *testing.T) {
	h := newHarness(t)
	h.r.Persister().SetPairedChatID(1)
	parkPermission(t, h, "s1", "Bash", "npm test")

	h.d.processMessage(chatapi.Message{ChatID: 999, Text: "yes"})
	assert.Equal(t, 1, h.st.Count()) // untouched: wrong chat
}

func TestProcessMessageReplyTargetedResolvesPending(t *testing.T) {
	h := newHarness(t)
	h.r.Persister().SetPairedChatID(1)
	p := parkPermission(t, h, "s1", "Bash", "npm test")

	msgID := mustParseInt(string(p.MessageID))
	h.d.processMessage(chatapi.Message{ChatID: 1, Text: "yes", ReplyToMessageID: msgID})

	assert.Zero(t, h.st.Count())
}

func TestProcessMessageReplyTargetedUnknownSendsAlreadyHandled(t *testing.T) {
	h := newHarness(t)
	h.r.Persister().SetPairedChatID(1)

	h.d.processMessage(chatapi.Message{ChatID: 1, Text: "yes", ReplyToMessageID: 99999})

	require.Len(t, h.sent, 1)
	assert.Equal(t, "already handled", h.sent[0]["text"])
}

func TestProcessMessageSinglePendingFallback(t *testing.T) {
	h := newHarness(t)
	h.r.Persister().SetPairedChatID(1)
	parkPermission(t, h, "s1", "Bash", "npm test")

	h.d.processMessage(chatapi.Message{ChatID: 1, Text: "yes"})
	assert.Zero(t, h.st.Count())
}

func TestProcessMessageNoPendingNoFallbackSendsNotice(t *testing.T) {
	h := newHarness(t)
	h.r.Persister().SetPairedChatID(1)
	parkPermission(t, h, "s1", "Bash", "npm test")
	parkPermissionSecond(t, h)
	h.sent = nil // drop the permission prompts sent while parking

	h.d.processMessage(chatapi.Message{ChatID: 1, Text: "yes"})
	require.Len(t, h.sent, 1)
	assert.Equal(t, "please reply directly to a notification message", h.sent[0]["text"])
	assert.Equal(t, 2, h.st.Count())
}

func parkPermissionSecond(t *testing.T, h *harness) {
	t.Helper()
	h.reg.Register("s2", "/p2")
	h.reg.EnableAFK("s2")
	conn := &transport.Conn{ID: "c2"}
	respond := func(f any) error { return nil }
	h.r.Dispatch(conn, transport.Frame{
		"type": "permission_request", "request_id": "r2", "session_id": "s2",
		"tool_name": "Write", "message": "touch x", "cwd": "/p2",
	}, respond)
}

func mustParseInt(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
