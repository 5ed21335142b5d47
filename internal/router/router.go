// Package router implements the Request Router (§4.7 permission path,
// §4.8 stop path) and the status/enable/disable IPC handlers (§6.1). The
// parked-channel/timeout/async-send skeleton is grounded on
// internal/providers/claude.go's handleHook; the overall dispatch-by-type
// shape mirrors cmd/agentd/main.go's handleMessage/handleApprovalDecision.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agent-afk/afkd/internal/chatapi"
	"github.com/agent-afk/afkd/internal/config"
	"github.com/agent-afk/afkd/internal/metrics"
	"github.com/agent-afk/afkd/internal/registry"
	"github.com/agent-afk/afkd/internal/state"
	"github.com/agent-afk/afkd/internal/store"
	"github.com/agent-afk/afkd/internal/toolfmt"
	"github.com/agent-afk/afkd/internal/transcript"
	"github.com/agent-afk/afkd/internal/transport"
	"github.com/rs/zerolog"
)

// Router wires the registry, store, chat adapter, and persister together
// to answer inbound hook frames (§6.1).
type Router struct {
	reg       *registry.Registry
	st        *store.Store
	chat      *chatapi.Adapter
	persister *state.Persister
	metrics   *metrics.Registry
	log       zerolog.Logger

	cfg atomic.Pointer[config.Config]
}

func New(log zerolog.Logger, reg *registry.Registry, st *store.Store, chat *chatapi.Adapter, persister *state.Persister, m *metrics.Registry, cfg config.Config) *Router {
	r := &Router{reg: reg, st: st, chat: chat, persister: persister, metrics: m, log: log}
	r.cfg.Store(&cfg)
	return r
}

// SetConfig swaps the active configuration (called on fswatch-driven
// reload, see internal/config.Watcher).
func (r *Router) SetConfig(cfg config.Config) {
	r.cfg.Store(&cfg)
}

func (r *Router) config() config.Config {
	return *r.cfg.Load()
}

// Config exposes the active configuration to other components (the
// Resolution Watcher and Reply Dispatcher need polling intervals and
// timeouts too).
func (r *Router) Config() config.Config { return r.config() }

// Store, Registry, Chat, and Persister expose the shared components the
// Resolution Watcher and Reply Dispatcher also need to drive (§2's control
// and data flow: G, H, and I all operate on the same D/C/J).
func (r *Router) Store() *store.Store           { return r.st }
func (r *Router) Registry() *registry.Registry  { return r.reg }
func (r *Router) Chat() *chatapi.Adapter        { return r.chat }
func (r *Router) Persister() *state.Persister   { return r.persister }
func (r *Router) Metrics() *metrics.Registry    { return r.metrics }

// Dispatch routes one inbound frame by its `type` field (§6.1).
func (r *Router) Dispatch(conn *transport.Conn, frame transport.Frame, respond transport.RespondFunc) {
	requestID := frame.String("request_id")
	sessionID := registry.SessionID(frame.String("session_id"))

	switch frame.String("type") {
	case "permission_request":
		r.handlePermission(conn, frame, requestID, sessionID, respond)
	case "stop_request":
		r.handleStop(conn, frame, requestID, sessionID, respond)
	case "enable_afk":
		r.reg.Register(sessionID, frame.String("cwd"))
		r.reg.EnableAFK(sessionID)
		r.persister.Save(r.reg, r.st)
		if r.metrics != nil {
			r.metrics.AFKSessions.Set(float64(len(r.reg.AFKEnabledIDs())))
		}
		respond(response(requestID, "enabled", nil))
	case "disable_afk":
		r.reg.DisableAFK(sessionID)
		r.persister.Save(r.reg, r.st)
		if r.metrics != nil {
			r.metrics.AFKSessions.Set(float64(len(r.reg.AFKEnabledIDs())))
		}
		respond(response(requestID, "disabled", nil))
	case "status":
		respond(r.status(requestID))
	default:
		respond(response(requestID, "error", map[string]any{"message": "unknown request type"}))
	}
}

func response(requestID, status string, extra map[string]any) map[string]any {
	out := map[string]any{"type": "response", "request_id": requestID, "status": status}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (r *Router) status(requestID string) map[string]any {
	cfg := r.config()
	whitelists := make(map[string][]string)
	for id, snap := range r.reg.Snapshots() {
		whitelists[string(id)] = snap.Whitelist
	}
	return response(requestID, "status_response", map[string]any{
		"daemon_running":       true,
		"telegram_configured":  !r.chat.NotConfigured(),
		"chat_id_configured":   r.persister.PairedChatID() != nil,
		"afk_sessions":         r.reg.AFKEnabledIDs(),
		"pending_requests":     r.st.Count(),
		"always_enabled":       cfg.AlwaysEnabled,
		"bulk_approval_tools":  cfg.BulkApprovalTools,
		"session_whitelists":   whitelists,
	})
}

// handlePermission implements §4.7.
func (r *Router) handlePermission(conn *transport.Conn, frame transport.Frame, requestID string, sessionID registry.SessionID, respond transport.RespondFunc) {
	cfg := r.config()
	toolName := frame.String("tool_name")
	commandText := frame.String("message")
	transcriptPath := frame.String("transcript_path")
	cwd := frame.String("cwd")
	terminalID := frame.String("terminal_id")

	// Step 1: AFK gate.
	if !r.reg.IsAFKEnabled(sessionID) && !cfg.AlwaysEnabled {
		respond(response(requestID, "not_enabled", nil))
		return
	}

	// Step 2: chat configured and paired. §9's open-question decision:
	// alwaysEnabled does not bypass this.
	pairedChatID := r.persister.PairedChatID()
	if r.chat.NotConfigured() || pairedChatID == nil {
		respond(response(requestID, "not_configured", nil))
		return
	}

	// Step 3: whitelist short-circuit (I4).
	if r.reg.WhitelistContains(sessionID, toolName) {
		respond(response(requestID, "approved", map[string]any{"bulk_approved": true}))
		return
	}

	// Step 4: retry collapse (invariant 2). At most one PendingRequest may
	// exist per (session, tool, command): retire the old one before
	// parking a new one, whether this retry trips max-retries or not.
	if existing := r.st.FindBySessionToolCommand(sessionID, toolName, commandText); existing != nil {
		retryCount := existing.RetryCount + 1
		if existing.Timer != nil {
			existing.Timer.Stop()
		}
		r.st.RemoveByMessageID(existing.MessageID)
		r.deleteRemote(*pairedChatID, existing.MessageID)
		if existing.LiveReply != nil {
			existing.LiveReply(response(existing.CorrelationID, "timeout_retry", nil))
		}

		if retryCount >= cfg.MaxRetries {
			r.persister.Save(r.reg, r.st)
			respond(response(requestID, "timeout_final", nil))
			return
		}
		r.createAndSendPermission(conn, frame, requestID, sessionID, toolName, commandText, transcriptPath, cwd, terminalID, retryCount, *pairedChatID, cfg, respond)
		return
	}

	r.createAndSendPermission(conn, frame, requestID, sessionID, toolName, commandText, transcriptPath, cwd, terminalID, 0, *pairedChatID, cfg, respond)
}

func (r *Router) createAndSendPermission(conn *transport.Conn, frame transport.Frame, requestID string, sessionID registry.SessionID, toolName, commandText, transcriptPath, cwd, terminalID string, retryCount int, chatID int64, cfg config.Config, respond transport.RespondFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Steps 5-6: context line and formatted command.
	contextLine, ok := transcript.LastAssistantText(transcriptPath, 400)
	if !ok {
		if userText, ok2 := transcript.LastUserText(transcriptPath, 400); ok2 {
			contextLine = "User: " + userText
		}
	}

	formatted := commandText
	var toolUseID string
	if tu, ok := transcript.LastToolUse(transcriptPath); ok {
		formatted = toolfmt.Format(tu.Name, tu.Input)
		toolUseID = tu.ID
	}

	// Step 7: register session.
	session := r.reg.Register(sessionID, cwd)

	// Step 8: compose and send.
	bulkAllowed := cfg.BulkApprovalAllowed(toolName)
	text := formatPermissionPrompt(session.ProjectSlug, session.ShortToken, contextLine, toolName, formatted, bulkAllowed)

	messageID, err := r.chat.SendMessage(ctx, chatID, text)
	if err != nil {
		r.log.Warn().Err(err).Msg("router: failed to send permission prompt")
		respond(response(requestID, "not_configured", nil))
		return
	}

	// Step 9: create and insert.
	pending := &store.PendingRequest{
		MessageID: store.MessageID(fmt.Sprintf("%d", messageID)), SessionID: sessionID, Kind: store.KindPermission,
		ToolName: toolName, CommandText: commandText, ToolUseID: toolUseID,
		TranscriptPath: transcriptPath, ProjectDir: cwd, TerminalID: terminalID,
		LastScannedOffset: 0, FirstSeenAt: time.Now(), CorrelationID: requestID,
		RetryCount: retryCount, BulkApprovalAllowedForTool: bulkAllowed,
	}

	// Step 10: arm timeout, park the reply.
	pending.Conn = conn
	pending.LiveReply = func(f any) bool {
		return respond(f) == nil
	}
	pending.Timer = time.AfterFunc(cfg.PermissionTimeoutDuration(), func() {
		r.onPermissionTimeout(pending, chatID)
	})

	r.st.Insert(pending)
	r.persister.Save(r.reg, r.st)
	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(r.st.Count()))
	}
	r.log.Info().Str("conn_id", conn.ID).Str("message_id", string(pending.MessageID)).Str("tool_name", toolName).Msg("router: parked permission reply")

	// Step 11: do not reply now.
}

func (r *Router) onPermissionTimeout(pending *store.PendingRequest, chatID int64) {
	removed := r.st.RemoveByMessageID(pending.MessageID)
	if removed == nil {
		return // already resolved by another path (I2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.chat.DeleteMessage(ctx, chatID, mustInt64(string(pending.MessageID)))
	r.persister.Save(r.reg, r.st)
	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(r.st.Count()))
		r.metrics.ObserveResolution(metrics.ResolutionTimeout, time.Since(pending.FirstSeenAt).Seconds())
	}
	if pending.LiveReply != nil {
		pending.LiveReply(response(pending.CorrelationID, "timeout_retry", nil))
	}
}

// handleStop implements §4.8.
func (r *Router) handleStop(conn *transport.Conn, frame transport.Frame, requestID string, sessionID registry.SessionID, respond transport.RespondFunc) {
	cfg := r.config()
	transcriptPath := frame.String("transcript_path")
	cwd := frame.String("cwd")
	terminalID := frame.String("terminal_id")

	if !r.reg.IsAFKEnabled(sessionID) && !cfg.AlwaysEnabled {
		respond(response(requestID, "not_enabled", nil))
		return
	}
	pairedChatID := r.persister.PairedChatID()
	if r.chat.NotConfigured() || pairedChatID == nil {
		respond(response(requestID, "not_configured", nil))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	contextLine, _ := transcript.LastAssistantText(transcriptPath, 400)
	session := r.reg.Register(sessionID, cwd)

	text := formatStopPrompt(session.ProjectSlug, session.ShortToken, contextLine)
	messageID, err := r.chat.SendMessage(ctx, *pairedChatID, text)
	if err != nil {
		r.log.Warn().Err(err).Msg("router: failed to send stop notification")
		respond(response(requestID, "not_configured", nil))
		return
	}

	pending := &store.PendingRequest{
		MessageID: store.MessageID(fmt.Sprintf("%d", messageID)), SessionID: sessionID, Kind: store.KindStop,
		TranscriptPath: transcriptPath, ProjectDir: cwd, TerminalID: terminalID,
		LastScannedOffset: transcript.LineCount(transcriptPath), FirstSeenAt: time.Now(), CorrelationID: requestID,
	}
	pending.Conn = conn
	pending.LiveReply = func(f any) bool {
		return respond(f) == nil
	}
	pending.Timer = time.AfterFunc(cfg.StopTimeoutDuration(), func() {
		r.onStopTimeout(pending, *pairedChatID)
	})

	r.st.Insert(pending)
	r.persister.Save(r.reg, r.st)
	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(r.st.Count()))
	}
}

func (r *Router) onStopTimeout(pending *store.PendingRequest, chatID int64) {
	removed := r.st.RemoveByMessageID(pending.MessageID)
	if removed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.chat.DeleteMessage(ctx, chatID, mustInt64(string(pending.MessageID)))
	r.persister.Save(r.reg, r.st)
	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(r.st.Count()))
		r.metrics.ObserveResolution(metrics.ResolutionTimeout, time.Since(pending.FirstSeenAt).Seconds())
	}
	if pending.LiveReply != nil {
		pending.LiveReply(response(pending.CorrelationID, "stop", nil))
	}
}

// deleteRemote is a small helper used by the retry-collapse path.
func (r *Router) deleteRemote(chatID int64, messageID store.MessageID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.chat.DeleteMessage(ctx, chatID, mustInt64(string(messageID)))
}

func mustInt64(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
