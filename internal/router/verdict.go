// Verdict Logic (§4.11), invoked by internal/dispatcher once it has
// matched an inbound chat reply to a PendingRequest.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agent-afk/afkd/internal/metrics"
	"github.com/agent-afk/afkd/internal/store"
	"github.com/agent-afk/afkd/internal/transcript"
)

// Verdict is the outcome normalized from reply text for a permission
// request (§4.11).
type Verdict int

const (
	VerdictInvalid Verdict = iota
	VerdictApproved
	VerdictDenied
	VerdictApprovedAll
)

func normalizeVerdict(text string, bulkAllowedForTool bool) Verdict {
	t := strings.ToLower(strings.TrimSpace(text))
	switch t {
	case "yes", "y":
		return VerdictApproved
	case "no", "n":
		return VerdictDenied
	case "all", "yes all", "y all", "always":
		if bulkAllowedForTool {
			return VerdictApprovedAll
		}
		return VerdictInvalid
	default:
		return VerdictInvalid
	}
}

// ApplyPermissionVerdict implements §4.11's permission branch. Returns the
// chat-visible message dispatcher should send back (may be empty).
func (r *Router) ApplyPermissionVerdict(pending *store.PendingRequest, replyText string, chatID int64) string {
	verdict := normalizeVerdict(replyText, pending.BulkApprovalAllowedForTool)
	if verdict == VerdictInvalid {
		// Do not remove the pending; restore is implicit since we never
		// removed it.
		return "Reply 'yes', 'no', or 'all'"
	}

	var confirmation string
	if verdict == VerdictApprovedAll {
		r.reg.WhitelistAdd(pending.SessionID, pending.ToolName)
		confirmation = fmt.Sprintf("%s will be auto-approved for this session until AFK is disabled.", pending.ToolName)
	}

	removed := r.st.RemoveByMessageID(pending.MessageID)
	if removed == nil {
		return "" // already resolved by another path (I2)
	}
	if removed.Timer != nil {
		removed.Timer.Stop()
	}
	r.persister.Save(r.reg, r.st)
	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(r.st.Count()))
		r.metrics.ObserveResolution(metrics.ResolutionRemoteReply, time.Since(removed.FirstSeenAt).Seconds())
	}

	frame := map[string]any{"type": "response", "request_id": removed.CorrelationID}
	switch verdict {
	case VerdictApproved:
		frame["status"] = "approved"
	case VerdictDenied:
		frame["status"] = "denied"
		frame["message"] = "User denied"
	case VerdictApprovedAll:
		frame["status"] = "approved"
		frame["bulk_approved"] = true
	}

	delivered := removed.LiveReply != nil && removed.LiveReply(frame)
	if !delivered {
		return r.undeliverableNotice(removed)
	}
	return confirmation
}

// ApplyStopVerdict implements §4.11's stop branch.
func (r *Router) ApplyStopVerdict(pending *store.PendingRequest, replyText string) string {
	instructions := replyText
	const maxLen = 2000
	if len(instructions) > maxLen {
		original := len(instructions)
		instructions = instructions[:maxLen] + fmt.Sprintf(" [truncated, original length %d]", original)
	}

	removed := r.st.RemoveByMessageID(pending.MessageID)
	if removed == nil {
		return ""
	}
	if removed.Timer != nil {
		removed.Timer.Stop()
	}
	r.persister.Save(r.reg, r.st)
	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(r.st.Count()))
		r.metrics.ObserveResolution(metrics.ResolutionRemoteReply, time.Since(removed.FirstSeenAt).Seconds())
	}

	frame := map[string]any{"type": "response", "request_id": removed.CorrelationID, "status": "continue", "instructions": instructions}
	delivered := removed.LiveReply != nil && removed.LiveReply(frame)
	if !delivered {
		return r.undeliverableNotice(removed)
	}
	return ""
}

// undeliverableNotice implements §4.11's failure-recovery branch: consult
// the transcript from offset 0 before declaring the session gone.
func (r *Router) undeliverableNotice(pending *store.PendingRequest) string {
	if pending.Kind == store.KindPermission && pending.ToolUseID != "" {
		if res := transcript.FindToolResult(pending.TranscriptPath, pending.ToolUseID, 0); res.Found {
			return "already handled locally"
		}
	} else {
		if _, _, found := transcript.FindUserText(pending.TranscriptPath, 0); found {
			return "already handled locally"
		}
	}
	return "unable to deliver response — session may have ended."
}

// ResolveViaTranscriptOrSocket is used by internal/watcher to finish a
// local-resolution cleanup once it has decided a request is resolved
// outside the remote chat (§4.9). resolution is "approved"/"denied" for
// permission, "local_followup" for stop. internal/dispatcher also uses it
// for the single-pending fallback when the hook's connection is closed.
func (r *Router) ResolveViaTranscriptOrSocket(pending *store.PendingRequest, resolution string, chatID *int64) {
	removed := r.st.RemoveByMessageID(pending.MessageID)
	if removed == nil {
		return
	}
	if removed.Timer != nil {
		removed.Timer.Stop()
	}

	if removed.LiveReply != nil {
		removed.LiveReply(map[string]any{
			"type": "response", "request_id": removed.CorrelationID,
			"status": "resolved_locally", "resolution": resolution,
		})
	}

	if chatID != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.chat.DeleteMessage(ctx, *chatID, mustInt64(string(removed.MessageID)))
	}

	r.persister.Save(r.reg, r.st)
	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(r.st.Count()))
	}
}
