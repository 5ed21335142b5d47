// Package chatapi implements the Remote-Chat Adapter (§4.5): a thin
// wrapper over a Telegram-Bot-API-shaped HTTP service (send/delete
// message, long-poll fetch-updates), with retry/backoff and staleness
// filtering. The backoff-array idiom is grounded on
// internal/ws/client.go's reconnect loop (teacher), re-targeted from
// websocket reconnection to per-call HTTP retry; the URL/endpoint
// conventions (getUpdates?offset=%d&timeout=30, sendMessage,
// deleteMessage) are grounded on other_examples/wagok-ccc and
// other_examples/MichaelC001-ccc.
package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agent-afk/afkd/internal/afkerr"
	"github.com/agent-afk/afkd/internal/metrics"
	"github.com/rs/zerolog"
)

const longPollTimeoutSeconds = 30

// backoffSchedule mirrors internal/ws/client.go's backoff array shape:
// fixed initial steps, doubling, then a final steady-state retry delay.
var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
}

// markupSpecial are escaped per §6.3 for the remote chat's inline-markup
// syntax. One function, used at every text-composition site (§9's
// open-question decision), so a richer markup mode only needs one change.
var markupSpecial = []string{"_", "*", "`", "["}

// EscapeMarkdown backslash-escapes markup-significant characters.
func EscapeMarkdown(s string) string {
	for _, ch := range markupSpecial {
		s = strings.ReplaceAll(s, ch, "\\"+ch)
	}
	return s
}

// Update is one item returned by fetch-updates, trimmed to the fields this
// daemon needs.
type Update struct {
	UpdateID int64
	Message  *Message
}

// Message is the subset of the service's message shape the daemon reads.
type Message struct {
	MessageID       int64
	ChatID          int64
	Text            string
	Date            int64 // seconds since epoch
	ReplyToMessageID int64 // 0 if absent
}

// ConflictErr marks the "conflict: terminated by other getUpdates request"
// service-level error (§4.5).
type ConflictErr struct{}

func (ConflictErr) Error() string { return "conflict: terminated by other getUpdates request" }

// Adapter wraps the remote chat API. Constructed with an empty token, it
// reports NotConfigured() == true and every operation short-circuits
// (§4.5 "Configured vs not").
type Adapter struct {
	token   string
	base    string
	client  *http.Client
	log     zerolog.Logger
	metrics *metrics.Registry

	maxRetries       int
	staleThreshold   time.Duration
	conflictStreak   int
}

// New builds an Adapter. token is read by the caller from the process
// environment (§6.7); an empty token means not-configured.
func New(log zerolog.Logger, m *metrics.Registry, token string, maxRetries int, staleThreshold time.Duration) *Adapter {
	a := &Adapter{
		token:          token,
		client:         &http.Client{Timeout: time.Duration(longPollTimeoutSeconds+10) * time.Second},
		log:            log,
		metrics:        m,
		maxRetries:     maxRetries,
		staleThreshold: staleThreshold,
	}
	if token != "" {
		a.base = fmt.Sprintf("https://api.telegram.org/bot%s", token)
	}
	return a
}

// NotConfigured reports whether no bot token was supplied (§4.5).
func (a *Adapter) NotConfigured() bool {
	return a.token == ""
}

// SetBaseURL overrides the default api.telegram.org endpoint, for
// self-hosted Bot API servers (a supported deployment mode of the Bot API
// itself) or for pointing a test Adapter at a local stub.
func (a *Adapter) SetBaseURL(base string) {
	a.base = base
}

// SendMessage sends text to chatID, returning the remote message-id.
func (a *Adapter) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	if a.NotConfigured() {
		return 0, afkerr.Wrap(afkerr.RemoteLogic, "send message", fmt.Errorf("not-configured"))
	}

	params := url.Values{}
	params.Set("chat_id", fmt.Sprintf("%d", chatID))
	params.Set("text", text)
	params.Set("parse_mode", "Markdown")

	var resp struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
		Description string `json:"description"`
	}
	if err := a.call(ctx, "sendMessage", params, &resp); err != nil {
		return 0, err
	}
	if !resp.OK {
		return 0, afkerr.Wrap(afkerr.RemoteLogic, "sendMessage", fmt.Errorf("%s", resp.Description))
	}
	return resp.Result.MessageID, nil
}

// DeleteMessage deletes messageID in chatID. Failures are logged, never
// fatal (§4.5: the service refuses deletes older than its own window).
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID int64) {
	if a.NotConfigured() {
		return
	}
	params := url.Values{}
	params.Set("chat_id", fmt.Sprintf("%d", chatID))
	params.Set("message_id", fmt.Sprintf("%d", messageID))

	var resp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := a.call(ctx, "deleteMessage", params, &resp); err != nil {
		a.log.Debug().Err(err).Msg("chatapi: delete message failed, ignoring")
		return
	}
	if !resp.OK {
		a.log.Debug().Str("description", resp.Description).Msg("chatapi: delete message refused, ignoring")
	}
}

// FetchUpdates long-polls for updates starting at offset, returning those
// newer than the staleness threshold (§4.5). On three consecutive
// conflict errors, returns ConflictErr{}.
func (a *Adapter) FetchUpdates(ctx context.Context, offset int64) ([]Update, error) {
	if a.NotConfigured() {
		return nil, nil
	}

	params := url.Values{}
	params.Set("offset", fmt.Sprintf("%d", offset))
	params.Set("timeout", fmt.Sprintf("%d", longPollTimeoutSeconds))
	params.Set("allowed_updates", `["message"]`)

	var resp struct {
		OK     bool `json:"ok"`
		Result []struct {
			UpdateID int64 `json:"update_id"`
			Message  *struct {
				MessageID int64 `json:"message_id"`
				Date      int64 `json:"date"`
				Chat      struct {
					ID int64 `json:"id"`
				} `json:"chat"`
				Text            string `json:"text"`
				ReplyToMessage  *struct {
					MessageID int64 `json:"message_id"`
				} `json:"reply_to_message"`
			} `json:"message"`
		} `json:"result"`
		Description string `json:"description"`
		ErrorCode   int    `json:"error_code"`
	}

	if err := a.call(ctx, "getUpdates", params, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		if strings.Contains(resp.Description, "conflict") && strings.Contains(resp.Description, "getUpdates") {
			a.conflictStreak++
			if a.conflictStreak >= 3 {
				return nil, ConflictErr{}
			}
			return nil, afkerr.Wrap(afkerr.RemoteLogic, "getUpdates conflict", ConflictErr{})
		}
		return nil, afkerr.Wrap(afkerr.RemoteLogic, "getUpdates", fmt.Errorf("%s", resp.Description))
	}
	a.conflictStreak = 0

	now := time.Now()
	out := make([]Update, 0, len(resp.Result))
	for _, r := range resp.Result {
		u := Update{UpdateID: r.UpdateID}
		if r.Message != nil {
			msgTime := time.Unix(r.Message.Date, 0)
			if now.Sub(msgTime) > a.staleThreshold {
				// I5: staleness filter drops this before processing.
				continue
			}
			var replyTo int64
			if r.Message.ReplyToMessage != nil {
				replyTo = r.Message.ReplyToMessage.MessageID
			}
			u.Message = &Message{
				MessageID: r.Message.MessageID, ChatID: r.Message.Chat.ID,
				Text: r.Message.Text, Date: r.Message.Date, ReplyToMessageID: replyTo,
			}
		}
		out = append(out, u)
	}
	return out, nil
}

// call performs the HTTP request with retry/backoff on network errors
// only (§4.5: service-level ok:false is surfaced, never retried here).
func (a *Adapter) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := a.base + "/" + method

	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return afkerr.Wrap(afkerr.RemoteTransport, "build request", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := a.client.Do(req)
		if err != nil {
			lastErr = err
			if attempt >= a.maxRetries {
				break
			}
			delay := backoffDelay(attempt)
			a.log.Warn().Err(err).Dur("delay", delay).Int("attempt", attempt+1).Msg("chatapi: retrying after network error")
			if a.metrics != nil {
				a.metrics.RemoteRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return afkerr.Wrap(afkerr.RemoteTransport, method, ctx.Err())
			case <-time.After(delay):
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return afkerr.Wrap(afkerr.RemoteTransport, "read response", readErr)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return afkerr.Wrap(afkerr.RemoteLogic, "decode response", err)
		}
		return nil
	}

	return afkerr.Wrap(afkerr.RemoteTransport, method, lastErr)
}

func backoffDelay(attempt int) time.Duration {
	if attempt < len(backoffSchedule) {
		return backoffSchedule[attempt]
	}
	return backoffSchedule[len(backoffSchedule)-1]
}
