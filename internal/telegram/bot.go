// Package telegram delivers approval prompts through the Telegram Bot API
// and turns inline-button presses back into decisions.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/notification"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Callback data prefixes on the inline keyboard.
const (
	callbackApprove = "approve:"
	callbackDeny    = "deny:"
)

// ErrAPI is returned when the Bot API answers with ok=false or a non-2xx
// status.
var ErrAPI = errors.New("telegram API error")

// Config holds bot credentials and transport settings.
type Config struct {
	Token  string
	ChatID int64

	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// HTTPClient defaults to a client without a global timeout; each call
	// is bounded by its context.
	HTTPClient *http.Client
	// PollTimeout is the getUpdates long-poll duration. Defaults to 30s.
	PollTimeout time.Duration
}

// Bot is a notification.Notifier backed by a Telegram chat.
type Bot struct {
	cfg      Config
	approver notification.Approver

	mu       sync.Mutex
	messages map[string]int64 // request ID -> prompt message ID
}

// requestSlack is added to PollTimeout for the default HTTP client timeout.
const requestSlack = 15 * time.Second

// New creates a bot. approver may be nil for a bot that only sends messages.
func New(cfg Config, approver notification.Approver) *Bot {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		// Backstop for calls whose context has no deadline; long polls
		// must fit inside it.
		cfg.HTTPClient = &http.Client{Timeout: cfg.PollTimeout + requestSlack}
	}
	return &Bot{
		cfg:      cfg,
		approver: approver,
		messages: make(map[string]int64),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type chat struct {
	ID int64 `json:"id"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	Chat      chat  `json:"chat"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *message `json:"message"`
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID      int64           `json:"chat_id"`
	Text        string          `json:"text"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
}

type editMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type answerCallbackRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// call POSTs payload as JSON to a Bot API method and decodes the result
// into out when out is non-nil.
func (b *Bot) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", b.cfg.BaseURL, b.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("%w: %s: HTTP %d", ErrAPI, method, resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 || !ar.OK {
		return fmt.Errorf("%w: %s: %s", ErrAPI, method, ar.Description)
	}
	if out != nil {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// SendMessage posts a plain text message to the configured chat.
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	return b.call(ctx, "sendMessage", sendMessageRequest{ChatID: b.cfg.ChatID, Text: text}, nil)
}

// SendPrompt implements notification.Notifier.
func (b *Bot) SendPrompt(ctx context.Context, requestID, summary string) error {
	text := fmt.Sprintf("🔐 <b>Git-Sentry security request</b>\n\n<pre>%s</pre>\n\nDo you approve this operation?",
		html.EscapeString(summary))
	req := sendMessageRequest{
		ChatID:    b.cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
		ReplyMarkup: &inlineKeyboard{InlineKeyboard: [][]inlineButton{{
			{Text: "✅ Approve", CallbackData: callbackApprove + requestID},
			{Text: "❌ Deny", CallbackData: callbackDeny + requestID},
		}}},
	}

	var sent message
	if err := b.call(ctx, "sendMessage", req, &sent); err != nil {
		return err
	}

	b.mu.Lock()
	b.messages[requestID] = sent.MessageID
	b.mu.Unlock()

	slog.Debug("sent telegram prompt", "request_id", requestID, "message_id", sent.MessageID)
	return nil
}

// Run long-polls getUpdates and resolves requests from button presses until
// ctx is cancelled. Transient API errors are retried with backoff.
func (b *Bot) Run(ctx context.Context) error {
	var offset int64
	backoff := time.Second

	for {
		var updates []update
		err := b.call(ctx, "getUpdates", getUpdatesRequest{
			Offset:         offset,
			Timeout:        int(b.cfg.PollTimeout / time.Second),
			AllowedUpdates: []string{"callback_query"},
		}, &updates)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("telegram poll failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, time.Minute)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			offset = max(offset, u.UpdateID+1)
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, u.CallbackQuery)
			}
		}
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *callbackQuery) {
	if q.Message == nil || q.Message.Chat.ID != b.cfg.ChatID {
		slog.Warn("ignoring callback from unexpected chat", "callback_id", q.ID)
		b.answer(ctx, q.ID, "Not authorized")
		return
	}
	if b.approver == nil {
		b.answer(ctx, q.ID, "")
		return
	}

	var err error
	var action, reqID string
	switch {
	case strings.HasPrefix(q.Data, callbackApprove):
		action, reqID = "approve", strings.TrimPrefix(q.Data, callbackApprove)
		err = b.approver.Approve(reqID)
	case strings.HasPrefix(q.Data, callbackDeny):
		action, reqID = "deny", strings.TrimPrefix(q.Data, callbackDeny)
		err = b.approver.Deny(reqID)
	default:
		slog.Debug("unknown callback data", "data", q.Data)
		b.answer(ctx, q.ID, "")
		return
	}

	switch {
	case errors.Is(err, approval.ErrNotFound):
		slog.Debug("request already resolved", "action", action, "request_id", reqID)
		b.answer(ctx, q.ID, "Request already resolved or expired")
	case err != nil:
		slog.Error("failed to resolve request from telegram", "action", action, "request_id", reqID, "error", err)
		b.answer(ctx, q.ID, "Error: "+err.Error())
	default:
		slog.Info("resolved request from telegram", "action", action, "request_id", reqID)
		if action == "approve" {
			b.answer(ctx, q.ID, "Approved")
		} else {
			b.answer(ctx, q.ID, "Denied")
		}
	}
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if err := b.call(ctx, "answerCallbackQuery", answerCallbackRequest{CallbackQueryID: callbackID, Text: text}, nil); err != nil {
		slog.Debug("failed to answer callback", "error", err)
	}
}

// OnEvent implements approval.Observer. It replaces the prompt's buttons
// with the outcome once the request is resolved.
func (b *Bot) OnEvent(event approval.Event) {
	var status string
	switch event.Type {
	case approval.EventRequestApproved:
		status = "✅ Approved"
	case approval.EventRequestDenied:
		status = "❌ Denied"
	case approval.EventRequestExpired:
		status = "⌛ Expired"
	case approval.EventRequestFailed:
		status = "⚠️ Failed"
	default:
		return
	}

	b.mu.Lock()
	msgID, ok := b.messages[event.Request.ID]
	delete(b.messages, event.Request.ID)
	b.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := fmt.Sprintf("<pre>%s</pre>\n\n<b>%s</b>", html.EscapeString(event.Request.Summary), status)
	err := b.call(ctx, "editMessageText", editMessageRequest{
		ChatID:    b.cfg.ChatID,
		MessageID: msgID,
		Text:      text,
		ParseMode: "HTML",
	}, nil)
	if err != nil {
		slog.Debug("failed to update telegram prompt", "request_id", event.Request.ID, "error", err)
	}
}
