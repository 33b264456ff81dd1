// Package telegram is a minimal Bot API client that implements the fan-out transport.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
	"go.uber.org/zap"
)

const (
	defaultAPIURL     = "https://api.telegram.org"
	defaultTimeout    = 15 * time.Second
	maxRateLimitRetry = 3
	maxRetryWait      = 30 * time.Second
)

var (
	// ErrForbidden indicates the bot was blocked by the user or removed from the chat.
	ErrForbidden = errors.New("telegram: forbidden")

	errMissingToken = errors.New("telegram: bot token is required")
)

// APIError is an unsuccessful Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Unwrap maps the response onto the transport's sentinel errors.
func (e *APIError) Unwrap() error {
	description := strings.ToLower(e.Description)
	switch {
	case strings.Contains(description, "message is not modified"):
		return fanout.ErrNotModified
	case strings.Contains(description, "message to edit not found"),
		strings.Contains(description, "message to delete not found"),
		strings.Contains(description, "message can't be deleted"),
		strings.Contains(description, "message can't be edited"):
		return fanout.ErrMessageGone
	case e.Code == http.StatusForbidden:
		return ErrForbidden
	default:
		return nil
	}
}

// Config describes client dependencies.
type Config struct {
	Token      string
	APIURL     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the Bot API over HTTPS with JSON bodies.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: apiURL + "/bot" + token, httpc: httpc, logger: logger}, nil
}

type response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call posts payload to method and decodes the result into out when non-nil. Rate limited calls
// are retried after the advertised delay.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	for attempt := 0; ; attempt++ {
		err := c.do(ctx, method, body, out)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 || attempt >= maxRateLimitRetry {
			return err
		}
		wait := min(apiErr.RetryAfter, maxRetryWait)
		c.logger.Warn("telegram rate limited", zap.String("method", method), zap.Duration("retry_after", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method string, body []byte, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(request)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read: %w", method, err)
	}
	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("telegram %s: %s: %w", method, resp.Status, err)
	}
	if !decoded.OK {
		apiErr := &APIError{Method: method, Code: decoded.ErrorCode, Description: decoded.Description}
		if decoded.Parameters != nil && decoded.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(decoded.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

type inlineMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type forceReplyMarkup struct {
	ForceReply            bool   `json:"force_reply"`
	InputFieldPlaceholder string `json:"input_field_placeholder,omitempty"`
}

type linkPreview struct {
	IsDisabled bool `json:"is_disabled"`
}

func markup(message fanout.Message) any {
	if len(message.Keyboard) > 0 {
		rows := make([][]inlineButton, 0, len(message.Keyboard))
		for _, row := range message.Keyboard {
			buttons := make([]inlineButton, 0, len(row))
			for _, button := range row {
				buttons = append(buttons, inlineButton{Text: button.Text, CallbackData: button.Data, URL: button.URL})
			}
			rows = append(rows, buttons)
		}
		return inlineMarkup{InlineKeyboard: rows}
	}
	if message.ForceReply {
		return forceReplyMarkup{ForceReply: true, InputFieldPlaceholder: message.Placeholder}
	}
	return nil
}

func messagePayload(message fanout.Message) map[string]any {
	payload := map[string]any{
		"text":                 message.Text,
		"parse_mode":           "HTML",
		"link_preview_options": linkPreview{IsDisabled: true},
	}
	if replyMarkup := markup(message); replyMarkup != nil {
		payload["reply_markup"] = replyMarkup
	}
	return payload
}

// SendMessage posts an HTML message.
func (c *Client) SendMessage(ctx context.Context, chatID int64, message fanout.Message) (fanout.MessageRef, error) {
	payload := messagePayload(message)
	payload["chat_id"] = chatID
	var sent Message
	if err := c.call(ctx, "sendMessage", payload, &sent); err != nil {
		return fanout.MessageRef{}, err
	}
	return fanout.MessageRef{ChatID: sent.Chat.ID, MessageID: sent.MessageID}, nil
}

// EditMessage replaces the text and inline keyboard of a message. An empty keyboard removes it.
func (c *Client) EditMessage(ctx context.Context, ref fanout.MessageRef, message fanout.Message) error {
	message.ForceReply = false
	payload := messagePayload(message)
	payload["chat_id"] = ref.ChatID
	payload["message_id"] = ref.MessageID
	return c.call(ctx, "editMessageText", payload, nil)
}

// ClearKeyboard removes the inline keyboard of a message and keeps its text.
func (c *Client) ClearKeyboard(ctx context.Context, ref fanout.MessageRef) error {
	return c.call(ctx, "editMessageReplyMarkup", map[string]any{
		"chat_id":      ref.ChatID,
		"message_id":   ref.MessageID,
		"reply_markup": inlineMarkup{InlineKeyboard: [][]inlineButton{}},
	}, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, ref fanout.MessageRef) error {
	return c.call(ctx, "deleteMessage", map[string]any{"chat_id": ref.ChatID, "message_id": ref.MessageID}, nil)
}

// AnswerCallback acknowledges a button press, optionally with a toast or alert.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
		payload["show_alert"] = showAlert
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query", "my_chat_member"},
	}
	var updates []Update
	err := c.call(ctx, "getUpdates", payload, &updates)
	return updates, err
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	err := c.call(ctx, "getMe", map[string]any{}, &me)
	return me, err
}

// SetWebhook registers url as the update endpoint.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	return c.call(ctx, "setWebhook", map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query", "my_chat_member"},
	}, nil)
}

// DeleteWebhook switches the bot back to long polling.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{}, nil)
}

// SetChatCommands replaces the command menu shown in one chat.
func (c *Client) SetChatCommands(ctx context.Context, chatID int64, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{
		"commands": commands,
		"scope":    map[string]any{"type": "chat", "chat_id": chatID},
	}, nil)
}

// LeaveChat removes the bot from a group.
func (c *Client) LeaveChat(ctx context.Context, chatID int64) error {
	return c.call(ctx, "leaveChat", map[string]any{"chat_id": chatID}, nil)
}
