package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/fanout"
)

type recordedCall struct {
	Method  string
	Payload map[string]any
}

type fakeAPI struct {
	mu        sync.Mutex
	calls     []recordedCall
	responses map[string][]string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	body, _ := io.ReadAll(r.Body)
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: method, Payload: payload})
	queue := f.responses[method]
	response := `{"ok":true,"result":true}`
	if len(queue) > 0 {
		response = queue[0]
		f.responses[method] = queue[1:]
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, response)
}

func newTestClient(t *testing.T, responses map[string][]string) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{responses: responses}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{Token: "123:abc", APIURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client, api
}

func TestSendMessageEncodesKeyboard(t *testing.T) {
	client, api := newTestClient(t, map[string][]string{
		"sendMessage": {`{"ok":true,"result":{"message_id":9,"chat":{"id":42,"type":"private"}}}`},
	})

	ref, err := client.SendMessage(context.Background(), 42, fanout.Message{
		Text: "<b>Vote</b>",
		Keyboard: fanout.Keyboard{
			fanout.Row(fanout.Callback("Yes", "vote_vote:1")),
			fanout.Row(fanout.Link("Open", "https://t.me/sitsibot")),
		},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if ref != (fanout.MessageRef{ChatID: 42, MessageID: 9}) {
		t.Fatalf("unexpected ref %+v", ref)
	}
	call := api.calls[0]
	if call.Method != "sendMessage" || call.Payload["parse_mode"] != "HTML" {
		t.Fatalf("unexpected call %+v", call)
	}
	markup := call.Payload["reply_markup"].(map[string]any)
	rows := markup["inline_keyboard"].([]any)
	first := rows[0].([]any)[0].(map[string]any)
	second := rows[1].([]any)[0].(map[string]any)
	if first["callback_data"] != "vote_vote:1" || second["url"] != "https://t.me/sitsibot" {
		t.Fatalf("unexpected keyboard %+v", rows)
	}
	if _, ok := second["callback_data"]; ok {
		t.Fatalf("expected url buttons without callback data")
	}
}

func TestForceReplyMarkup(t *testing.T) {
	client, api := newTestClient(t, map[string][]string{
		"sendMessage": {`{"ok":true,"result":{"message_id":1,"chat":{"id":5,"type":"private"}}}`},
	})
	if _, err := client.SendMessage(context.Background(), 5, fanout.Message{Text: "Code?", ForceReply: true, Placeholder: "Code"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	markup := api.calls[0].Payload["reply_markup"].(map[string]any)
	if markup["force_reply"] != true || markup["input_field_placeholder"] != "Code" {
		t.Fatalf("unexpected markup %+v", markup)
	}
}

func TestErrorsMapToTransportSentinels(t *testing.T) {
	testCases := []struct {
		name   string
		method string
		body   string
		call   func(*Client) error
		want   error
	}{
		{
			name:   "not modified",
			method: "editMessageText",
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`,
			call: func(c *Client) error {
				return c.EditMessage(context.Background(), fanout.MessageRef{ChatID: 1, MessageID: 2}, fanout.Message{Text: "x"})
			},
			want: fanout.ErrNotModified,
		},
		{
			name:   "edit target gone",
			method: "editMessageText",
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`,
			call: func(c *Client) error {
				return c.EditMessage(context.Background(), fanout.MessageRef{ChatID: 1, MessageID: 2}, fanout.Message{Text: "x"})
			},
			want: fanout.ErrMessageGone,
		},
		{
			name:   "delete target gone",
			method: "deleteMessage",
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: message to delete not found"}`,
			call: func(c *Client) error {
				return c.DeleteMessage(context.Background(), fanout.MessageRef{ChatID: 1, MessageID: 2})
			},
			want: fanout.ErrMessageGone,
		},
		{
			name:   "blocked",
			method: "sendMessage",
			body:   `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
			call: func(c *Client) error {
				_, err := c.SendMessage(context.Background(), 1, fanout.Message{Text: "x"})
				return err
			},
			want: ErrForbidden,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client, _ := newTestClient(t, map[string][]string{testCase.method: {testCase.body}})
			err := testCase.call(client)
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Method != testCase.method {
				t.Fatalf("expected an APIError for %s, got %v", testCase.method, err)
			}
		})
	}
}

func TestRateLimitedCallIsRetried(t *testing.T) {
	client, api := newTestClient(t, map[string][]string{
		"answerCallbackQuery": {`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":1}}`},
	})
	if err := client.AnswerCallback(context.Background(), "cb1", "Done", true); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(api.calls) != 2 {
		t.Fatalf("expected two attempts, got %d", len(api.calls))
	}
	if api.calls[1].Payload["show_alert"] != true {
		t.Fatalf("expected the alert flag to be sent, got %+v", api.calls[1].Payload)
	}
}

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		text string
		want Command
		ok   bool
	}{
		{text: "/start", want: Command{Name: "start"}, ok: true},
		{text: "/Aanesta@SitsiBot", want: Command{Name: "aanesta"}, ok: true},
		{text: "/group_add candidates AB12 CD34", want: Command{Name: "group_add", Args: "candidates AB12 CD34"}, ok: true},
		{text: "/broadcast\nHello everyone", want: Command{Name: "broadcast", Args: "Hello everyone"}, ok: true},
		{text: "/start@otherbot", ok: false},
		{text: "hello", ok: false},
		{text: "/", ok: false},
	}
	for _, testCase := range testCases {
		got, ok := ParseCommand(testCase.text, "sitsibot")
		if ok != testCase.ok || got != testCase.want {
			t.Fatalf("ParseCommand(%q) = %+v, %v", testCase.text, got, ok)
		}
	}
}
