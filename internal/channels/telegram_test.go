package channels

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/reclaw/reclaw-core/internal/config"
)

// fakeBotAPI answers just enough of the Telegram Bot API for the client
// library: getMe at construction and sendMessage for replies.
type fakeBotAPI struct {
	mu    sync.Mutex
	sends []struct{ chatID, text string }
}

func (f *fakeBotAPI) server(t *testing.T, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/bot" + token + "/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			t.Errorf("bot api path %q missing token prefix", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, prefix)
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			fmt.Fprint(w, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"reclaw","username":"reclaw_bot"}}`)
		case "sendMessage":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse sendMessage form: %v", err)
			}
			f.mu.Lock()
			f.sends = append(f.sends, struct{ chatID, text string }{
				chatID: r.FormValue("chat_id"),
				text:   r.FormValue("text"),
			})
			f.mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":99,"date":0,"chat":{"id":1001,"type":"private"},"text":"sent"}}`)
		default:
			t.Errorf("unexpected bot api method %q", method)
			fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"unknown method"}`)
		}
	}))
}

const telegramUpdate = `{
  "update_id": 12,
  "message": {
    "message_id": 77,
    "date": 1724500000,
    "from": {"id": 42, "is_bot": false, "first_name": "Alice", "username": "alice"},
    "chat": {"id": 1001, "type": "private"},
    "text": "hello tg"
  }
}`

func TestTelegramWebhookIngestAndReply(t *testing.T) {
	fake := &fakeBotAPI{}
	api := fake.server(t, "tg-token")
	defer api.Close()

	tp := newTestPlane(t, func(cfg *config.Config) {
		cfg.Channels["telegram"] = config.ChannelConfig{
			WebhookToken:  "tg-token",
			WebhookSecret: "hook-secret",
			APIBaseURL:    api.URL,
		}
	})
	secret := map[string]string{"X-Telegram-Bot-Api-Secret-Token": "hook-secret"}

	rec := tp.post(t, "/channels/telegram/webhook", telegramUpdate, secret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["accepted"] != true || m["sessionKey"] != "agent:main:telegram:chat:1001" {
		t.Fatalf("telegram ack = %v", m)
	}
	if m["reply"] != "Echo: hello tg" {
		t.Fatalf("reply = %v", m["reply"])
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sends) != 1 {
		t.Fatalf("sendMessage calls = %d, want 1", len(fake.sends))
	}
	if fake.sends[0].chatID != "1001" || fake.sends[0].text != "Echo: hello tg" {
		t.Fatalf("sendMessage = %+v", fake.sends[0])
	}
}

func TestTelegramWebhookAuth(t *testing.T) {
	tp := newTestPlane(t, func(cfg *config.Config) {
		cfg.Channels["telegram"] = config.ChannelConfig{WebhookSecret: "hook-secret"}
	})

	rec := tp.post(t, "/channels/telegram/webhook", telegramUpdate, nil)
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "invalid telegram secret token")

	rec = tp.post(t, "/channels/telegram/webhook", telegramUpdate,
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "nope"})
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "invalid telegram secret token")
}

func TestTelegramWebhookUnconfigured(t *testing.T) {
	tp := newTestPlane(t, nil)
	rec := tp.post(t, "/channels/telegram/webhook", telegramUpdate, nil)
	wantHTTPError(t, rec, http.StatusServiceUnavailable, "UNAVAILABLE", "channel telegram is not configured")
}

func TestTelegramWebhookNonMessage(t *testing.T) {
	tp := newTestPlane(t, func(cfg *config.Config) {
		cfg.Channels["telegram"] = config.ChannelConfig{WebhookSecret: "hook-secret"}
	})
	secret := map[string]string{"X-Telegram-Bot-Api-Secret-Token": "hook-secret"}

	rec := tp.post(t, "/channels/telegram/webhook", `{"update_id":13}`, secret)
	m := decodeBody(t, rec)
	if rec.Code != http.StatusOK || m["accepted"] != false || m["reason"] != "ignoring non-message update" {
		t.Fatalf("non-message ack = %d %v", rec.Code, m)
	}

	rec = tp.post(t, "/channels/telegram/webhook",
		`{"update_id":14,"message":{"message_id":1,"chat":{"id":5,"type":"private"},"text":"   "}}`, secret)
	m = decodeBody(t, rec)
	if m["accepted"] != false || m["reason"] != "ignoring empty message" {
		t.Fatalf("empty message ack = %v", m)
	}

	rec = tp.post(t, "/channels/telegram/webhook", `{broken`, secret)
	wantHTTPError(t, rec, http.StatusBadRequest, "INVALID_REQUEST", "invalid telegram update")
}

// A secret-only deployment accepts inbound messages even though replies
// cannot be pushed back through the Bot API.
func TestTelegramWebhookWithoutBotToken(t *testing.T) {
	tp := newTestPlane(t, func(cfg *config.Config) {
		cfg.Channels["telegram"] = config.ChannelConfig{WebhookSecret: "hook-secret"}
	})
	secret := map[string]string{"X-Telegram-Bot-Api-Secret-Token": "hook-secret"}

	rec := tp.post(t, "/channels/telegram/webhook", telegramUpdate, secret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["accepted"] != true || m["reply"] != "Echo: hello tg" {
		t.Fatalf("ack = %v", m)
	}
}

func TestTelegramEndpoint(t *testing.T) {
	if got := telegramEndpoint(""); got != "https://api.telegram.org/bot%s/%s" {
		t.Fatalf("default endpoint = %q", got)
	}
	if got := telegramEndpoint("http://127.0.0.1:8081/"); got != "http://127.0.0.1:8081/bot%s/%s" {
		t.Fatalf("custom endpoint = %q", got)
	}
}
