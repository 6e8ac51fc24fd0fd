package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/reclaw/reclaw-core/internal/config"
)

const slackSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func slackSign(ts string, body string) string {
	mac := hmac.New(sha256.New, []byte(slackSecret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// postSlack signs and posts an Events API body with the given timestamp.
func postSlack(t *testing.T, tp *testPlane, ts, body string) *httptest.ResponseRecorder {
	t.Helper()
	return tp.post(t, "/channels/slack/webhook", body, map[string]string{
		"X-Slack-Request-Timestamp": ts,
		"X-Slack-Signature":         slackSign(ts, body),
	})
}

func newSlackPlane(t *testing.T) *testPlane {
	t.Helper()
	return newTestPlane(t, func(cfg *config.Config) {
		cfg.Channels["slack"] = config.ChannelConfig{WebhookSecret: slackSecret}
	})
}

func nowTS() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func TestSlackURLVerification(t *testing.T) {
	tp := newSlackPlane(t)
	body := `{"type":"url_verification","token":"x","challenge":"abc-123"}`

	rec := postSlack(t, tp, nowTS(), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["challenge"] != "abc-123" {
		t.Fatalf("challenge echo = %v", m)
	}
}

func TestSlackMessageEvent(t *testing.T) {
	tp := newSlackPlane(t)
	body := `{
	  "type": "event_callback",
	  "token": "x",
	  "team_id": "T1",
	  "event_id": "Ev1",
	  "event": {
	    "type": "message",
	    "user": "U024",
	    "channel": "C123",
	    "channel_type": "channel",
	    "text": "hi slack",
	    "ts": "1724500000.000100"
	  }
	}`

	rec := postSlack(t, tp, nowTS(), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["accepted"] != true || m["sessionKey"] != "agent:main:slack:chat:c123" {
		t.Fatalf("slack ack = %v", m)
	}
	if m["reply"] != "Echo: hi slack" {
		t.Fatalf("reply = %v", m["reply"])
	}
}

func TestSlackAppMention(t *testing.T) {
	tp := newSlackPlane(t)
	body := `{
	  "type": "event_callback",
	  "token": "x",
	  "event": {
	    "type": "app_mention",
	    "user": "U024",
	    "channel": "C456",
	    "text": "<@UBOT> status please",
	    "ts": "1724500001.000200"
	  }
	}`

	rec := postSlack(t, tp, nowTS(), body)
	m := decodeBody(t, rec)
	if rec.Code != http.StatusOK || m["accepted"] != true {
		t.Fatalf("mention ack = %d %v", rec.Code, m)
	}
	if m["sessionKey"] != "agent:main:slack:chat:c456" {
		t.Fatalf("sessionKey = %v", m["sessionKey"])
	}
}

func TestSlackIgnoresBotAndNonMessageEvents(t *testing.T) {
	tp := newSlackPlane(t)

	botBody := `{
	  "type": "event_callback",
	  "token": "x",
	  "event": {
	    "type": "message",
	    "bot_id": "B99",
	    "channel": "C123",
	    "text": "beep",
	    "ts": "1724500002.000300"
	  }
	}`
	rec := postSlack(t, tp, nowTS(), botBody)
	m := decodeBody(t, rec)
	if m["accepted"] != false || m["reason"] != "ignoring bot or system message" {
		t.Fatalf("bot message ack = %v", m)
	}

	reactionBody := `{
	  "type": "event_callback",
	  "token": "x",
	  "event": {
	    "type": "reaction_added",
	    "user": "U024",
	    "reaction": "thumbsup",
	    "item_user": "U025",
	    "event_ts": "1724500003.000400"
	  }
	}`
	rec = postSlack(t, tp, nowTS(), reactionBody)
	m = decodeBody(t, rec)
	if m["accepted"] != false || m["reason"] != "ignoring unsupported slack event" {
		t.Fatalf("reaction ack = %v", m)
	}
}

func TestSlackSignatureChecks(t *testing.T) {
	tp := newSlackPlane(t)
	body := `{"type":"url_verification","token":"x","challenge":"abc"}`

	rec := tp.post(t, "/channels/slack/webhook", body, nil)
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "missing slack signature headers")

	ts := nowTS()
	rec = tp.post(t, "/channels/slack/webhook", body, map[string]string{
		"X-Slack-Request-Timestamp": ts,
		"X-Slack-Signature":         "v0=deadbeef",
	})
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "invalid slack signature")

	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	rec = postSlack(t, tp, stale, body)
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "timestamp out of range")

	rec = tp.post(t, "/channels/slack/webhook", body, map[string]string{
		"X-Slack-Request-Timestamp": "not-a-number",
		"X-Slack-Signature":         slackSign("not-a-number", body),
	})
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "invalid slack signature timestamp")

	// Tampered body breaks the signature.
	good := nowTS()
	rec = tp.post(t, "/channels/slack/webhook", body+" ", map[string]string{
		"X-Slack-Request-Timestamp": good,
		"X-Slack-Signature":         slackSign(good, body),
	})
	wantHTTPError(t, rec, http.StatusUnauthorized, "UNAVAILABLE", "invalid slack signature")
}

func TestSlackUnconfigured(t *testing.T) {
	tp := newTestPlane(t, nil)
	rec := tp.post(t, "/channels/slack/webhook", `{}`, nil)
	wantHTTPError(t, rec, http.StatusServiceUnavailable, "UNAVAILABLE", "channel slack is not configured")
}

func TestSlackDuplicateEventTs(t *testing.T) {
	tp := newSlackPlane(t)
	mk := func(text string) string {
		return fmt.Sprintf(`{"type":"event_callback","token":"x","event":{"type":"message","user":"U1","channel":"C9","text":%q,"ts":"1724500004.000500"}}`, text)
	}

	first := decodeBody(t, postSlack(t, tp, nowTS(), mk("original")))
	if first["accepted"] != true {
		t.Fatalf("first event not accepted: %v", first)
	}
	// Slack retries deliver the same ts; the replay maps to the first run.
	second := decodeBody(t, postSlack(t, tp, nowTS(), mk("original")))
	if second["accepted"] != false || second["runId"] != first["runId"] {
		t.Fatalf("replay = %v, first %v", second, first)
	}
}
