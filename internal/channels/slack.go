package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack/slackevents"

	"github.com/reclaw/reclaw-core/internal/config"
)

// slackSignatureSkew bounds how stale a signed request timestamp may be
// before the delivery is treated as a replay.
const slackSignatureSkew = 5 * time.Minute

// slackAdapter terminates Slack Events API deliveries. WebhookSecret holds
// the app's signing secret; every request is verified against the v0
// signature scheme before the body is trusted.
type slackAdapter struct{}

func (s *slackAdapter) validate(r *http.Request, body []byte, cc config.ChannelConfig) *httpError {
	if cc.WebhookSecret == "" {
		return errUnconfigured("slack")
	}

	ts := strings.TrimSpace(r.Header.Get("X-Slack-Request-Timestamp"))
	sig := strings.TrimSpace(r.Header.Get("X-Slack-Signature"))
	if ts == "" || sig == "" {
		return errUnauthorized("missing slack signature headers")
	}
	tsNum, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errUnauthorized("invalid slack signature timestamp")
	}
	if delta := time.Since(time.Unix(tsNum, 0)); delta > slackSignatureSkew || delta < -slackSignatureSkew {
		return errUnauthorized("slack signature timestamp out of range")
	}

	mac := hmac.New(sha256.New, []byte(cc.WebhookSecret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errUnauthorized("invalid slack signature")
	}
	return nil
}

func (s *slackAdapter) parse(body []byte) (parseResult, *httpError) {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return parseResult{}, errBadPayload("invalid slack event payload")
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil || challenge.Challenge == "" {
			return parseResult{}, errBadPayload("invalid slack url_verification payload")
		}
		return parseResult{Challenge: challenge.Challenge}, nil

	case slackevents.CallbackEvent:
		switch inner := event.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			if inner.BotID != "" || inner.SubType != "" {
				return parseResult{Reason: "ignoring bot or system message"}, nil
			}
			return slackInbound(inner.Channel, inner.User, inner.TimeStamp, inner.ThreadTimeStamp, inner.Text)
		case *slackevents.AppMentionEvent:
			return slackInbound(inner.Channel, inner.User, inner.TimeStamp, inner.ThreadTimeStamp, inner.Text)
		default:
			return parseResult{Reason: "ignoring unsupported slack event"}, nil
		}

	default:
		return parseResult{Reason: "ignoring unsupported slack callback"}, nil
	}
}

func slackInbound(channel, user, ts, threadTS, text string) (parseResult, *httpError) {
	text = strings.TrimSpace(text)
	if text == "" {
		return parseResult{Reason: "ignoring empty message"}, nil
	}
	in := Inbound{
		ConversationID: channel,
		SenderID:       user,
		MessageID:      ts,
		Text:           text,
	}
	if threadTS != "" && threadTS != ts {
		in.Metadata = map[string]any{"threadTs": threadTS}
	}
	return parseResult{Accepted: true, Msg: in}, nil
}
