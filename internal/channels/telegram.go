package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/reclaw/reclaw-core/internal/config"
)

// telegramAdapter terminates Telegram webhook deliveries and answers them
// through the Bot API. The bot client is built lazily on first send so an
// inbound-only deployment never dials api.telegram.org.
type telegramAdapter struct {
	mu  sync.Mutex
	bot *tgbotapi.BotAPI
	// key the cached bot was built from, so config changes take effect.
	botKey string
}

func (t *telegramAdapter) validate(r *http.Request, _ []byte, cc config.ChannelConfig) *httpError {
	if cc.WebhookToken == "" && cc.WebhookSecret == "" {
		return errUnconfigured("telegram")
	}
	if cc.WebhookSecret != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if !secretEqual(got, cc.WebhookSecret) {
			return errUnauthorized("invalid telegram secret token")
		}
	}
	return nil
}

func (t *telegramAdapter) parse(body []byte) (parseResult, *httpError) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return parseResult{}, errBadPayload("invalid telegram update")
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		return parseResult{Reason: "ignoring non-message update"}, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return parseResult{Reason: "ignoring empty message"}, nil
	}

	in := Inbound{
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:           text,
		MessageID:      strconv.Itoa(msg.MessageID),
	}
	if msg.From != nil {
		in.SenderID = strconv.FormatInt(msg.From.ID, 10)
		if msg.From.UserName != "" {
			in.Metadata = map[string]any{"senderUsername": msg.From.UserName}
		}
	}
	return parseResult{Accepted: true, Msg: in}, nil
}

// deliver sends the reply back into the originating chat.
func (t *telegramAdapter) deliver(_ context.Context, cc config.ChannelConfig, in Inbound, reply string) error {
	if cc.WebhookToken == "" {
		return fmt.Errorf("telegram bot token is not configured")
	}
	chatID, err := strconv.ParseInt(in.ConversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id: %w", err)
	}
	bot, err := t.ensureBot(cc)
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, reply)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (t *telegramAdapter) ensureBot(cc config.ChannelConfig) (*tgbotapi.BotAPI, error) {
	key := cc.WebhookToken + "\x00" + cc.APIBaseURL

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil && t.botKey == key {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cc.WebhookToken, telegramEndpoint(cc.APIBaseURL))
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	t.bot = bot
	t.botKey = key
	return bot, nil
}

// telegramEndpoint turns an API base URL into the bot endpoint format the
// client library expects.
func telegramEndpoint(base string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if base == "" {
		return tgbotapi.APIEndpoint
	}
	return base + "/bot%s/%s"
}
