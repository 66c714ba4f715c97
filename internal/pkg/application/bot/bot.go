package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/homed/cloud-bridge/internal/pkg/application/accounts"
)

const sendTimeout = 10 * time.Second

type state int

const (
	stateIdle state = iota
	stateRenew
	stateRemove
)

// Bot handles Telegram webhook updates with a small per-chat
// confirmation state machine: destructive commands (/renew on an
// existing account, /remove) require a /confirm.
type Bot struct {
	token    string
	accounts *accounts.Service

	httpClient http.Client

	mu     sync.Mutex
	states map[int64]state
}

func New(token string, accountsSvc *accounts.Service) *Bot {
	return &Bot{
		token:    token,
		accounts: accountsSvc,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		states: map[int64]state{},
	}
}

type update struct {
	Message struct {
		Text string `json:"text"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		From struct {
			IsBot bool `json:"is_bot"`
		} `json:"from"`
	} `json:"message"`
}

// HandleUpdate processes one webhook payload. Replies are sent
// fire-and-forget; the webhook itself always succeeds so Telegram
// does not retry.
func (b *Bot) HandleUpdate(ctx context.Context, body []byte) {
	var u update

	if err := json.Unmarshal(body, &u); err != nil {
		return
	}

	if u.Message.Chat.Type != "private" || u.Message.From.IsBot {
		return
	}

	chat := u.Message.Chat.ID
	_, known := b.accounts.FindByChat(chat)

	var reply string

	switch strings.TrimSpace(u.Message.Text) {
	case "/start":
		if known {
			break
		}
		reply = b.provision(ctx, chat, "Credentials created.\n\n")

	case "/renew":
		if known {
			reply = "Are you really want to get new credentials?\nSend /confirm or /cancel."
			b.setState(chat, stateRenew)
			break
		}
		reply = b.provision(ctx, chat, "Credentials created.\n\n")

	case "/remove":
		if known {
			reply = "Are you really want to remove your credentials?\nSend /confirm or /cancel."
			b.setState(chat, stateRemove)
			break
		}
		reply = "Credentials not found."

	case "/confirm":
		if !known {
			break
		}

		switch b.getState(chat) {
		case stateRenew:
			reply = b.provision(ctx, chat, "Credentials updated.\n\n")
		case stateRemove:
			if err := b.accounts.Remove(ctx, chat); err == nil {
				reply = "Credentials successfully removed."
			}
			b.setState(chat, stateIdle)
		}

	case "/cancel":
		if !known || b.getState(chat) == stateIdle {
			break
		}
		reply = "Action cancelled."
		b.setState(chat, stateIdle)

	case "/getid":
		reply = fmt.Sprintf("Your chat identifier:\n`%d`", chat)
	}

	if reply != "" {
		b.sendMessage(ctx, chat, reply)
	}
}

func (b *Bot) provision(ctx context.Context, chat int64, prefix string) string {
	credentials, err := b.accounts.Provision(ctx, chat)
	if err != nil {
		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Msg("failed to provision credentials")
		return ""
	}

	b.setState(chat, stateIdle)

	return prefix + fmt.Sprintf(
		"Username:\n`%s`\n\nPassword:\n`%s`\n\nClient token:\n`%s`",
		credentials.Name, credentials.Password, credentials.ClientToken,
	)
}

func (b *Bot) getState(chat int64) state {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chat]
}

func (b *Bot) setState(chat int64, s state) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s == stateIdle {
		delete(b.states, chat)
		return
	}
	b.states[chat] = s
}

func (b *Bot) sendMessage(ctx context.Context, chat int64, text string) {
	if b.token == "" {
		return
	}

	log := logging.GetFromContext(ctx)

	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chat, 10))
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", b.token)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			log.Error().Err(err).Msg("failed to create telegram request")
			return
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := b.httpClient.Do(req)
		if err != nil {
			log.Error().Err(err).Msg("telegram send failed")
			return
		}
		resp.Body.Close()
	}()
}
