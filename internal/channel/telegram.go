package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/attune/internal/bus"
	"github.com/stellarlinkco/attune/internal/config"
)

const (
	telegramChannelName = "telegram"
	telegramSendTimeout = 10 * time.Second
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel pushes notifications to the chats mapped to recipients
// and accepts /pulse and /presence reports from those chats.
type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	chats      map[string]int64
	recipients map[int64]string
	limiter    *rate.Limiter
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = config.DefaultTelegramRate
	}

	chats := make(map[string]int64, len(cfg.Recipients))
	recipients := make(map[int64]string, len(cfg.Recipients))
	allow := make([]string, 0, len(cfg.Recipients))
	for recipientID, chatID := range cfg.Recipients {
		chats[recipientID] = chatID
		recipients[chatID] = recipientID
		allow = append(allow, strconv.FormatInt(chatID, 10))
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, allow),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		chats:       chats,
		recipients:  recipients,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), 1),
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

// handleMessage turns "/pulse 0.8" and "/presence ceremony" into inbound
// requests for the recipient mapped to the chat.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if !t.IsAllowed(chatID) {
		log.Printf("[telegram] rejected message from chat %s", chatID)
		return
	}

	recipientID, ok := t.recipients[msg.Chat.ID]
	if !ok {
		recipientID = chatID
	}

	var kind string
	switch msg.Command() {
	case "pulse":
		kind = bus.KindPulse
	case "presence":
		kind = bus.KindPresence
	default:
		return
	}
	arg := strings.TrimSpace(msg.CommandArguments())
	if arg == "" {
		return
	}

	senderID := chatID
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
	}

	err := t.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:     telegramChannelName,
		Kind:        kind,
		SenderID:    senderID,
		ChatID:      chatID,
		RecipientID: recipientID,
		Content:     arg,
		Timestamp:   time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"message_id": msg.MessageID,
		},
	})
	if err != nil {
		log.Printf("[telegram] drop %s from %s: %v", kind, chatID, err)
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// chatFor resolves a recipient id, or a raw chat id for replies.
func (t *TelegramChannel) chatFor(id string) (int64, error) {
	if chatID, ok := t.chats[id]; ok {
		return chatID, nil
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("no telegram chat for recipient %q", id)
	}
	return chatID, nil
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := t.chatFor(msg.ChatID)
	if err != nil {
		return err
	}

	text := msg.Content
	if msg.Title != "" {
		text = "**" + msg.Title + "**\n" + text
	}
	content := toTelegramHTML(text)

	ctx, cancel := context.WithTimeout(context.Background(), telegramSendTimeout)
	defer cancel()

	// Telegram has a 4096 char limit per message
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			// Try to split at last newline before maxLen
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limit: %w", err)
		}

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Retry without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = text
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
			return nil
		}
	}
	return nil
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "**", "<b>", "</b>")
	s = replacePairs(s, "*", "<i>", "</i>")
	return s
}

func replacePairs(s, marker, openTag, closeTag string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		s = s[:start] + openTag + s[start+len(marker):end] + closeTag + s[end+len(marker):]
	}
}
