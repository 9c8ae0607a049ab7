package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/notibot/internal/attachments"
	"github.com/user/notibot/internal/botpkg"
	"github.com/user/notibot/internal/resolver"
	"github.com/user/notibot/internal/types"
)

const (
	maxTelegramMessage = 4096

	// SourceApp identifies Telegram notifications to bots.
	SourceApp = "org.telegram.messenger"

	ChannelPrefix = "telegram:"
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Handler accepts a captured notification for processing.
type Handler func(ev *types.NotificationEvent) error

type Config struct {
	Token   string
	Handler Handler

	// Attachments, when set and AttachmentsEnabled reports true, receives
	// photos and documents attached to incoming messages.
	Attachments        *attachments.Store
	AttachmentsEnabled func() bool

	// BotInfo backs the /status command.
	BotInfo func() *botpkg.Package

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Adapter is both a capture source and a delivery sink for Telegram.
type Adapter struct {
	bot    botAPI
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	after  func(time.Duration, func()) *time.Timer
}

// New creates a Telegram adapter.
func New(cfg Config) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, cfg), nil
}

func newAdapter(bot botAPI, cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.AttachmentsEnabled == nil {
		cfg.AttachmentsEnabled = func() bool { return false }
	}
	return &Adapter{
		bot:    bot,
		cfg:    cfg,
		logger: cfg.Logger,
		timers: make(map[*time.Timer]struct{}),
		after:  time.AfterFunc,
	}
}

// Start begins long-polling for Telegram updates. It returns when ctx is
// done; pending snooze timers are cancelled.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			a.stopTimers()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(msg)
		return
	}
	if msg.Text == "" && msg.Caption == "" && len(msg.Photo) == 0 && msg.Document == nil {
		return
	}

	ev := a.toEvent(ctx, msg)
	if err := a.cfg.Handler(ev); err != nil {
		a.logger.Error("handle notification", "chat_id", msg.Chat.ID, "error", err)
	}
}

// toEvent builds the notification snapshot for msg.
func (a *Adapter) toEvent(ctx context.Context, msg *tgbotapi.Message) *types.NotificationEvent {
	body := msg.Text
	if body == "" {
		body = msg.Caption
	}
	ev := &types.NotificationEvent{
		ID:               int64(msg.MessageID),
		SourceApp:        SourceApp,
		Title:            senderName(msg),
		Body:             body,
		Timestamp:        int64(msg.Date) * 1000,
		IsGroup:          msg.Chat != nil && !msg.Chat.IsPrivate(),
		AvailableActions: []string{"reply"},
		Channel:          buildChannel(msg.Chat.ID, msg.MessageID),
	}
	if a.cfg.Attachments != nil && a.cfg.AttachmentsEnabled() {
		ev.Attachments = a.fetchAttachments(ctx, msg)
	}
	return ev
}

func (a *Adapter) fetchAttachments(ctx context.Context, msg *tgbotapi.Message) []types.AttachmentInfo {
	var out []types.AttachmentInfo
	if n := len(msg.Photo); n > 0 {
		// Sizes are ordered smallest first.
		if info, err := a.download(ctx, msg.Photo[n-1].FileID, "image/jpeg"); err == nil {
			out = append(out, info)
		} else {
			a.logger.Warn("fetch photo", "error", err)
		}
	}
	if d := msg.Document; d != nil {
		if info, err := a.download(ctx, d.FileID, d.MimeType); err == nil {
			out = append(out, info)
		} else {
			a.logger.Warn("fetch document", "error", err)
		}
	}
	return out
}

func (a *Adapter) download(ctx context.Context, fileID, mimeType string) (types.AttachmentInfo, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return types.AttachmentInfo{}, fmt.Errorf("resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.AttachmentInfo{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return types.AttachmentInfo{}, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return types.AttachmentInfo{}, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return a.cfg.Attachments.Put(resp.Body, mimeType, "")
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendText(chatID, 0, "Hello! Messages sent here are handed to your notification bot.")

	case "status":
		var p *botpkg.Package
		if a.cfg.BotInfo != nil {
			p = a.cfg.BotInfo()
		}
		if p == nil {
			a.sendText(chatID, 0, "No bot installed.")
			return
		}
		a.sendText(chatID, 0, fmt.Sprintf("Bot: %s\nHash: %s\nInstalled: %s",
			p.SourceURL, p.ContentHash, p.InstalledAt().UTC().Format(time.RFC3339)))

	default:
		a.sendText(chatID, 0, "Unknown command. Available: /start, /status")
	}
}

// Deliver applies eff to the Telegram message ev came from.
func (a *Adapter) Deliver(_ context.Context, ev *types.NotificationEvent, eff resolver.Effect) error {
	chatID, messageID, err := parseChannel(ev.Channel)
	if err != nil {
		return err
	}

	switch e := eff.(type) {
	case resolver.Reply:
		if err := a.sendText(chatID, messageID, e.Text); err != nil {
			return err
		}
		for _, att := range e.Attachments {
			doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(att.Path))
			doc.ReplyToMessageID = messageID
			if _, err := a.bot.Send(doc); err != nil {
				return fmt.Errorf("send attachment: %w", err)
			}
		}
	case resolver.Snooze:
		a.schedule(e.Duration, func() {
			fwd := tgbotapi.NewForward(chatID, chatID, messageID)
			if _, err := a.bot.Send(fwd); err != nil {
				a.logger.Error("re-deliver snoozed message", "chat_id", chatID, "error", err)
			}
		})
	case resolver.Keep, resolver.Dismiss:
		// Telegram has nothing to suppress; the message stays as is.
	default:
		return fmt.Errorf("unsupported effect %T", eff)
	}
	return nil
}

func (a *Adapter) schedule(d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var t *time.Timer
	t = a.after(d, func() {
		a.mu.Lock()
		delete(a.timers, t)
		a.mu.Unlock()
		fn()
	})
	a.timers[t] = struct{}{}
}

func (a *Adapter) stopTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for t := range a.timers {
		t.Stop()
		delete(a.timers, t)
	}
}

func (a *Adapter) sendText(chatID int64, replyTo int, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ReplyToMessageID = replyTo
		if _, err := a.bot.Send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func senderName(msg *tgbotapi.Message) string {
	if msg.From == nil {
		if msg.Chat != nil {
			return msg.Chat.Title
		}
		return ""
	}
	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if name == "" {
		name = msg.From.UserName
	}
	return name
}

func buildChannel(chatID int64, messageID int) types.ChannelKey {
	return types.NewChannelKey("telegram",
		strconv.FormatInt(chatID, 10),
		strconv.Itoa(messageID),
	)
}

func parseChannel(key types.ChannelKey) (int64, int, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 3 || parts[0] != "telegram" {
		return 0, 0, fmt.Errorf("not a telegram channel: %q", key)
	}
	chatID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse chat id: %w", err)
	}
	messageID, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, fmt.Errorf("parse message id: %w", err)
	}
	return chatID, messageID, nil
}
