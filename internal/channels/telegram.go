package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/clawswarm/orchestrator/internal/queue"
)

// TelegramChannel is the out-of-scope collaborator named in spec.md §1: it
// deposits inbound Telegram messages into queue/incoming and delivers
// outgoing responses addressed to the "telegram" channel back to the
// originating chat. It holds no routing or agent knowledge of its own —
// all of that lives in the core dispatcher and orchestrator.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	incomingDir string
	outgoingDir string
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	pendingMu    sync.Mutex
	pendingChats map[string]int64 // messageId -> chatID, for outgoing delivery
}

// NewTelegramChannel creates a new Telegram channel. incomingDir and
// outgoingDir are the queue directories (spec.md §6's file-queue layout).
func NewTelegramChannel(token string, allowedIDs []int64, incomingDir, outgoingDir string, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		incomingDir:  incomingDir,
		outgoingDir:  outgoingDir,
		logger:       logger.With("component", "channel.telegram"),
		pendingChats: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start connects to Telegram, begins long-polling for inbound messages,
// and watches the outgoing queue directory for responses addressed to
// this channel. It blocks until ctx is canceled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.watchOutgoing(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; len(t.allowedIDs) > 0 && !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage converts an inbound Telegram message into a queue.Message
// and deposits it into the incoming directory, per spec.md §6's file-queue
// layout and §3's Message record shape.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	messageID := uuid.NewString()
	now := time.Now().UnixMilli()

	t.pendingMu.Lock()
	t.pendingChats[messageID] = msg.Chat.ID
	t.pendingMu.Unlock()

	qm := queue.Message{
		Channel:   "telegram",
		Sender:    msg.From.UserName,
		Message:   content,
		Timestamp: now,
		MessageID: messageID,
		SenderID:  fmt.Sprintf("%d", msg.From.ID),
	}

	if err := t.enqueue(qm, now); err != nil {
		t.logger.Error("failed to enqueue telegram message", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not accept message: %v", err))
	}
}

func (t *TelegramChannel) enqueue(m queue.Message, nowMs int64) error {
	if err := os.MkdirAll(t.incomingDir, 0o755); err != nil {
		return fmt.Errorf("create incoming dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d.json", m.Channel, m.MessageID, nowMs)
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return os.WriteFile(filepath.Join(t.incomingDir, name), data, 0o644)
}

// watchOutgoing tails the outgoing queue directory for responses addressed
// to the "telegram" channel and delivers them to the originating chat.
// Falls back to polling if the filesystem watcher cannot be established,
// matching the dispatcher's own polling-first design (spec.md §4.1).
func (t *TelegramChannel) watchOutgoing(ctx context.Context) {
	if err := os.MkdirAll(t.outgoingDir, 0o755); err != nil {
		t.logger.Error("failed to create outgoing dir", "error", err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		t.pollOutgoing(ctx)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(t.outgoingDir); err != nil {
		t.logger.Warn("failed to watch outgoing dir, falling back to polling", "error", err)
		t.pollOutgoing(ctx)
		return
	}

	t.drainOutgoing()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				t.drainOutgoing()
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("outgoing watcher error", "error", werr)
		}
	}
}

func (t *TelegramChannel) pollOutgoing(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.drainOutgoing()
		}
	}
}

// drainOutgoing reads every "telegram_*.json" response file currently in
// the outgoing directory, delivers it, and removes it so other channel
// instances polling the same directory do not redeliver it.
func (t *TelegramChannel) drainOutgoing() {
	entries, err := os.ReadDir(t.outgoingDir)
	if err != nil {
		t.logger.Warn("failed to list outgoing dir", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "telegram_") {
			continue
		}
		path := filepath.Join(t.outgoingDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var resp queue.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("malformed outgoing response, skipping", "file", entry.Name(), "error", err)
			os.Remove(path)
			continue
		}

		t.pendingMu.Lock()
		chatID, known := t.pendingChats[resp.MessageID]
		delete(t.pendingChats, resp.MessageID)
		t.pendingMu.Unlock()

		if known {
			t.reply(chatID, resp.Message)
		} else {
			t.logger.Warn("outgoing response for unknown chat, dropping", "message_id", resp.MessageID)
		}
		os.Remove(path)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
