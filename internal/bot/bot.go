package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/models"
	"github.com/fuomag9/linkrelay/internal/notification"
	"github.com/fuomag9/linkrelay/internal/relay"
	"github.com/fuomag9/linkrelay/internal/store"
)

// Linker is the part of the linking service the chat commands use
type Linker interface {
	RequestLink(ctx context.Context, chatID int64) (models.LinkingCode, error)
	Status(ctx context.Context, chatID int64) (models.IdentityLink, error)
	Unlink(ctx context.Context, chatID int64) error
	CodeTTL() time.Duration
}

// Relayer calls the backend on behalf of a chat identity
type Relayer interface {
	Relay(ctx context.Context, chatID int64, method, path string, body interface{}) (*relay.Response, error)
	Anonymous(ctx context.Context, method, path string, body interface{}) (*relay.Response, error)
}

// UpdateSource yields Bot API updates
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Options configures a Bot
type Options struct {
	Updates     UpdateSource
	Sender      notification.Notifier
	Linker      Linker
	Relay       Relayer
	Links       store.LinkStore
	PollTimeout time.Duration
	Logger      *zap.Logger
}

// Bot turns chat commands into linking and relay calls
type Bot struct {
	updates     UpdateSource
	sender      notification.Notifier
	linker      Linker
	relay       Relayer
	links       store.LinkStore
	pollTimeout time.Duration
	retryDelay  time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// New creates a bot
func New(opts Options) *Bot {
	b := &Bot{
		updates:     opts.Updates,
		sender:      opts.Sender,
		linker:      opts.Linker,
		relay:       opts.Relay,
		links:       opts.Links,
		pollTimeout: opts.PollTimeout,
		retryDelay:  3 * time.Second,
		logger:      opts.Logger,
	}
	if b.pollTimeout <= 0 {
		b.pollTimeout = DefaultPollTimeout
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Run polls for updates until ctx is done, handling each update in its own goroutine.
// It returns once in-flight updates have been handled.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started (polling)")
	defer func() {
		b.wg.Wait()
		b.logger.Info("telegram bot stopped")
	}()

	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := b.updates.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("failed to poll telegram updates", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			update := u
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleUpdate(ctx, update)
			}()
		}
	}
}

// HandleUpdate dispatches one update to its command handler
func (b *Bot) HandleUpdate(ctx context.Context, u Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic while handling update", zap.Int64("update_id", u.UpdateID), zap.Any("panic", r))
		}
	}()

	msg := u.Message
	if msg == nil || msg.From == nil {
		return
	}

	cmd, args := parseCommand(msg.Text)
	if cmd == "" {
		return
	}

	handler, ok := commands[cmd]
	if !ok {
		b.reply(ctx, msg, "Unknown command. Send /help for the list of commands.")
		return
	}
	handler(b, ctx, msg, args)
}

func (b *Bot) reply(ctx context.Context, msg *Message, text string) {
	b.send(ctx, msg, text, "")
}

func (b *Bot) replyMarkdown(ctx context.Context, msg *Message, text string) {
	b.send(ctx, msg, text, "Markdown")
}

func (b *Bot) send(ctx context.Context, msg *Message, text, parseMode string) {
	err := b.sender.Send(ctx, &notification.Message{
		ChatID:    msg.Chat.ID,
		Text:      text,
		ParseMode: parseMode,
	})
	if err != nil {
		b.logger.Warn("failed to send reply", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
	}
}

// parseCommand splits "/take@SomeBot 12" into "take" and ["12"]
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}
