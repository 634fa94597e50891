package notification

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BestEffort wraps a notifier so that delivery failures are logged and dropped.
// A nil inner notifier turns every send into a no-op.
type BestEffort struct {
	inner   Notifier
	logger  *zap.Logger
	timeout time.Duration
}

// NewBestEffort creates a best-effort sender around inner
func NewBestEffort(inner Notifier, logger *zap.Logger) *BestEffort {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BestEffort{inner: inner, logger: logger, timeout: 10 * time.Second}
}

// Notify sends text to chatID and reports whether it was delivered
func (b *BestEffort) Notify(ctx context.Context, chatID int64, text string) bool {
	return b.NotifyMessage(ctx, &Message{ChatID: chatID, Text: text})
}

// NotifyMessage sends a prepared message and reports whether it was delivered
func (b *BestEffort) NotifyMessage(ctx context.Context, msg *Message) bool {
	if b == nil || b.inner == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.inner.Send(ctx, msg); err != nil {
		b.logger.Warn("failed to notify chat",
			zap.String("notifier", b.inner.Name()),
			zap.Int64("chat_id", msg.ChatID),
			zap.Error(err),
		)
		return false
	}
	return true
}
