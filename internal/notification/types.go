package notification

import (
	"context"
	"fmt"
	"sync"
)

// Notifier delivers a text message to a chat identity
type Notifier interface {
	// Name returns the unique identifier for this notifier
	Name() string

	// Send sends the message; errors are the caller's to keep or drop
	Send(ctx context.Context, message *Message) error
}

// Message is a chat message addressed by chat identity
type Message struct {
	ChatID    int64
	Text      string
	ParseMode string // "", "HTML" or "MarkdownV2"
}

// Factory builds a notifier from the settings it needs
type Factory func(settings map[string]string) (Notifier, error)

// Registry holds the notifier factories available to configuration
var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// RegisterFactory registers a notifier factory under name
func RegisterFactory(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// New builds the notifier registered under name
func New(name string, settings map[string]string) (Notifier, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown notifier: %s", name)
	}
	return factory(settings)
}
