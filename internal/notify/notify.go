// Package notify fans operator notifications out to chat channels
package notify

import (
	"context"
	"sync"
	"time"

	"copy_trader/internal/core"
)

// Channel is one delivery target for operator messages.
type Channel interface {
	Send(ctx context.Context, text string) error
	Name() string
}

// Manager dispatches each message to every channel in its own goroutine.
// Delivery is best effort: failures are logged and never reach the trading
// path.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.Logger
}

func NewManager(logger core.Logger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "notify"),
	}
}

// AddChannel registers a delivery target.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("added notification channel", "name", ch.Name())
}

// Notify sends the message to all channels without waiting for delivery.
func (m *Manager) Notify(ctx context.Context, text string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, text); err != nil {
				m.logger.Error("notification delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

var _ core.Notifier = (*Manager)(nil)

// Nop is a notifier that drops every message. Used in tests.
type Nop struct{}

func (Nop) Notify(context.Context, string) {}

var _ core.Notifier = Nop{}
