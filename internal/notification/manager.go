package notification

import (
	"sync"
	"time"
)

// fanout sends each notification to every channel.
type fanout struct {
	channels []Channel
	enabled  bool
	onSend   func(Notification)
	pending  sync.WaitGroup
}

// NewManager builds a Notifier with the channels cfg switches on. A disabled
// Config yields a Notifier that drops everything.
func NewManager(cfg Config, opts ...Option) (Notifier, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	m := &fanout{channels: []Channel{}, enabled: cfg.Enabled, onSend: s.onSend}
	if !cfg.Enabled {
		return m, nil
	}

	if cfg.Desktop.Enabled {
		// The fan-out reports every send itself; the channel only needs delivery settings.
		desktop := append([]Option{}, opts...)
		desktop = append(desktop, WithSendCallback(nil))
		m.channels = append(m.channels, NewDesktopChannel(cfg.Desktop, desktop...))
	}
	if cfg.Log.Enabled {
		m.channels = append(m.channels, NewLogChannel(cfg.Log))
	}
	return m, nil
}

// Send stamps missing defaults and delivers n to every channel. The last
// channel error is returned; one failing channel does not stop the others.
func (m *fanout) Send(n Notification) error {
	if !m.enabled {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.Tag == "" {
		n.Tag = DefaultTag
	}
	if m.onSend != nil {
		m.onSend(n)
	}

	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SendAsync dispatches n without blocking. Close waits for it.
func (m *fanout) SendAsync(n Notification) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		_ = m.Send(n)
	}()
}

// Close waits for asynchronous sends and closes every channel.
func (m *fanout) Close() error {
	m.pending.Wait()

	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *fanout) ChannelCount() int {
	return len(m.channels)
}
