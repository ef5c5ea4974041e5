// Package notification shows push and update notifications through the desktop
// notification system and an append-only log.
package notification

import (
	"time"
)

// Kind says what caused a notification.
type Kind string

const (
	KindPush      Kind = "push"
	KindUpdate    Kind = "update_available"
	KindSyncError Kind = "sync_error"
	KindTest      Kind = "test"
)

// DefaultTag groups taskly notifications so a newer one replaces the older one.
const DefaultTag = "taskly-notification"

// Notification is one message for the user. Notifications sharing a Tag
// replace each other on the desktop.
type Notification struct {
	Type      Kind
	Title     string
	Message   string
	Tag       string
	Icon      string
	Timestamp time.Time
}

// Notifier delivers notifications to every configured channel.
type Notifier interface {
	Send(n Notification) error
	SendAsync(n Notification)
	Close() error
	ChannelCount() int
}

// Channel is one place notifications end up.
type Channel interface {
	Send(n Notification) error
	Close() error
}

// Config selects the channels a Notifier fans out to.
type Config struct {
	Enabled bool
	Desktop DesktopConfig
	Log     LogConfig
}

// DesktopConfig switches desktop popups on per notification kind.
type DesktopConfig struct {
	Enabled     bool
	OnPush      bool
	OnUpdate    bool
	OnSyncError bool
}

// LogConfig places the notification log. MaxSizeMB <= 0 disables rotation.
type LogConfig struct {
	Enabled   bool
	Path      string
	MaxSizeMB int
}

// Runner starts the platform's notification tool.
type Runner interface {
	Run(name string, args ...string) error
}

type settings struct {
	runner   Runner
	platform string
	onSend   func(Notification)
}

// Option adjusts how desktop notifications are delivered.
type Option func(*settings)

// WithRunner replaces the process runner, mostly for tests.
func WithRunner(r Runner) Option {
	return func(s *settings) { s.runner = r }
}

// WithPlatform overrides runtime.GOOS when picking the notification tool.
func WithPlatform(platform string) Option {
	return func(s *settings) { s.platform = platform }
}

// WithSendCallback is called with every notification the desktop channel accepts.
func WithSendCallback(fn func(Notification)) Option {
	return func(s *settings) { s.onSend = fn }
}
