// Package connectivity reports whether the task API host is reachable.
//
// The answer is sampled each time Online is called. Nothing is cached between
// calls and state changes are not debounced, so a decision always sees the
// connection as it is at that moment.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Modes accepted by New. They match the sync.offline_mode config values.
const (
	ModeAuto    = "auto"
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// DefaultTimeout bounds a single reachability probe.
const DefaultTimeout = 5 * time.Second

// Monitor reports the current connection state.
type Monitor interface {
	Online() bool
}

// Static is a Monitor with a fixed answer.
type Static bool

// Online implements Monitor.
func (s Static) Online() bool { return bool(s) }

// Func adapts a function to Monitor.
type Func func() bool

// Online implements Monitor.
func (f Func) Online() bool { return f() }

// Dialer is the subset of net.Dialer used by Probe.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe considers the host online when a TCP connection to Address succeeds within Timeout.
type Probe struct {
	Address string
	Timeout time.Duration
	Dialer  Dialer
}

// Online implements Monitor by dialing Address.
func (p *Probe) Online() bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var d Dialer = p.Dialer
	if d == nil {
		d = &net.Dialer{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// HostPort derives a dialable host:port from an http(s) base URL.
func HostPort(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("base URL %q has no host", baseURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// New builds a Monitor for the given mode. In auto mode the API base URL is probed.
func New(mode, baseURL string, timeout time.Duration) (Monitor, error) {
	switch mode {
	case ModeOnline:
		return Static(true), nil
	case ModeOffline:
		return Static(false), nil
	case ModeAuto, "":
		addr, err := HostPort(baseURL)
		if err != nil {
			return nil, err
		}
		return &Probe{Address: addr, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown offline mode %q (want auto, online or offline)", mode)
	}
}
