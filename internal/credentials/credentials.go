// Package credentials stores the task API token in the OS keyring, with the
// TASKLY_API_TOKEN environment variable as a fallback.
package credentials

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Service is the keyring service name the token is stored under.
const Service = "taskly-api"

// EnvToken is the environment variable checked when the keyring has no token.
const EnvToken = "TASKLY_API_TOKEN"

// DefaultUser is the keyring account used when none is given.
const DefaultUser = "default"

// Source indicates where credentials were retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// CredentialInfo contains credential information returned by Get()
type CredentialInfo struct {
	Source   Source // Where the token came from
	Username string // Keyring account
	Token    string
	Found    bool
}

// JSON serializes the credential info to JSON (token excluded for security)
func (c *CredentialInfo) JSON() ([]byte, error) {
	output := struct {
		Username string `json:"username"`
		Source   string `json:"source"`
		Found    bool   `json:"found"`
	}{
		Username: c.Username,
		Source:   string(c.Source),
		Found:    c.Found,
	}
	return json.Marshal(output)
}

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager handles credential operations
type Manager struct {
	keyring Keyring
	getenv  func(string) string
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// WithGetenv replaces os.Getenv for the environment fallback
func WithGetenv(getenv func(string) string) ManagerOption {
	return func(m *Manager) {
		m.getenv = getenv
	}
}

// NewManager creates a new credential manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
		getenv:  os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalizeUser(user string) string {
	user = strings.TrimSpace(user)
	if user == "" {
		return DefaultUser
	}
	return user
}

// Set stores the token in the keyring
func (m *Manager) Set(ctx context.Context, user, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is empty")
	}
	return m.keyring.Set(Service, normalizeUser(user), token)
}

// Get retrieves the token from available sources (keyring first, then environment)
func (m *Manager) Get(ctx context.Context, user string) (*CredentialInfo, error) {
	user = normalizeUser(user)

	token, err := m.keyring.Get(Service, user)
	if err == nil && token != "" {
		return &CredentialInfo{Source: SourceKeyring, Username: user, Token: token, Found: true}, nil
	}

	if token := strings.TrimSpace(m.getenv(EnvToken)); token != "" {
		return &CredentialInfo{Source: SourceEnvironment, Username: user, Token: token, Found: true}, nil
	}

	return &CredentialInfo{Source: SourceNone, Username: user, Found: false}, nil
}

// Token returns the token or "" when none is configured.
func (m *Manager) Token(ctx context.Context, user string) string {
	info, err := m.Get(ctx, user)
	if err != nil || !info.Found {
		return ""
	}
	return info.Token
}

// Delete removes the token from the keyring
func (m *Manager) Delete(ctx context.Context, user string) error {
	err := m.keyring.Delete(Service, normalizeUser(user))
	// Idempotent: return nil if not found
	if err != nil && (errors.Is(err, errNotFound) || strings.Contains(err.Error(), "not found")) {
		return nil
	}
	return err
}

// PromptToken asks for the token. Input is hidden when reader is a terminal.
func PromptToken(reader io.Reader, writer io.Writer, user string) (string, error) {
	_, _ = fmt.Fprintf(writer, "Enter API token for %s: ", user)

	if f, ok := reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(writer)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	// For non-TTY input (testing, pipes), just read a line
	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
