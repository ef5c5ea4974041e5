package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// CLIHandler handles CLI commands for credential management
type CLIHandler struct {
	manager *Manager
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

// NewCLIHandler creates a new CLI handler for credential commands
func NewCLIHandler(manager *Manager, stdin io.Reader, stdout, stderr io.Writer) *CLIHandler {
	return &CLIHandler{
		manager: manager,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}
}

// Set prompts for the API token and stores it in the keyring
func (h *CLIHandler) Set(ctx context.Context, user string) error {
	user = normalizeUser(user)
	token, err := PromptToken(h.stdin, h.stdout, user)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}

	if err := h.manager.Set(ctx, user, token); err != nil {
		if errors.Is(err, ErrKeyringNotAvailable) {
			return keyringNotAvailableError()
		}
		return fmt.Errorf("failed to store token: %w", err)
	}

	_, _ = fmt.Fprintf(h.stdout, "Token stored in system keyring\n")
	return nil
}

// keyringNotAvailableError points the user at the environment variable fallback
func keyringNotAvailableError() error {
	return fmt.Errorf(`%w.

Alternative: export the token instead:
  export %s="your-api-token"

Run 'taskly credentials get' to verify the token is detected.`, ErrKeyringNotAvailable, EnvToken)
}

// Get reports where the token comes from. The token itself is never printed.
func (h *CLIHandler) Get(ctx context.Context, user string, jsonOutput bool) error {
	info, err := h.manager.Get(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	if jsonOutput {
		jsonBytes, err := info.JSON()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(h.stdout, string(jsonBytes))
		return nil
	}

	if !info.Found {
		_, _ = fmt.Fprintf(h.stdout, "No API token found for %s\n", info.Username)
		_, _ = fmt.Fprintf(h.stdout, "Searched:\n")
		_, _ = fmt.Fprintf(h.stdout, "  - System keyring (%s): Not found\n", Service)
		_, _ = fmt.Fprintf(h.stdout, "  - Environment variable %s: Not set\n", EnvToken)
		_, _ = fmt.Fprintf(h.stdout, "\nSuggestion: Run 'taskly credentials set'\n")
		return nil
	}

	_, _ = fmt.Fprintf(h.stdout, "Source: %s\n", info.Source)
	_, _ = fmt.Fprintf(h.stdout, "Username: %s\n", info.Username)
	_, _ = fmt.Fprintf(h.stdout, "Token: ******** (hidden)\n")
	_, _ = fmt.Fprintf(h.stdout, "Status: Available\n")
	return nil
}

// Delete removes the token from the keyring
func (h *CLIHandler) Delete(ctx context.Context, user string) error {
	if err := h.manager.Delete(ctx, user); err != nil {
		if errors.Is(err, ErrKeyringNotAvailable) {
			return keyringNotAvailableError()
		}
		return fmt.Errorf("failed to delete token: %w", err)
	}

	_, _ = fmt.Fprintf(h.stdout, "Token removed from system keyring\n")
	return nil
}
