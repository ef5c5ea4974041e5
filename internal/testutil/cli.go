// Package testutil provides shared test utilities for CLI testing across packages.
// Commands run against a temporary config, replica and cache, with the network
// replaced by an httpmock transport and the keyring by an in-memory mock.
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"taskly/backend"
	"taskly/cmd/taskly/cmd"
	"taskly/internal/credentials"
	"taskly/internal/notification"
)

// Addresses the test config points at. Nothing listens there; every request
// is answered by the mock transport.
const (
	APIBase = "https://api.taskly.test/api"
	Origin  = "https://app.taskly.test"
)

// TasksURL is the endpoint FetchTasks calls.
const TasksURL = APIBase + "/tasks"

// TestTime is returned by the CLI clock.
var TestTime = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

const testConfigTemplate = `# test config
api:
  base_url: %s
  timeout: 2s
  retries: 1
  base_delay: 10ms
cache:
  backend: sqlite
  path: %s
worker:
  enabled: %t
  environment: production
  origin: %s
  critical_assets:
    - /
    - /index.html
sync:
  offline_mode: online
notification:
  enabled: false
logging:
  background_enabled: false
`

// CLITest provides a test helper for running CLI commands in isolation.
type CLITest struct {
	t          *testing.T
	cfg        *cmd.Config
	tmpDir     string
	configPath string
	transport  *httpmock.MockTransport
	keyring    *credentials.MockKeyring
	notes      *NotificationRecorder
}

// NewCLITest creates a CLI test helper with the worker disabled.
func NewCLITest(t *testing.T) *CLITest {
	t.Helper()
	return newCLITest(t, false)
}

// NewCLITestWithWorker creates a CLI test helper with the worker registered
// in production. The app shell responders are installed so install succeeds.
func NewCLITestWithWorker(t *testing.T) *CLITest {
	t.Helper()
	c := newCLITest(t, true)
	c.transport.RegisterResponder("GET", Origin+"/", httpmock.NewStringResponder(200, "<html>shell</html>"))
	c.transport.RegisterResponder("GET", Origin+"/index.html", httpmock.NewStringResponder(200, "<html>index</html>"))
	return c
}

func newCLITest(t *testing.T, workerEnabled bool) *CLITest {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	cachePath := filepath.Join(tmpDir, "cache", "responses.db")

	content := fmt.Sprintf(testConfigTemplate, APIBase, cachePath, workerEnabled, Origin)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create config file: %v", err)
	}

	transport := httpmock.NewMockTransport()
	keyring := credentials.NewMockKeyring()
	notes := &NotificationRecorder{}

	cfg := &cmd.Config{
		NoPrompt:   true,
		ConfigPath: configPath,
		DBPath:     filepath.Join(tmpDir, "tasks.db"),
		CachePath:  cachePath,
		Transport:  transport,
		Keyring:    keyring,
		Getenv:     func(string) string { return "" },
		Notifier:   notes,
		Stdin:      strings.NewReader(""),
		Now:        func() time.Time { return TestTime },
	}

	return &CLITest{
		t:          t,
		cfg:        cfg,
		tmpDir:     tmpDir,
		configPath: configPath,
		transport:  transport,
		keyring:    keyring,
		notes:      notes,
	}
}

// Config returns the test configuration.
func (c *CLITest) Config() *cmd.Config {
	return c.cfg
}

// TmpDir returns the temporary directory for the test.
func (c *CLITest) TmpDir() string {
	return c.tmpDir
}

// ConfigPath returns the path to the config file.
func (c *CLITest) ConfigPath() string {
	return c.configPath
}

// DBPath returns the path to the replica database.
func (c *CLITest) DBPath() string {
	return c.cfg.DBPath
}

// Transport returns the mock transport every network request goes through.
func (c *CLITest) Transport() *httpmock.MockTransport {
	return c.transport
}

// Keyring returns the in-memory keyring.
func (c *CLITest) Keyring() *credentials.MockKeyring {
	return c.keyring
}

// Notifications returns the notifications shown so far.
func (c *CLITest) Notifications() []notification.Notification {
	return c.notes.Sent()
}

// SetStdin sets what prompts read.
func (c *CLITest) SetStdin(input string) {
	c.cfg.Stdin = strings.NewReader(input)
}

// SetEnv makes the credential lookup see key=value.
func (c *CLITest) SetEnv(key, value string) {
	c.cfg.Getenv = func(k string) string {
		if k == key {
			return value
		}
		return ""
	}
}

// SetConfigValue appends a top-level key-value pair to the test config file.
func (c *CLITest) SetConfigValue(key, value string) {
	c.t.Helper()

	data, err := os.ReadFile(c.configPath)
	if err != nil {
		c.t.Fatalf("failed to read config file: %v", err)
	}

	newConfig := string(data) + key + ": " + value + "\n"
	if err := os.WriteFile(c.configPath, []byte(newConfig), 0644); err != nil {
		c.t.Fatalf("failed to write config file: %v", err)
	}
}

// SetFullConfig replaces the entire config file with the given YAML content.
func (c *CLITest) SetFullConfig(yamlContent string) {
	c.t.Helper()

	if err := os.WriteFile(c.configPath, []byte(yamlContent), 0644); err != nil {
		c.t.Fatalf("failed to write config file: %v", err)
	}
}

// ServeTasks answers FetchTasks with tasks.
func (c *CLITest) ServeTasks(tasks []backend.Task) {
	c.transport.RegisterResponder("GET", TasksURL, httpmock.NewJsonResponderOrPanic(200, tasks))
}

// FailTasks makes FetchTasks fail at the transport level.
func (c *CLITest) FailTasks() {
	c.transport.RegisterResponder("GET", TasksURL, httpmock.NewErrorResponder(fmt.Errorf("dial tcp: connection refused")))
}

// Execute runs a CLI command with the given arguments and returns stdout, stderr, and exit code.
func (c *CLITest) Execute(args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()

	var stdoutBuf, stderrBuf bytes.Buffer
	exitCode = cmd.Execute(args, &stdoutBuf, &stderrBuf, c.cfg)
	return stdoutBuf.String(), stderrBuf.String(), exitCode
}

// MustExecute runs a CLI command and fails the test if exit code is non-zero.
func (c *CLITest) MustExecute(args ...string) string {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode != 0 {
		c.t.Fatalf("expected exit code 0, got %d: stdout=%s stderr=%s", exitCode, stdout, stderr)
	}
	return stdout
}

// ExecuteAndFail runs a CLI command and fails the test if exit code is zero.
func (c *CLITest) ExecuteAndFail(args ...string) (stdout, stderr string) {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode == 0 {
		c.t.Fatalf("expected non-zero exit code, got 0: stdout=%s", stdout)
	}
	return stdout, stderr
}

// NotificationRecorder is a notification manager that keeps what it is sent.
type NotificationRecorder struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (r *NotificationRecorder) Send(n notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *NotificationRecorder) SendAsync(n notification.Notification) { _ = r.Send(n) }
func (r *NotificationRecorder) Close() error                          { return nil }
func (r *NotificationRecorder) ChannelCount() int                     { return 1 }

// Sent returns a copy of the recorded notifications.
func (r *NotificationRecorder) Sent() []notification.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification.Notification(nil), r.sent...)
}

// AssertContains fails the test if output doesn't contain expected string.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected string.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertExitCode fails the test if exit code doesn't match expected.
func AssertExitCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected exit code %d, got %d", want, got)
	}
}

// AssertResultCode verifies that the output ends with the expected result code.
func AssertResultCode(t *testing.T, output, expectedCode string) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		t.Errorf("expected result code %q but output is empty", expectedCode)
		return
	}
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if lastLine != expectedCode {
		t.Errorf("expected result code %q, got %q\nFull output:\n%s", expectedCode, lastLine, output)
	}
}

// Result code constants for convenience.
const (
	ResultActionCompleted = cmd.ResultActionCompleted
	ResultInfoOnly        = cmd.ResultInfoOnly
	ResultError           = cmd.ResultError
)
