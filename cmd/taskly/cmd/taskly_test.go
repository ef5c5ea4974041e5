package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskly/internal/config"
	"taskly/internal/connectivity"
	"taskly/internal/notification"
)

// =============================================================================
// Core CLI Tests
// These tests verify basic CLI functionality: help, version, flags and errors.
// Command tests that need a config, replica and mock network live in cli_test.go.
// =============================================================================

// TestHelpFlagCoreCLI verifies that --help displays usage information
func TestHelpFlagCoreCLI(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"--help"}, &stdout, &stderr, nil)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}

	output := stdout.String()
	for _, want := range []string{"taskly", "Usage:", "tasks", "serve", "cache", "notify"} {
		if !strings.Contains(output, want) {
			t.Errorf("help output should contain %q, got: %s", want, output)
		}
	}
}

// TestVersionFlagCoreCLI verifies that --version displays version string
func TestVersionFlagCoreCLI(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"--version"}, &stdout, &stderr, nil)

	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", exitCode, stderr.String())
	}
	if !strings.Contains(stdout.String(), "taskly") || !strings.Contains(stdout.String(), Version) {
		t.Errorf("version output should contain name and version, got: %s", stdout.String())
	}
}

// TestUnknownCommandFails verifies unknown subcommands exit 1 with an error on stderr
func TestUnknownCommandFails(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"frobnicate"}, &stdout, &stderr, nil)

	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	if !strings.HasPrefix(stderr.String(), "Error:") {
		t.Errorf("stderr should start with 'Error:', got: %s", stderr.String())
	}
}

// TestErrorResultCodeInNoPromptMode verifies ERROR is printed on stdout in no-prompt mode
func TestErrorResultCodeInNoPromptMode(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"frobnicate"}, &stdout, &stderr, &Config{NoPrompt: true})

	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	if strings.TrimSpace(stdout.String()) != ResultError {
		t.Errorf("stdout = %q, want %s", stdout.String(), ResultError)
	}
}

// TestErrorJSONOutput verifies errors are reported as JSON when --json is passed
func TestErrorJSONOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Execute([]string{"tasks", "toggle", "abc", "--json"}, &stdout, &stderr, nil)

	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	var resp errorResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, stdout.String())
	}
	if resp.Code != 1 || resp.Result != ResultError || resp.Error == "" {
		t.Errorf("unexpected error response: %+v", resp)
	}
	if stderr.Len() != 0 {
		t.Errorf("stderr should be empty in JSON mode, got: %s", stderr.String())
	}
}

// TestContainsJSONFlag verifies detection of --json among arguments
func TestContainsJSONFlag(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{[]string{"tasks", "--json"}, true},
		{[]string{"--json"}, true},
		{[]string{"tasks", "list"}, false},
		{[]string{"tasks", "add", "--jsonish"}, false},
	}
	for _, tt := range tests {
		if got := containsJSONFlag(tt.args); got != tt.want {
			t.Errorf("containsJSONFlag(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

// =============================================================================
// Worker config mapping
// =============================================================================

// TestWorkerConfigDefaults verifies an empty worker section keeps the worker defaults
func TestWorkerConfigDefaults(t *testing.T) {
	cfg := config.DefaultConfig()

	wc, err := workerConfig(cfg)
	if err != nil {
		t.Fatalf("workerConfig error: %v", err)
	}
	if wc.Version != "v1" || wc.Namespace != "taskly-" {
		t.Errorf("version/namespace = %q/%q, want v1/taskly-", wc.Version, wc.Namespace)
	}
	if !wc.SkipWaiting {
		t.Error("skip waiting should default to true")
	}
	if !wc.APIPattern.MatchString(config.DefaultBaseURL + "/tasks") {
		t.Errorf("API pattern %s should match the task endpoint", wc.APIPattern)
	}
	if wc.Origin != config.DefaultOrigin {
		t.Errorf("origin = %q, want %q", wc.Origin, config.DefaultOrigin)
	}
}

// TestWorkerConfigOverrides verifies every worker key of the config file is applied
func TestWorkerConfigOverrides(t *testing.T) {
	cfg, err := config.Parse([]byte(`
api:
  base_url: https://api.example.com/v2
worker:
  version: v7
  namespace: myapp-
  origin: https://app.example.com/
  critical_assets: [/, /app.js]
  api_pattern: "^https://api\\.example\\.com/"
  static_pattern: "\\.(js|css)$"
  icon: /icon.png
  skip_waiting: false
`))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	wc, err := workerConfig(cfg)
	if err != nil {
		t.Fatalf("workerConfig error: %v", err)
	}
	if wc.ShellCache() != "myapp-v7" {
		t.Errorf("shell cache = %q, want myapp-v7", wc.ShellCache())
	}
	if wc.Origin != "https://app.example.com" {
		t.Errorf("origin = %q, trailing slash should be trimmed", wc.Origin)
	}
	if len(wc.CriticalAssets) != 2 || wc.CriticalAssets[1] != "/app.js" {
		t.Errorf("critical assets = %v", wc.CriticalAssets)
	}
	if !wc.APIPattern.MatchString("https://api.example.com/anything") {
		t.Errorf("api pattern not applied: %s", wc.APIPattern)
	}
	if wc.StaticPattern.MatchString("/logo.png") {
		t.Errorf("static pattern not applied: %s", wc.StaticPattern)
	}
	if wc.Icon != "/icon.png" || wc.SkipWaiting {
		t.Errorf("icon/skip waiting = %q/%v", wc.Icon, wc.SkipWaiting)
	}
}

// TestWorkerConfigRejectsBadPattern verifies invalid patterns are reported
func TestWorkerConfigRejectsBadPattern(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Worker.StaticPattern = "(["

	if _, err := workerConfig(cfg); err == nil {
		t.Fatal("expected error for invalid static pattern")
	}
}

// TestRuntimeCloseJoinsErrors verifies Close runs every closer in reverse and joins failures
func TestRuntimeCloseJoinsErrors(t *testing.T) {
	var order []string
	errA := errors.New("a failed")
	rt := &runtime{closers: []func() error{
		func() error { order = append(order, "a"); return errA },
		func() error { order = append(order, "b"); return nil },
	}}

	err := rt.Close()
	if !errors.Is(err, errA) {
		t.Errorf("Close error = %v, want %v", err, errA)
	}
	if strings.Join(order, ",") != "b,a" {
		t.Errorf("close order = %v, want b,a", order)
	}
	if err := rt.Close(); err != nil {
		t.Errorf("second Close should do nothing, got %v", err)
	}
}

// =============================================================================
// Serve connectivity watch
// =============================================================================

type countingNotifier struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (n *countingNotifier) Send(x notification.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, x)
	return nil
}

func (n *countingNotifier) SendAsync(x notification.Notification) { _ = n.Send(x) }
func (n *countingNotifier) Close() error                          { return nil }
func (n *countingNotifier) ChannelCount() int                     { return 1 }

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// TestWatchConnectivityAlertsOncePerOutage verifies a sustained outage raises a single notification
func TestWatchConnectivityAlertsOncePerOutage(t *testing.T) {
	var samples atomic.Int32
	monitor := connectivity.Func(func() bool {
		samples.Add(1)
		return false
	})
	notifier := &countingNotifier{}
	breaker := connectivity.NewBreaker(2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchConnectivity(ctx, monitor, breaker, notifier, time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for samples.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if samples.Load() < 10 {
		t.Fatalf("expected at least 10 samples, got %d", samples.Load())
	}
	if got := notifier.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
	if notifier.sent[0].Type != notification.KindSyncError || notifier.sent[0].Title != offlineTitle {
		t.Errorf("unexpected notification: %+v", notifier.sent[0])
	}
	if breaker.State() != connectivity.BreakerOpen {
		t.Errorf("breaker state = %s, want open", breaker.State())
	}
}

// TestWatchConnectivityQuietWhenOnline verifies no notification is raised while the API is reachable
func TestWatchConnectivityQuietWhenOnline(t *testing.T) {
	notifier := &countingNotifier{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	watchConnectivity(ctx, connectivity.Static(true), connectivity.NewBreaker(1, time.Hour), notifier, time.Millisecond)

	if got := notifier.count(); got != 0 {
		t.Errorf("notifications = %d, want 0", got)
	}
}
