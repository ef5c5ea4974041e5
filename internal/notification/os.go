package notification

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// osCommand builds the command that shows n on one platform.
type osCommand func(n Notification) (name string, args []string)

var osCommands = map[string]osCommand{
	"linux":   notifySend,
	"darwin":  osascript,
	"windows": powershellBalloon,
}

// desktopChannel shows notifications with the desktop's own tool.
type desktopChannel struct {
	cfg DesktopConfig
	settings
}

// NewDesktopChannel creates a channel for the current platform.
func NewDesktopChannel(cfg DesktopConfig, opts ...Option) Channel {
	ch := &desktopChannel{cfg: cfg, settings: settings{platform: runtime.GOOS, runner: execRunner{}}}
	for _, opt := range opts {
		opt(&ch.settings)
	}
	return ch
}

func (c *desktopChannel) Send(n Notification) error {
	if !c.wants(n.Type) {
		return nil
	}
	if c.onSend != nil {
		c.onSend(n)
	}

	build, ok := osCommands[c.platform]
	if !ok {
		return fmt.Errorf("unsupported platform: %s", c.platform)
	}
	name, args := build(n)
	return c.runner.Run(name, args...)
}

// wants reports whether notifications of kind k are switched on.
// Types without a switch always go through.
func (c *desktopChannel) wants(k Kind) bool {
	switch k {
	case KindPush:
		return c.cfg.OnPush
	case KindUpdate:
		return c.cfg.OnUpdate
	case KindSyncError:
		return c.cfg.OnSyncError
	}
	return true
}

func (c *desktopChannel) Close() error { return nil }

// notifySend uses the tag as a stacking hint so a newer taskly notification
// replaces the previous one with the same tag.
func notifySend(n Notification) (string, []string) {
	args := []string{"--app-name=taskly"}
	if n.Icon != "" {
		args = append(args, "--icon="+n.Icon)
	}
	if n.Tag != "" {
		args = append(args,
			"--hint=string:x-canonical-private-synchronous:"+n.Tag,
			"--hint=string:x-dunst-stack-tag:"+n.Tag)
	}
	return "notify-send", append(args, n.Title, n.Message)
}

var appleScriptQuoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func osascript(n Notification) (string, []string) {
	script := fmt.Sprintf(`display notification "%s" with title "%s"`,
		appleScriptQuoter.Replace(n.Message), appleScriptQuoter.Replace(n.Title))
	return "osascript", []string{"-e", script}
}

// Backtick is PowerShell's escape character; `$` must be escaped to stop
// subexpression expansion inside double quotes.
var powershellQuoter = strings.NewReplacer("`", "``", `"`, "`\"", "$", "`$")

func powershellBalloon(n Notification) (string, []string) {
	script := fmt.Sprintf(`Add-Type -AssemblyName System.Windows.Forms
$icon = New-Object System.Windows.Forms.NotifyIcon
$icon.Icon = [System.Drawing.SystemIcons]::Information
$icon.Visible = $true
$icon.ShowBalloonTip(5000, "%s", "%s", [System.Windows.Forms.ToolTipIcon]::Info)
Start-Sleep -Seconds 6
$icon.Dispose()`, powershellQuoter.Replace(n.Title), powershellQuoter.Replace(n.Message))
	return "powershell", []string{"-NoProfile", "-Command", script}
}

// execRunner runs commands for real.
type execRunner struct{}

func (execRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}
