package notification

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// On disk an entry is a header line followed by its body, one indented line
// per message line:
//
//	2026-01-16T10:30:00Z push #taskly-notification Taskly
//	  Comprar pan
//	  Regar las plantas
const bodyIndent = "  "

// Entry is one notification read back from the log.
type Entry struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Tag     string    `json:"tag"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
}

// String renders e on one line for terminal listings.
func (e Entry) String() string {
	if e.Time.IsZero() {
		return e.Title
	}
	s := fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339), e.Kind, e.Title)
	if e.Message != "" {
		s += ": " + strings.ReplaceAll(e.Message, "\n", " / ")
	}
	if e.Tag != "" {
		s += " (tag=" + e.Tag + ")"
	}
	return s
}

// logChannel appends notifications to a file, moving it aside to .old once it
// reaches the configured size.
type logChannel struct {
	cfg  LogConfig
	mu   sync.Mutex
	file *os.File
	size int64
}

// NewLogChannel creates a channel writing to cfg.Path. The file is opened on first use.
func NewLogChannel(cfg LogConfig) Channel {
	return &logChannel{cfg: cfg}
}

func (c *logChannel) Send(n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := formatEntry(n)
	if err := c.open(); err != nil {
		return err
	}
	if c.full(int64(len(entry))) {
		if err := c.rotate(); err != nil {
			return err
		}
	}

	written, err := c.file.WriteString(entry)
	c.size += int64(written)
	if err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return c.file.Sync()
}

func (c *logChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFile()
}

func (c *logChannel) closeFile() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func (c *logChannel) open() error {
	if c.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.Path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(c.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to open log file: %w", err)
	}
	c.file, c.size = file, info.Size()
	return nil
}

// full reports whether appending next bytes would pass the size limit. An
// empty log always takes the entry so one oversized push is still recorded.
func (c *logChannel) full(next int64) bool {
	limit := int64(c.cfg.MaxSizeMB) * 1024 * 1024
	return limit > 0 && c.size > 0 && c.size+next > limit
}

func (c *logChannel) rotate() error {
	if err := c.closeFile(); err != nil {
		return err
	}
	if err := os.Rename(c.cfg.Path, c.cfg.Path+".old"); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return c.open()
}

func formatEntry(n Notification) string {
	kind := string(n.Type)
	if kind == "" {
		kind = "-"
	}
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "%s %s #%s %s\n",
		n.Timestamp.UTC().Format(time.RFC3339), kind,
		strings.Join(strings.Fields(n.Tag), "-"),
		strings.Join(strings.Fields(n.Title), " "))
	for _, line := range bodyLines(n.Message) {
		b.WriteString(bodyIndent + line + "\n")
	}
	return b.String()
}

// bodyLines splits a message into lines without leading or trailing blank lines.
func bodyLines(msg string) []string {
	lines := strings.Split(strings.ReplaceAll(msg, "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t\r")
	}
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// ReadLog returns the entries of the log at path, oldest first. A missing log
// has no entries. Lines that are not in the entry format come back as entries
// with only a Title.
func ReadLog(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	var body []string
	flush := func() {
		if len(entries) > 0 && body != nil {
			entries[len(entries)-1].Message = strings.Join(body, "\n")
		}
		body = nil
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, bodyIndent) && len(entries) > 0 {
			body = append(body, strings.TrimPrefix(line, bodyIndent))
			continue
		}
		flush()
		if strings.TrimSpace(line) != "" {
			entries = append(entries, parseHeader(line))
		}
	}
	flush()
	return entries, scanner.Err()
}

func parseHeader(line string) Entry {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 3 || !strings.HasPrefix(parts[2], "#") {
		return Entry{Title: line}
	}
	at, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Entry{Title: line}
	}
	e := Entry{Time: at, Kind: Kind(parts[1]), Tag: strings.TrimPrefix(parts[2], "#")}
	if e.Kind == "-" {
		e.Kind = ""
	}
	if len(parts) == 4 {
		e.Title = parts[3]
	}
	return e
}

// LatestByTag keeps the newest entry of each tag, the way the desktop shows
// only the last notification per tag. Order follows those newest entries.
func LatestByTag(entries []Entry) []Entry {
	last := make(map[string]int, len(entries))
	for i, e := range entries {
		last[e.Tag] = i
	}
	out := make([]Entry, 0, len(last))
	for i, e := range entries {
		if last[e.Tag] == i {
			out = append(out, e)
		}
	}
	return out
}

// ClearLog empties the log at path and drops its rotated copy.
func ClearLog(path string) error {
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return err
	}
	if err := os.Remove(path + ".old"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
