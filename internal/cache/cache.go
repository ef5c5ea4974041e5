// Package cache stores HTTP responses in named partitions.
//
// A Storage holds any number of partitions (caches). Each cache maps a request
// URL to the last response stored for it. Partitions are listed in the order
// they were created and Storage.Match searches them in that order.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotCacheable is returned by Put for entries that cannot be stored.
var ErrNotCacheable = errors.New("response is not cacheable")

// Entry is a stored response.
type Entry struct {
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Size returns the body size in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// Response builds a fresh *http.Response for req from the entry. Every call
// returns an independent body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	text := e.StatusText
	if text == "" {
		text = http.StatusText(e.Status)
	}
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + text,
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// EntryFromResponse reads resp's body into an Entry and replaces resp.Body
// with an equivalent reader, so resp can still be handed to the caller.
func EntryFromResponse(resp *http.Response) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	rawURL := ""
	if resp.Request != nil && resp.Request.URL != nil {
		rawURL = resp.Request.URL.String()
	}

	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	return &Entry{
		URL:        Key(rawURL),
		Status:     resp.StatusCode,
		StatusText: text,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}, nil
}

// Key normalizes a URL for lookups. The fragment never takes part in matching.
func Key(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Cache is one named partition.
type Cache interface {
	Name() string
	// Match returns the entry stored for rawURL, or nil when there is none.
	Match(ctx context.Context, rawURL string) (*Entry, error)
	// Put stores e under e.URL, replacing any previous entry atomically.
	Put(ctx context.Context, e *Entry) error
	// Keys lists stored URLs in insertion order.
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, rawURL string) (bool, error)
}

// Storage is the set of partitions.
type Storage interface {
	// Open returns the named partition, creating it when missing.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists partition names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Match searches every partition in creation order.
	Match(ctx context.Context, rawURL string) (*Entry, error)
	Close() error
}

// validate rejects entries Put must not store.
func validate(e *Entry) error {
	if e == nil || e.URL == "" {
		return fmt.Errorf("%w: missing URL", ErrNotCacheable)
	}
	if e.Status == http.StatusPartialContent {
		return fmt.Errorf("%w: partial content", ErrNotCacheable)
	}
	return nil
}

// TotalSize sums the body sizes of every entry in the partitions accepted by keep
// (all partitions when keep is nil).
func TotalSize(ctx context.Context, s Storage, keep func(name string) bool) (int64, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, name := range names {
		if keep != nil && !keep(name) {
			continue
		}
		c, err := s.Open(ctx, name)
		if err != nil {
			return 0, err
		}
		urls, err := c.Keys(ctx)
		if err != nil {
			return 0, err
		}
		for _, u := range urls {
			e, err := c.Match(ctx, u)
			if err != nil {
				return 0, err
			}
			if e != nil {
				total += e.Size()
			}
		}
	}
	return total, nil
}
