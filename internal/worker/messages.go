package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskly/internal/cache"
)

// Wire names of the commands and replies.
const (
	TypeClearCache   = "CLEAR_CACHE"
	TypeCacheURLs    = "CACHE_URLS"
	TypeGetCacheSize = "GET_CACHE_SIZE"
	TypeCacheSize    = "CACHE_SIZE"
	TypeDone         = "DONE"
)

var (
	// ErrUnknownCommand is returned for message types outside the command set.
	ErrUnknownCommand = errors.New("unknown worker command")
	// ErrWorkerStopped is returned when posting to a worker whose loop is not running.
	ErrWorkerStopped = errors.New("worker message loop is not running")
)

// Command is one of ClearCache, CacheURLs or GetCacheSize.
type Command interface {
	Type() string
}

// ClearCache deletes every partition in the app namespace.
type ClearCache struct{}

// CacheURLs adds URLs to the runtime cache as one batch: nothing is stored
// unless every URL could be fetched.
type CacheURLs struct {
	URLs []string
}

// GetCacheSize sums the body sizes of every response in the app namespace.
type GetCacheSize struct{}

func (ClearCache) Type() string   { return TypeClearCache }
func (CacheURLs) Type() string    { return TypeCacheURLs }
func (GetCacheSize) Type() string { return TypeGetCacheSize }

// Reply answers an Envelope. ID matches the envelope's ID.
type Reply struct {
	ID    uuid.UUID `json:"id"`
	Type  string    `json:"type"`
	Size  int64     `json:"size"`
	Error string    `json:"error,omitempty"`
}

// MarshalJSON always writes size on a CACHE_SIZE reply, zero included, and
// never on the others.
func (r Reply) MarshalJSON() ([]byte, error) {
	out := struct {
		ID    uuid.UUID `json:"id"`
		Type  string    `json:"type"`
		Size  *int64    `json:"size,omitempty"`
		Error string    `json:"error,omitempty"`
	}{ID: r.ID, Type: r.Type, Error: r.Error}
	if r.Type == TypeCacheSize {
		out.Size = &r.Size
	}
	return json.Marshal(out)
}

// Envelope carries a command to the message loop. Reply may be nil when the
// sender does not wait; otherwise it must have room for one value.
type Envelope struct {
	ID      uuid.UUID
	Command Command
	Reply   chan<- Reply
}

// NewEnvelope wraps cmd with a fresh correlation ID.
func NewEnvelope(cmd Command, reply chan<- Reply) Envelope {
	return Envelope{ID: uuid.New(), Command: cmd, Reply: reply}
}

// Message is the JSON form of a command: {"type":"CACHE_URLS","payload":["/a.js"]}.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeCommand parses the JSON form of a command.
func DecodeCommand(data []byte) (Command, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid worker message: %w", err)
	}
	switch m.Type {
	case TypeClearCache:
		return ClearCache{}, nil
	case TypeGetCacheSize:
		return GetCacheSize{}, nil
	case TypeCacheURLs:
		var urls []string
		if len(m.Payload) > 0 {
			if err := json.Unmarshal(m.Payload, &urls); err != nil {
				return nil, fmt.Errorf("CACHE_URLS payload must be a list of URLs: %w", err)
			}
		}
		return CacheURLs{URLs: urls}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Type)
	}
}

// Start runs the message loop in a goroutine until Stop is called.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loopStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.loopStop = cancel
	w.loopDone = make(chan struct{})
	go w.run(ctx, w.loopDone)
}

// Stop ends the message loop and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	stop, done := w.loopStop, w.loopDone
	w.loopStop, w.loopDone = nil, nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (w *Worker) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case env := <-w.inbox:
			reply := w.Handle(ctx, env.Command)
			reply.ID = env.ID
			deliver(env, reply)
		}
	}
}

// drain answers envelopes still queued when the loop stops.
func (w *Worker) drain() {
	for {
		select {
		case env := <-w.inbox:
			deliver(env, Reply{ID: env.ID, Type: TypeDone, Error: ErrWorkerStopped.Error()})
		default:
			return
		}
	}
}

func deliver(env Envelope, reply Reply) {
	if env.Reply == nil {
		return
	}
	select {
	case env.Reply <- reply:
	default:
		log.Warnf("dropped reply for %s: reply channel full", env.ID)
	}
}

// Post queues env for the message loop.
func (w *Worker) Post(ctx context.Context, env Envelope) error {
	_, err := w.post(ctx, env)
	return err
}

// post queues env and returns the channel closed when the loop that will
// read it exits.
func (w *Worker) post(ctx context.Context, env Envelope) (<-chan struct{}, error) {
	w.mu.RLock()
	done := w.loopDone
	w.mu.RUnlock()
	if done == nil {
		return nil, ErrWorkerStopped
	}

	select {
	case w.inbox <- env:
		return done, nil
	case <-done:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle executes a command synchronously. Failures are logged and reported
// in Reply.Error; they never stop the worker.
func (w *Worker) Handle(ctx context.Context, cmd Command) Reply {
	switch c := cmd.(type) {
	case ClearCache:
		if err := w.clearCache(ctx); err != nil {
			log.Warnf("failed to clear caches: %v", err)
			return Reply{Type: TypeDone, Error: err.Error()}
		}
		log.Infof("caches cleared")
		return Reply{Type: TypeDone}
	case CacheURLs:
		if err := w.cacheURLs(ctx, c.URLs); err != nil {
			log.Warnf("failed to cache URLs: %v", err)
			return Reply{Type: TypeDone, Error: err.Error()}
		}
		log.Infof("URLs cached: %v", c.URLs)
		return Reply{Type: TypeDone}
	case GetCacheSize:
		size, err := cache.TotalSize(ctx, w.storage, w.cfg.owned)
		if err != nil {
			log.Warnf("failed to compute cache size: %v", err)
			return Reply{Type: TypeCacheSize, Error: err.Error()}
		}
		return Reply{Type: TypeCacheSize, Size: size}
	default:
		log.Infof("unknown message type: %T", cmd)
		return Reply{Type: TypeDone, Error: ErrUnknownCommand.Error()}
	}
}

// clearCache deletes every partition in the app namespace.
func (w *Worker) clearCache(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if !w.cfg.owned(name) {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// cacheURLs fetches every URL first and stores them only if all succeeded.
func (w *Worker) cacheURLs(ctx context.Context, urls []string) error {
	entries := make([]*cache.Entry, 0, len(urls))
	for _, u := range urls {
		target := w.cfg.resolve(u)
		entry, err := w.fetchForCache(ctx, target)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", u, err)
		}
		entries = append(entries, entry)
	}

	runtime, err := w.storage.Open(ctx, w.cfg.RuntimeCache())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := runtime.Put(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
