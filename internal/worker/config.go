package worker

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Defaults for Config.
const (
	DefaultVersion   = "v1"
	DefaultNamespace = "taskly-"
	DefaultIcon      = "/logo/taskly-logo.png"
)

// DefaultCriticalAssets is the app shell precached on install.
var DefaultCriticalAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/favicon.ico",
	"/_next/static/chunks/main.js",
	"/_next/static/chunks/pages/_app.js",
	"/_next/static/chunks/pages/index.js",
}

// DefaultStaticPattern matches static asset URLs served cache-first.
var DefaultStaticPattern = regexp.MustCompile(`\.(js|css|woff2|png|svg|ico)$`)

// placeholderSVG is served for images that are neither cached nor reachable.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="100" height="100"><rect fill="#ddd" width="100" height="100"/></svg>`

// Config is fixed when a worker is created and never changes afterwards.
type Config struct {
	// Version tags every cache partition name, e.g. "v1".
	Version string
	// Namespace prefixes every partition owned by the app, e.g. "taskly-".
	Namespace string
	// Origin resolves relative URLs such as the critical assets and the root fallback.
	Origin string
	// CriticalAssets are precached into the shell cache on install.
	CriticalAssets []string
	// APIPattern selects requests served network-first with the API cache.
	APIPattern *regexp.Regexp
	// StaticPattern selects requests served cache-first from the runtime cache.
	StaticPattern *regexp.Regexp
	// Icon is shown with push notifications.
	Icon string
	// SkipWaiting activates a newly installed worker without waiting for the old one to go.
	SkipWaiting bool
}

// NewConfig returns a Config with defaults for the given app origin and API base URL.
func NewConfig(origin, apiBaseURL string) Config {
	return Config{
		Version:        DefaultVersion,
		Namespace:      DefaultNamespace,
		Origin:         strings.TrimRight(origin, "/"),
		CriticalAssets: append([]string(nil), DefaultCriticalAssets...),
		APIPattern:     APIPatternFor(apiBaseURL),
		StaticPattern:  DefaultStaticPattern,
		Icon:           DefaultIcon,
		SkipWaiting:    true,
	}
}

// APIPatternFor builds a pattern matching every URL below apiBaseURL.
func APIPatternFor(apiBaseURL string) *regexp.Regexp {
	base := strings.TrimRight(apiBaseURL, "/") + "/"
	return regexp.MustCompile("^" + regexp.QuoteMeta(base))
}

// ShellCache is the partition holding the precached app shell and documents.
func (c Config) ShellCache() string {
	return c.Namespace + c.Version
}

// RuntimeCache is the partition holding lazily fetched static assets.
func (c Config) RuntimeCache() string {
	return c.Namespace + "runtime-" + c.Version
}

// APICache is the partition holding API responses.
func (c Config) APICache() string {
	return c.Namespace + "api-" + c.Version
}

// current reports whether name is one of the three partitions of this version.
func (c Config) current(name string) bool {
	return name == c.ShellCache() || name == c.RuntimeCache() || name == c.APICache()
}

// owned reports whether name belongs to the app namespace.
func (c Config) owned(name string) bool {
	return strings.HasPrefix(name, c.Namespace)
}

// Validate checks the config for values the worker cannot run with.
func (c Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("worker version is empty")
	}
	if c.Namespace == "" {
		return fmt.Errorf("worker cache namespace is empty")
	}
	if c.APIPattern == nil || c.StaticPattern == nil {
		return fmt.Errorf("worker request patterns are not set")
	}
	if _, err := url.Parse(c.Origin); err != nil {
		return fmt.Errorf("invalid worker origin %q: %w", c.Origin, err)
	}
	return nil
}

// resolve makes ref absolute against the origin.
func (c Config) resolve(ref string) string {
	base, err := url.Parse(c.Origin + "/")
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

// strategy names the handling chosen for a request.
type strategy string

const (
	strategyPassthrough strategy = "passthrough"
	strategyAPI         strategy = "network_first_api"
	strategyStatic      strategy = "cache_first_static"
	strategyDocument    strategy = "network_first_document"
)

// extensionSchemes are browser-extension URL schemes that are never intercepted.
var extensionSchemes = map[string]bool{
	"chrome-extension": true,
	"moz-extension":    true,
}

// classify picks the strategy for a request, in priority order.
func (c Config) classify(method string, u *url.URL) strategy {
	if method != "GET" || extensionSchemes[u.Scheme] {
		return strategyPassthrough
	}
	raw := u.String()
	if c.APIPattern.MatchString(raw) {
		return strategyAPI
	}
	if c.StaticPattern.MatchString(raw) {
		return strategyStatic
	}
	return strategyDocument
}
