package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"taskly/internal/cache"
)

// RoundTrip implements http.RoundTripper. Requests are classified in priority
// order: passthrough, API (network-first), static asset (cache-first) and
// document (network-first with shell fallback).
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	s := w.cfg.classify(req.Method, req.URL)
	switch s {
	case strategyPassthrough:
		w.metrics.observeFetch(s, outcomePassthrough)
		return w.network.RoundTrip(req)
	case strategyAPI:
		return w.handleAPI(req), nil
	case strategyStatic:
		return w.handleStatic(req), nil
	default:
		return w.handleDocument(req), nil
	}
}

// handleAPI is network-first: successes are copied into the API cache; on a
// network failure any cached response for the URL is returned with its
// original status, else a 503 JSON body with offline:true.
func (w *Worker) handleAPI(req *http.Request) *http.Response {
	resp, err := w.network.RoundTrip(req)
	if err == nil {
		w.maybeCache(req, resp, w.cfg.APICache())
		w.metrics.observeFetch(strategyAPI, outcomeNetwork)
		return resp
	}

	log.Debugf("API request failed, trying cache: %s (%v)", req.URL, err)
	if cached := w.match(req, req.URL.String()); cached != nil {
		w.metrics.observeFetch(strategyAPI, outcomeCache)
		return cached
	}

	w.metrics.observeFetch(strategyAPI, outcomeUnavailable)
	body, _ := json.Marshal(map[string]any{
		"error":   "No connection and no cached data",
		"offline": true,
	})
	return synthesize(req, http.StatusServiceUnavailable, "application/json", body)
}

// handleStatic is cache-first: a cached copy is returned without touching the network.
func (w *Worker) handleStatic(req *http.Request) *http.Response {
	if cached := w.match(req, req.URL.String()); cached != nil {
		w.metrics.observeFetch(strategyStatic, outcomeCache)
		return cached
	}

	resp, err := w.network.RoundTrip(req)
	if err == nil {
		w.maybeCache(req, resp, w.cfg.RuntimeCache())
		w.metrics.observeFetch(strategyStatic, outcomeNetwork)
		return resp
	}

	log.Debugf("static asset not available: %s (%v)", req.URL, err)
	if isImageRequest(req) {
		w.metrics.observeFetch(strategyStatic, outcomeFallback)
		return synthesize(req, http.StatusOK, "image/svg+xml", []byte(placeholderSVG))
	}
	w.metrics.observeFetch(strategyStatic, outcomeUnavailable)
	return synthesize(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Not available offline"))
}

// handleDocument is network-first with the shell as fallback: the exact cached
// request, then the cached root document, then 503.
func (w *Worker) handleDocument(req *http.Request) *http.Response {
	resp, err := w.network.RoundTrip(req)
	if err == nil {
		w.maybeCache(req, resp, w.cfg.ShellCache())
		w.metrics.observeFetch(strategyDocument, outcomeNetwork)
		return resp
	}

	log.Debugf("document request failed, trying cache: %s (%v)", req.URL, err)
	if cached := w.match(req, req.URL.String()); cached != nil {
		w.metrics.observeFetch(strategyDocument, outcomeCache)
		return cached
	}
	if root := w.match(req, w.cfg.resolve("/")); root != nil {
		w.metrics.observeFetch(strategyDocument, outcomeFallback)
		return root
	}

	w.metrics.observeFetch(strategyDocument, outcomeUnavailable)
	return synthesize(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8",
		[]byte("No connection and the page is not cached"))
}

// maybeCache copies a 2xx response into the named partition. resp stays readable.
// Cache failures are logged and never affect the response.
func (w *Worker) maybeCache(req *http.Request, resp *http.Response, partition string) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return
	}
	entry, err := cache.EntryFromResponse(resp)
	if err != nil {
		log.Warnf("failed to read %s for caching: %v", req.URL, err)
		return
	}
	entry.URL = cache.Key(req.URL.String())

	ctx := context.WithoutCancel(req.Context())
	c, err := w.storage.Open(ctx, partition)
	if err == nil {
		err = c.Put(ctx, entry)
	}
	if err != nil {
		log.Warnf("failed to cache %s in %s: %v", req.URL, partition, err)
	}
}

// match looks rawURL up across all partitions. Lookup failures count as misses.
// The lookup outlives the request context: a request that timed out still gets
// its cached answer.
func (w *Worker) match(req *http.Request, rawURL string) *http.Response {
	entry, err := w.storage.Match(context.WithoutCancel(req.Context()), rawURL)
	if err != nil {
		log.Warnf("cache lookup failed for %s: %v", rawURL, err)
		return nil
	}
	if entry == nil {
		return nil
	}
	return entry.Response(req)
}

// isImageRequest reports whether the request's destination is an image.
func isImageRequest(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	accept := req.Header.Get("Accept")
	return accept != "" && strings.HasPrefix(strings.TrimSpace(accept), "image/")
}

// synthesize builds a response generated by the worker itself.
func synthesize(req *http.Request, status int, contentType string, body []byte) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{contentType}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
