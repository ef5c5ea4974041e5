// Package server is the local HTTP front of taskly serve. Page requests are
// proxied to the app origin through the active worker, so a browser pointed
// at the server sees the same offline behavior as the CLI.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskly/internal/connectivity"
	"taskly/internal/utils"
	"taskly/internal/worker"
)

var log = utils.Scoped("serve")

// Control endpoints. Everything else is proxied.
const (
	PathMessages    = "/__taskly/messages"
	PathPush        = "/__taskly/push"
	PathClick       = "/__taskly/click"
	PathSkipWaiting = "/__taskly/skip-waiting"
	PathState       = "/__taskly/state"
	PathMetrics     = "/metrics"
)

const maxBody = 1 << 20

// hop-by-hop headers are not forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Config wires a Server.
type Config struct {
	// Origin is the app origin page requests are proxied to.
	Origin    string
	Container *worker.Container
	// Network carries requests while no worker controls. nil means http.DefaultTransport.
	Network  http.RoundTripper
	Monitor  connectivity.Monitor
	Gatherer prometheus.Gatherer
}

// Server is the echo application.
type Server struct {
	cfg       Config
	echo      *echo.Echo
	transport http.RoundTripper
}

// WorkerState describes one registered worker.
type WorkerState struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

// State is served at PathState.
type State struct {
	Scope      string       `json:"scope"`
	Controller *WorkerState `json:"controller,omitempty"`
	Waiting    *WorkerState `json:"waiting,omitempty"`
	CacheSize  int64        `json:"cache_size"`
	Online     bool         `json:"online"`
}

// New builds the routes.
func New(cfg Config) *Server {
	if cfg.Monitor == nil {
		cfg.Monitor = connectivity.Static(true)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debugf("%s %s %d %s", v.Method, v.URI, v.Status, v.Latency.Round(time.Millisecond))
			return nil
		},
	}))

	s := &Server{
		cfg:       cfg,
		echo:      e,
		transport: cfg.Container.Transport(cfg.Network),
	}

	e.POST(PathMessages, s.handleMessage)
	e.POST(PathPush, s.handlePush)
	e.POST(PathClick, s.handleClick)
	e.POST(PathSkipWaiting, s.handleSkipWaiting)
	e.GET(PathState, s.handleState)
	e.GET(PathMetrics, echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	e.GET("/*", s.handleProxy)
	e.HEAD("/*", s.handleProxy)

	return s
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe(addr string) error {
	log.Infof("listening on http://%s (origin %s)", addr, s.cfg.Origin)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func errorJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (s *Server) controller(c echo.Context) (*worker.Worker, error) {
	w := s.cfg.Container.Controller()
	if w == nil {
		return nil, errorJSON(c, http.StatusServiceUnavailable, worker.ErrNoController)
	}
	return w, nil
}

func (s *Server) handleMessage(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBody))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	cmd, err := worker.DecodeCommand(body)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	// ?wait=false queues the message and answers before the worker runs it.
	if c.QueryParam("wait") == "false" {
		err := s.cfg.Container.PostMessage(c.Request().Context(), cmd)
		switch {
		case errors.Is(err, worker.ErrNoController), errors.Is(err, worker.ErrWorkerStopped):
			return errorJSON(c, http.StatusServiceUnavailable, err)
		case err != nil:
			return errorJSON(c, http.StatusInternalServerError, err)
		}
		return c.NoContent(http.StatusAccepted)
	}

	reply, err := s.cfg.Container.Request(c.Request().Context(), cmd)
	switch {
	case errors.Is(err, worker.ErrNoController):
		return errorJSON(c, http.StatusServiceUnavailable, err)
	case err != nil && reply.Type == "":
		return errorJSON(c, http.StatusInternalServerError, err)
	case err != nil:
		return c.JSON(http.StatusInternalServerError, reply)
	}
	return c.JSON(http.StatusOK, reply)
}

func (s *Server) handlePush(c echo.Context) error {
	w, err := s.controller(c)
	if w == nil {
		return err
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBody))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, w.HandlePush(c.Request().Context(), payload))
}

func (s *Server) handleClick(c echo.Context) error {
	w, err := s.controller(c)
	if w == nil {
		return err
	}
	if err := w.HandleNotificationClick(c.Request().Context()); err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSkipWaiting(c echo.Context) error {
	activated, err := s.cfg.Container.SkipWaiting(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"activated": activated})
}

func describe(w *worker.Worker) *WorkerState {
	if w == nil {
		return nil
	}
	return &WorkerState{Version: w.Config().Version, State: w.State().String()}
}

func (s *Server) handleState(c echo.Context) error {
	size, err := s.cfg.Container.CacheSize(c.Request().Context())
	if err != nil {
		log.Warnf("cache size unavailable: %v", err)
	}
	return c.JSON(http.StatusOK, State{
		Scope:      s.cfg.Container.Scope(),
		Controller: describe(s.cfg.Container.Controller()),
		Waiting:    describe(s.cfg.Container.Waiting()),
		CacheSize:  size,
		Online:     s.cfg.Monitor.Online(),
	})
}

// handleProxy forwards the request to the origin through the worker transport.
func (s *Server) handleProxy(c echo.Context) error {
	in := c.Request()
	target := s.cfg.Origin + in.URL.RequestURI()

	out, err := http.NewRequestWithContext(in.Context(), in.Method, target, http.NoBody)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	out.Header = in.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		log.Warnf("proxy %s failed: %v", target, err)
		return errorJSON(c, http.StatusBadGateway, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	c.Response().WriteHeader(resp.StatusCode)
	if in.Method == http.MethodHead {
		return nil
	}
	_, err = io.Copy(c.Response(), resp.Body)
	return err
}
