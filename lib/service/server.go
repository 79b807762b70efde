// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/pantry/lib/clock"
	"github.com/bureau-foundation/pantry/lib/netutil"
)

// ActionFunc processes one request for a specific action. raw is the
// full JSON request object, including the "action" field; the handler
// decodes its own fields from it.
//
// The returned value must marshal to a JSON object (or be nil). Its
// fields are merged into the success envelope. A returned error
// produces an error envelope; see [Public].
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Defaults applied by NewServer for zero ServerConfig fields.
const (
	DefaultAddress        = "0.0.0.0:65432"
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxRequestSize = 64 << 20
)

// ServerConfig holds the parameters for a Server.
type ServerConfig struct {
	// Address is the TCP host:port to listen on.
	Address string

	// Framing selects the request delimiting scheme. Defaults to
	// FramingBrace.
	Framing Framing

	// ReadTimeout bounds how long a client may take to send its
	// request.
	ReadTimeout time.Duration

	// WriteTimeout bounds how long writing the response may take.
	WriteTimeout time.Duration

	// MaxRequestSize is the largest accepted request in bytes.
	MaxRequestSize int

	// MaxConnections caps concurrently handled connections. Zero
	// means unbounded.
	MaxConnections int

	// ExposeInternalErrors sends the text of non-public handler
	// errors to clients instead of a generic message.
	ExposeInternalErrors bool

	// Clock provides deadlines. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Server accepts TCP connections and serves one request-response
// cycle per connection.
//
// Actions are registered with Handle before calling Serve.
type Server struct {
	address        string
	framing        Framing
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxRequestSize int
	exposeInternal bool
	slots          *semaphore.Weighted
	clock          clock.Clock
	logger         *slog.Logger

	handlers map[string]ActionFunc

	ready    chan struct{}
	listener net.Listener

	// activeConnections tracks in-flight handlers so Serve can wait
	// for them before returning.
	activeConnections sync.WaitGroup
}

// NewServer creates a server. Register actions with Handle before
// calling Serve.
func NewServer(cfg ServerConfig) *Server {
	server := &Server{
		address:        cfg.Address,
		framing:        cfg.Framing,
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
		maxRequestSize: cfg.MaxRequestSize,
		exposeInternal: cfg.ExposeInternalErrors,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		handlers:       make(map[string]ActionFunc),
		ready:          make(chan struct{}),
	}
	if server.address == "" {
		server.address = DefaultAddress
	}
	if server.framing == "" {
		server.framing = FramingBrace
	}
	if server.readTimeout <= 0 {
		server.readTimeout = DefaultReadTimeout
	}
	if server.writeTimeout <= 0 {
		server.writeTimeout = DefaultWriteTimeout
	}
	if server.maxRequestSize <= 0 {
		server.maxRequestSize = DefaultMaxRequestSize
	}
	if cfg.MaxConnections > 0 {
		server.slots = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	if server.clock == nil {
		server.clock = clock.Real()
	}
	if server.logger == nil {
		server.logger = slog.New(slog.DiscardHandler)
	}
	return server
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered.
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address. Valid after Ready is closed.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve listens on the configured address and dispatches connections
// until ctx is cancelled, then stops accepting and waits for active
// handlers to finish.
func (s *Server) Serve(ctx context.Context) error {
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	s.listener = listener
	close(s.ready)

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("server listening",
		"address", listener.Addr().String(),
		"framing", string(s.framing),
	)

	var acceptDelay time.Duration
acceptLoop:
	for {
		if s.slots != nil {
			if err := s.slots.Acquire(ctx, 1); err != nil {
				break
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			s.releaseSlot()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			acceptDelay = nextAcceptDelay(acceptDelay)
			s.logger.Error("accept failed", "error", err, "retry_in", acceptDelay)
			select {
			case <-ctx.Done():
				break acceptLoop
			case <-s.clock.After(acceptDelay):
			}
			continue
		}
		acceptDelay = 0

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer s.releaseSlot()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	s.logger.Info("server stopped", "address", listener.Addr().String())
	return nil
}

// Accept failures such as EMFILE repeat until something else releases
// a descriptor; back off between attempts.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func nextAcceptDelay(previous time.Duration) time.Duration {
	if previous == 0 {
		return minAcceptDelay
	}
	return min(previous*2, maxAcceptDelay)
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

// handleConnection processes one request-response cycle. The
// connection is closed on every path.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	started := s.clock.Now()
	remote := conn.RemoteAddr().String()

	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("handler panic",
				"remote", remote,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			s.write(conn, encodeError(MessageInternalError))
		}
	}()

	conn.SetReadDeadline(s.clock.Now().Add(s.readTimeout))
	frame, err := ReadFrame(conn, s.framing, s.maxRequestSize)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyRequest):
			s.logger.Debug("connection closed without a request", "remote", remote)
		case errors.Is(err, ErrRequestTooLarge):
			s.logger.Warn("request too large", "remote", remote, "limit", s.maxRequestSize)
			s.write(conn, encodeError(MessageRequestTooLarge))
		case errors.Is(err, ErrTruncatedFrame):
			s.write(conn, encodeError("Invalid JSON: "+err.Error()))
		case errors.Is(err, os.ErrDeadlineExceeded):
			s.logger.Warn("timed out reading request", "remote", remote)
		case netutil.IsExpectedCloseError(err):
			s.logger.Debug("client went away before sending a request", "remote", remote, "error", err)
		default:
			s.logger.Warn("reading request failed", "remote", remote, "error", err)
		}
		return
	}

	if !utf8.Valid(frame) {
		s.write(conn, encodeError("Invalid JSON: request is not valid UTF-8"))
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		s.logger.Debug("malformed request", "remote", remote, "error", err)
		s.write(conn, encodeError("Invalid JSON: "+err.Error()))
		return
	}
	if fields == nil {
		s.write(conn, encodeError("Invalid JSON: request must be an object"))
		return
	}

	var action string
	if rawAction, present := fields["action"]; present {
		// A non-string action cannot name a handler.
		_ = json.Unmarshal(rawAction, &action)
	}
	handler, exists := s.handlers[action]
	if !exists {
		s.logger.Debug("unknown action", "remote", remote, "action", action)
		s.write(conn, encodeError(MessageUnknownAction))
		return
	}

	result, err := handler(ctx, frame)
	if err != nil {
		message, internal := clientMessage(err, s.exposeInternal)
		if internal {
			s.logger.Error("action failed",
				"action", action,
				"remote", remote,
				"error", err,
			)
		} else {
			s.logger.Debug("action rejected",
				"action", action,
				"remote", remote,
				"error", err,
			)
		}
		s.write(conn, encodeError(message))
		return
	}

	response, err := encodeSuccess(result)
	if err != nil {
		s.logger.Error("encoding response failed", "action", action, "error", err)
		s.write(conn, encodeError(MessageInternalError))
		return
	}
	s.write(conn, response)

	s.logger.Debug("request served",
		"action", action,
		"remote", remote,
		"duration", s.clock.Now().Sub(started),
	)
}

// write sends one response. A client that already disconnected is
// logged at debug level; the connection is closing regardless.
func (s *Server) write(conn net.Conn, payload []byte) {
	conn.SetWriteDeadline(s.clock.Now().Add(s.writeTimeout))
	if err := WriteFrame(conn, s.framing, payload); err != nil {
		level := slog.LevelWarn
		if netutil.IsExpectedCloseError(err) {
			level = slog.LevelDebug
		}
		s.logger.Log(context.Background(), level, "failed to write response",
			"remote", conn.RemoteAddr().String(),
			"error", err,
		)
	}
}
