// Package server speaks the client protocol: length-prefixed text commands
// over TCP, answered with OK / OK <payload> / EMPTY / ERR <msg>. Parse and
// auth failures are reported per message; the connection stays open.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/MEOFIXBUG/walrus/controller"
	"github.com/MEOFIXBUG/walrus/errs"
	"github.com/MEOFIXBUG/walrus/transport"
)

type Server struct {
	logger *zap.Logger
	ctrl   *controller.NodeController
	// apiKey, when non-empty, gates every command behind AUTH.
	apiKey string

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(ctrl *controller.NodeController, apiKey string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger: logger.Named("server"),
		ctrl:   ctrl,
		apiKey: apiKey,
	}
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, one goroutine per connection.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("client listener bound", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handleConnection(conn); err != nil {
				s.logger.Warn("client connection closed with error",
					zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil {
			return err
		}
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConnection(conn net.Conn) error {
	defer conn.Close()
	// With no API key configured every connection starts authenticated.
	authenticated := s.apiKey == ""
	for {
		payload, err := transport.DecodeFrame(conn)
		if err != nil {
			if errors.Is(err, errs.ErrInvalidFrameLength) {
				if err := s.respond(conn, "ERR invalid frame length"); err != nil {
					return err
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !utf8.Valid(payload) {
			if err := s.respond(conn, "ERR invalid utf-8"); err != nil {
				return err
			}
			continue
		}

		line := strings.TrimRight(string(payload), "\r\n")
		response, err := s.handleCommand(line, &authenticated)
		if err != nil {
			response = fmt.Sprintf("ERR %s", err)
		}
		if err := s.respond(conn, response); err != nil {
			return err
		}
	}
}

func (s *Server) respond(conn net.Conn, message string) error {
	return transport.EncodeFrame(conn, []byte(message))
}

func (s *Server) handleCommand(line string, authenticated *bool) (string, error) {
	parts := strings.SplitN(line, " ", 3)
	op := parts[0]
	if op == "" {
		return "", errors.New("empty command")
	}

	if op == "AUTH" {
		if s.apiKey != "" {
			if len(parts) < 2 || parts[1] != s.apiKey {
				return "", errs.ErrInvalidAPIKey
			}
		}
		*authenticated = true
		return "OK", nil
	}
	if s.apiKey != "" && !*authenticated {
		return "", errs.ErrAuthRequired
	}

	s.logger.Info("client command received", zap.String("command", line))

	switch op {
	case "REGISTER":
		if len(parts) < 2 {
			return "", errors.New("REGISTER requires a topic")
		}
		if err := s.ctrl.EnsureTopic(parts[1]); err != nil {
			return "", err
		}
		return "OK", nil
	case "PUT":
		if len(parts) < 2 {
			return "", errors.New("PUT requires a topic")
		}
		if len(parts) < 3 {
			return "", errors.New("PUT requires a payload")
		}
		if err := s.ctrl.AppendForTopic(parts[1], []byte(parts[2])); err != nil {
			return "", err
		}
		return "OK", nil
	case "GET":
		if len(parts) < 2 {
			return "", errors.New("GET requires a topic")
		}
		value, ok, err := s.ctrl.ReadOneForTopicShared(parts[1])
		if err != nil {
			return "", err
		}
		if !ok {
			return "EMPTY", nil
		}
		return fmt.Sprintf("OK %s", value), nil
	case "STATE":
		if len(parts) < 2 {
			return "", errors.New("STATE requires a topic")
		}
		return s.ctrl.TopicSnapshot(parts[1])
	case "METRICS":
		return s.ctrl.Metrics()
	default:
		return "", errs.ErrUnknownOp
	}
}
