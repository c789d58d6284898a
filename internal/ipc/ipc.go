// Package ipc implements the daemon's local request endpoint: a Unix
// domain socket carrying newline-framed JSON requests and responses.
// Wire framing is standard library by necessity (no pack example
// ships a line-delimited JSON codec); the dispatch shape it frames
// over follows the teacher's pkg/api/routes.go handler-closure
// pattern.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Request is one decoded line off the socket.
type Request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// Response is framed back to the client as a single JSON line.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func dataResponse(data any) Response {
	return Response{Success: true, Data: data}
}

func errorResponse(msg string) Response {
	return Response{Success: false, Error: msg}
}

func unmarshalParams(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Server owns the socket listener and the accept loop. It removes a
// stale socket file on startup and sets 0600 permissions on the fresh
// one, per the daemon's IPC transport contract.
type Server struct {
	socketPath string
	router     *Router
	logger     *logrus.Logger

	listener *net.UnixListener

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewServer returns a Server bound to socketPath once Serve is called.
func NewServer(socketPath string, router *Router, logger *logrus.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		router:     router,
		logger:     logger,
	}
}

// Serve removes any stale socket file, binds a fresh one at 0600, and
// runs the accept loop until Stop is called. It blocks until the loop
// exits and returns any fatal bind error — the only error this daemon
// treats as fatal, per spec §6's exit-code contract.
func (s *Server) Serve() error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("resolve socket address: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	defer close(s.doneCh)
	defer listener.Close()

	var wg sync.WaitGroup
	for {
		select {
		case <-stopCh:
			wg.Wait()
			return nil
		default:
		}

		listener.SetDeadline(time.Now().Add(1 * time.Second))
		conn, err := listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-stopCh:
				wg.Wait()
				return nil
			default:
				s.logger.WithError(err).Warn("ipc: accept failed")
				continue
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop signals the accept loop to exit and waits for it to do so.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

// handleConn reads newline-framed JSON requests from one connection
// until EOF or a read error, dispatching each to the router and
// writing back one newline-framed JSON response per request.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	requests := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse("Invalid JSON")
		} else {
			resp = s.router.Dispatch(context.Background(), req)
		}
		requests++

		encoded, err := json.Marshal(resp)
		if err != nil {
			s.logger.WithError(err).Error("ipc: failed to encode response")
			return
		}
		encoded = append(encoded, '\n')
		if _, err := conn.Write(encoded); err != nil {
			s.logger.WithError(err).Warn("ipc: failed to write response")
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.WithError(err).Warn("ipc: connection read error")
	}

	s.logger.WithFields(logrus.Fields{
		"requests": requests,
		"duration": time.Since(start),
	}).Debug("ipc: connection closed")
}
