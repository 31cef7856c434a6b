// Package peer provides an in-process peer speaking the mqlink wire
// protocol, used by integration tests and the flakypeer binary to simulate
// healthy, refusing, and flaky servers.
package peer

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dskow/mqlink/internal/auth"
	"github.com/dskow/mqlink/internal/condition"
	"github.com/dskow/mqlink/internal/transport"
)

// Mode selects how the peer treats an incoming connection.
type Mode int

const (
	// ModeAccept completes the handshake and keeps the connection until
	// the client closes (answered with CLOSE-OK) or the peer is stopped.
	ModeAccept Mode = iota
	// ModeRefuse answers every OPEN with an error CLOSE.
	ModeRefuse
	// ModeAcceptThenClose completes the handshake, then immediately
	// error-closes — a server that fails right after the client opens.
	ModeAcceptThenClose
)

// Config configures a test peer.
type Config struct {
	Mode Mode
	// Addr is the listen address; defaults to an ephemeral localhost port.
	Addr string
	// Secret, when non-empty, makes the peer verify handshake tokens and
	// refuse with an authentication-failed condition on mismatch.
	Secret      string
	VirtualHost string
	// Single stops the listener after the first handled connection,
	// like a peer that goes away after serving one client.
	Single bool
	Logger *slog.Logger
	// Ready, when set, is signalled once the listener is bound.
	Ready interface{ Done() }
}

// Server is a running test peer.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	closed bool

	handshakes atomic.Int32
}

// Start begins listening on an ephemeral localhost port. The listener is
// bound asynchronously; Config.Ready is signalled when the URL is available.
func Start(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}
	go s.listen()
	return s
}

func (s *Server) listen() {
	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("peer listen failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("peer listening", "addr", ln.Addr().String(), "mode", s.cfg.Mode)
	if s.cfg.Ready != nil {
		s.cfg.Ready.Done()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if s.cfg.Single {
			// Serve exactly one client, like a peer that disappears.
			ln.Close()
			s.handle(conn)
			return
		}
		go s.handle(conn)
	}
}

// URL returns the address clients should connect to. Calling it before the
// listener is bound is a programming error and panics.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		panic("peer: no url, listener not bound yet")
	}
	return "//" + s.ln.Addr().String()
}

// Handshakes returns the number of completed OPEN exchanges (including
// refused ones).
func (s *Server) Handshakes() int {
	return int(s.handshakes.Load())
}

// Stop closes the listener. Connections already handed to handlers finish
// on their own.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, transport.MaxFrameBytes)

	f, err := transport.ReadFrame(r)
	if err != nil || f.Type != transport.FrameOpen {
		return
	}
	s.handshakes.Add(1)

	if s.cfg.Secret != "" {
		if _, err := auth.Verify(f.Token, s.cfg.Secret, s.cfg.VirtualHost); err != nil {
			s.logger.Warn("peer rejecting handshake", "container_id", f.ContainerID, "error", err)
			s.write(conn, &transport.Frame{
				Type:      transport.FrameClose,
				Condition: condition.Newf(condition.AuthenticationFailed, "handshake token rejected: %v", err),
			})
			return
		}
	}

	switch s.cfg.Mode {
	case ModeRefuse:
		s.write(conn, &transport.Frame{
			Type:      transport.FrameClose,
			Condition: condition.New(condition.PeerRefused, "failover testing"),
		})
		s.awaitCloseOK(r)
		return
	case ModeAcceptThenClose:
		s.write(conn, &transport.Frame{Type: transport.FrameOpenOK})
		s.write(conn, &transport.Frame{
			Type:      transport.FrameClose,
			Condition: condition.New(condition.PeerRefused, "failover testing"),
		})
		s.awaitCloseOK(r)
		return
	default:
		s.write(conn, &transport.Frame{Type: transport.FrameOpenOK})
	}

	// Steady state: answer client CLOSE with CLOSE-OK, tolerate pings.
	for {
		f, err := transport.ReadFrame(r)
		if err != nil {
			return
		}
		switch f.Type {
		case transport.FramePing:
		case transport.FrameClose:
			s.write(conn, &transport.Frame{Type: transport.FrameCloseOK})
			return
		default:
			return
		}
	}
}

// awaitCloseOK drains the client's CLOSE-OK acknowledgement so the error
// CLOSE is not lost in a reset socket.
func (s *Server) awaitCloseOK(r *bufio.Reader) {
	f, err := transport.ReadFrame(r)
	if err != nil || f.Type != transport.FrameCloseOK {
		return
	}
}

func (s *Server) write(conn net.Conn, f *transport.Frame) {
	b, err := transport.EncodeFrame(f)
	if err != nil {
		return
	}
	conn.Write(b) //nolint:errcheck
}
