package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/mqlink/internal/condition"
	"github.com/dskow/mqlink/internal/target"
)

// DefaultHandshakeTimeout bounds dial plus protocol negotiation for one
// attempt when the options do not specify a timeout.
const DefaultHandshakeTimeout = 10 * time.Second

// Events receives lifecycle notifications for an established transport.
// Callbacks are invoked from the transport's reader goroutine; the engine
// re-submits them onto its event loop for serialization.
type Events interface {
	// RemoteClosed reports an unsolicited CLOSE from the peer, with its
	// error condition if any.
	RemoteClosed(cond *condition.Condition)
	// CloseAcked reports the peer's CLOSE-OK completing a locally
	// initiated closing handshake.
	CloseAcked()
	// Failed reports a transport-level failure (socket error, malformed
	// frame, unexpected EOF).
	Failed(err error)
}

// DialConfig carries the per-attempt handshake parameters, snapshotted from
// the effective options overlay at candidate-selection time.
type DialConfig struct {
	ContainerID string
	VirtualHost string
	User        string
	Token       string
	Mechanisms  []string
	Timeout     time.Duration
	TLS         *tls.Config
	Events      Events
}

// Transport is an established connection to a peer. Close and Abort are
// called from the engine's serialized context.
type Transport interface {
	// Close sends a CLOSE frame to start the closing handshake. The peer's
	// CLOSE-OK arrives via Events.CloseAcked.
	Close(cond *condition.Condition) error
	// Abort drops the socket without a closing handshake.
	Abort()
	// Target returns the address this transport is connected to.
	Target() target.Target
}

// Dialer establishes transports. The engine treats it as a black box: a
// returned error is a failed attempt, classified by its condition when the
// peer supplied one.
type Dialer interface {
	Dial(ctx context.Context, t target.Target, cfg DialConfig) (Transport, error)
}

// NetDialer dials over TCP (optionally TLS) and performs the OPEN handshake.
// An optional rate limiter caps global dial bursts across all attempts; it is
// nil by default so retry timing is governed solely by the reconnect policy.
type NetDialer struct {
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Dial connects to the target, performs the OPEN handshake, and on success
// returns a running transport whose reader goroutine feeds cfg.Events.
func (d *NetDialer) Dial(ctx context.Context, t target.Target, cfg DialConfig) (Transport, error) {
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return nil, condition.Newf(condition.LocalAbort, "dial throttle: %v", err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	raw, err := nd.DialContext(dialCtx, "tcp", t.Addr())
	if err != nil {
		return nil, condition.Newf(condition.AddressUnreachable, "dial %s: %v", t.Addr(), err)
	}

	conn := raw
	if cfg.TLS != nil || t.Scheme == "mqs" {
		tlsCfg := cfg.TLS
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg = tlsCfg.Clone()
			tlsCfg.ServerName = t.Host
		}
		tconn := tls.Client(raw, tlsCfg)
		if err := tconn.HandshakeContext(dialCtx); err != nil {
			raw.Close()
			return nil, condition.Newf(condition.NegotiationFailed, "tls handshake with %s: %v", t.Addr(), err)
		}
		conn = tconn
	}

	nt, err := open(conn, t, cfg, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if d.Logger != nil {
		d.Logger.Debug("transport established", "target", t.String(), "container_id", cfg.ContainerID)
	}
	return nt, nil
}

// open runs the OPEN/OPEN-OK exchange and starts the reader goroutine.
func open(conn net.Conn, t target.Target, cfg DialConfig, timeout time.Duration) (*netTransport, error) {
	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline) //nolint:errcheck

	nt := &netTransport{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, MaxFrameBytes),
		target: t,
		events: cfg.Events,
	}

	if err := nt.send(&Frame{
		Type:        FrameOpen,
		ContainerID: cfg.ContainerID,
		VirtualHost: cfg.VirtualHost,
		User:        cfg.User,
		Token:       cfg.Token,
		Mechanisms:  cfg.Mechanisms,
	}); err != nil {
		return nil, condition.Newf(condition.NegotiationFailed, "sending open to %s: %v", t.Addr(), err)
	}

	f, err := ReadFrame(nt.reader)
	if err != nil {
		return nil, condition.Newf(condition.NegotiationFailed, "awaiting open-ok from %s: %v", t.Addr(), err)
	}
	switch f.Type {
	case FrameOpenOK:
	case FrameClose:
		// Peer refused the handshake; propagate its condition verbatim so
		// the application sees why (auth failure, forced close, ...).
		if f.Condition != nil {
			return nil, f.Condition
		}
		return nil, condition.Newf(condition.PeerRefused, "peer %s refused connection", t.Addr())
	default:
		return nil, condition.Newf(condition.NegotiationFailed, "unexpected %s frame from %s", f.Type, t.Addr())
	}

	conn.SetDeadline(time.Time{}) //nolint:errcheck
	go nt.readLoop()
	return nt, nil
}

// netTransport is a live framed connection.
type netTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	target target.Target
	events Events

	writeMu sync.Mutex
	doneMu  sync.Mutex
	done    bool
}

func (nt *netTransport) Target() target.Target { return nt.target }

func (nt *netTransport) send(f *Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	nt.writeMu.Lock()
	defer nt.writeMu.Unlock()
	_, err = nt.conn.Write(b)
	return err
}

// Close starts the closing handshake. The reader keeps running to deliver
// the peer's CLOSE-OK.
func (nt *netTransport) Close(cond *condition.Condition) error {
	if err := nt.send(&Frame{Type: FrameClose, Condition: cond}); err != nil {
		return fmt.Errorf("sending close: %w", err)
	}
	return nil
}

// Abort drops the socket. The reader goroutine unblocks with an error, which
// finish suppresses so an aborted transport emits no further events.
func (nt *netTransport) Abort() {
	nt.finish()
	nt.conn.Close()
}

// finish marks the transport done; returns false if it already was. After
// finish no events are delivered.
func (nt *netTransport) finish() bool {
	nt.doneMu.Lock()
	defer nt.doneMu.Unlock()
	if nt.done {
		return false
	}
	nt.done = true
	return true
}

func (nt *netTransport) readLoop() {
	for {
		f, err := ReadFrame(nt.reader)
		if err != nil {
			if nt.finish() {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("connection to %s lost: %w", nt.target.Addr(), err)
				}
				nt.conn.Close()
				nt.events.Failed(err)
			}
			return
		}

		switch f.Type {
		case FramePing:
			// Liveness probe only; no response required.
		case FrameCloseOK:
			if nt.finish() {
				nt.conn.Close()
				nt.events.CloseAcked()
			}
			return
		case FrameClose:
			// Unsolicited close from the peer. Acknowledge best-effort,
			// then report with the peer's condition.
			nt.send(&Frame{Type: FrameCloseOK}) //nolint:errcheck
			if nt.finish() {
				nt.conn.Close()
				nt.events.RemoteClosed(f.Condition)
			}
			return
		default:
			if nt.finish() {
				nt.conn.Close()
				nt.events.Failed(fmt.Errorf("unexpected %s frame from %s", f.Type, nt.target.Addr()))
			}
			return
		}
	}
}
