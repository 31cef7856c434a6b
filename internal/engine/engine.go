// Package engine implements the connection lifecycle state machine: it owns
// the candidate address cursor, the reconnect policy, and the options
// overlay, reacts to transport lifecycle events, and decides whether, when,
// and where to retry.
//
// All state transitions, timer callbacks, and application notifications for
// one connection run on its event loop goroutine, strictly serialized. The
// overlay and candidate list carry a small mutex only because UpdateOptions
// is callable from any goroutine; everything else relies on the loop's
// serialization.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dskow/mqlink/internal/auth"
	"github.com/dskow/mqlink/internal/condition"
	"github.com/dskow/mqlink/internal/loop"
	"github.com/dskow/mqlink/internal/metrics"
	"github.com/dskow/mqlink/internal/options"
	"github.com/dskow/mqlink/internal/policy"
	"github.com/dskow/mqlink/internal/target"
	"github.com/dskow/mqlink/internal/transport"
)

// Config wires a connection engine to its collaborators.
type Config struct {
	Loop    *loop.Loop
	Dialer  transport.Dialer
	Handler Handler
	Logger  *slog.Logger
	// TLS, when set, is used for every attempt.
	TLS *tls.Config
}

// Conn is one logical connection with its embedded reconnection engine. An
// engine is created by Connect and never reused across Connect calls.
type Conn struct {
	lp      *loop.Loop
	dialer  transport.Dialer
	handler Handler
	logger  *slog.Logger
	tlsConf *tls.Config

	containerID string

	state       atomic.Int32
	closeReq    atomic.Bool
	reconnected atomic.Bool

	// mu guards the fields UpdateOptions and Status touch from outside the
	// loop goroutine. All other mutation happens on the loop.
	mu         sync.Mutex
	opts       options.Options
	candidates *target.Candidates
	pol        *policy.Policy
	curTarget  target.Target
	attempt    int

	// Loop-goroutine only.
	gen        int
	tr         transport.Transport
	retryTimer *loop.Timer
	everOpened bool
	closeCond  *condition.Condition
}

// Connect creates a logical connection to addr, seeded from opts, and starts
// the first attempt asynchronously on the loop. The first attempt always
// dials addr itself, even when a sticky override is supplied here; the
// override and failover list govern only reconnection attempts.
func Connect(cfg Config, addr string, opts options.Options) (*Conn, error) {
	orig, err := target.Parse(addr)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		lp:          cfg.Loop,
		dialer:      cfg.Dialer,
		handler:     cfg.Handler,
		logger:      logger,
		tlsConf:     cfg.TLS,
		containerID: opts.ContainerID.Or("mqlink-" + uuid.NewString()),
		opts:        opts,
		candidates:  target.NewCandidates(orig, nil),
	}
	c.state.Store(int32(StateConnecting))

	if err := c.applyReconnectFields(opts); err != nil {
		return nil, err
	}

	c.logger.Info("connecting",
		"container_id", c.containerID,
		"address", orig.String(),
		"failover", c.candidates.HasFailover(),
	)
	c.lp.Submit(func() { c.startAttempt(true) })
	return c, nil
}

// UpdateOptions merges delta onto the effective overlay, field by field: only
// fields explicitly present in delta overwrite; all others keep their value.
// Safe to call at any time, including synchronously from OnTransportError —
// the merged overlay takes effect at the next candidate-selection decision,
// never retroactively.
func (c *Conn) UpdateOptions(delta options.Options) error {
	// Validate addresses up front so a bad delta leaves the overlay intact.
	if urls, ok := delta.FailoverURLs.Get(); ok {
		if _, err := target.ParseList(urls); err != nil {
			return err
		}
	}
	if u, ok := delta.ReconnectURL.Get(); ok && u != "" {
		if _, err := target.Parse(u); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.opts = options.Merge(c.opts, delta)
	merged := c.opts
	c.mu.Unlock()

	if delta.TouchesReconnect() {
		if err := c.applyReconnectFields(merged); err != nil {
			return err
		}
	}

	metrics.OptionUpdates.Inc()
	c.logger.Debug("options updated", "container_id", c.containerID, "reconnect_fields", delta.TouchesReconnect())
	return nil
}

// applyReconnectFields rebuilds the candidate list and effective policy from
// the overlay. The cursor survives failover-list rebuilds; setting the
// override shadows the cycle without clearing it.
func (c *Conn) applyReconnectFields(o options.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if urls, ok := o.FailoverURLs.Get(); ok {
		list, err := target.ParseList(urls)
		if err != nil {
			return err
		}
		c.candidates.SetFailover(list)
	}
	if u, ok := o.ReconnectURL.Get(); ok {
		if u == "" {
			c.candidates.ClearOverride()
		} else {
			t, err := target.Parse(u)
			if err != nil {
				return err
			}
			c.candidates.SetOverride(t)
		}
	}
	c.pol = effectivePolicy(o)
	return nil
}

// effectivePolicy returns the policy governing retries: the explicit one when
// set (including an explicit nil, which disables reconnection), otherwise the
// default policy implied by a non-empty failover list.
func effectivePolicy(o options.Options) *policy.Policy {
	if p, ok := o.Reconnect.Get(); ok {
		return p
	}
	if urls, ok := o.FailoverURLs.Get(); ok && len(urls) > 0 {
		return policy.Default()
	}
	return nil
}

// Close initiates connection shutdown: a closing handshake when open, or an
// abort of any in-flight attempt or pending retry otherwise. Calling it from
// inside OnTransportError cancels the reconnection cycle for that same
// failure event.
func (c *Conn) Close(cond *condition.Condition) {
	c.closeReq.Store(true)
	c.lp.Submit(func() {
		c.closeCond = cond
		c.processClose()
	})
}

// State returns the current engine state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Reconnected reports whether the most recent open followed one or more
// retry cycles. False until the first open and during the first open.
func (c *Conn) Reconnected() bool {
	return c.reconnected.Load()
}

// ContainerID returns the client identity used in handshakes.
func (c *Conn) ContainerID() string {
	return c.containerID
}

// Status is a point-in-time snapshot for runtime inspection.
type Status struct {
	State       string `json:"state"`
	ContainerID string `json:"container_id"`
	Target      string `json:"target"`
	Original    string `json:"original"`
	Override    string `json:"override,omitempty"`
	Cursor      int    `json:"cursor"`
	Attempt     int    `json:"attempt"`
	Reconnected bool   `json:"reconnected"`
}

// Status returns a snapshot of the engine for health and admin endpoints.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:       c.State().String(),
		ContainerID: c.containerID,
		Original:    c.candidates.Original().String(),
		Cursor:      c.candidates.Cursor(),
		Attempt:     c.attempt,
		Reconnected: c.reconnected.Load(),
	}
	if !c.curTarget.IsZero() {
		s.Target = c.curTarget.String()
	}
	if o, ok := c.candidates.Override(); ok {
		s.Override = o.String()
	}
	return s
}

// startAttempt selects the next candidate and dials it. Runs on the loop.
func (c *Conn) startAttempt(first bool) {
	if c.State() == StateClosed || c.lp.Stopping() {
		return
	}
	if c.closeReq.Load() {
		c.finishClosed(condition.New(condition.LocalAbort, "closed before connecting"))
		return
	}

	c.transitionTo(StateConnecting)

	c.mu.Lock()
	tgt := c.candidates.Next(first)
	c.curTarget = tgt
	o := c.opts
	c.mu.Unlock()

	dcfg := transport.DialConfig{
		ContainerID: c.containerID,
		VirtualHost: o.VirtualHost.Or(""),
		User:        o.User.Or(""),
		Mechanisms:  o.SASLAllowedMechs.Or(nil),
		Timeout:     o.HandshakeTimeout.Or(0),
		TLS:         c.tlsConf,
	}
	if secret, ok := o.Secret.Get(); ok && secret != "" {
		token, err := auth.Mint(secret, dcfg.User, c.containerID, dcfg.VirtualHost)
		if err != nil {
			c.handleFailure(condition.Newf(condition.NegotiationFailed, "minting handshake token: %v", err))
			return
		}
		dcfg.Token = token
	}

	c.gen++
	g := c.gen
	dcfg.Events = &transportEvents{c: c, gen: g}

	c.logger.Debug("attempting connection",
		"container_id", c.containerID,
		"target", tgt.String(),
		"first_attempt", first,
	)

	go func() {
		tr, err := c.dialer.Dial(context.Background(), tgt, dcfg)
		ok := c.lp.Submit(func() { c.onDialResult(g, tr, err) })
		if !ok && tr != nil {
			tr.Abort()
		}
	}()
}

// onDialResult handles the outcome of one dial. Runs on the loop.
func (c *Conn) onDialResult(g int, tr transport.Transport, err error) {
	if g != c.gen || c.State() != StateConnecting {
		// Stale attempt overtaken by a close or a newer attempt.
		if tr != nil {
			tr.Abort()
		}
		return
	}

	c.mu.Lock()
	tgt := c.curTarget
	c.mu.Unlock()

	if err != nil {
		metrics.ConnectAttempts.WithLabelValues(tgt.Addr(), "failure").Inc()
		c.handleFailure(err)
		return
	}
	metrics.ConnectAttempts.WithLabelValues(tgt.Addr(), "success").Inc()

	if c.closeReq.Load() {
		tr.Abort()
		c.finishClosed(condition.New(condition.LocalAbort, "closed while connecting"))
		return
	}

	c.tr = tr
	wasReconnect := c.everOpened
	c.everOpened = true
	c.reconnected.Store(wasReconnect)

	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()

	metrics.ActiveConnections.Inc()
	if wasReconnect {
		metrics.Reconnects.Inc()
	}

	c.transitionTo(StateOpen)
	c.handler.OnConnectionOpen(c)
}

// handleFailure is the retry/terminal decision point for every transport
// failure: failed dials and lost established connections alike. All failures
// are classified uniformly; only an application Close inside the callback or
// an exhausted policy stops the cycle. Runs on the loop.
func (c *Conn) handleFailure(err error) {
	if c.State() == StateClosed {
		return
	}
	if c.State() == StateOpen {
		metrics.ActiveConnections.Dec()
		c.tr = nil
	}
	if c.closeReq.Load() {
		// Close was requested before this failure surfaced; the attempt
		// is moot, no notification for it.
		c.finishClosed(condition.New(condition.LocalAbort, "connection closed"))
		return
	}

	c.mu.Lock()
	tgt := c.curTarget
	c.mu.Unlock()
	c.logger.Warn("transport failure",
		"container_id", c.containerID,
		"target", tgt.String(),
		"error", err,
	)

	// The application may call Close or UpdateOptions synchronously here;
	// both are honored by the decision logic below.
	c.handler.OnTransportError(c, err)

	if c.closeReq.Load() {
		c.finishClosed(condition.New(condition.LocalAbort, "closed in transport-error handler"))
		return
	}

	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	pol := c.pol
	c.mu.Unlock()

	delay, retry := pol.NextDelay(attempt)
	if !retry {
		cond := terminalCondition(err, pol, attempt)
		metrics.TerminalFailures.WithLabelValues(string(cond.Code)).Inc()
		c.handler.OnConnectionError(c, cond)
		c.finishClosed(cond)
		return
	}

	metrics.RetryDelay.Observe(delay.Seconds())
	c.transitionTo(StateRetryWait)
	c.logger.Info("scheduling reconnect",
		"container_id", c.containerID,
		"attempt", attempt,
		"delay", delay,
	)
	c.retryTimer = c.lp.Schedule(delay, c.onRetryTimer)
}

// onRetryTimer fires when the reconnect delay elapses. It re-checks the
// engine state so a cancelled retry is a no-op rather than a race.
func (c *Conn) onRetryTimer() {
	if c.State() != StateRetryWait {
		return
	}
	c.startAttempt(false)
}

// terminalCondition picks the condition surfaced when the engine gives up.
func terminalCondition(err error, pol *policy.Policy, attempt int) *condition.Condition {
	if pol != nil {
		return condition.Newf(condition.PolicyExhausted, "giving up after %d reconnect attempts", attempt-1)
	}
	var cond *condition.Condition
	if errors.As(err, &cond) {
		return cond
	}
	return condition.Newf(condition.AddressUnreachable, "%v", err)
}

// processClose runs a user-initiated close on the loop.
func (c *Conn) processClose() {
	switch c.State() {
	case StateClosed:
		return
	case StateOpen:
		if c.tr == nil {
			c.finishClosed(c.closeCond)
			return
		}
		if err := c.tr.Close(c.closeCond); err != nil {
			c.logger.Warn("closing handshake failed", "container_id", c.containerID, "error", err)
			c.tr.Abort()
			c.tr = nil
			metrics.ActiveConnections.Dec()
			c.finishClosed(condition.New(condition.LocalAbort, "close handshake failed"))
		}
		// Otherwise stay open until the peer's CLOSE-OK arrives.
	case StateRetryWait, StateConnecting:
		c.finishClosed(condition.New(condition.LocalAbort, "connection closed"))
	}
}

// finishClosed reaches Closed without a clean closing handshake: no
// clean-close notification is emitted, only the final transport close.
func (c *Conn) finishClosed(cond *condition.Condition) {
	if c.State() == StateClosed {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.State() == StateOpen && c.tr != nil {
		c.tr.Abort()
		c.tr = nil
		metrics.ActiveConnections.Dec()
	}
	if cond != nil && cond.Terminal() {
		metrics.TerminalFailures.WithLabelValues(string(cond.Code)).Inc()
	}
	c.transitionTo(StateClosed)
	c.handler.OnTransportClose(c)
}

// finishClean completes an application-initiated closing handshake. This is
// the only path that emits the clean-close notification.
func (c *Conn) finishClean() {
	if c.State() != StateOpen {
		return
	}
	c.tr = nil
	metrics.ActiveConnections.Dec()
	c.transitionTo(StateClosed)
	c.handler.OnConnectionClose(c)
	c.handler.OnTransportClose(c)
}

// transitionTo changes the engine state, emitting metrics and logging.
// Runs on the loop.
func (c *Conn) transitionTo(s State) {
	from := c.State()
	if from == s {
		return
	}
	c.state.Store(int32(s))
	metrics.StateTransitions.WithLabelValues(from.String(), s.String()).Inc()
	c.logger.Info("connection state change",
		"container_id", c.containerID,
		"from", from.String(),
		"to", s.String(),
	)
}

// transportEvents adapts transport callbacks (reader goroutine) onto the
// loop, tagged with the attempt generation so stale transports are ignored.
type transportEvents struct {
	c   *Conn
	gen int
}

func (e *transportEvents) Failed(err error) {
	e.c.lp.Submit(func() { e.c.onTransportFailed(e.gen, err) })
}

func (e *transportEvents) RemoteClosed(cond *condition.Condition) {
	e.c.lp.Submit(func() { e.c.onRemoteClosed(e.gen, cond) })
}

func (e *transportEvents) CloseAcked() {
	e.c.lp.Submit(func() { e.c.onCloseAcked(e.gen) })
}

func (c *Conn) onTransportFailed(g int, err error) {
	if g != c.gen || c.State() != StateOpen {
		return
	}
	if c.closeReq.Load() {
		// Socket died mid closing-handshake; not a clean close.
		c.tr = nil
		metrics.ActiveConnections.Dec()
		c.finishClosed(condition.New(condition.LocalAbort, "connection lost during close"))
		return
	}
	c.handleFailure(err)
}

func (c *Conn) onRemoteClosed(g int, cond *condition.Condition) {
	if g != c.gen || c.State() != StateOpen {
		return
	}
	if c.closeReq.Load() {
		// Peer closed while our CLOSE was in flight; count it as clean.
		c.finishClean()
		return
	}
	var err error
	if cond != nil {
		err = cond
	} else {
		err = condition.New(condition.PeerRefused, "peer closed connection")
	}
	c.handleFailure(err)
}

func (c *Conn) onCloseAcked(g int) {
	if g != c.gen || c.State() != StateOpen {
		return
	}
	c.finishClean()
}
