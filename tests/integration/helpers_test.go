//go:build integration

package integration

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dskow/mqlink/internal/condition"
	"github.com/dskow/mqlink/internal/engine"
	"github.com/dskow/mqlink/internal/loop"
	"github.com/dskow/mqlink/internal/options"
	"github.com/dskow/mqlink/internal/peer"
	"github.com/dskow/mqlink/internal/policy"
	"github.com/dskow/mqlink/internal/transport"
)

const waitFor = 10 * time.Second

// quickRetry keeps integration runs fast while still exercising backoff.
var quickRetry = &policy.Policy{
	Delay:      20 * time.Millisecond,
	Multiplier: 1.5,
	MaxDelay:   200 * time.Millisecond,
}

var testLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

type readyChan chan struct{}

func (r readyChan) Done() { close(r) }

func startPeer(t *testing.T, cfg peer.Config) *peer.Server {
	t.Helper()
	ready := make(readyChan)
	cfg.Ready = ready
	if cfg.Logger == nil {
		cfg.Logger = testLogger
	}
	s := peer.Start(cfg)
	t.Cleanup(s.Stop)
	select {
	case <-ready:
	case <-time.After(waitFor):
		t.Fatal("peer never became ready")
	}
	return s
}

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()
	lp := loop.New(testLogger)
	go lp.Run()
	t.Cleanup(func() {
		lp.Stop()
		<-lp.Done()
	})
	return lp
}

// events collects engine callbacks on buffered channels.
type events struct {
	engine.NopHandler

	opens           chan bool
	transportErrs   chan error
	connErrs        chan *condition.Condition
	connCloses      chan struct{}
	transportCloses chan struct{}
}

func newEvents() *events {
	return &events{
		opens:           make(chan bool, 32),
		transportErrs:   make(chan error, 32),
		connErrs:        make(chan *condition.Condition, 32),
		connCloses:      make(chan struct{}, 32),
		transportCloses: make(chan struct{}, 32),
	}
}

func (e *events) OnConnectionOpen(c *engine.Conn) { e.opens <- c.Reconnected() }

func (e *events) OnConnectionError(_ *engine.Conn, cond *condition.Condition) { e.connErrs <- cond }

func (e *events) OnConnectionClose(*engine.Conn) { e.connCloses <- struct{}{} }

func (e *events) OnTransportError(_ *engine.Conn, err error) { e.transportErrs <- err }

func (e *events) OnTransportClose(*engine.Conn) { e.transportCloses <- struct{}{} }

func connect(t *testing.T, lp *loop.Loop, h engine.Handler, addr string, o options.Options) *engine.Conn {
	t.Helper()
	c, err := engine.Connect(engine.Config{
		Loop:    lp,
		Dialer:  &transport.NetDialer{Logger: testLogger},
		Handler: h,
		Logger:  testLogger,
	}, addr, o)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func awaitOpen(t *testing.T, ev *events, what string) bool {
	t.Helper()
	select {
	case reconnected := <-ev.opens:
		return reconnected
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
		return false
	}
}

func awaitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}
