package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dskow/mqlink/internal/auth"
	"github.com/dskow/mqlink/internal/condition"
	"github.com/dskow/mqlink/internal/peer"
	"github.com/dskow/mqlink/internal/target"
	"github.com/dskow/mqlink/internal/transport"
)

const waitFor = 5 * time.Second

type readyChan chan struct{}

func (r readyChan) Done() { close(r) }

func startPeer(t *testing.T, cfg peer.Config) *peer.Server {
	t.Helper()
	ready := make(readyChan)
	cfg.Ready = ready
	s := peer.Start(cfg)
	t.Cleanup(s.Stop)
	select {
	case <-ready:
	case <-time.After(waitFor):
		t.Fatal("peer never became ready")
	}
	return s
}

type eventRec struct {
	remoteClosed chan *condition.Condition
	closeAcked   chan struct{}
	failed       chan error
}

func newEventRec() *eventRec {
	return &eventRec{
		remoteClosed: make(chan *condition.Condition, 4),
		closeAcked:   make(chan struct{}, 4),
		failed:       make(chan error, 4),
	}
}

func (e *eventRec) RemoteClosed(cond *condition.Condition) { e.remoteClosed <- cond }
func (e *eventRec) CloseAcked()                            { e.closeAcked <- struct{}{} }
func (e *eventRec) Failed(err error)                       { e.failed <- err }

func dial(t *testing.T, addr string, cfg transport.DialConfig) (transport.Transport, error) {
	t.Helper()
	d := &transport.NetDialer{}
	if cfg.Timeout == 0 {
		cfg.Timeout = waitFor
	}
	return d.Dial(context.Background(), target.MustParse(addr), cfg)
}

func TestDialAndCleanClose(t *testing.T) {
	s := startPeer(t, peer.Config{Mode: peer.ModeAccept})

	rec := newEventRec()
	tr, err := dial(t, s.URL(), transport.DialConfig{
		ContainerID: "client-1",
		Events:      rec,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if got := tr.Target().Addr(); got != target.MustParse(s.URL()).Addr() {
		t.Fatalf("Target = %s", got)
	}

	if err := tr.Close(nil); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-rec.closeAcked:
	case <-time.After(waitFor):
		t.Fatal("close-ok never arrived")
	}
	if s.Handshakes() != 1 {
		t.Fatalf("handshakes = %d", s.Handshakes())
	}
}

func TestDialRefusedPropagatesPeerCondition(t *testing.T) {
	s := startPeer(t, peer.Config{Mode: peer.ModeRefuse})

	_, err := dial(t, s.URL(), transport.DialConfig{ContainerID: "client-1", Events: newEventRec()})
	if err == nil {
		t.Fatal("Dial succeeded against a refusing peer")
	}
	var cond *condition.Condition
	if !errors.As(err, &cond) || !cond.Is(condition.PeerRefused) {
		t.Fatalf("error = %v, want peer-refused condition", err)
	}
	if cond.Description != "failover testing" {
		t.Fatalf("description = %q, want the peer's verbatim description", cond.Description)
	}
}

func TestDialUnreachable(t *testing.T) {
	// A peer that is stopped before we dial leaves a closed port behind.
	s := startPeer(t, peer.Config{Mode: peer.ModeAccept})
	addr := s.URL()
	s.Stop()
	time.Sleep(50 * time.Millisecond)

	_, err := dial(t, addr, transport.DialConfig{ContainerID: "client-1", Events: newEventRec()})
	if err == nil {
		t.Fatal("Dial succeeded against a closed port")
	}
	var cond *condition.Condition
	if !errors.As(err, &cond) || !cond.Is(condition.AddressUnreachable) {
		t.Fatalf("error = %v, want address-unreachable condition", err)
	}
}

func TestRemoteErrorCloseDelivered(t *testing.T) {
	s := startPeer(t, peer.Config{Mode: peer.ModeAcceptThenClose})

	rec := newEventRec()
	_, err := dial(t, s.URL(), transport.DialConfig{ContainerID: "client-1", Events: rec})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case cond := <-rec.remoteClosed:
		if cond == nil || !cond.Is(condition.PeerRefused) {
			t.Fatalf("remote close condition = %v", cond)
		}
	case <-time.After(waitFor):
		t.Fatal("remote close never delivered")
	}
}

func TestHandshakeTokenAccepted(t *testing.T) {
	s := startPeer(t, peer.Config{Mode: peer.ModeAccept, Secret: "s3cret", VirtualHost: "prod"})

	token, err := auth.Mint("s3cret", "alice", "client-1", "prod")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	tr, err := dial(t, s.URL(), transport.DialConfig{
		ContainerID: "client-1",
		VirtualHost: "prod",
		User:        "alice",
		Token:       token,
		Events:      newEventRec(),
	})
	if err != nil {
		t.Fatalf("Dial with valid token: %v", err)
	}
	tr.Abort()
}

func TestHandshakeTokenRejected(t *testing.T) {
	s := startPeer(t, peer.Config{Mode: peer.ModeAccept, Secret: "s3cret", VirtualHost: "prod"})

	token, err := auth.Mint("wrong-secret", "alice", "client-1", "prod")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	_, err = dial(t, s.URL(), transport.DialConfig{
		ContainerID: "client-1",
		VirtualHost: "prod",
		Token:       token,
		Events:      newEventRec(),
	})
	if err == nil {
		t.Fatal("Dial succeeded with a bad token")
	}
	var cond *condition.Condition
	if !errors.As(err, &cond) || !cond.Is(condition.AuthenticationFailed) {
		t.Fatalf("error = %v, want authentication-failed condition", err)
	}
}

func TestAbortSuppressesEvents(t *testing.T) {
	s := startPeer(t, peer.Config{Mode: peer.ModeAccept})

	rec := newEventRec()
	tr, err := dial(t, s.URL(), transport.DialConfig{ContainerID: "client-1", Events: rec})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	tr.Abort()
	select {
	case err := <-rec.failed:
		t.Fatalf("aborted transport reported failure: %v", err)
	case cond := <-rec.remoteClosed:
		t.Fatalf("aborted transport reported remote close: %v", cond)
	case <-time.After(200 * time.Millisecond):
	}
}
