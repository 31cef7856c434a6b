//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/dskow/mqlink/internal/engine"
	"github.com/dskow/mqlink/internal/options"
	"github.com/dskow/mqlink/internal/peer"
)

func TestFailoverToSecondPeer(t *testing.T) {
	refusing := startPeer(t, peer.Config{Mode: peer.ModeRefuse, Single: true})
	healthy := startPeer(t, peer.Config{Mode: peer.ModeAccept})

	lp := startLoop(t)
	ev := newEvents()
	c := connect(t, lp, ev, refusing.URL(), options.Options{
		FailoverURLs: options.Some([]string{healthy.URL()}),
		Reconnect:    options.Some(quickRetry),
	})

	reconnected := awaitOpen(t, ev, "open on the failover peer")
	if !reconnected {
		t.Fatal("failover open not reported as reconnect")
	}
	if got := c.Status().Target; got != "mq://"+healthy.URL()[2:] {
		t.Fatalf("open target = %q, want the healthy peer", got)
	}
	if refusing.Handshakes() != 1 {
		t.Fatalf("refusing peer handshakes = %d, want 1", refusing.Handshakes())
	}
}

func TestReconnectAfterPeerDrops(t *testing.T) {
	// The first peer drops the connection right after the handshake and
	// then disappears; the client must fail over to the second.
	flaky := startPeer(t, peer.Config{Mode: peer.ModeAcceptThenClose, Single: true})
	healthy := startPeer(t, peer.Config{Mode: peer.ModeAccept})

	lp := startLoop(t)
	ev := newEvents()
	connect(t, lp, ev, flaky.URL(), options.Options{
		FailoverURLs: options.Some([]string{healthy.URL()}),
		Reconnect:    options.Some(quickRetry),
	})

	if reconnected := awaitOpen(t, ev, "first open"); reconnected {
		t.Fatal("first open reported as reconnect")
	}
	if reconnected := awaitOpen(t, ev, "re-open after drop"); !reconnected {
		t.Fatal("second open not reported as reconnect")
	}
}

func TestAuthenticatedHandshake(t *testing.T) {
	s := startPeer(t, peer.Config{
		Mode:        peer.ModeAccept,
		Secret:      "integration-secret",
		VirtualHost: "prod",
	})

	lp := startLoop(t)
	ev := newEvents()
	connect(t, lp, ev, s.URL(), options.Options{
		VirtualHost: options.Some("prod"),
		User:        options.Some("alice"),
		Secret:      options.Some("integration-secret"),
	})

	awaitOpen(t, ev, "authenticated open")
}

func TestBadCredentialsAreRetriedUntilClosed(t *testing.T) {
	s := startPeer(t, peer.Config{
		Mode:        peer.ModeAccept,
		Secret:      "integration-secret",
		VirtualHost: "prod",
	})

	lp := startLoop(t)
	ev := newEvents()
	c := connect(t, lp, ev, s.URL(), options.Options{
		VirtualHost: options.Some("prod"),
		Secret:      options.Some("wrong-secret"),
		Reconnect:   options.Some(quickRetry),
	})

	// Auth failures are classified like any other failure: retried, not
	// instantly terminal.
	for i := 0; i < 2; i++ {
		select {
		case <-ev.transportErrs:
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for transport error %d", i+1)
		}
	}

	c.Close(nil)
	awaitSignal(t, ev.transportCloses, "transport close")
	if c.State() != engine.StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
}

func TestCleanCloseHandshake(t *testing.T) {
	s := startPeer(t, peer.Config{Mode: peer.ModeAccept})

	lp := startLoop(t)
	ev := newEvents()
	c := connect(t, lp, ev, s.URL(), options.Options{
		Reconnect: options.Some(quickRetry),
	})
	awaitOpen(t, ev, "open")

	c.Close(nil)
	awaitSignal(t, ev.connCloses, "clean close notification")
	awaitSignal(t, ev.transportCloses, "transport close")
	if c.State() != engine.StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
}

func TestRuntimeRedirectToNewPeer(t *testing.T) {
	first := startPeer(t, peer.Config{Mode: peer.ModeAcceptThenClose, Single: true})
	second := startPeer(t, peer.Config{Mode: peer.ModeAccept})

	lp := startLoop(t)
	ev := newEvents()
	c := connect(t, lp, ev, first.URL(), options.Options{
		Reconnect: options.Some(quickRetry),
	})
	awaitOpen(t, ev, "first open")

	// Redirect all reconnection attempts to the second peer before the
	// drop arrives.
	if err := c.UpdateOptions(options.Options{
		ReconnectURL: options.Some(second.URL()),
	}); err != nil {
		t.Fatalf("UpdateOptions: %v", err)
	}

	if reconnected := awaitOpen(t, ev, "open on the redirect target"); !reconnected {
		t.Fatal("redirected open not reported as reconnect")
	}
	if got := c.Status().Target; got != "mq://"+second.URL()[2:] {
		t.Fatalf("open target = %q, want the redirect target", got)
	}
}
