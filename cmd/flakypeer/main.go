// Package main provides a configurable test peer for exercising the client's
// reconnection behavior: it can accept, refuse, or drop connections right
// after the handshake, and optionally require handshake tokens.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dskow/mqlink/internal/peer"
)

type readyChan chan struct{}

func (r readyChan) Done() { close(r) }

func main() {
	addr := flag.String("listen", "127.0.0.1:5672", "address to listen on")
	mode := flag.String("mode", "accept", "behavior: accept, refuse, or drop (accept then error-close)")
	secret := flag.String("secret", "", "require handshake tokens signed with this secret")
	vhost := flag.String("vhost", "", "virtual host tokens must be bound to")
	single := flag.Bool("single", false, "serve one connection then stop listening")
	flag.Parse()

	if s := os.Getenv("FLAKYPEER_SECRET"); s != "" {
		*secret = s
	}

	var m peer.Mode
	switch *mode {
	case "accept":
		m = peer.ModeAccept
	case "refuse":
		m = peer.ModeRefuse
	case "drop":
		m = peer.ModeAcceptThenClose
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	ready := make(readyChan)
	s := peer.Start(peer.Config{
		Mode:        m,
		Addr:        *addr,
		Secret:      *secret,
		VirtualHost: *vhost,
		Single:      *single,
		Ready:       ready,
	})
	// Start binds asynchronously; log the bound address once available.
	go func() {
		<-ready
		log.Printf("flakypeer listening on %s", s.URL())
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.Stop()
	log.Printf("flakypeer stopped after %d handshakes", s.Handshakes())
}
