// Package transport implements the wire transport consumed by the connection
// engine: dialing a candidate target, running the protocol handshake, and
// reporting transport lifecycle events (established, failed, peer closed)
// back to the engine.
//
// The wire format is deliberately minimal — newline-delimited JSON frames —
// since the engine only orchestrates when/where/with-what-options connections
// are attempted; it never inspects message payloads.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dskow/mqlink/internal/condition"
)

// Frame types exchanged on the wire.
const (
	FrameOpen    = "open"
	FrameOpenOK  = "open-ok"
	FrameClose   = "close"
	FrameCloseOK = "close-ok"
	FramePing    = "ping"
)

// MaxFrameBytes bounds a single frame line. Oversized frames fail the
// connection rather than growing the read buffer without limit.
const MaxFrameBytes = 64 * 1024

// Frame is one protocol frame. Fields are populated per frame type: OPEN
// carries the client identity and credentials, CLOSE may carry an error
// condition, the remaining types are bare.
type Frame struct {
	Type        string               `json:"type"`
	ContainerID string               `json:"container_id,omitempty"`
	VirtualHost string               `json:"virtual_host,omitempty"`
	User        string               `json:"user,omitempty"`
	Token       string               `json:"token,omitempty"`
	Mechanisms  []string             `json:"mechanisms,omitempty"`
	Condition   *condition.Condition `json:"condition,omitempty"`
}

// ReadFrame reads one newline-delimited frame. The line must fit in r's
// buffer; callers size it with MaxFrameBytes so a peer streaming an unbounded
// line is cut off at the limit instead of buffered in full.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) || len(line) > MaxFrameBytes {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameBytes)
	}
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// EncodeFrame serializes a frame to its newline-delimited wire form.
func EncodeFrame(f *Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return append(b, '\n'), nil
}
