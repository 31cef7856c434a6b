// Package options implements the layered connection options overlay. Every
// field carries an explicit is-set marker so a partial update can distinguish
// "not specified" from "explicitly set to the empty value": merging a delta
// overwrites only the fields present in the delta, and an explicitly empty
// value (empty failover list, empty reconnect URL) clears its field rather
// than being ignored.
package options

import (
	"time"

	"github.com/dskow/mqlink/internal/policy"
)

// Optional wraps a value with an is-set marker. The zero Optional is unset.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns a set Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// IsSet reports whether the field was explicitly specified.
func (o Optional[T]) IsSet() bool { return o.set }

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) { return o.value, o.set }

// Or returns the value if set, otherwise def.
func (o Optional[T]) Or(def T) T {
	if o.set {
		return o.value
	}
	return def
}

// merge overwrites base with delta when delta is set.
func merge[T any](base, delta Optional[T]) Optional[T] {
	if delta.set {
		return delta
	}
	return base
}

// Options is a partial set of connection options. It serves both as the
// effective overlay held by the engine and as a delta passed to
// UpdateOptions.
type Options struct {
	// ContainerID identifies the client in the protocol handshake.
	ContainerID Optional[string]
	// VirtualHost selects the peer-side virtual host.
	VirtualHost Optional[string]
	// User is the authentication identity.
	User Optional[string]
	// Secret is the shared secret used to mint handshake tokens.
	Secret Optional[string]
	// SASLAllowedMechs restricts the mechanisms offered in the handshake.
	SASLAllowedMechs Optional[[]string]
	// HandshakeTimeout bounds dial plus protocol negotiation per attempt.
	HandshakeTimeout Optional[time.Duration]

	// ReconnectURL is the sticky override target. Setting it to the empty
	// string clears the override, making the failover list active again.
	ReconnectURL Optional[string]
	// FailoverURLs is the ordered failover list appended to the original
	// address. An explicitly empty list degrades the cycle to the original
	// address alone.
	FailoverURLs Optional[[]string]
	// Reconnect is the retry policy. Explicitly setting nil disables
	// reconnection.
	Reconnect Optional[*policy.Policy]
}

// Merge returns base with every field present in delta overwritten. Fields
// absent from delta keep their previous value; unset fields are never cleared
// by omission.
func Merge(base, delta Options) Options {
	return Options{
		ContainerID:      merge(base.ContainerID, delta.ContainerID),
		VirtualHost:      merge(base.VirtualHost, delta.VirtualHost),
		User:             merge(base.User, delta.User),
		Secret:           merge(base.Secret, delta.Secret),
		SASLAllowedMechs: merge(base.SASLAllowedMechs, delta.SASLAllowedMechs),
		HandshakeTimeout: merge(base.HandshakeTimeout, delta.HandshakeTimeout),
		ReconnectURL:     merge(base.ReconnectURL, delta.ReconnectURL),
		FailoverURLs:     merge(base.FailoverURLs, delta.FailoverURLs),
		Reconnect:        merge(base.Reconnect, delta.Reconnect),
	}
}

// TouchesReconnect reports whether the delta modifies any reconnect-related
// field, i.e. whether the candidate list must be rebuilt.
func (o Options) TouchesReconnect() bool {
	return o.ReconnectURL.IsSet() || o.FailoverURLs.IsSet() || o.Reconnect.IsSet()
}
