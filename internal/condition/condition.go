// Package condition defines the error taxonomy carried on connection close
// frames and surfaced through engine notifications. Codes form a public API
// contract — peers and operators can program against these stable strings.
// Do not rename or remove existing codes.
package condition

import "fmt"

// Code is a machine-readable error classification string.
type Code string

const (
	AddressUnreachable   Code = "mqlink:address-unreachable"
	NegotiationFailed    Code = "mqlink:negotiation-failed"
	AuthenticationFailed Code = "mqlink:authentication-failed"
	PeerRefused          Code = "mqlink:peer-refused"
	LocalAbort           Code = "mqlink:local-abort"
	PolicyExhausted      Code = "mqlink:policy-exhausted"
)

// Condition is an error condition with a stable code and a human-readable
// description. It is what peers put in CLOSE frames and what the engine
// delivers with failure notifications.
type Condition struct {
	Code        Code   `json:"code"`
	Description string `json:"description,omitempty"`
}

// New creates a Condition with the given code and description.
func New(code Code, description string) *Condition {
	return &Condition{Code: code, Description: description}
}

// Newf creates a Condition with a formatted description.
func Newf(code Code, format string, args ...any) *Condition {
	return &Condition{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (c *Condition) Error() string {
	if c.Description == "" {
		return string(c.Code)
	}
	return fmt.Sprintf("%s: %s", c.Code, c.Description)
}

// Is reports whether c carries the given code. Nil conditions match nothing.
func (c *Condition) Is(code Code) bool {
	return c != nil && c.Code == code
}

// Terminal reports whether the condition terminates the engine without
// further retries. All other codes are retried uniformly per policy;
// classification of retryable vs. fatal is left to application code.
func (c *Condition) Terminal() bool {
	return c.Is(LocalAbort) || c.Is(PolicyExhausted)
}
