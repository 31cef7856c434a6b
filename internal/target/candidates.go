package target

// Candidates is the cyclic candidate list for one logical connection: the
// original connect address followed by the failover targets. A cursor tracks
// the next position and advances (wrapping) on each reconnection attempt.
// A sticky override, while set, shadows the cycle without touching the
// cursor, so clearing it resumes the cycle where it left off.
//
// Owned exclusively by one engine instance and mutated only from its
// serialized callback context; no locking here.
type Candidates struct {
	original Target
	failover []Target
	override Target
	cursor   int
}

// NewCandidates creates a candidate list for the given original address and
// failover targets.
func NewCandidates(original Target, failover []Target) *Candidates {
	return &Candidates{original: original, failover: failover}
}

// Next returns the target for the next connection attempt.
//
// The very first attempt always uses the original connect address — never the
// override or failover entries — and leaves the cursor untouched. The
// override/failover cycle governs only reconnection attempts.
func (c *Candidates) Next(firstAttempt bool) Target {
	if firstAttempt {
		return c.original
	}
	if !c.override.IsZero() {
		return c.override
	}
	list := c.list()
	t := list[c.cursor%len(list)]
	c.cursor = (c.cursor + 1) % len(list)
	return t
}

// list returns the effective cycle: [original] ++ failover. An empty failover
// list degrades to a single-element cycle of the original address.
func (c *Candidates) list() []Target {
	out := make([]Target, 0, 1+len(c.failover))
	out = append(out, c.original)
	return append(out, c.failover...)
}

// SetFailover replaces the failover targets, rebuilding the cycle. The cursor
// position is preserved (taken modulo the new length on the next selection).
func (c *Candidates) SetFailover(failover []Target) {
	c.failover = failover
	c.cursor %= 1 + len(failover)
}

// SetOverride installs a sticky override target. While set, every
// reconnection attempt targets it; the failover list is shadowed, not
// cleared.
func (c *Candidates) SetOverride(t Target) {
	c.override = t
}

// ClearOverride removes the sticky override; the failover cycle resumes from
// the cursor position it held before the override was set.
func (c *Candidates) ClearOverride() {
	c.override = Target{}
}

// Override returns the current sticky override and whether one is set.
func (c *Candidates) Override() (Target, bool) {
	return c.override, !c.override.IsZero()
}

// Original returns the address given to connect.
func (c *Candidates) Original() Target {
	return c.original
}

// Cursor returns the current cursor position. Exposed for runtime inspection.
func (c *Candidates) Cursor() int {
	return c.cursor
}

// HasFailover reports whether any failover targets are configured.
func (c *Candidates) HasFailover() bool {
	return len(c.failover) > 0
}
