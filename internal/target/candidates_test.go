package target

import "testing"

func seq(t *testing.T, c *Candidates, first bool, want ...string) {
	t.Helper()
	for i, w := range want {
		got := c.Next(first && i == 0)
		if got.Addr() != w {
			t.Fatalf("selection %d = %s, want %s", i, got.Addr(), w)
		}
	}
}

func TestCycleWithoutFailover(t *testing.T) {
	c := NewCandidates(MustParse("a:1"), nil)
	seq(t, c, true, "a:1", "a:1", "a:1")
}

func TestCycleWithFailover(t *testing.T) {
	c := NewCandidates(MustParse("a:1"), []Target{MustParse("b:2"), MustParse("c:3")})
	// First attempt hits the original, then the cycle starts from it again.
	seq(t, c, true, "a:1", "a:1", "b:2", "c:3", "a:1", "b:2")
}

func TestOverrideShadowsCycle(t *testing.T) {
	c := NewCandidates(MustParse("a:1"), []Target{MustParse("b:2")})
	seq(t, c, true, "a:1", "a:1", "b:2")

	c.SetOverride(MustParse("x:9"))
	seq(t, c, false, "x:9", "x:9", "x:9")

	// Clearing the override resumes the cycle where it left off.
	c.ClearOverride()
	seq(t, c, false, "a:1", "b:2")
}

func TestOverrideIgnoredOnFirstAttempt(t *testing.T) {
	c := NewCandidates(MustParse("a:1"), nil)
	c.SetOverride(MustParse("x:9"))
	if got := c.Next(true); got.Addr() != "a:1" {
		t.Fatalf("first attempt = %s, want original a:1", got.Addr())
	}
	if got := c.Next(false); got.Addr() != "x:9" {
		t.Fatalf("second attempt = %s, want override x:9", got.Addr())
	}
}

func TestSetFailoverPreservesCursor(t *testing.T) {
	c := NewCandidates(MustParse("a:1"), []Target{MustParse("b:2")})
	seq(t, c, true, "a:1", "a:1", "b:2") // cursor back at 0

	c.SetFailover([]Target{MustParse("b:2"), MustParse("c:3")})
	seq(t, c, false, "a:1", "b:2", "c:3", "a:1")
}

func TestSetFailoverClampsCursor(t *testing.T) {
	c := NewCandidates(MustParse("a:1"), []Target{MustParse("b:2"), MustParse("c:3")})
	seq(t, c, true, "a:1", "a:1", "b:2") // cursor now 2

	// Shrinking the list wraps the cursor instead of indexing out of range.
	c.SetFailover(nil)
	seq(t, c, false, "a:1", "a:1")
}

func TestOverrideAccessors(t *testing.T) {
	c := NewCandidates(MustParse("a:1"), nil)
	if _, ok := c.Override(); ok {
		t.Fatal("fresh candidates reported an override")
	}
	c.SetOverride(MustParse("x:9"))
	if o, ok := c.Override(); !ok || o.Addr() != "x:9" {
		t.Fatalf("Override = %v, %v", o, ok)
	}
	if c.Original().Addr() != "a:1" {
		t.Fatalf("Original = %s", c.Original().Addr())
	}
	if c.HasFailover() {
		t.Fatal("HasFailover true with empty list")
	}
}
