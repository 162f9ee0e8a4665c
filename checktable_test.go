package tributary

import "testing"

func TestChecktableClaimMonotonic(t *testing.T) {
	c := NewChecktable()

	var last Token
	for i := 0; i < 100; i++ {
		tok := c.Claim("t", []Key{"k"})
		if tok <= last {
			t.Fatalf("token %d not greater than previous %d", tok, last)
		}
		last = tok
	}
	if c.Current() != last {
		t.Errorf("Current() = %d, want %d", c.Current(), last)
	}
}

func TestChecktableValidate(t *testing.T) {
	c := NewChecktable()

	first := c.Claim("t", []Key{"a", "b"})
	second := c.Claim("t", []Key{"b"})

	if !c.Validate("t", second, []Key{"b"}) {
		t.Error("newest token should validate")
	}
	if !c.Validate("t", first, []Key{"a"}) {
		t.Error("untouched key should still validate")
	}
	if c.Validate("t", first, []Key{"b"}) {
		t.Error("overtaken key should not validate")
	}
	if c.Validate("t", first, []Key{"a", "b"}) {
		t.Error("write touching an overtaken key should not validate")
	}
}

func TestChecktableTablesIndependent(t *testing.T) {
	c := NewChecktable()

	tok := c.Claim("users", []Key{"u1"})
	c.Claim("posts", []Key{"u1"})

	if !c.Validate("users", tok, []Key{"u1"}) {
		t.Error("claim on another table must not invalidate this one")
	}
	if !c.Validate("never-claimed", tok, nil) {
		t.Error("unknown table should validate")
	}
}

func TestChecktableAdvance(t *testing.T) {
	c := NewChecktable()
	c.Claim("t", []Key{"k"})

	c.Advance(50)
	if c.Current() != 50 {
		t.Fatalf("Current() = %d after Advance(50)", c.Current())
	}
	c.Advance(10)
	if c.Current() != 50 {
		t.Errorf("Advance must never move backwards, got %d", c.Current())
	}
	if tok := c.Claim("t", []Key{"k"}); tok != 51 {
		t.Errorf("next claim = %d, want 51", tok)
	}
}
