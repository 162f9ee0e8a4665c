package tributary

import (
	"sync"
	"sync/atomic"
)

// Checktable is the ordering authority for base-table writes. It issues
// strictly increasing tokens and remembers, per (table, key), the newest token
// that touched it, so a domain can detect that a delta it is about to commit
// has been overtaken by a concurrent writer.
//
// The checktable holds no application data, only (key -> last token)
// bookkeeping, and is the single point of cross-domain synchronization for
// writes. Its mutex is scoped strictly to Claim and Validate and is never
// held across a message send.
type Checktable struct {
	next uint64 // atomic

	mu   sync.Mutex
	last map[string]map[Key]Token
}

// NewChecktable returns an empty checktable. The first claimed token is 1.
func NewChecktable() *Checktable {
	return &Checktable{last: make(map[string]map[Key]Token)}
}

// Claim issues the next token and records it as the latest to touch each of
// the given keys of table.
func (c *Checktable) Claim(table string, keys []Key) Token {
	tok := Token(atomic.AddUint64(&c.next, 1))
	c.mu.Lock()
	m := c.last[table]
	if m == nil {
		m = make(map[Key]Token)
		c.last[table] = m
	}
	for _, k := range keys {
		m[k] = tok
	}
	c.mu.Unlock()
	return tok
}

// Validate reports whether a write holding token may still commit: it fails
// if any of its keys has since been claimed by a newer token, in which case
// the writer must retry against current state.
func (c *Checktable) Validate(table string, token Token, keys []Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.last[table]
	if m == nil {
		return true
	}
	for _, k := range keys {
		if m[k] > token {
			return false
		}
	}
	return true
}

// Current returns the newest token issued so far.
func (c *Checktable) Current() Token {
	return Token(atomic.LoadUint64(&c.next))
}

// Advance moves the token counter forward to at least tok. Used by journal
// recovery so fresh claims stay ahead of replayed history.
func (c *Checktable) Advance(tok Token) {
	for {
		cur := atomic.LoadUint64(&c.next)
		if cur >= uint64(tok) {
			return
		}
		if atomic.CompareAndSwapUint64(&c.next, cur, uint64(tok)) {
			return
		}
	}
}
