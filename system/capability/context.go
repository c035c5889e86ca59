package capability

import (
	"sync"

	"github.com/google/uuid"
)

// Restriction narrows what a child Context may be granted relative to its
// parent: any token created under a child must match at least one pattern
// in ResourcePatterns (if non-empty) and use only ops in AllowedOps (if
// non-empty). An empty Restriction imposes no additional narrowing.
type Restriction struct {
	ResourcePatterns []string
	AllowedOps       []string
}

// Context is one node of the capability context tree. Contexts form a
// strict tree: every context but the root has exactly one parent, and a
// context's granted tokens are visible to itself and (by lookup) to its
// descendants, never to its ancestors or siblings.
type Context struct {
	id       string
	parent   *Context
	depth    int
	restrict Restriction

	// restrictPatterns/restrictOps are restrict's fields precompiled once
	// at Child-creation time, so every lookup and grant check can match
	// against them directly instead of recompiling per call.
	restrictPatterns []*Pattern
	restrictOps      map[string]bool

	mu     sync.RWMutex
	tokens []*Token
	active bool

	generation uint64 // bumped on grant/close; invalidates caches
}

// NewRootContext creates a context with no parent.
func NewRootContext() *Context {
	return &Context{
		id:     uuid.NewString(),
		active: true,
	}
}

// Child creates a new context whose parent is c, narrowed by restrict.
func (c *Context) Child(restrict Restriction) *Context {
	child := &Context{
		id:       uuid.NewString(),
		parent:   c,
		depth:    c.depth + 1,
		restrict: restrict,
		active:   true,
	}
	for _, raw := range restrict.ResourcePatterns {
		if p, err := CompilePattern(raw); err == nil {
			child.restrictPatterns = append(child.restrictPatterns, p)
		}
	}
	if len(restrict.AllowedOps) > 0 {
		child.restrictOps = make(map[string]bool, len(restrict.AllowedOps))
		for _, op := range restrict.AllowedOps {
			child.restrictOps[op] = true
		}
	}
	return child
}

// ID returns the context's unique identifier.
func (c *Context) ID() string { return c.id }

// Parent returns the parent context, or nil for a root.
func (c *Context) Parent() *Context { return c.parent }

// Depth returns the number of ancestors between c and the root (0 for a
// root context itself). Used to break ties deterministically when more
// than one token would satisfy a capability check: the shallower context
// (closer to the root) wins, per the system's least-privilege-at-the-edge
// convention.
func (c *Context) Depth() int { return c.depth }

// Active reports whether the context is still usable. A closed context
// (and every context beneath it) must not be granted new tokens or
// consulted for lookups.
func (c *Context) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Close deactivates c. Idempotent. Tokens already issued under c remain
// individually valid (a closed Context stops new grants and lookups, it
// does not retroactively revoke tokens already handed to callers).
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.active = false
		c.generation++
	}
}

func (c *Context) generationSnapshot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// allowedByRestriction reports whether a token request with the given
// resource patterns and ops satisfies c's own Restriction (not its
// ancestors' — callers walk the chain via Manager.Grant). A requested
// pattern satisfies the restriction when its canonicalized text matches
// one of the restriction's compiled patterns, so a child restricted to
// "/tmp/*" can mint a strictly narrower "/tmp/a.txt" token without the two
// strings being byte-identical.
func (c *Context) allowedByRestriction(patterns, ops []string) bool {
	if len(c.restrictPatterns) > 0 {
		if len(patterns) == 0 {
			return false
		}
		for _, want := range patterns {
			canonical := Canonicalize(want)
			ok := false
			for _, p := range c.restrictPatterns {
				if p.Match(canonical) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
	}
	if c.restrictOps != nil {
		for _, op := range ops {
			if !c.restrictOps[op] {
				return false
			}
		}
	}
	return true
}

// restrictionAllowsResource reports whether a concrete (resource, op) pair
// satisfies c's own Restriction, used when resolving a token inherited
// from an ancestor context: the restriction is consulted at lookup time,
// not just when the token was minted, so a parent token stays reachable
// through a descendant only for the (resource, op) pairs the descendant's
// restriction still permits.
func (c *Context) restrictionAllowsResource(resource, op string) bool {
	if len(c.restrictPatterns) > 0 {
		canonical := Canonicalize(resource)
		matched := false
		for _, p := range c.restrictPatterns {
			if p.Match(canonical) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if c.restrictOps != nil && !c.restrictOps[op] {
		return false
	}
	return true
}

// grant appends tok to c's token set. Must be called with c known active.
func (c *Context) grant(tok *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, tok)
	c.generation++
}

// ownTokens returns a snapshot of the tokens granted directly to c.
func (c *Context) ownTokens() []*Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Token, len(c.tokens))
	copy(out, c.tokens)
	return out
}

// chain returns c and every ancestor, ordered from c (deepest) up to the
// root. The order only determines which contexts are searched; when more
// than one token matches, Manager.resolve picks the one from the
// shallowest context (then the earliest created), so an ancestor's grant
// wins over a descendant's.
func (c *Context) chain() []*Context {
	var out []*Context
	for cur := c; cur != nil; cur = cur.parent {
		out = append(out, cur)
	}
	return out
}

// chainGeneration sums the generation counters of every context in chain.
// A grant or close on any one of them changes the sum, so a
// fingerprint built from it invalidates a cached lookup whenever the
// context itself or any ancestor mutates — not just the context itself.
func chainGeneration(chain []*Context) uint64 {
	var sum uint64
	for _, c := range chain {
		sum += c.generationSnapshot()
	}
	return sum
}

// restrictionsAllow reports whether every context strictly between ctx and
// the token's owning context (chain[ownerIndex]) — i.e. chain[:ownerIndex],
// which includes ctx itself — permits (resource, op) under its own
// Restriction. This is what makes an ancestor's token reachable through a
// descendant only for the (resource, op) pairs every intervening
// restriction still allows.
func restrictionsAllow(chain []*Context, ownerIndex int, resource, op string) bool {
	for _, c := range chain[:ownerIndex] {
		if !c.restrictionAllowsResource(resource, op) {
			return false
		}
	}
	return true
}
