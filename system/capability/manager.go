package capability

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/mlzerotrust/core/pkg/audit"
	coreerrors "github.com/mlzerotrust/core/pkg/errors"
	"github.com/mlzerotrust/core/pkg/metrics"
)

// ManagerConfig configures a Manager's per-context lookup cache and its
// per-capability-type throttling.
type ManagerConfig struct {
	// CacheSize bounds the number of resolved (type,resource,op) -> token
	// entries kept per context. Zero disables caching.
	CacheSize int

	// RateLimitPerSecond, when non-zero, caps how many UseCapability calls
	// per second a single capability type may satisfy across the whole
	// Manager, independent of any token's own max_usage. Zero disables
	// throttling.
	RateLimitPerSecond float64
	// RateLimitBurst is the token bucket's burst size. Defaults to 1 if
	// RateLimitPerSecond is set and this is zero.
	RateLimitBurst int

	// AuditLog, when non-nil, receives a capability_grant event for every
	// successful Grant and a capability_check or capability_use event for
	// every HasCapability/UseCapability call. Nil disables auditing: the
	// Manager still builds each Event, and the nil-safe Log.Record drops it.
	AuditLog *audit.Log
}

// DefaultManagerConfig returns sensible defaults for a Manager.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{CacheSize: 4096}
}

type cacheKey struct {
	capType  string
	resource string
	op       string
}

type cacheEntry struct {
	token      *Token
	generation uint64
}

// Manager is the thread-safe entry point for the context stack and every
// capability grant/check/use operation. One Manager is shared process-wide;
// callers push and pop contexts around the code they execute on behalf of.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	stack   []*Context
	caches  map[string]*lru.Cache[cacheKey, cacheEntry]
	vocab   *Vocabulary
	limiter map[string]*rate.Limiter
}

// NewManager creates a Manager with a fresh root context already pushed.
func NewManager(cfg ManagerConfig, vocab *Vocabulary) *Manager {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	m := &Manager{
		cfg:     cfg,
		caches:  make(map[string]*lru.Cache[cacheKey, cacheEntry]),
		vocab:   vocab,
		limiter: make(map[string]*rate.Limiter),
	}
	root := NewRootContext()
	m.stack = []*Context{root}
	return m
}

// Audit returns the Manager's audit log, or nil if ManagerConfig.AuditLog
// was not set. Read-only: callers query it via its Recent/Denied/ByType
// methods.
func (m *Manager) Audit() *audit.Log {
	return m.cfg.AuditLog
}

// Current returns the context at the top of the stack.
func (m *Manager) Current() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack[len(m.stack)-1]
}

// Enter pushes a new child of Current() onto the stack, narrowed by
// restrict, and returns it. Pair every Enter with an Exit, typically via
// defer, so that an error mid-execution still restores the stack.
func (m *Manager) Enter(restrict Restriction) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := m.stack[len(m.stack)-1]
	child := parent.Child(restrict)
	m.stack = append(m.stack, child)
	return child
}

// Exit pops and closes the top of the stack, restoring the previous
// context. It is a no-op (beyond a warning-worthy imbalance) if the stack
// only holds the root; the root is never popped.
func (m *Manager) Exit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) <= 1 {
		return
	}
	top := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	top.Close()
	delete(m.caches, top.id)
}

// Grant mints a token under ctx. It fails with InvalidConstraint if ctx or
// any ancestor is closed, or if the request violates the Restriction of
// ctx or of any ancestor (a context cannot grant itself privileges that
// its own or an enclosing restriction excludes).
func (m *Manager) Grant(ctx *Context, p CreateParams) (*Token, error) {
	for c := ctx; c != nil; c = c.parent {
		if !c.Active() {
			return nil, coreerrors.NewInvalidConstraint("cannot grant a capability under a closed context")
		}
		if !c.allowedByRestriction(p.ResourcePatterns, p.AllowedOps) {
			return nil, coreerrors.NewInvalidConstraint("grant violates context restriction")
		}
	}
	if p.Vocabulary == nil {
		p.Vocabulary = m.vocab
	}
	p.CreatorContextID = ctx.ID()

	tok, err := Create(p)
	if err != nil {
		return nil, err
	}
	ctx.grant(tok)
	m.cfg.AuditLog.Record(audit.Event{
		EventType: "capability_grant",
		ContextID: ctx.ID(),
		Action:    p.Type,
		Allowed:   true,
	})
	return tok, nil
}

// HasCapability reports whether any token visible from ctx (ctx's own
// grants, or any ancestor's) currently permits op on resource for capType,
// without consuming usage. Pure.
func (m *Manager) HasCapability(ctx *Context, capType, resource, op string) bool {
	tok := m.resolve(ctx, capType, resource, op)
	allowed := tok != nil
	metrics.RecordCapabilityCheck(capType, allowed)
	m.cfg.AuditLog.Record(audit.Event{
		EventType: "capability_check",
		ContextID: ctx.ID(),
		Action:    capType,
		Resource:  resource,
		Allowed:   allowed,
	})
	return allowed
}

// UseCapability finds the best matching token visible from ctx and
// consumes one unit of usage against it. When more than one token would
// satisfy the request, the deterministic tie-break picks the token whose
// granting context is shallowest (closest to the root); among equally
// shallow candidates, the one created earliest wins. This makes repeated
// calls with an unchanged context tree always select the same token.
func (m *Manager) UseCapability(ctx *Context, capType, resource, op string) (*Token, error) {
	if lim := m.limiterFor(capType); lim != nil && !lim.Allow() {
		metrics.RecordCapabilityCheck(capType, false)
		metrics.RecordCapabilityDenial(capType, string(coreerrors.ReasonUsageExhausted))
		m.cfg.AuditLog.Record(audit.Event{
			EventType: "capability_use", ContextID: ctx.ID(), Action: capType, Resource: resource, Allowed: false,
			Details: map[string]string{"op": op, "reason": "throttled"},
		})
		return nil, coreerrors.NewCapabilityDenied(capType, resource, op, coreerrors.ReasonUsageExhausted).
			WithDetail("throttled", true)
	}
	tok := m.resolve(ctx, capType, resource, op)
	if tok == nil {
		metrics.RecordCapabilityCheck(capType, false)
		metrics.RecordCapabilityDenial(capType, string(coreerrors.ReasonNoMatchingToken))
		m.cfg.AuditLog.Record(audit.Event{
			EventType: "capability_use", ContextID: ctx.ID(), Action: capType, Resource: resource, Allowed: false,
			Details: map[string]string{"op": op, "reason": string(coreerrors.ReasonNoMatchingToken)},
		})
		return nil, coreerrors.NewCapabilityDenied(capType, resource, op, coreerrors.ReasonNoMatchingToken)
	}
	if err := tok.Consume(resource, op); err != nil {
		m.invalidate(ctx, capType, resource, op)
		metrics.RecordCapabilityCheck(capType, false)
		reason := ""
		if ce, ok := err.(*coreerrors.CoreError); ok {
			if r, ok := ce.Details["reason"].(string); ok {
				reason = r
				metrics.RecordCapabilityDenial(capType, reason)
			}
		}
		m.cfg.AuditLog.Record(audit.Event{
			EventType: "capability_use", ContextID: ctx.ID(), Action: capType, Resource: resource, Allowed: false,
			Details: map[string]string{"op": op, "reason": reason},
		})
		return nil, err
	}
	metrics.RecordCapabilityCheck(capType, true)
	m.cfg.AuditLog.Record(audit.Event{
		EventType: "capability_use", ContextID: ctx.ID(), Action: capType, Resource: resource, Allowed: true,
		Details: map[string]string{"op": op},
	})
	return tok, nil
}

// resolve returns the winning token for (capType, resource, op) visible
// from ctx, or nil if none match. A token owned by an ancestor is only a
// candidate if every context between ctx and that ancestor — ctx included
// — still permits (resource, op) under its own Restriction, so narrowing a
// descendant's context actually narrows what it can reach, not just what
// it can be granted. Consults and repopulates ctx's cache, fingerprinted
// by the combined generation of the whole chain so a grant/revoke/close on
// any ancestor invalidates it, not only a mutation of ctx itself.
func (m *Manager) resolve(ctx *Context, capType, resource, op string) *Token {
	chain := ctx.chain()
	for _, c := range chain {
		if !c.Active() {
			return nil
		}
	}
	gen := chainGeneration(chain)
	key := cacheKey{capType: capType, resource: resource, op: op}

	if cache := m.cacheFor(ctx); cache != nil {
		if entry, ok := cache.Get(key); ok && entry.generation == gen && entry.token.Valid() {
			if entry.token.Check(resource, op) == nil {
				return entry.token
			}
			cache.Remove(key)
		}
	}

	var candidates []*Token
	for ci, c := range chain {
		for _, tok := range c.ownTokens() {
			if tok.Type != capType {
				continue
			}
			if tok.Check(resource, op) != nil {
				continue
			}
			if !restrictionsAllow(chain, ci, resource, op) {
				continue
			}
			candidates = append(candidates, tok)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	depthOf := make(map[string]int, len(chain))
	for _, c := range chain {
		depthOf[c.id] = c.depth
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := depthOf[candidates[i].CreatorContextID], depthOf[candidates[j].CreatorContextID]
		if di != dj {
			return di < dj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	winner := candidates[0]
	if cache := m.cacheFor(ctx); cache != nil {
		cache.Add(key, cacheEntry{token: winner, generation: gen})
	}
	return winner
}

// limiterFor lazily creates the per-capability-type token bucket when
// RateLimitPerSecond is configured, else returns nil (no throttling).
func (m *Manager) limiterFor(capType string) *rate.Limiter {
	if m.cfg.RateLimitPerSecond <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiter[capType]
	if !ok {
		burst := m.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(m.cfg.RateLimitPerSecond), burst)
		m.limiter[capType] = lim
	}
	return lim
}

func (m *Manager) invalidate(ctx *Context, capType, resource, op string) {
	if cache := m.cacheFor(ctx); cache != nil {
		cache.Remove(cacheKey{capType: capType, resource: resource, op: op})
	}
}

func (m *Manager) cacheFor(ctx *Context) *lru.Cache[cacheKey, cacheEntry] {
	if m.cfg.CacheSize <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[ctx.id]
	if !ok {
		created, err := lru.New[cacheKey, cacheEntry](m.cfg.CacheSize)
		if err != nil {
			// Only invalid (non-positive) size reaches here, and CacheSize
			// was already checked above.
			panic(fmt.Sprintf("capability: unexpected lru.New error: %v", err))
		}
		c = created
		m.caches[ctx.id] = c
	}
	return c
}
