// Package capability implements the capability-based access control layer:
// immutable tokens, the hierarchical context tree, and the thread-safe
// manager that ties them together.
package capability

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/mlzerotrust/core/pkg/errors"
)

// Token is an immutable credential. All fields
// are set at creation and never mutated except UsageCount, which is
// incremented atomically by Consume.
type Token struct {
	ID               string
	Type             string
	ResourcePatterns []*Pattern
	AllowedOps       map[string]bool
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	MaxUsage         *int64
	CreatorContextID string

	usageCount atomic.Int64
	revoked    atomic.Bool
}

// CreateParams configures Create.
type CreateParams struct {
	Type             string
	ResourcePatterns []string
	AllowedOps       []string
	TTL              time.Duration // zero means no expiry
	MaxUsage         int64         // zero means unlimited
	CreatorContextID string
	Vocabulary       *Vocabulary // nil uses DefaultVocabulary()
}

// Create mints a new Token. Fails with InvalidConstraint if patterns or
// ops are empty, if ops include names outside the type's vocabulary, or
// if a non-zero TTL is negative.
func Create(p CreateParams) (*Token, error) {
	if len(p.ResourcePatterns) == 0 {
		return nil, coreerrors.NewInvalidConstraint("token requires at least one resource pattern")
	}
	if len(p.AllowedOps) == 0 {
		return nil, coreerrors.NewInvalidConstraint("token requires at least one allowed operation")
	}
	if p.TTL < 0 {
		return nil, coreerrors.NewInvalidConstraint("token ttl must be positive when set")
	}
	if p.MaxUsage < 0 {
		return nil, coreerrors.NewInvalidConstraint("token max_usage must not be negative")
	}

	vocab := p.Vocabulary
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	if !vocab.Validate(p.Type, p.AllowedOps) {
		return nil, coreerrors.NewInvalidConstraint("one or more allowed operations are outside the vocabulary for type " + p.Type)
	}

	patterns := make([]*Pattern, 0, len(p.ResourcePatterns))
	for _, raw := range p.ResourcePatterns {
		compiled, err := CompilePattern(raw)
		if err != nil {
			return nil, coreerrors.NewInvalidConstraint("invalid resource pattern " + raw + ": " + err.Error())
		}
		patterns = append(patterns, compiled)
	}

	ops := make(map[string]bool, len(p.AllowedOps))
	for _, op := range p.AllowedOps {
		ops[op] = true
	}

	tok := &Token{
		ID:               uuid.NewString(),
		Type:             p.Type,
		ResourcePatterns: patterns,
		AllowedOps:       ops,
		CreatedAt:        time.Now(),
		MaxUsage:         nil,
		CreatorContextID: p.CreatorContextID,
	}
	if p.TTL > 0 {
		expiry := tok.CreatedAt.Add(p.TTL)
		tok.ExpiresAt = &expiry
	}
	if p.MaxUsage > 0 {
		max := p.MaxUsage
		tok.MaxUsage = &max
	}
	return tok, nil
}

// UsageCount returns the current monotonic usage counter.
func (t *Token) UsageCount() int64 { return t.usageCount.Load() }

// Revoke marks the token permanently invalid. Idempotent.
func (t *Token) Revoke() { t.revoked.Store(true) }

// Revoked reports whether Revoke has been called.
func (t *Token) Revoked() bool { return t.revoked.Load() }

// Expired reports whether the token's TTL (if any) has elapsed.
func (t *Token) Expired() bool {
	return t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt)
}

// Exhausted reports whether the token's usage cap (if any) has been hit.
func (t *Token) Exhausted() bool {
	return t.MaxUsage != nil && t.usageCount.Load() >= *t.MaxUsage
}

// Valid reports whether the token is usable at all right now: not
// expired, not revoked, and usage_count < max_usage.
func (t *Token) Valid() bool {
	return !t.Revoked() && !t.Expired() && !t.Exhausted()
}

func (t *Token) matchesPattern(canonicalResource string) bool {
	for _, p := range t.ResourcePatterns {
		if p.Match(canonicalResource) {
			return true
		}
	}
	return false
}

// Check verifies (without mutating usage_count) that resource/op would be
// permitted by this token. Pure.
func (t *Token) Check(resource, op string) error {
	if t.Revoked() {
		return coreerrors.NewCapabilityDenied(t.Type, resource, op, coreerrors.ReasonExpired)
	}
	if t.Expired() {
		return coreerrors.NewCapabilityDenied(t.Type, resource, op, coreerrors.ReasonExpired)
	}
	if t.Exhausted() {
		return coreerrors.NewCapabilityDenied(t.Type, resource, op, coreerrors.ReasonUsageExhausted)
	}
	if !t.AllowedOps[op] {
		return coreerrors.NewCapabilityDenied(t.Type, resource, op, coreerrors.ReasonOperationDenied)
	}
	canonical := Canonicalize(resource)
	if !t.matchesPattern(canonical) {
		return coreerrors.NewCapabilityDenied(t.Type, resource, op, coreerrors.ReasonPatternMismatch)
	}
	return nil
}

// Consume atomically verifies and increments usage_count. It fails (without
// mutating state) if concurrent consumption would exceed max_usage — the
// compare-and-swap loop below makes "verify then increment" atomic across
// goroutines, which a plain Check-then-increment could not guarantee.
func (t *Token) Consume(resource, op string) error {
	if err := t.Check(resource, op); err != nil {
		return err
	}
	if t.MaxUsage == nil {
		t.usageCount.Add(1)
		return nil
	}
	for {
		current := t.usageCount.Load()
		if current >= *t.MaxUsage {
			return coreerrors.NewCapabilityDenied(t.Type, resource, op, coreerrors.ReasonUsageExhausted)
		}
		if t.usageCount.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}
