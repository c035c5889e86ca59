// Package gate implements the Safe-Call Gate: the single chokepoint
// generated code routes every dynamic call and attribute access through,
// enforcing the attribute registry and capability requirements uniformly
// instead of scattering checks across call sites.
package gate

import (
	"github.com/mlzerotrust/core/pkg/errors"
	"github.com/mlzerotrust/core/system/capability"
	"github.com/mlzerotrust/core/system/registry"
)

// ResourceExtractor derives the (resource, operation) pair a capability
// check should run against from a function call's arguments. Different
// safe primitives name their resource differently (a file path is args[0]
// for a file-open primitive, a URL for an http.get), so the gate is
// configured with one extractor per whitelisted free function.
type ResourceExtractor func(args []any) (resource, operation string, err error)

// FreeFunction describes a whitelisted function not reached via method
// dispatch on a registered type (e.g. a top-level `open`).
type FreeFunction struct {
	Name            string
	RequiredCapType string // empty if no capability is required
	Extractor       ResourceExtractor
}

// Gate ties the registry and capability manager together behind safe_call
// and safe_attr.
type Gate struct {
	registry  *registry.Registry
	manager   *capability.Manager
	freeFuncs map[string]FreeFunction
}

// New creates a Gate backed by reg and mgr.
func New(reg *registry.Registry, mgr *capability.Manager) *Gate {
	return &Gate{
		registry:  reg,
		manager:   mgr,
		freeFuncs: make(map[string]FreeFunction),
	}
}

// RegisterFreeFunction whitelists a free function callable via SafeCall
// with the object-argument form (callee is not a method on a registered
// type).
func (g *Gate) RegisterFreeFunction(fn FreeFunction) {
	g.freeFuncs[fn.Name] = fn
}

// TypeOf identifies the runtime type of a value for registry lookups. The
// host runtime binding supplies the concrete implementation; the default
// returns the empty type name, which matches no registered type, so every
// method call and attribute read on a receiver is denied until it is
// replaced.
var TypeOf func(value any) string = func(any) string { return "" }

// MethodCall describes a method-style dynamic call: obj.method(args...).
type MethodCall struct {
	Receiver any
	Method   string
	Args     []any
	Resource string // resource the receiver/args name, empty if not applicable
}

// SafeCall is the generated-code entry point for every dynamic call. It
// verifies the callee is whitelisted (a free function, or a call-kind
// registry entry on the receiver's type) and, if the callee requires a
// capability, consumes one from ctx before allowing the call to proceed.
// The caller (the host runtime binding) performs the actual invocation
// once SafeCall returns nil.
func (g *Gate) SafeCall(ctx *capability.Context, call MethodCall) error {
	if call.Receiver == nil {
		return g.safeCallFreeFunction(ctx, call)
	}

	typeName := TypeOf(call.Receiver)
	entry, ok := g.registry.LookupForAccess(typeName, call.Method, registry.AccessCall)
	if !ok {
		return errors.NewOperationForbidden(typeName + "." + call.Method)
	}
	if entry.RequiredCapability == "" {
		return nil
	}
	_, err := g.manager.UseCapability(ctx, entry.RequiredCapability, call.Resource, call.Method)
	return err
}

func (g *Gate) safeCallFreeFunction(ctx *capability.Context, call MethodCall) error {
	fn, ok := g.freeFuncs[call.Method]
	if !ok {
		return errors.NewOperationForbidden(call.Method)
	}
	if fn.RequiredCapType == "" {
		return nil
	}
	resource, op, err := fn.Extractor(call.Args)
	if err != nil {
		return errors.NewInvalidConstraint("could not extract resource for " + call.Method + ": " + err.Error())
	}
	_, err = g.manager.UseCapability(ctx, fn.RequiredCapType, resource, op)
	return err
}

// SafeAttr is the generated-code entry point for every dynamic attribute
// read: getattr(obj, name). Routes to the registry; an underscore-prefixed
// or unregistered name is denied uniformly regardless of the reason.
func (g *Gate) SafeAttr(obj any, name string) (registry.SafeAttributeEntry, error) {
	typeName := TypeOf(obj)
	entry, ok := g.registry.LookupForAccess(typeName, name, registry.AccessRead)
	if !ok {
		return registry.SafeAttributeEntry{}, errors.NewOperationForbidden(typeName + "." + name)
	}
	return entry, nil
}
