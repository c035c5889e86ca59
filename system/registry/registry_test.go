package registry

import "testing"

func TestDunderAttributesNeverSafe(t *testing.T) {
	r := New()
	// Try (incorrectly) to whitelist a dunder attribute directly; Register
	// itself must refuse.
	if err := r.Register("object", SafeAttributeEntry{Attribute: "__class__", Access: AccessRead}); err == nil {
		t.Fatal("expected Register to refuse an underscore-prefixed attribute")
	}

	for _, attr := range []string{"__class__", "_private", "__dict__", "_"} {
		if r.IsSafe("object", attr) {
			t.Errorf("IsSafe(object, %q) = true, want false for every type", attr)
		}
	}
}

func TestUnknownTypeHasEmptyWhitelist(t *testing.T) {
	r := New()
	r.Freeze()
	if r.IsSafe("totally_unknown_type", "anything") {
		t.Error("unknown type should never be safe")
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register("string", SafeAttributeEntry{Attribute: "upper", Access: AccessCall}); err != nil {
		t.Fatal(err)
	}
	r.Freeze()

	entry, ok := r.Lookup("string", "upper")
	if !ok {
		t.Fatal("expected upper to be registered on string")
	}
	if entry.Access != AccessCall {
		t.Errorf("access = %v, want AccessCall", entry.Access)
	}

	if r.IsSafe("string", "lower") {
		t.Error("lower was never registered, should not be safe")
	}
}

func TestMethodResolutionOrderWalksBaseTypes(t *testing.T) {
	r := New()
	if err := r.Register("readable", SafeAttributeEntry{Attribute: "read", Access: AccessCall}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterBase("file", "readable"); err != nil {
		t.Fatal(err)
	}
	r.Freeze()

	if !r.IsSafe("file", "read") {
		t.Error("file should inherit 'read' from its base type 'readable'")
	}
	if r.IsSafe("pipe", "read") {
		t.Error("pipe does not declare readable as a base, should not inherit 'read'")
	}
}

func TestFrozenRegistryRejectsFurtherRegistration(t *testing.T) {
	r := New()
	r.Freeze()
	if err := r.Register("string", SafeAttributeEntry{Attribute: "upper", Access: AccessCall}); err != ErrFrozen {
		t.Errorf("expected ErrFrozen, got %v", err)
	}
	if err := r.RegisterBase("file", "readable"); err != ErrFrozen {
		t.Errorf("expected ErrFrozen, got %v", err)
	}
}

func TestAccessKindEnforced(t *testing.T) {
	r := New()
	_ = r.Register("list", SafeAttributeEntry{Attribute: "length", Access: AccessRead})
	r.Freeze()

	if _, ok := r.LookupForAccess("list", "length", AccessCall); ok {
		t.Error("a read-only attribute must not satisfy a call-site check")
	}
	if _, ok := r.LookupForAccess("list", "length", AccessRead); !ok {
		t.Error("a read-only attribute must satisfy a read-site check")
	}
}

func TestRegisterStandardLibrarySeedsCommonTypes(t *testing.T) {
	r := New()
	if err := RegisterStandardLibrary(r); err != nil {
		t.Fatal(err)
	}
	r.Freeze()

	if !r.IsSafe("string", "upper") {
		t.Error("expected string.upper to be whitelisted")
	}
	entry, ok := r.Lookup("file", "read")
	if !ok {
		t.Fatal("expected file.read to be whitelisted")
	}
	if entry.RequiredCapability != "file_read" {
		t.Errorf("file.read RequiredCapability = %q, want file_read", entry.RequiredCapability)
	}
}
