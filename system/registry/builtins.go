package registry

// RegisterStandardLibrary whitelists the attributes of the small set of
// host-runtime types the generated code's standard library exposes
// (strings, lists, maps, and the result of a capability-gated file read).
// Embedders extend this with their own types before calling Freeze.
func RegisterStandardLibrary(r *Registry) error {
	entries := []struct {
		typ   string
		entry SafeAttributeEntry
	}{
		{"string", SafeAttributeEntry{Attribute: "length", Access: AccessRead}},
		{"string", SafeAttributeEntry{Attribute: "upper", Access: AccessCall}},
		{"string", SafeAttributeEntry{Attribute: "lower", Access: AccessCall}},
		{"string", SafeAttributeEntry{Attribute: "split", Access: AccessCall}},
		{"string", SafeAttributeEntry{Attribute: "trim", Access: AccessCall}},
		{"list", SafeAttributeEntry{Attribute: "length", Access: AccessRead}},
		{"list", SafeAttributeEntry{Attribute: "append", Access: AccessCall}},
		{"list", SafeAttributeEntry{Attribute: "sort", Access: AccessCall}},
		{"map", SafeAttributeEntry{Attribute: "keys", Access: AccessCall}},
		{"map", SafeAttributeEntry{Attribute: "values", Access: AccessCall}},
		{"file", SafeAttributeEntry{Attribute: "read", Access: AccessCall, RequiredCapability: "file_read"}},
		{"file", SafeAttributeEntry{Attribute: "write", Access: AccessCall, RequiredCapability: "file_write"}},
		{"file", SafeAttributeEntry{Attribute: "close", Access: AccessCall}},
		{"http", SafeAttributeEntry{Attribute: "get", Access: AccessCall, RequiredCapability: "network"}},
		{"http", SafeAttributeEntry{Attribute: "post", Access: AccessCall, RequiredCapability: "network"}},
	}

	for _, e := range entries {
		if err := r.Register(e.typ, e.entry); err != nil {
			return err
		}
	}
	return nil
}
