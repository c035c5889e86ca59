package sandbox

// ProtocolVersion is bumped whenever a payload shape below changes in an
// incompatible way. The parent and child are always built from the same
// binary in this runtime, but the version travels with every payload, and
// the child rejects a CodeAndContext whose version differs from its own,
// so a mismatched pair fails fast instead of misinterpreting fields. The
// parent does not check the version of the result payloads.
const ProtocolVersion = 1

// CodeAndContext is the FrameCodeAndContext payload: everything the child
// needs to reconstruct a capability manager and run generated code.
type CodeAndContext struct {
	Version int             `json:"version"`
	Code    string          `json:"code"`
	Tokens  []TokenSnapshot `json:"tokens"`
	Limits  Limits          `json:"limits"`
	Seed    int64           `json:"seed"`
}

// ResultOK is the FrameResultOK payload.
type ResultOK struct {
	Version int    `json:"version"`
	Value   string `json:"value"` // rendered by the host runtime binding; opaque to the parent
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// ResultErr is the FrameResultErr payload.
type ResultErr struct {
	Version int    `json:"version"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// ViolationReport is the FrameViolation payload: a resource-limit breach
// detected by the child before (or instead of) producing a result.
type ViolationReport struct {
	Version  int    `json:"version"`
	Resource string `json:"resource"`
	Message  string `json:"message"`
}
