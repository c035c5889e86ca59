// Package child is the sandbox's own entrypoint: the binary re-execs
// itself with MLZT_SANDBOX_CHILD set, and main() dispatches here instead
// of running the ordinary CLI. Everything in this package runs inside the
// spawned subprocess; Run applies the OS-level resource limits before any
// generated code is loaded.
package child

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dop251/goja"

	coreerrors "github.com/mlzerotrust/core/pkg/errors"
	"github.com/mlzerotrust/core/system/capability"
	"github.com/mlzerotrust/core/system/gate"
	"github.com/mlzerotrust/core/system/registry"
	"github.com/mlzerotrust/core/system/sandbox"
)

// fileHandle is the receiver type the gate sees for the "file" safe
// primitives bound into the script runtime; it carries no state of its
// own since the gate only needs a value to type-switch on.
type fileHandle struct{}

// Run reads one CodeAndContext frame from stdin, applies the requested
// resource limits, executes the code in an embedded goja runtime seeded
// with a reconstructed capability manager, and writes exactly one result
// frame to stdout before returning.
func Run(stdin io.Reader, stdout io.Writer) error {
	kind, payload, err := sandbox.ReadFrame(stdin)
	if err != nil {
		return writeErr(stdout, coreerrors.KindSandboxCrash, "failed to read code and context: "+err.Error(), "")
	}
	if kind != sandbox.FrameCodeAndContext {
		return writeErr(stdout, coreerrors.KindSandboxCrash,
			fmt.Sprintf("expected CODE_AND_CONTEXT frame, got %v", kind), "")
	}

	var req sandbox.CodeAndContext
	if err := json.Unmarshal(payload, &req); err != nil {
		return writeErr(stdout, coreerrors.KindSandboxCrash, "malformed code and context payload: "+err.Error(), "")
	}
	if req.Version != sandbox.ProtocolVersion {
		return writeErr(stdout, coreerrors.KindSandboxCrash,
			fmt.Sprintf("protocol version %d does not match child version %d", req.Version, sandbox.ProtocolVersion), "")
	}

	if err := sandbox.ApplyResourceLimits(req.Limits); err != nil {
		return writeViolation(stdout, "resource_limits", err.Error())
	}

	mgr := reconstructManager(req.Tokens)

	runCtx := context.Background()
	var cancel context.CancelFunc
	if req.Limits.WallMillis > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(req.Limits.WallMillis)*time.Millisecond)
		defer cancel()
	}

	result, stdoutBuf, err := runScript(runCtx, req.Code, mgr)
	if err != nil {
		return writeErr(stdout, classifyErr(err), err.Error(), stdoutBuf)
	}
	return sandbox.WriteFrame(stdout, sandbox.FrameResultOK, mustJSON(sandbox.ResultOK{
		Version: sandbox.ProtocolVersion,
		Value:   result,
		Stdout:  stdoutBuf,
	}))
}

// reconstructManager builds a fresh root context seeded with tokens
// re-minted from their public-fields snapshot. Usage counters start at
// zero in the child regardless of what the parent had consumed — the
// child gets its own bookkeeping, and whatever it consumes here never
// propagates back to the parent's tokens.
func reconstructManager(snapshots []sandbox.TokenSnapshot) *capability.Manager {
	mgr := capability.NewManager(capability.DefaultManagerConfig(), capability.DefaultVocabulary())
	root := mgr.Current()
	for _, snap := range snapshots {
		ttl := time.Duration(0)
		if snap.ExpiresAtUnixMs > 0 {
			ttl = time.Until(time.UnixMilli(snap.ExpiresAtUnixMs))
			if ttl <= 0 {
				continue // already expired, do not bother reconstructing it
			}
		}
		_, _ = mgr.Grant(root, capability.CreateParams{
			Type:             snap.Type,
			ResourcePatterns: snap.ResourcePatterns,
			AllowedOps:       snap.AllowedOps,
			TTL:              ttl,
			MaxUsage:         snap.MaxUsage,
		})
	}
	return mgr
}

// runScript executes code in a fresh goja runtime, capturing console
// output and routing the script's host primitives (currently just
// fileRead) through the Safe-Call Gate so capability enforcement applies
// inside the sandbox exactly as it would to any other dynamic call.
func runScript(ctx context.Context, code string, mgr *capability.Manager) (value string, stdout string, err error) {
	vm := goja.New()

	var out bytes.Buffer
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		for i, arg := range call.Arguments {
			if i > 0 {
				out.WriteByte(' ')
			}
			out.WriteString(arg.String())
		}
		out.WriteByte('\n')
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
	_ = vm.Set("fileRead", fileReadBinding(vm, mgr))

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			vm.Interrupt("wall-clock limit exceeded")
		}
	}()

	val, runErr := vm.RunString(code)
	if runErr != nil {
		if ctx.Err() != nil {
			return "", out.String(), coreerrors.NewTimedOut(0)
		}
		return "", out.String(), coreerrors.Wrap(coreerrors.KindSandboxCrash, "script execution failed", runErr)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return "", out.String(), nil
	}
	return val.String(), out.String(), nil
}

// fileReadBinding returns the JS-callable fileRead(path) primitive: it
// routes through the Safe-Call Gate (capability-checked against mgr) before
// touching the filesystem, exactly as the generated code's other dynamic
// calls would.
func fileReadBinding(vm *goja.Runtime, mgr *capability.Manager) func(call goja.FunctionCall) goja.Value {
	reg := registry.New()
	_ = registry.RegisterStandardLibrary(reg)
	reg.Freeze()
	g := gate.New(reg, mgr)
	gate.TypeOf = func(v any) string {
		if _, ok := v.(fileHandle); ok {
			return "file"
		}
		return ""
	}

	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) != 1 {
			panic(vm.ToValue("fileRead expects exactly one path argument"))
		}
		path := call.Arguments[0].String()

		ctxRoot := mgr.Current()
		if err := g.SafeCall(ctxRoot, gate.MethodCall{
			Receiver: fileHandle{},
			Method:   "read",
			Resource: path,
		}); err != nil {
			panic(vm.ToValue(err.Error()))
		}

		data, err := os.ReadFile(path)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(string(data))
	}
}

func classifyErr(err error) coreerrors.Kind {
	if ce, ok := err.(*coreerrors.CoreError); ok {
		return ce.Kind
	}
	return coreerrors.KindSandboxCrash
}

func writeErr(w io.Writer, kind coreerrors.Kind, message, stdoutBuf string) error {
	return sandbox.WriteFrame(w, sandbox.FrameResultErr, mustJSON(sandbox.ResultErr{
		Version: sandbox.ProtocolVersion,
		Kind:    string(kind),
		Message: message,
		Stdout:  stdoutBuf,
	}))
}

func writeViolation(w io.Writer, resource, message string) error {
	return sandbox.WriteFrame(w, sandbox.FrameViolation, mustJSON(sandbox.ViolationReport{
		Version:  sandbox.ProtocolVersion,
		Resource: resource,
		Message:  message,
	}))
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct of strings/ints; a
		// marshal failure would mean a programming error in this package.
		panic(fmt.Sprintf("sandbox/child: marshal result: %v", err))
	}
	return b
}
