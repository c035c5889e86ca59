package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"

	"github.com/mlzerotrust/core/pkg/audit"
	coreerrors "github.com/mlzerotrust/core/pkg/errors"
	"github.com/mlzerotrust/core/pkg/logging"
	"github.com/mlzerotrust/core/pkg/metrics"
)

// ChildEnvVar, when set in the child's environment, tells main() to run
// the sandbox child entrypoint instead of the ordinary CLI.
const ChildEnvVar = "MLZT_SANDBOX_CHILD"

// terminateGrace is how long the executor waits after SIGTERM before
// escalating to SIGKILL.
const terminateGrace = 150 * time.Millisecond

// memoryPollInterval controls how often the parent samples the child's
// resident memory looking for a limit breach.
const memoryPollInterval = 25 * time.Millisecond

// Status is the outcome kind of one Execute call.
type Status string

const (
	StatusOK               Status = "ok"
	StatusSecurityIssue    Status = "security_issue"
	StatusCapabilityDenied Status = "capability_denied"
	StatusSandboxViolation Status = "sandbox_violation"
	StatusSandboxCrash     Status = "sandbox_crash"
	StatusTimedOut         Status = "timed_out"
)

// Result is the structured outcome of one Execute call. The parent never
// re-raises a child error transparently: every outcome is one of these
// typed statuses, wrapped with provenance.
type Result struct {
	Status     Status
	Value      string
	Stdout     string
	Stderr     string
	Violations []string
	Err        error
}

// Executor spawns one child process per Execute call, bounded by a
// semaphore so at most a configured number run concurrently.
type Executor struct {
	logger *logging.Logger
	slots  chan struct{}

	// spawnLimiter caps the rate of new child processes independent of
	// how many may run concurrently, absorbing bursty callers instead of
	// spawning them all at once.
	spawnLimiter *rate.Limiter

	// execPath is the binary re-invoked as the sandbox child. Overridable
	// in tests.
	execPath func() (string, error)

	// auditLog, when non-nil, receives a sandbox_execution event for every
	// Execute call.
	auditLog *audit.Log
}

// SetAuditLog attaches an audit log that subsequently receives a
// sandbox_execution event for every Execute call. Passing nil disables
// auditing.
func (e *Executor) SetAuditLog(log *audit.Log) {
	e.auditLog = log
}

// NewExecutor creates an Executor allowing at most maxConcurrent children
// to run at once.
func NewExecutor(maxConcurrent int, logger *logging.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logging.Noop()
	}
	return &Executor{
		logger:       logger,
		slots:        make(chan struct{}, maxConcurrent),
		spawnLimiter: rate.NewLimiter(rate.Limit(maxConcurrent*4), maxConcurrent*4),
		execPath: func() (string, error) {
			return os.Executable()
		},
	}
}

// Execute runs code in a fresh sandboxed child process under limits,
// seeded with a snapshot of the capability tokens reachable from the
// caller's context. It blocks until the child produces a result, the
// wall-clock limit in limits.WallMillis expires, or ctx is canceled.
func (e *Executor) Execute(ctx context.Context, code string, tokens []TokenSnapshot, limits Limits, seed int64) (*Result, error) {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.slots }()

	if err := e.spawnLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("sandbox: spawn rate limit: %w", err)
	}

	start := time.Now()
	binPath, err := e.execPath()
	if err != nil {
		return nil, fmt.Errorf("sandbox: locate child executable: %w", err)
	}

	wallTimeout := time.Duration(limits.WallMillis) * time.Millisecond
	if wallTimeout <= 0 {
		wallTimeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binPath)
	cmd.Env = append(os.Environ(), ChildEnvVar+"=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: open child stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: open child stdout: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start child: %w", err)
	}
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	payload, err := json.Marshal(CodeAndContext{
		Version: ProtocolVersion,
		Code:    code,
		Tokens:  tokens,
		Limits:  limits,
		Seed:    seed,
	})
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("sandbox: marshal code and context: %w", err)
	}
	if err := WriteFrame(stdin, FrameCodeAndContext, payload); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("sandbox: send code and context: %w", err)
	}
	_ = stdin.Close()

	violationCh := make(chan string, 1)
	monitorCtx, stopMonitor := context.WithCancel(runCtx)
	defer stopMonitor()
	if limits.MemoryBytes > 0 {
		go e.monitorMemory(monitorCtx, cmd.Process.Pid, limits.MemoryBytes, violationCh)
	}

	type frameResult struct {
		kind    FrameKind
		payload []byte
		err     error
	}
	frameCh := make(chan frameResult, 1)
	go func() {
		kind, payload, err := ReadFrame(stdout)
		frameCh <- frameResult{kind: kind, payload: payload, err: err}
	}()

	var res *Result
	select {
	case fr := <-frameCh:
		stopMonitor()
		res = e.interpretFrame(fr.kind, fr.payload, fr.err)
	case reason := <-violationCh:
		e.terminate(cmd)
		res = &Result{Status: StatusSandboxViolation, Violations: []string{reason},
			Err: coreerrors.NewSandboxViolation("memory", reason)}
	case <-runCtx.Done():
		e.terminate(cmd)
		res = &Result{Status: StatusTimedOut, Err: coreerrors.NewTimedOut(limits.WallMillis)}
	}

	<-waitDone
	res.Stderr = stderrBuf.String()
	metrics.RecordSandboxExecution(string(res.Status), time.Since(start))
	resource := ""
	if res.Status == StatusSandboxViolation {
		resource = "unknown"
		if ce, ok := res.Err.(*coreerrors.CoreError); ok {
			if r, ok := ce.Details["resource"].(string); ok && r != "" {
				resource = r
			}
		}
		metrics.RecordSandboxViolation(resource)
	}
	e.auditLog.Record(audit.Event{
		EventType: "sandbox_execution",
		Action:    string(res.Status),
		Resource:  resource,
		Allowed:   res.Status == StatusOK,
		Details:   map[string]string{"duration_ms": fmt.Sprintf("%d", time.Since(start).Milliseconds())},
	})
	return res, nil
}

func (e *Executor) interpretFrame(kind FrameKind, payload []byte, readErr error) *Result {
	if readErr != nil {
		return &Result{Status: StatusSandboxCrash, Err: coreerrors.NewSandboxCrash(readErr)}
	}
	switch kind {
	case FrameResultOK:
		var ok ResultOK
		if err := json.Unmarshal(payload, &ok); err != nil {
			return &Result{Status: StatusSandboxCrash, Err: coreerrors.NewSandboxCrash(err)}
		}
		return &Result{Status: StatusOK, Value: ok.Value, Stdout: ok.Stdout}
	case FrameResultErr:
		var errPayload ResultErr
		if err := json.Unmarshal(payload, &errPayload); err != nil {
			return &Result{Status: StatusSandboxCrash, Err: coreerrors.NewSandboxCrash(err)}
		}
		status := statusForKind(errPayload.Kind)
		return &Result{
			Status: status,
			Stdout: errPayload.Stdout,
			Err:    coreerrors.Wrap(coreerrors.Kind(errPayload.Kind), errPayload.Message, nil),
		}
	case FrameViolation:
		var v ViolationReport
		if err := json.Unmarshal(payload, &v); err != nil {
			return &Result{Status: StatusSandboxCrash, Err: coreerrors.NewSandboxCrash(err)}
		}
		return &Result{Status: StatusSandboxViolation, Violations: []string{v.Message},
			Err: coreerrors.NewSandboxViolation(v.Resource, v.Message)}
	default:
		return &Result{Status: StatusSandboxCrash, Err: coreerrors.NewSandboxCrash(
			fmt.Errorf("sandbox: unexpected frame kind %v", kind))}
	}
}

func statusForKind(kind string) Status {
	switch coreerrors.Kind(kind) {
	case coreerrors.KindCapabilityDenied:
		return StatusCapabilityDenied
	case coreerrors.KindSecurityIssue:
		return StatusSecurityIssue
	default:
		return StatusSandboxCrash
	}
}

// monitorMemory polls the child's resident memory and reports a violation
// if it exceeds limitBytes, so the parent can terminate it promptly
// instead of waiting for the OS's own OOM enforcement (where available,
// Setrlimit in the child catches this earlier still — this is the
// parent-side backstop).
func (e *Executor) monitorMemory(ctx context.Context, pid int, limitBytes int64, violationCh chan<- string) {
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			proc, err := process.NewProcess(int32(pid))
			if err != nil {
				continue
			}
			memInfo, err := proc.MemoryInfo()
			if err != nil || memInfo == nil {
				continue
			}
			if int64(memInfo.RSS) > limitBytes {
				select {
				case violationCh <- fmt.Sprintf("resident memory %d exceeds limit %d", memInfo.RSS, limitBytes):
				default:
				}
				return
			}
		}
	}
}

// terminate sends SIGTERM, waits a grace period, then unconditionally
// sends SIGKILL. Signaling an already-exited process just returns an
// error, which is safe to ignore here: the caller observes the real exit
// through its own wait on waitDone.
func (e *Executor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(terminateGrace)
	_ = cmd.Process.Signal(syscall.SIGKILL)
}
