package sandbox

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mlzerotrust/core/pkg/audit"
	coreerrors "github.com/mlzerotrust/core/pkg/errors"
)

func newTestExecutor() *Executor {
	return NewExecutor(1, nil)
}

func TestInterpretFrameResultOK(t *testing.T) {
	e := newTestExecutor()
	payload, _ := json.Marshal(ResultOK{Version: ProtocolVersion, Value: "7", Stdout: "hi\n"})
	res := e.interpretFrame(FrameResultOK, payload, nil)
	if res.Status != StatusOK {
		t.Fatalf("Status = %v, want StatusOK", res.Status)
	}
	if res.Value != "7" || res.Stdout != "hi\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInterpretFrameResultErrMapsCapabilityDenied(t *testing.T) {
	e := newTestExecutor()
	payload, _ := json.Marshal(ResultErr{Version: ProtocolVersion, Kind: string(coreerrors.KindCapabilityDenied), Message: "nope"})
	res := e.interpretFrame(FrameResultErr, payload, nil)
	if res.Status != StatusCapabilityDenied {
		t.Fatalf("Status = %v, want StatusCapabilityDenied", res.Status)
	}
}

func TestInterpretFrameResultErrMapsSecurityIssue(t *testing.T) {
	e := newTestExecutor()
	payload, _ := json.Marshal(ResultErr{Version: ProtocolVersion, Kind: string(coreerrors.KindSecurityIssue), Message: "bad"})
	res := e.interpretFrame(FrameResultErr, payload, nil)
	if res.Status != StatusSecurityIssue {
		t.Fatalf("Status = %v, want StatusSecurityIssue", res.Status)
	}
}

func TestInterpretFrameResultErrUnknownKindIsSandboxCrash(t *testing.T) {
	e := newTestExecutor()
	payload, _ := json.Marshal(ResultErr{Version: ProtocolVersion, Kind: "SOMETHING_NEW", Message: "??"})
	res := e.interpretFrame(FrameResultErr, payload, nil)
	if res.Status != StatusSandboxCrash {
		t.Fatalf("Status = %v, want StatusSandboxCrash", res.Status)
	}
}

func TestInterpretFrameViolation(t *testing.T) {
	e := newTestExecutor()
	payload, _ := json.Marshal(ViolationReport{Version: ProtocolVersion, Resource: "memory", Message: "rss exceeded"})
	res := e.interpretFrame(FrameViolation, payload, nil)
	if res.Status != StatusSandboxViolation {
		t.Fatalf("Status = %v, want StatusSandboxViolation", res.Status)
	}
	if len(res.Violations) != 1 || res.Violations[0] != "rss exceeded" {
		t.Fatalf("Violations = %v", res.Violations)
	}
}

func TestInterpretFrameReadErrorIsSandboxCrash(t *testing.T) {
	e := newTestExecutor()
	res := e.interpretFrame(0, nil, errors.New("pipe closed"))
	if res.Status != StatusSandboxCrash {
		t.Fatalf("Status = %v, want StatusSandboxCrash", res.Status)
	}
}

func TestInterpretFrameMalformedPayloadIsSandboxCrash(t *testing.T) {
	e := newTestExecutor()
	res := e.interpretFrame(FrameResultOK, []byte("not json"), nil)
	if res.Status != StatusSandboxCrash {
		t.Fatalf("Status = %v, want StatusSandboxCrash", res.Status)
	}
}

func TestInterpretFrameUnexpectedKindIsSandboxCrash(t *testing.T) {
	e := newTestExecutor()
	res := e.interpretFrame(FrameKind(200), nil, nil)
	if res.Status != StatusSandboxCrash {
		t.Fatalf("Status = %v, want StatusSandboxCrash", res.Status)
	}
}

func TestSetAuditLogAttachesLog(t *testing.T) {
	e := newTestExecutor()
	log := audit.NewLog(10)
	e.SetAuditLog(log)
	if e.auditLog != log {
		t.Fatal("SetAuditLog did not attach the given log")
	}
	e.SetAuditLog(nil)
	if e.auditLog != nil {
		t.Fatal("SetAuditLog(nil) should detach the log")
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]Status{
		string(coreerrors.KindCapabilityDenied): StatusCapabilityDenied,
		string(coreerrors.KindSecurityIssue):     StatusSecurityIssue,
		"anything else":                          StatusSandboxCrash,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Errorf("statusForKind(%q) = %v, want %v", kind, got, want)
		}
	}
}
