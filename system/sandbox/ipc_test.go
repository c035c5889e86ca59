package sandbox

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameResultOK, []byte(`{"value":"42"}`)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	kind, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if kind != FrameResultOK {
		t.Fatalf("kind = %v, want FrameResultOK", kind)
	}
	if string(payload) != `{"value":"42"}` {
		t.Fatalf("payload = %q", payload)
	}
}

func TestWriteReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameTerminate, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	kind, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if kind != FrameTerminate {
		t.Fatalf("kind = %v, want FrameTerminate", kind)
	}
	if len(payload) != 0 {
		t.Fatalf("payload = %v, want empty", payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 5)
	header[0], header[1], header[2], header[3] = 0xFF, 0xFF, 0xFF, 0xFF
	header[4] = byte(FrameResultOK)
	buf.Write(header)

	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestReadFrameErrorsOnTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameResultErr, []byte("0123456789")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:len(buf.Bytes())-3])
	if _, _, err := ReadFrame(truncated); err == nil {
		t.Fatal("expected error on truncated payload")
	}
}

func TestFrameKindString(t *testing.T) {
	cases := map[FrameKind]string{
		FrameCodeAndContext: "CODE_AND_CONTEXT",
		FrameResultOK:       "RESULT_OK",
		FrameResultErr:      "RESULT_ERR",
		FrameViolation:      "VIOLATION",
		FrameTerminate:      "TERMINATE",
		FrameKind(99):       "UNKNOWN",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("FrameKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestMultipleFramesSequentiallyReadable(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameResultOK, []byte("first")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := WriteFrame(&buf, FrameViolation, []byte("second")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	kind1, payload1, err := ReadFrame(&buf)
	if err != nil || kind1 != FrameResultOK || string(payload1) != "first" {
		t.Fatalf("first frame = (%v, %q, %v)", kind1, payload1, err)
	}
	kind2, payload2, err := ReadFrame(&buf)
	if err != nil || kind2 != FrameViolation || string(payload2) != "second" {
		t.Fatalf("second frame = (%v, %q, %v)", kind2, payload2, err)
	}
}
