package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"operation":"PING","timestamp":"2026-01-02T15:04:05Z"}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: %s", got)
	}
}

func TestEncodeFrameRejectsEmptyAndOversized(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}

func TestReadFrameRejectsBogusLength(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected error for oversized length prefix")
	}
	binary.BigEndian.PutUint32(hdr[:], 0)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected error for zero length prefix")
	}
}

func bulkEnvelope(op Operation, size int) []byte {
	pad := bytes.Repeat([]byte("x"), size)
	return []byte(fmt.Sprintf(`{"operation":%q,"timestamp":"2026-01-02T15:04:05Z","data":{"pad":%q}}`, op, pad))
}

func capForOp(op Operation) int {
	if op == OpPCloudSync {
		return MaxFrameSize
	}
	return SoftMaxFrameSize
}

func TestReadFrameWithOpCapAllowsBulkOperation(t *testing.T) {
	payload := bulkEnvelope(OpPCloudSync, SoftMaxFrameSize)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrameWithOpCap(&buf, SoftMaxFrameSize, capForOp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch, got %d bytes", len(got))
	}
}

func TestReadFrameWithOpCapRejectsBloatedChattyOperation(t *testing.T) {
	payload := bulkEnvelope(OpPing, SoftMaxFrameSize)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFrameWithOpCap(&buf, SoftMaxFrameSize, capForOp); err == nil {
		t.Fatalf("expected per-operation cap rejection")
	}
}

func TestReadFrameWithOpCapSmallFramesSkipSniff(t *testing.T) {
	// Frames under the soft cap pass without operation sniffing even when
	// the payload is not JSON at all.
	payload := []byte("not json")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrameWithOpCap(&buf, SoftMaxFrameSize, capForOp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %s", got)
	}
}

func TestSniffOperation(t *testing.T) {
	op, ok := sniffOperation([]byte(`{"operation":"TEST_RESULTS","timestamp":"20`))
	if !ok || op != OpTestResults {
		t.Fatalf("sniff = %s, %v", op, ok)
	}
	if _, ok := sniffOperation([]byte(`{"timestamp":"2026"`)); ok {
		t.Fatalf("expected sniff failure without operation key")
	}
}
