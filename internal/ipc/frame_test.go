package ipc

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := ProgressMsg{TaskID: "t1", Fraction: 0.5, Rows: 100, Stage: "read"}
	if err := WriteFrame(&buf, TagProgress, in); err != nil {
		t.Fatal(err)
	}

	tag, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagProgress {
		t.Fatalf("tag = %s, want progress", tag)
	}
	out, err := Decode[ProgressMsg](body)
	if err != nil {
		t.Fatal(err)
	}
	if *out != in {
		t.Fatalf("got %+v, want %+v", *out, in)
	}
}

func TestFrameNilPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TagPing, nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 5 {
		t.Fatalf("ping frame is %d bytes, want 5", buf.Len())
	}
	tag, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagPing || body != nil {
		t.Fatalf("tag=%s body=%v", tag, body)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var hdr [5]byte
	hdr[0] = byte(TagStart)
	binary.BigEndian.PutUint32(hdr[1:], MaxFrameBytes+1)
	_, _, err := ReadFrame(bytes.NewReader(hdr[:]))
	if err == nil || !strings.Contains(err.Error(), "exceeds limit") {
		t.Fatalf("want limit error, got %v", err)
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	var buf bytes.Buffer
	var hdr [5]byte
	hdr[0] = byte(TagLog)
	binary.BigEndian.PutUint32(hdr[1:], 10)
	buf.Write(hdr[:])
	buf.Write([]byte{1, 2, 3}) // fewer than promised

	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("want short payload error")
	}
}

func TestReadFrameEOF(t *testing.T) {
	if _, _, err := ReadFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("want io.EOF, got %v", err)
	}
}

func TestConnSendRecv(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca, cb := NewConn(a), NewConn(b)

	go func() {
		ca.Send(TagLog, LogMsg{TaskID: "t", Level: "info", Message: "hello"})
		ca.Send(TagDone, DoneMsg{TaskID: "t", Rows: 7})
	}()

	tag, body, err := cb.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagLog {
		t.Fatalf("tag = %s", tag)
	}
	lm, err := Decode[LogMsg](body)
	if err != nil {
		t.Fatal(err)
	}
	if lm.Message != "hello" {
		t.Fatalf("message = %q", lm.Message)
	}

	tag, body, err = cb.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagDone {
		t.Fatalf("tag = %s", tag)
	}
	dm, err := Decode[DoneMsg](body)
	if err != nil {
		t.Fatal(err)
	}
	if dm.Rows != 7 {
		t.Fatalf("rows = %d", dm.Rows)
	}
}

func TestTagString(t *testing.T) {
	if TagStart.String() != "start" || TagError.String() != "error" {
		t.Fatal("tag names wrong")
	}
	if got := Tag(0xAA).String(); got != "tag(0xaa)" {
		t.Fatalf("unknown tag renders %q", got)
	}
}
