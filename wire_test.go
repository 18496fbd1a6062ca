package milter

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := &Message{Code: byte(CodeHelo), Data: []byte("localhost\x00")}

	if err := WritePacket(&buf, want, 0); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPacket(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != want.Code || !bytes.Equal(got.Data, want.Data) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadPacketEmptyBodyIsMalformed(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadPacket(&buf, 0)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}
}

func TestReadPacketTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 5})
	buf.WriteByte(byte(CodeHelo))
	buf.WriteString("ab") // declared 5 bytes, only 3 present

	_, err := ReadPacket(&buf, 0)
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("got %v, want ErrTruncatedFrame", err)
	}
}

func TestReadPacketTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10})
	buf.WriteString("123456789\x00")

	_, err := ReadPacket(&buf, 4)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadPacketCleanEOF(t *testing.T) {
	var buf bytes.Buffer
	_, err := ReadPacket(&buf, 0)
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestWritePacketAppliesDeadline(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	// b never reads; a write with a short deadline and no reader must time out.
	err := WritePacket(a, &Message{Code: byte(CodeHelo), Data: make([]byte, 1<<20)}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a deadline error, got nil")
	}
}
