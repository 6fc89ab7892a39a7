package serial

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := []Command{
		{Device: DeviceSpindle, Action: ActionSetSpeed, Value: 1200},
		{Device: DeviceTraverse, Action: ActionStep, Value: -40},
		{Device: DeviceBrake, Action: ActionBrakeDuty, Value: 750},
		{Device: DeviceLoadCell, Action: ActionReadWeight, Value: 0},
		{Device: DeviceAll, Action: ActionHibernate, Value: 0},
	}
	for _, want := range cases {
		frame := want.Encode()
		if len(frame) != frameLen {
			t.Fatalf("frame length = %d, want %d", len(frame), frameLen)
		}
		if frame[frameLen-1] != '\n' {
			t.Fatal("frame not newline terminated")
		}
		got, err := Decode(frame[:frameLen-1])
		if err != nil {
			t.Fatalf("decode %q: %v", frame, err)
		}
		if got != want {
			t.Errorf("roundtrip %+v -> %+v", want, got)
		}
	}
}

func TestDecodeRejectsCorruptChecksum(t *testing.T) {
	frame := Command{Device: DeviceTraverse, Action: ActionStep, Value: 10}.Encode()
	frame[3] ^= 0x01 // flip a value bit

	_, err := Decode(frame[:frameLen-1])
	if !werrors.IsCode(err, werrors.ErrSerialLink) {
		t.Errorf("error = %v, want SERIAL_LINK", err)
	}
}

func TestDecodeRejectsBadLength(t *testing.T) {
	if _, err := Decode([]byte("12AB")); err == nil {
		t.Error("short frame accepted")
	}
}

func TestDecodeRejectsUnknownDeviceAndAction(t *testing.T) {
	good := Command{Device: DeviceSpindle, Action: ActionAck, Value: 0}
	for _, mut := range []struct {
		pos  int
		b    byte
		name string
	}{
		{0, '9', "device"},
		{1, '9', "action"},
	} {
		frame := good.Encode()
		frame[mut.pos] = mut.b
		// Recompute the checksum so only the field is invalid.
		var sum byte
		for _, b := range frame[:6] {
			sum ^= b
		}
		const hexDigits = "0123456789ABCDEF"
		frame[6] = hexDigits[sum>>4]
		frame[7] = hexDigits[sum&0xF]

		if _, err := Decode(frame[:frameLen-1]); err == nil {
			t.Errorf("invalid %s accepted", mut.name)
		}
	}
}

func TestConnSkipsGarbageBetweenFrames(t *testing.T) {
	want := Command{Device: DeviceBrake, Action: ActionAck, Value: 1}
	var stream bytes.Buffer
	stream.WriteString("boot banner noise\n")
	stream.Write(want.Encode())

	conn := NewConn(&rwBuf{r: &stream})

	// First read hits the garbage line.
	if _, err := conn.Receive(); err == nil {
		t.Fatal("garbage line decoded as a frame")
	}
	got, err := conn.Receive()
	if err != nil {
		t.Fatalf("receive after garbage: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRoundtripRetriesPastCorruptReply(t *testing.T) {
	want := Command{Device: DeviceTraverse, Action: ActionAck, Value: 0}
	var stream bytes.Buffer
	corrupt := Command{Device: DeviceTraverse, Action: ActionAck, Value: 99}.Encode()
	corrupt[2] ^= 0x01
	stream.Write(corrupt)
	stream.Write(want.Encode())

	buf := &rwBuf{r: &stream}
	conn := NewConn(buf)

	got, err := conn.Roundtrip(Command{Device: DeviceTraverse, Action: ActionStep, Value: 5}, time.Second)
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	// The outbound frame was written before waiting for the reply.
	if buf.w.Len() != frameLen {
		t.Errorf("wrote %d bytes, want one frame", buf.w.Len())
	}
}

func TestRoundtripFailsOnClosedLink(t *testing.T) {
	conn := NewConn(&rwBuf{r: bytes.NewBuffer(nil)})
	_, err := conn.Roundtrip(Command{Device: DeviceAll, Action: ActionAck, Value: 0}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected error on closed link")
	}
	if !werrors.IsCode(err, werrors.ErrSerialLink) {
		t.Errorf("error = %v, want SERIAL_LINK", err)
	}
}

// rwBuf splits reads and writes so tests can inspect outbound frames.
type rwBuf struct {
	r io.Reader
	w bytes.Buffer
}

func (b *rwBuf) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *rwBuf) Write(p []byte) (int, error) { return b.w.Write(p) }
