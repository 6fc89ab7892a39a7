package serial

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// Device addresses on the firmware link.
const (
	DeviceSpindle  = '0'
	DeviceTraverse = '1'
	DeviceBrake    = '2'
	DeviceLoadCell = '3'
	// DeviceAll broadcasts to every controller on the bus.
	DeviceAll = '4'
)

// Actions understood by the firmware.
const (
	ActionAck       = '0'
	ActionSetSpeed  = '1'
	ActionStep      = '2'
	ActionHome      = '3'
	ActionBrakeDuty = '4'
	// ActionReadWeight replies with the load-cell reading in grams.
	// The board scales its 24-bit ADC counts down before replying so
	// the reading fits the frame's 16-bit value.
	ActionReadWeight = '5'
	ActionHibernate  = '6'
	// ActionEdge is streamed unsolicited by the spindle controller,
	// one frame per encoder edge; Value is the signed direction.
	ActionEdge = '7'
)

// Command is one firmware command or reply. Value is a signed 16-bit
// quantity whose meaning depends on the action (steps, duty per mille,
// grams). Values outside int16 range do not fit the frame; senders
// must reject or pre-scale them.
type Command struct {
	Device byte
	Action byte
	Value  int
}

// frameLen is device + action + 4 hex value chars + 2 hex checksum + LF.
const frameLen = 9

// Encode renders the command as a wire frame. The checksum is the XOR
// of all preceding frame bytes, in uppercase hex.
func (c Command) Encode() []byte {
	v := uint16(int16(c.Value))
	buf := make([]byte, 0, frameLen)
	buf = append(buf, c.Device, c.Action)
	buf = append(buf, []byte(fmt.Sprintf("%04X", v))...)

	var sum byte
	for _, b := range buf {
		sum ^= b
	}
	buf = append(buf, []byte(fmt.Sprintf("%02X", sum))...)
	return append(buf, '\n')
}

// Decode parses one wire frame (without the trailing LF).
func Decode(frame []byte) (Command, error) {
	if len(frame) != frameLen-1 {
		return Command{}, werrors.Newf(werrors.ErrSerialLink,
			"frame length %d, want %d", len(frame), frameLen-1)
	}

	var sum byte
	for _, b := range frame[:6] {
		sum ^= b
	}
	wantSum, err := strconv.ParseUint(string(frame[6:8]), 16, 8)
	if err != nil || byte(wantSum) != sum {
		return Command{}, werrors.Newf(werrors.ErrSerialLink,
			"checksum mismatch on frame %q", frame)
	}

	dev, action := frame[0], frame[1]
	if dev < DeviceSpindle || dev > DeviceAll {
		return Command{}, werrors.Newf(werrors.ErrSerialLink, "invalid device %q", dev)
	}
	if action < ActionAck || action > ActionEdge {
		return Command{}, werrors.Newf(werrors.ErrSerialLink, "invalid action %q", action)
	}

	v, err := strconv.ParseUint(string(frame[2:6]), 16, 16)
	if err != nil {
		return Command{}, werrors.Newf(werrors.ErrSerialLink, "invalid value in frame %q", frame)
	}

	return Command{Device: dev, Action: action, Value: int(int16(v))}, nil
}

// Conn frames commands over a byte stream (a Port or a socket).
type Conn struct {
	w  io.Writer
	sc *bufio.Scanner
}

// NewConn wraps a byte stream in the frame codec.
func NewConn(rw io.ReadWriter) *Conn {
	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 256), 256)
	return &Conn{w: rw, sc: sc}
}

// Send writes one command frame.
func (c *Conn) Send(cmd Command) error {
	if _, err := c.w.Write(cmd.Encode()); err != nil {
		return werrors.Wrap(err, werrors.ErrSerialLink, "write frame")
	}
	return nil
}

// Receive reads the next well-formed frame. Garbage between frames is
// skipped; a corrupt frame is returned as a SERIAL_LINK error so the
// caller can decide whether to retry.
func (c *Conn) Receive() (Command, error) {
	if !c.sc.Scan() {
		if err := c.sc.Err(); err != nil {
			return Command{}, werrors.Wrap(err, werrors.ErrSerialLink, "read frame")
		}
		return Command{}, werrors.Wrap(io.EOF, werrors.ErrSerialLink, "link closed")
	}
	return Decode(c.sc.Bytes())
}

// Roundtrip sends a command and waits for the device's ack, retrying on
// corrupt replies until the deadline.
func (c *Conn) Roundtrip(cmd Command, timeout time.Duration) (Command, error) {
	if err := c.Send(cmd); err != nil {
		return Command{}, err
	}
	deadline := time.Now().Add(timeout)
	for {
		reply, err := c.Receive()
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, io.EOF) || time.Now().After(deadline) {
			return Command{}, err
		}
	}
}
