// Package hw binds the control loop to the rig hardware. The Link type
// drives the firmware serial protocol; the Sim type replaces the whole
// rig with a deterministic in-process model for bench-less development.
package hw

import (
	"math"
	"sync"
	"time"

	"github.com/gobbyo/orthocyclic-winder/pkg/encoder"
	"github.com/gobbyo/orthocyclic-winder/pkg/log"
	"github.com/gobbyo/orthocyclic-winder/pkg/serial"
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

const ackTimeout = 2 * time.Second

// Link owns the serial connection to the winder firmware. A single
// reader goroutine dispatches inbound frames: encoder edges go straight
// to the tracker, weight reports update the latest-sample slot, and
// acks are handed to whichever command is waiting.
type Link struct {
	conn    *serial.Conn
	tracker *encoder.Tracker
	clock   func() float64
	logger  *log.Logger

	mu         sync.Mutex
	lastWeight float64
	haveWeight bool

	acks chan serial.Command
	done chan struct{}
	once sync.Once
}

// NewLink creates a Link. clock supplies reactor-monotonic timestamps
// for inbound encoder edges.
func NewLink(conn *serial.Conn, tracker *encoder.Tracker, clock func() float64, logger *log.Logger) *Link {
	return &Link{
		conn:    conn,
		tracker: tracker,
		clock:   clock,
		logger:  logger,
		acks:    make(chan serial.Command, 8),
		done:    make(chan struct{}),
	}
}

// Run starts the reader goroutine.
func (l *Link) Run() {
	go l.readLoop()
}

// Close stops the reader.
func (l *Link) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Link) readLoop() {
	for {
		select {
		case <-l.done:
			return
		default:
		}

		cmd, err := l.conn.Receive()
		if err != nil {
			if werrors.IsCode(err, werrors.ErrSerialLink) {
				// Corrupt frame; the next one resynchronizes.
				l.logger.Warn("link: %v", err)
				continue
			}
			l.logger.Error("link reader stopped: %v", err)
			return
		}

		switch cmd.Action {
		case serial.ActionEdge:
			dir := cmd.Value
			if dir != 1 && dir != -1 {
				dir = 1
			}
			l.tracker.Offer(encoder.Edge{Time: l.clock(), Dir: dir})

		case serial.ActionReadWeight:
			l.mu.Lock()
			l.lastWeight = float64(cmd.Value)
			l.haveWeight = true
			l.mu.Unlock()

		case serial.ActionAck:
			select {
			case l.acks <- cmd:
			default:
			}

		default:
			l.logger.Warn("link: unexpected inbound action %q", cmd.Action)
		}
	}
}

// Sample returns the latest load-cell reading. Never blocks.
func (l *Link) Sample() (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWeight, l.haveWeight
}

// send fires a command without waiting for a reply.
func (l *Link) send(cmd serial.Command) error {
	return l.conn.Send(cmd)
}

// sendAcked fires a command and waits for the device's ack.
func (l *Link) sendAcked(cmd serial.Command) error {
	if err := l.conn.Send(cmd); err != nil {
		return err
	}
	select {
	case <-l.acks:
		return nil
	case <-l.done:
		return werrors.New(werrors.ErrSerialLink, "link closed waiting for ack")
	case <-time.After(ackTimeout):
		return werrors.Newf(werrors.ErrSerialLink, "no ack for action %q", cmd.Action)
	}
}

// Traverse drives the wire-guide stepper over the link.
type Traverse struct {
	link *Link
}

// NewTraverse creates the traverse driver.
func NewTraverse(link *Link) *Traverse { return &Traverse{link: link} }

// Step commands a signed relative move. Fire-and-forget; the firmware
// queues pulses itself.
func (t *Traverse) Step(delta int) error {
	if delta > math.MaxInt16 || delta < math.MinInt16 {
		return werrors.Newf(werrors.ErrSerialLink, "step delta %d exceeds frame range", delta)
	}
	return t.link.send(serial.Command{
		Device: serial.DeviceTraverse,
		Action: serial.ActionStep,
		Value:  delta,
	})
}

// Home runs the firmware homing move and waits for completion.
func (t *Traverse) Home() error {
	return t.link.sendAcked(serial.Command{
		Device: serial.DeviceTraverse,
		Action: serial.ActionHome,
	})
}

// Brake drives the tension brake over the link.
type Brake struct {
	link *Link
}

// NewBrake creates the brake driver.
func NewBrake(link *Link) *Brake { return &Brake{link: link} }

// SetBrake commands brake duty in [0, 1], sent as per-mille.
func (b *Brake) SetBrake(duty float64) error {
	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}
	return b.link.send(serial.Command{
		Device: serial.DeviceBrake,
		Action: serial.ActionBrakeDuty,
		Value:  int(math.Round(duty * 1000)),
	})
}

// Release drops the brake entirely.
func (b *Brake) Release() error {
	return b.link.send(serial.Command{
		Device: serial.DeviceBrake,
		Action: serial.ActionBrakeDuty,
		Value:  0,
	})
}

// Spindle commands the spindle motor. The winder runs the spindle open
// loop; the encoder closes the geometry loop instead.
type Spindle struct {
	link *Link
}

// NewSpindle creates the spindle driver.
func NewSpindle(link *Link) *Spindle { return &Spindle{link: link} }

// SetSpeed commands the spindle speed in RPM.
func (s *Spindle) SetSpeed(rpm int) error {
	return s.link.send(serial.Command{
		Device: serial.DeviceSpindle,
		Action: serial.ActionSetSpeed,
		Value:  rpm,
	})
}

// Stop halts the spindle.
func (s *Spindle) Stop() error { return s.SetSpeed(0) }

// Hibernate powers down every controller on the bus.
func (l *Link) Hibernate() error {
	return l.send(serial.Command{
		Device: serial.DeviceAll,
		Action: serial.ActionHibernate,
	})
}
