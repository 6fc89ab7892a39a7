// Package serial provides the UART link to the winder's motor and
// sensor microcontrollers: a raw termios port and the checksummed
// ASCII frame codec the firmware speaks.
package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds serial port parameters.
type Config struct {
	// Device is the port path, e.g. /dev/ttyACM0 or a
	// /dev/serial/by-id symlink. "auto" in the config file maps to
	// Detect.
	Device string

	// BaudRate defaults to 115200, the rate the winder boards run.
	BaudRate int

	// ConnectTimeout bounds Detect's scan for a responding port.
	ConnectTimeout time.Duration

	// ReadTimeout bounds a single Read.
	ReadTimeout time.Duration
}

// DefaultConfig returns the winder link defaults.
func DefaultConfig() Config {
	return Config{
		BaudRate:       115200,
		ConnectTimeout: 60 * time.Second,
		ReadTimeout:    5 * time.Second,
	}
}

// Port is an open serial port.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	config     Config
	closed     bool
	oldTermios *unix.Termios
}

// Open opens and configures the port: raw mode, 8N1, no flow control.
// by-id symlinks are resolved first and any stale input from before
// the daemon started is flushed.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	device, err := ResolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	speed, customBaud, err := speedForBaud(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSpeed(&termios, speed)

	// VMIN=0/VTIME=1: reads return whatever arrived within 100ms per
	// character; Read layers a poll deadline on top.
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}
	if customBaud > 0 && runtime.GOOS == "darwin" {
		if err := setCustomBaudRate(fd, customBaud); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("serial: set custom baud: %w", err)
		}
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	p := &Port{
		fd:         fd,
		device:     device,
		config:     cfg,
		oldTermios: oldTermios,
	}

	// The boards stream encoder frames whenever the spindle moves, so
	// the buffer may hold a partial frame from before we attached.
	if err := p.Flush(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Detect scans the available ports for the winder controller, retrying
// until the timeout. Used when the config names no fixed device.
func Detect(cfg Config, timeout time.Duration) (*Port, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, errors.New("serial: no serial ports found")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, device := range ports {
			if !IsDeviceAvailable(device) {
				continue
			}
			cfg.Device = device
			port, err := Open(cfg)
			if err != nil {
				continue
			}
			return port, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("serial: no controller found on ports %v", ports)
}

// ListPorts returns the serial device paths present on this host,
// symlinks resolved and deduplicated.
func ListPorts() ([]string, error) {
	var patterns []string
	switch runtime.GOOS {
	case "linux":
		patterns = []string{
			"/dev/ttyUSB*",
			"/dev/ttyACM*",
			"/dev/serial/by-id/*",
		}
	case "darwin":
		patterns = []string{
			"/dev/tty.usbserial*",
			"/dev/tty.usbmodem*",
			"/dev/cu.usbserial*",
			"/dev/cu.usbmodem*",
		}
	default:
		return nil, fmt.Errorf("serial: unsupported platform %s", runtime.GOOS)
	}

	seen := make(map[string]bool)
	var ports []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if !seen[resolved] {
				seen[resolved] = true
				ports = append(ports, resolved)
			}
		}
	}
	sort.Strings(ports)
	return ports, nil
}

// IsDeviceAvailable reports whether device exists, is a character
// device and can be opened.
func IsDeviceAvailable(device string) bool {
	info, err := os.Stat(device)
	if err != nil {
		return false
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// ResolveDevice follows /dev/serial/by-id and by-path symlinks to the
// real device node. Other paths pass through unchanged.
func ResolveDevice(device string) (string, error) {
	if !strings.HasPrefix(device, "/dev/serial/") {
		return device, nil
	}
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		return "", fmt.Errorf("serial: resolve %s: %w", device, err)
	}
	return resolved, nil
}

// Read reads up to len(buf) bytes, waiting at most the configured
// ReadTimeout for data.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.config.ReadTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// Flush discards pending input and output.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	return unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)
}

// Close restores the saved termios state and closes the port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the resolved device path.
func (p *Port) Device() string {
	return p.device
}

// speedForBaud maps a baud rate to its termios speed constant. The
// second return is non-zero when macOS needs IOSSIOSPEED for a rate
// termios has no constant for.
func speedForBaud(baud int) (uint32, int, error) {
	speeds := map[int]uint32{
		1200:   unix.B1200,
		2400:   unix.B2400,
		4800:   unix.B4800,
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if runtime.GOOS == "linux" {
		speeds[250000] = 0x1003 // B250000
		speeds[460800] = 0x1004 // B460800
		speeds[500000] = 0x1005 // B500000
		speeds[921600] = 0x1007 // B921600
		speeds[1000000] = 0x1008
	}

	if speed, ok := speeds[baud]; ok {
		return speed, 0, nil
	}
	if runtime.GOOS == "linux" {
		// BOTHER encodes an arbitrary rate directly.
		return 0x1000 | uint32(baud), 0, nil
	}
	if runtime.GOOS == "darwin" {
		return unix.B9600, baud, nil
	}
	return 0, 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}

// setCustomBaudRate applies an arbitrary rate on macOS via IOSSIOSPEED.
func setCustomBaudRate(fd int, baud int) error {
	const IOSSIOSPEED = 0x80045402 // _IOW('T', 2, speed_t)
	return unix.IoctlSetPointerInt(fd, IOSSIOSPEED, baud)
}
