// Package serial provides the serial port implementation of transport.Link.
//
// The RT73's USB programming cable enumerates as a CDC-ACM serial port and
// speaks the flash protocol at 115200 8N1.
package serial

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmrtools/rt73-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultBaudRate is the baud rate the RT73 programming port uses.
	DefaultBaudRate = 115200
)

// Config holds the configuration for a serial link.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Link implements transport.Link over a serial port.
type Link struct {
	cfg  Config
	log  *slog.Logger
	mu   sync.Mutex
	port serial.Port
}

// New creates a new serial link with the given configuration.
// The port is not opened until Open is called.
func New(cfg Config) *Link {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Link{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// Open opens the serial port.
func (l *Link) Open() error {
	if l.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		return errors.New("serial port already open")
	}

	mode := &serial.Mode{
		BaudRate: l.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(l.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	l.port = port
	l.log.Info("opened serial port", "port", l.cfg.Port, "baud", l.cfg.BaudRate)
	return nil
}

// Close closes the serial port. Closing a closed link is a no-op.
func (l *Link) Close() error {
	l.mu.Lock()
	port := l.port
	l.port = nil
	l.mu.Unlock()

	if port == nil {
		return nil
	}
	return port.Close()
}

// IsOpen reports whether the port is open.
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Read reads from the serial port. On read timeout the underlying driver
// returns (0, nil), which callers interpret as no response.
func (l *Link) Read(p []byte) (int, error) {
	port, err := l.open()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

// Write writes to the serial port.
func (l *Link) Write(p []byte) (int, error) {
	port, err := l.open()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

// SetReadTimeout bounds how long a single Read waits for data.
func (l *Link) SetReadTimeout(d time.Duration) error {
	port, err := l.open()
	if err != nil {
		return err
	}
	return port.SetReadTimeout(d)
}

func (l *Link) open() (serial.Port, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil, errors.New("serial port not open")
	}
	return l.port, nil
}
