package printer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	defaultTCPPort      = 9100
	defaultWriteTimeout = 10 * time.Second
	defaultDialTimeout  = 5 * time.Second
)

// SerialPort writes to a character device such as /dev/ttyS0. Line settings
// are left to the system (udev or stty).
type SerialPort struct {
	f *os.File
}

// OpenSerial opens device for writing.
func OpenSerial(device string) (*SerialPort, error) {
	f, err := os.OpenFile(device, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return &SerialPort{f: f}, nil
}

func (p *SerialPort) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *SerialPort) Close() error { return p.f.Close() }

// TCPPort streams raw bytes to a network printer. The connection is opened
// lazily and dropped after a failed write so the next write redials.
type TCPPort struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPPort creates a port for addr; a missing port defaults to 9100.
func NewTCPPort(addr string) *TCPPort {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(defaultTCPPort))
	}
	return &TCPPort{
		addr:    addr,
		timeout: defaultWriteTimeout,
		dialer:  net.Dialer{Timeout: defaultDialTimeout},
	}
}

func (p *TCPPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := p.dialer.Dial("tcp", p.addr)
		if err != nil {
			return 0, fmt.Errorf("dial printer %s: %w", p.addr, err)
		}
		p.conn = conn
	}
	p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	n, err := p.conn.Write(b)
	if err != nil {
		p.conn.Close()
		p.conn = nil
		return n, fmt.Errorf("write printer %s: %w", p.addr, err)
	}
	return n, nil
}

func (p *TCPPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// GPIOGate polls a sysfs GPIO value file wired to the mechanism's DTR line.
type GPIOGate struct {
	path      string
	poll      time.Duration
	activeLow bool
}

// NewGPIOGate creates a gate reading path every poll interval.
func NewGPIOGate(path string, poll time.Duration, activeLow bool) *GPIOGate {
	if poll <= 0 {
		poll = 5 * time.Millisecond
	}
	return &GPIOGate{path: path, poll: poll, activeLow: activeLow}
}

// Ready reads the line once.
func (g *GPIOGate) Ready() (bool, error) {
	raw, err := os.ReadFile(g.path)
	if err != nil {
		return false, err
	}
	high := bytes.Equal(bytes.TrimSpace(raw), []byte("1"))
	return high != g.activeLow, nil
}

// WaitReady blocks until the line reports ready. Read errors count as not
// ready.
func (g *GPIOGate) WaitReady(ctx context.Context) error {
	if ok, _ := g.Ready(); ok {
		return nil
	}
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ok, _ := g.Ready(); ok {
				return nil
			}
		}
	}
}

// AlwaysReady is a Gate for transports with their own flow control.
type AlwaysReady struct{}

func (AlwaysReady) WaitReady(ctx context.Context) error { return ctx.Err() }
