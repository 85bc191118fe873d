// Package console adapts a host terminal as the kernel's serial console:
// the byte-sink cmd/pmk32ctl drains once per scheduler pass (the idle
// thread itself does not flush it), and the source of injected key presses for whatever keyboard-facing driver
// is loaded. It is the host-side stand-in for real UART hardware, wired
// the same way a serial console would be wired on bare metal - raw mode,
// non-blocking reads, one goroutine turning terminal bytes into kernel
// input.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is wrapped into the error New returns when in is a terminal but
// cannot be put into raw mode. A non-terminal in is not an error: New
// returns a nil error and an output-only console.
var ErrNoTTY = errors.New("console: not a TTY")

// Console is the serial console: an output ring that Flush empties and,
// when the host stream is a real terminal, a raw-mode input path
// delivering key presses.
type Console struct {
	mu    sync.Mutex
	ring  []byte

	in    *os.File
	out   io.Writer
	fd    int
	state *term.State
	raw   bool

	keyCh chan byte
}

// New wraps out/in as the kernel's console. If in is a terminal, raw mode
// is enabled and key presses are delivered asynchronously; otherwise the
// console is output-only (the common case under a test harness or when
// stdin is redirected from a file).
func New(in *os.File, out io.Writer) (*Console, error) {
	c := &Console{in: in, out: out, keyCh: make(chan byte, 16)}

	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return c, nil
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrNoTTY, err)
	}
	c.fd = fd
	c.state = saved
	c.raw = true

	if err := c.setNonCanonical(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return c, err
	}
	return c, nil
}

func (c *Console) setNonCanonical(vmin, vtime byte) error {
	termios, err := unix.IoctlGetTermios(c.fd, ioctlGetTermios)
	if err != nil {
		return err
	}
	termios.Cc[unix.VMIN] = vmin
	termios.Cc[unix.VTIME] = vtime
	return unix.IoctlSetTermios(c.fd, ioctlSetTermios, termios)
}

// Write appends to the console's internal ring buffer. Bytes reach the host
// stream only when Flush is called; Write itself never blocks on I/O.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = append(c.ring, p...)
	return len(p), nil
}

// Flush writes out every byte accumulated since the last Flush.
// cmd/pmk32ctl calls it once per scheduler pass; the idle thread's entry
// does nothing and does not call it.
func (c *Console) Flush() error {
	c.mu.Lock()
	pending := c.ring
	c.ring = nil
	c.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	_, err := c.out.Write(pending)
	return err
}

// ReadKeys starts a background reader that copies bytes from the terminal
// into an internal channel until ctx is cancelled. It is a no-op if the
// console was not opened against a real terminal.
func (c *Console) ReadKeys(ctx context.Context) {
	if !c.raw {
		return
	}
	go c.readLoop(ctx)
}

func (c *Console) readLoop(ctx context.Context) {
	r := bufio.NewReader(c.in)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		select {
		case c.keyCh <- b:
		case <-ctx.Done():
			return
		}
	}
}

// Press returns the channel key presses arrive on.
func (c *Console) Press() <-chan byte { return c.keyCh }

// Restore returns the terminal to its original state. Safe to call even
// if the console was never put into raw mode.
func (c *Console) Restore() {
	if !c.raw {
		return
	}
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
	_ = syscall.SetNonblock(c.fd, false)
}
