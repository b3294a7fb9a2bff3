package link

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// RS-485 line defaults.
const (
	defaultBusBaud        = 9600
	defaultBusReadTimeout = 2 * time.Second
	defaultBusSettle      = 20 * time.Millisecond
	defaultBusTurnaround  = 130 * time.Millisecond

	// busReadChunk is the serial read timeout used while waiting for a
	// reply, so the overall deadline is checked between chunks.
	busReadChunk = 50 * time.Millisecond
)

// DirectionControl switches the half-duplex transceiver between driving
// the line and listening to it.
type DirectionControl interface {
	Transmit() error
	Receive() error
}

// BusOptions describes the shared line.
type BusOptions struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	Settle      time.Duration
	Turnaround  time.Duration
	DEPin       string
	REPin       string
	Logger      Logger
}

func (o *BusOptions) applyDefaults() {
	if o.Baud <= 0 {
		o.Baud = defaultBusBaud
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultBusReadTimeout
	}
	if o.Settle <= 0 {
		o.Settle = defaultBusSettle
	}
	if o.Turnaround <= 0 {
		o.Turnaround = defaultBusTurnaround
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

// BusStats holds operational counters for the shared line.
type BusStats struct {
	Exchanges uint64
	Timeouts  uint64
	Errors    uint64
}

// Bus owns the shared RS-485 line.
//
// Every request/response exchange holds the bus mutex from the moment the
// line is switched to transmit until the turnaround wait after the reply, so
// exchanges for different controllers never interleave on the wire.
//
// Thread Safety:
//   - Exchange is safe for concurrent use; callers queue on the mutex.
type Bus struct {
	mu     sync.Mutex
	port   Port
	dir    DirectionControl
	frames *frameReader
	opts   BusOptions
	log    Logger
	sleep  func(time.Duration)
	closed bool

	refMu sync.Mutex
	refs  int

	exchanges atomic.Uint64
	timeouts  atomic.Uint64
	failures  atomic.Uint64
}

// OpenBus opens the serial line and the direction GPIOs.
func OpenBus(opts BusOptions) (*Bus, error) {
	opts.applyDefaults()

	dir, err := OpenGPIODirection(opts.DEPin, opts.REPin)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(opts.Port, &serial.Mode{BaudRate: opts.Baud})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, opts.Port, err)
	}

	bus, err := NewBus(port, dir, opts)
	if err != nil {
		port.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	opts.Logger.Info("rs485 bus opened", "port", opts.Port, "baud", opts.Baud)
	return bus, nil
}

// NewBus wraps an opened port and direction control.
func NewBus(port Port, dir DirectionControl, opts BusOptions) (*Bus, error) {
	opts.applyDefaults()

	if err := port.SetReadTimeout(busReadChunk); err != nil {
		return nil, fmt.Errorf("%w: setting bus read timeout: %w", ErrOpenFailed, err)
	}
	if err := dir.Receive(); err != nil {
		return nil, fmt.Errorf("%w: setting receive mode: %w", ErrOpenFailed, err)
	}

	return &Bus{
		port:   port,
		dir:    dir,
		frames: newFrameReader(port),
		opts:   opts,
		log:    opts.Logger,
		sleep:  time.Sleep,
	}, nil
}

// Exchange sends "<id>:<payload>;" and returns the controller's reply with
// the terminator and any echoed address removed.
//
// It returns ErrBusTimeout when no complete reply arrives within the read
// timeout.
func (b *Bus) Exchange(id int, payload string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBusClosed
	}
	b.exchanges.Add(1)

	// Bytes left over from an earlier, timed-out reply belong to nobody.
	b.frames.reset()

	if err := b.dir.Transmit(); err != nil {
		b.failures.Add(1)
		return "", fmt.Errorf("setting transmit mode: %w", err)
	}

	frame := EncodeAddressed(id, payload)
	if _, err := b.port.Write(frame); err != nil {
		b.failures.Add(1)
		_ = b.dir.Receive() //nolint:errcheck // Already failing
		return "", fmt.Errorf("writing bus frame: %w", err)
	}
	b.log.Debug("host -> bus", "device_id", id, "frame", string(frame))
	b.sleep(b.opts.Settle)

	if err := b.dir.Receive(); err != nil {
		b.failures.Add(1)
		return "", fmt.Errorf("setting receive mode: %w", err)
	}

	reply, ok, err := b.frames.readUntil(time.Now().Add(b.opts.ReadTimeout))
	b.sleep(b.opts.Turnaround)

	if err != nil {
		b.failures.Add(1)
		return "", fmt.Errorf("reading bus reply: %w", err)
	}
	if !ok {
		b.timeouts.Add(1)
		return "", fmt.Errorf("%w: device %d", ErrBusTimeout, id)
	}

	reply = stripAddress(id, strings.TrimSpace(reply))
	b.log.Debug("bus -> host", "device_id", id, "frame", reply)
	return reply, nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Exchanges: b.exchanges.Load(),
		Timeouts:  b.timeouts.Load(),
		Errors:    b.failures.Load(),
	}
}

// Close releases the line. Later exchanges fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if c, ok := b.dir.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.port.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing bus port: %w", err))
	}
	return errors.Join(errs...)
}

func (b *Bus) acquire() {
	b.refMu.Lock()
	b.refs++
	b.refMu.Unlock()
}

// release closes the bus when the last link using it stops.
func (b *Bus) release() error {
	b.refMu.Lock()
	b.refs--
	last := b.refs == 0
	b.refMu.Unlock()

	if last {
		return b.Close()
	}
	return nil
}

// Ensure BusLink implements DeviceLink.
var _ DeviceLink = (*BusLink)(nil)

// BusLink is one controller address on the shared bus.
//
// An order's reply is kept in a pending slot and handed out by the next
// Recv, since on the bus the confirmation comes back as the answer to the
// order itself. Without a pending reply Recv polls the controller with
// PollNewRead.
type BusLink struct {
	id  int
	bus *Bus

	mu      sync.Mutex
	pending []string
	stopped bool
	stop    sync.Once
	stopErr error
}

// NewBusLink registers a controller on the bus.
func NewBusLink(id int, bus *Bus) *BusLink {
	bus.acquire()
	return &BusLink{id: id, bus: bus}
}

// ID implements DeviceLink.
func (l *BusLink) ID() int {
	return l.id
}

// Send transmits an order and keeps the reply for Recv.
func (l *BusLink) Send(order string) error {
	if l.isStopped() {
		return ErrStopped
	}

	reply, err := l.bus.Exchange(l.id, order)
	if err != nil {
		return fmt.Errorf("sending %q to device %d: %w", order, l.id, err)
	}

	if reply != "" && reply != NoNewRead {
		l.mu.Lock()
		l.pending = append(l.pending, reply)
		l.mu.Unlock()
	}
	return nil
}

// Recv returns a pending reply, otherwise asks the controller for a badge.
// A missing or "new_read:none" answer reports nothing.
func (l *BusLink) Recv() (string, bool) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return "", false
	}
	if len(l.pending) > 0 {
		msg := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()
		return msg, true
	}
	l.mu.Unlock()

	reply, err := l.bus.Exchange(l.id, PollNewRead)
	if err != nil {
		l.bus.log.Debug("bus poll failed", "device_id", l.id, "error", err)
		return "", false
	}
	if reply == "" || reply == NoNewRead {
		return "", false
	}
	return reply, true
}

// Stop detaches the controller; the last one to stop closes the bus.
func (l *BusLink) Stop() error {
	l.stop.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.pending = nil
		l.mu.Unlock()
		l.stopErr = l.bus.release()
	})
	return l.stopErr
}

func (l *BusLink) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
