package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/msgcore/internal/observability"
)

// DefaultReceiveBuffer is the per-read buffer size used when none is configured.
const DefaultReceiveBuffer = 4096

// ErrIdleTimeout is reported to OnDisconnect when a client stays silent past
// the configured idle timeout.
var ErrIdleTimeout = errors.New("idle timeout")

// State is a Connection lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateListening
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionOptions configures a Connection. Zero values select defaults.
type ConnectionOptions struct {
	// ReceiveBuffer is the size of the fixed read buffer.
	ReceiveBuffer int
	// MaxLineBytes flushes an unterminated line once it grows past this size. Zero disables the cap.
	MaxLineBytes int
	// WriteTimeout bounds one Send. Zero means no deadline.
	WriteTimeout time.Duration
	// IdleTimeout ends the receive loop after this long without inbound bytes. Zero means never.
	IdleTimeout time.Duration
	// StopTimeout bounds how long Stop waits for the loop before closing the transport.
	StopTimeout time.Duration
	// RateLimit is the sustained inbound lines per second. Zero disables limiting.
	RateLimit rate.Limit
	// RateBurst is the limiter burst size.
	RateBurst int

	// OnMessage receives each inbound line. It is called from the receive loop.
	OnMessage func(id, text string)
	// OnDisconnect is called once when the remote side goes away. It is not
	// called when the connection is stopped locally.
	OnDisconnect func(id string, err error)

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Connection owns one accepted socket and its receive loop.
//
// State machine: Idle -> Listening -> Closing -> Closed. A remote disconnect
// moves Listening straight to Closed.
type Connection struct {
	id      string
	raw     net.Conn
	opts    ConnectionOptions
	logger  *zap.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps raw. The receive loop does not run until StartListening.
//
// Precondition: raw must be an open connection; id must be non-empty.
// Postcondition: Returns a Connection in StateIdle.
func NewConnection(id string, raw net.Conn, opts ConnectionOptions) *Connection {
	if opts.ReceiveBuffer <= 0 {
		opts.ReceiveBuffer = DefaultReceiveBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		id:     id,
		raw:    raw,
		opts:   opts,
		logger: logger.With(zap.String("client_id", id)),
		done:   make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return c
}

// ID returns the server-assigned client id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the receive loop is running.
func (c *Connection) IsOpen() bool {
	return c.State() == StateListening
}

// Done is closed when the receive loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// StartListening launches the receive loop bound to ctx.
//
// Precondition: The connection must be in StateIdle.
// Postcondition: The connection is in StateListening and its loop is running.
func (c *Connection) StartListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return fmt.Errorf("connection %s: cannot start listening in state %s", c.id, c.state)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateListening

	go c.receiveLoop(loopCtx)
	go c.unblockOnCancel(loopCtx)
	return nil
}

// unblockOnCancel forces a pending Read to return once ctx is cancelled.
func (c *Connection) unblockOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = c.raw.SetReadDeadline(time.Now())
	case <-c.done:
	}
}

func (c *Connection) receiveLoop(ctx context.Context) {
	buf := make([]byte, c.opts.ReceiveBuffer)
	var pending []byte
	var cause error

	for {
		if c.opts.IdleTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		// Checked after arming the idle deadline so a cancellation deadline set
		// concurrently is never overwritten.
		if ctx.Err() != nil {
			break
		}

		n, err := c.raw.Read(buf)
		if n > 0 {
			var lines []string
			lines, pending = SplitLines(pending, buf[:n])
			if c.opts.MaxLineBytes > 0 && len(pending) > c.opts.MaxLineBytes {
				lines = append(lines, string(pending))
				pending = nil
			}
			for _, line := range lines {
				c.deliver(line)
			}
		}
		if err != nil {
			cause = err
			break
		}
		if n == 0 {
			cause = io.EOF
			break
		}
	}

	c.mu.Lock()
	remote := c.state == StateListening
	if remote {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if !remote {
		close(c.done)
		return
	}

	if len(pending) > 0 {
		c.deliver(string(pending))
	}
	var ne net.Error
	if errors.As(cause, &ne) && ne.Timeout() {
		cause = ErrIdleTimeout
	}
	c.logger.Debug("receive loop ended by remote", zap.Error(cause))
	_ = c.closeTransport()
	c.cancel()
	close(c.done)

	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(c.id, cause)
	}
}

func (c *Connection) deliver(line string) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.opts.Metrics.RateLimitDropped()
		c.logger.Debug("dropping rate-limited line", zap.Int("bytes", len(line)))
		return
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(c.id, line)
	}
}

// Send writes text followed by CRLF.
//
// Postcondition: Returns nil when the whole line was written. A failed send
// leaves the connection registered; only the receive loop tears it down.
func (c *Connection) Send(text string) error {
	switch c.State() {
	case StateClosing, StateClosed:
		return fmt.Errorf("sending to %s: %w", c.id, ErrConnectionClosed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := io.WriteString(c.raw, text+"\r\n"); err != nil {
		return fmt.Errorf("sending to %s: %w", c.id, err)
	}
	return nil
}

// Stop cancels the receive loop, waits for it up to the stop timeout (or ctx),
// and closes the transport. Calling Stop again, or after a remote disconnect,
// returns nil.
//
// Postcondition: The connection is in StateClosed and its transport is closed.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return nil
	case StateIdle:
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)
		return c.closeTransport()
	}
	c.state = StateClosing
	cancel := c.cancel
	c.mu.Unlock()

	start := time.Now()
	cancel()

	waitCtx := ctx
	if c.opts.StopTimeout > 0 {
		var cancelWait context.CancelFunc
		waitCtx, cancelWait = context.WithTimeout(ctx, c.opts.StopTimeout)
		defer cancelWait()
	}

	var err error
	select {
	case <-c.done:
	case <-waitCtx.Done():
		c.logger.Warn("receive loop ignored cancellation, forcing close",
			zap.Duration("waited", time.Since(start)),
		)
		err = fmt.Errorf("connection %s: receive loop did not stop: %w", c.id, waitCtx.Err())
	}

	closeErr := c.closeTransport()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if err != nil {
		return err
	}
	return closeErr
}

func (c *Connection) closeTransport() error {
	c.closeOnce.Do(func() {
		if err := c.raw.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("closing %s: %w", c.id, err)
		}
	})
	return c.closeErr
}
