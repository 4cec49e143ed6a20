// Package dispatch drains the registry's inbound queue, classifies each
// message, performs the built-in chat relay and ping reply, and hands every
// message to a caller-supplied Handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/msgcore/internal/codec"
	"github.com/cory-johannsen/msgcore/internal/exchange"
	"github.com/cory-johannsen/msgcore/internal/message"
	"github.com/cory-johannsen/msgcore/internal/observability"
)

// Mode selects when the dispatcher drains.
type Mode string

const (
	// ModeTick drains once per TickInterval.
	ModeTick Mode = "tick"
	// ModeImmediate drains until empty as soon as messages become available.
	ModeImmediate Mode = "immediate"
)

// DefaultTickInterval is used when Options.TickInterval is zero.
const DefaultTickInterval = 100 * time.Millisecond

// Exchange is the registry surface the dispatcher needs.
type Exchange interface {
	DrainAll(decrypt bool) []*message.Message
	DrainUpTo(limit int, decrypt bool) []*message.Message
	Available() <-chan struct{}
	Enqueue(msg *message.Message)
	SendToClient(id, text string, encrypt bool) error
	Broadcast(text string, encrypt bool) exchange.BroadcastResult
	BroadcastExcept(sender, text string, encrypt bool) exchange.BroadcastResult
	Encryption() exchange.EncryptionConfig
	SetEncryptionEnabled(enabled bool) error
	RotateKey() (codec.Params, error)
}

// Options configures a Dispatcher.
type Options struct {
	TickInterval time.Duration
	Mode         Mode
	// MaxBatch caps messages per tick. Zero drains everything.
	MaxBatch int
	// EncryptReplies requests encryption for relay, pong and announcements.
	// It only takes effect while registry encryption is enabled.
	EncryptReplies bool

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Dispatcher is the single consumer of a registry's inbound queue.
type Dispatcher struct {
	ex      Exchange
	handler Handler
	opts    Options
	logger  *zap.Logger

	// drainMu makes ticks and immediate drains mutually exclusive.
	drainMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New creates a dispatcher. A nil handler only performs the built-in routing.
//
// Precondition: ex must be non-nil.
func New(ex Exchange, handler Handler, opts Options) *Dispatcher {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Mode == "" {
		opts.Mode = ModeTick
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ex:      ex,
		handler: handler,
		opts:    opts,
		logger:  logger.With(zap.String("component", "dispatcher")),
	}
}

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeTick:
		return ModeTick, nil
	case ModeImmediate:
		return ModeImmediate, nil
	default:
		return "", fmt.Errorf("unknown dispatch mode %q", s)
	}
}

// Run drains the queue until ctx is cancelled, then performs one final drain
// so nothing accepted before shutdown is left behind.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		zap.String("mode", string(d.opts.Mode)),
		zap.Duration("tick_interval", d.opts.TickInterval),
	)
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	var available <-chan struct{}
	if d.opts.Mode == ModeImmediate {
		available = d.ex.Available()
	}

	for {
		select {
		case <-ctx.Done():
			n := d.DrainNow(context.WithoutCancel(ctx))
			d.logger.Info("dispatcher stopped", zap.Int("final_drain", n))
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		case <-available:
			d.DrainNow(ctx)
		}
	}
}

// Start runs the dispatcher until Stop is called. Start after Stop returns
// nil without running.
func (d *Dispatcher) Start() error {
	d.runMu.Lock()
	if d.stopped {
		d.runMu.Unlock()
		return nil
	}
	if d.cancel != nil {
		d.runMu.Unlock()
		return errors.New("dispatcher already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.runMu.Unlock()

	defer close(done)
	return d.Run(ctx)
}

// Running reports whether Start is in progress.
func (d *Dispatcher) Running() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.cancel != nil
}

// Stop cancels a dispatcher started with Start and waits for its final drain.
// A Stop that arrives before Start drains the queue itself and keeps the later
// Start from running.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	wasStopped := d.stopped
	d.cancel = nil
	d.stopped = true
	d.runMu.Unlock()

	if cancel == nil {
		if !wasStopped {
			n := d.DrainNow(context.Background())
			d.logger.Info("dispatcher stopped before start", zap.Int("final_drain", n))
		}
		return
	}
	cancel()
	<-done
}

// Tick drains one batch and routes it in queue order.
//
// Postcondition: Returns the number of messages routed.
func (d *Dispatcher) Tick(ctx context.Context) int {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	start := time.Now()
	var msgs []*message.Message
	if d.opts.MaxBatch > 0 {
		msgs = d.ex.DrainUpTo(d.opts.MaxBatch, true)
	} else {
		msgs = d.ex.DrainAll(true)
	}
	if len(msgs) == 0 {
		return 0
	}

	for _, m := range msgs {
		d.route(ctx, m)
	}
	d.opts.Metrics.ObserveTick(time.Since(start))
	d.logger.Debug("tick", zap.Int("messages", len(msgs)), zap.Duration("elapsed", time.Since(start)))
	return len(msgs)
}

// DrainNow ticks until the queue is empty or ctx is cancelled.
func (d *Dispatcher) DrainNow(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n := d.Tick(ctx)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

func (d *Dispatcher) route(ctx context.Context, m *message.Message) {
	sender := m.Sender()
	if m.IsEncrypted() {
		// Undecryptable with the current key; route as opaque text.
		d.logger.Debug("routing message still encrypted", zap.String("client_id", sender), zap.Uint64("seq", m.Seq()))
	}
	kind, payload := Classify(m.Content())
	d.opts.Metrics.Dispatched(string(kind))
	d.logger.Debug("dispatching",
		zap.String("client_id", sender),
		zap.Uint64("seq", m.Seq()),
		zap.String("kind", string(kind)),
	)

	if sender != message.ServerSender {
		switch kind {
		case KindChat:
			res := d.ex.BroadcastExcept(sender, ChatRelay(sender, payload), d.opts.EncryptReplies)
			if len(res.Failed) > 0 {
				d.logger.Warn("chat relay incomplete",
					zap.String("client_id", sender),
					zap.Int("attempted", res.Attempted),
					zap.Strings("failed", res.Failed),
				)
			}
		case KindPing:
			if err := d.ex.SendToClient(sender, PongReply, d.opts.EncryptReplies); err != nil {
				d.logger.Debug("pong not delivered", zap.String("client_id", sender), zap.Error(err))
			}
		}
	}

	d.deliver(ctx, sender, kind, payload)
}

func (d *Dispatcher) deliver(ctx context.Context, clientID string, kind Kind, payload string) {
	if d.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.String("client_id", clientID),
				zap.String("kind", string(kind)),
				zap.Any("panic", r),
			)
		}
	}()
	d.handler.HandleMessage(ctx, clientID, kind, payload)
}

// Announce broadcasts text from the server to every client and queues a
// server-originated message so handlers observe it on the next tick.
func (d *Dispatcher) Announce(text string) exchange.BroadcastResult {
	res := d.ex.Broadcast(text, d.opts.EncryptReplies)
	d.ex.Enqueue(message.New(message.ServerSender, text))
	d.logger.Info("announcement sent",
		zap.Int("attempted", res.Attempted),
		zap.Int("delivered", res.Delivered),
	)
	return res
}

// SetEncryption turns registry encryption on or off.
func (d *Dispatcher) SetEncryption(enabled bool) error {
	if err := d.ex.SetEncryptionEnabled(enabled); err != nil {
		return fmt.Errorf("setting encryption: %w", err)
	}
	return nil
}

// ToggleEncryption flips registry encryption and returns the new setting.
func (d *Dispatcher) ToggleEncryption() (bool, error) {
	enabled := !d.ex.Encryption().Enabled
	if err := d.SetEncryption(enabled); err != nil {
		return !enabled, err
	}
	return enabled, nil
}

// RotateKey installs a new random key and IV. Clients must be given the
// returned params out of band before encrypted traffic works again.
func (d *Dispatcher) RotateKey() (codec.Params, error) {
	p, err := d.ex.RotateKey()
	if err != nil {
		return codec.Params{}, err
	}
	d.logger.Info("key rotated", zap.String("key_fingerprint", p.Fingerprint()))
	return p, nil
}
