// Package exchange accepts client connections, gathers their inbound lines
// into one ordered queue, and sends text back to one or all clients.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/msgcore/internal/codec"
	"github.com/cory-johannsen/msgcore/internal/message"
	"github.com/cory-johannsen/msgcore/internal/observability"
)

var (
	// ErrNotRunning is returned by AddClient while the registry is stopped.
	ErrNotRunning = errors.New("registry not running")
	// ErrClientNotFound is returned when an id does not name a registered client.
	ErrClientNotFound = errors.New("client not found")
	// ErrConnectionClosed is returned when sending on a stopped connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// DefaultStopTimeout bounds each receive loop's shutdown when no timeout is configured.
const DefaultStopTimeout = 2 * time.Second

// EncryptionConfig is the registry-wide cipher setting.
type EncryptionConfig struct {
	// Enabled turns on encryption of outbound text sent with encrypt=true.
	Enabled bool
	// Params is the key material. An empty Key or IV selects the default pair's value.
	Params codec.Params
	// Framing selects how encrypted lines are marked. Empty selects FramingHeuristic.
	Framing codec.Framing
}

// BroadcastResult summarises one fan-out.
type BroadcastResult struct {
	// Attempted is the number of distinct clients a send was issued to.
	Attempted int
	// Delivered is the number of sends that completed without error.
	Delivered int
	// Failed lists the ids whose send failed, sorted.
	Failed []string
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Observer Observer

	// Encryption is the initial cipher setting.
	Encryption EncryptionConfig
	// Connection is the template applied to every accepted client. Its
	// callbacks are replaced by the registry's own.
	Connection ConnectionOptions
	// StopTimeout bounds each receive loop's shutdown.
	StopTimeout time.Duration
}

type cipherState struct {
	cfg   EncryptionConfig
	codec *codec.Codec
}

// Registry owns the connected clients, the shared inbound queue, and the
// encryption configuration. It is the single writer of its client table.
// All methods are safe for concurrent use.
type Registry struct {
	id       string
	logger   *zap.Logger
	metrics  *observability.Metrics
	observer Observer
	connOpts ConnectionOptions

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	clients map[string]*Connection
	// live counts clients not yet released.
	live sync.WaitGroup

	nextID atomic.Uint64

	queueMu   sync.Mutex
	queue     []*message.Message
	available chan struct{}

	cipher atomic.Pointer[cipherState]
	cfgMu  sync.Mutex
}

// NewRegistry creates a stopped registry.
//
// Postcondition: Returns a Registry ready for Start, or an error if the
// initial encryption settings are invalid.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	connOpts := opts.Connection
	if opts.StopTimeout > 0 {
		connOpts.StopTimeout = opts.StopTimeout
	}
	if connOpts.StopTimeout <= 0 {
		connOpts.StopTimeout = DefaultStopTimeout
	}
	connOpts.Metrics = opts.Metrics

	r := &Registry{
		id:        id,
		logger:    logger.With(zap.String("registry", id)),
		metrics:   opts.Metrics,
		observer:  opts.Observer,
		connOpts:  connOpts,
		clients:   make(map[string]*Connection),
		available: make(chan struct{}, 1),
	}
	r.connOpts.Logger = r.logger
	r.connOpts.OnMessage = r.onMessageReceived
	r.connOpts.OnDisconnect = r.onDisconnected

	state, err := newCipherState(opts.Encryption)
	if err != nil {
		return nil, err
	}
	r.cipher.Store(state)
	return r, nil
}

func newCipherState(cfg EncryptionConfig) (*cipherState, error) {
	def := codec.DefaultParams()
	p := cfg.Params.Clone()
	if len(p.Key) == 0 {
		p.Key = def.Key
	}
	if len(p.IV) == 0 {
		p.IV = def.IV
	}
	framing, err := codec.ParseFraming(string(cfg.Framing))
	if err != nil {
		return nil, err
	}
	c, err := codec.New(p)
	if err != nil {
		return nil, fmt.Errorf("configuring encryption: %w", err)
	}
	return &cipherState{
		cfg:   EncryptionConfig{Enabled: cfg.Enabled, Params: p, Framing: framing},
		codec: c,
	}, nil
}

// ID returns the registry's instance identifier.
func (r *Registry) ID() string { return r.id }

// Start opens the registry for new clients. Calling Start on a running
// registry does nothing.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	r.logger.Info("registry started")
}

// IsRunning reports whether the registry accepts clients.
func (r *Registry) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Stop cancels every receive loop, waits for all of them concurrently, and
// empties the client table. It returns once every client, including any
// released by a concurrent remote disconnect, has been reported. Queued messages are kept for a final drain.
// Stopping a stopped registry does nothing.
//
// Postcondition: No client is registered; every transport is closed.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	start := time.Now()
	r.running = false
	r.cancel()
	clients := r.clients
	r.clients = make(map[string]*Connection)
	r.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	for id, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
			r.released(id, "registry stopped", nil)
		}()
	}
	wg.Wait()
	r.live.Wait()

	r.logger.Info("registry stopped",
		zap.Int("clients", len(clients)),
		zap.Int("queued", r.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return errors.Join(errs...)
}

// AddClient registers conn under a new id and starts its receive loop.
//
// Postcondition: Returns the new id, or ErrNotRunning (and closes nothing)
// when the registry is stopped.
func (r *Registry) AddClient(conn net.Conn) (string, error) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return "", ErrNotRunning
	}
	id := fmt.Sprintf("client-%d", r.nextID.Add(1))
	c := NewConnection(id, conn, r.connOpts)
	r.clients[id] = c
	r.live.Add(1)
	ctx := r.ctx

	// Announced before unlocking so no release can overtake it.
	r.metrics.ClientConnected()
	r.logger.Info("client connected",
		zap.String("client_id", id),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)
	if r.observer != nil {
		r.observer.ClientConnected(id)
	}
	r.mu.Unlock()

	if err := c.StartListening(ctx); err != nil {
		// Stop raced us and already released the client.
		return "", fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	return id, nil
}

// RemoveClient stops and unregisters id. Unknown ids are ignored.
//
// Postcondition: Returns true if a client was removed.
func (r *Registry) RemoveClient(ctx context.Context, id string) bool {
	c, ok := r.take(id)
	if !ok {
		return false
	}
	if err := c.Stop(ctx); err != nil {
		r.logger.Warn("stopping client", zap.String("client_id", id), zap.Error(err))
	}
	r.released(id, "removed", nil)
	return true
}

func (r *Registry) onDisconnected(id string, cause error) {
	c, ok := r.take(id)
	if !ok {
		return
	}
	_ = c.Stop(context.Background())
	r.released(id, "remote disconnect", cause)
}

// take deletes id from the table. Exactly one caller wins for a given client.
func (r *Registry) take(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	return c, ok
}

func (r *Registry) released(id, reason string, cause error) {
	r.metrics.ClientDisconnected()
	fields := []zap.Field{zap.String("client_id", id), zap.String("reason", reason)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	r.logger.Info("client disconnected", fields...)
	if r.observer != nil {
		r.observer.ClientDisconnected(id)
	}
	r.live.Done()
}

// Clients returns the registered ids in ascending registration order.
func (r *Registry) Clients() []string {
	r.mu.RLock()
	conns := lo.Values(r.clients)
	r.mu.RUnlock()

	ids := lo.Map(conns, func(c *Connection, _ int) string { return c.ID() })
	slices.SortFunc(ids, compareClientIDs)
	return ids
}

func compareClientIDs(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (r *Registry) client(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) onMessageReceived(id, text string) {
	state := r.cipher.Load()
	content := text

	if payload, looks := state.cfg.Framing.Unwrap(text); looks {
		plain, err := state.codec.Decrypt(payload)
		if err != nil {
			// Shape matched but content did not: keep the line as received.
			r.metrics.DecryptFallback()
			r.logger.Debug("inbound line kept verbatim", zap.String("client_id", id), zap.Error(err))
		} else {
			content = plain
		}
	}

	r.metrics.MessageReceived()
	r.Enqueue(message.New(id, content))
}

// Enqueue appends msg to the inbound queue and signals availability.
// Server-originated messages enter the queue the same way client lines do.
func (r *Registry) Enqueue(msg *message.Message) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	r.queue = append(r.queue, msg)
	select {
	case r.available <- struct{}{}:
	default:
	}
}

// Available delivers a token whenever the queue may be non-empty.
// A token can be stale; consumers must tolerate draining an empty queue.
func (r *Registry) Available() <-chan struct{} { return r.available }

// Len returns the number of queued messages.
func (r *Registry) Len() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.queue)
}

// DrainAll removes and returns every queued message in arrival order.
// With decrypt set, messages still holding ciphertext are decrypted in place;
// plaintext messages are left untouched.
func (r *Registry) DrainAll(decrypt bool) []*message.Message {
	r.queueMu.Lock()
	msgs := r.queue
	r.queue = nil
	r.queueMu.Unlock()

	if decrypt {
		r.decryptAll(msgs)
	}
	return msgs
}

// DrainUpTo removes and returns at most limit messages in arrival order,
// leaving the remainder queued.
func (r *Registry) DrainUpTo(limit int, decrypt bool) []*message.Message {
	if limit <= 0 {
		return nil
	}
	r.queueMu.Lock()
	n := min(limit, len(r.queue))
	msgs := slices.Clone(r.queue[:n])
	r.queue = slices.Clone(r.queue[n:])
	r.queueMu.Unlock()

	if decrypt {
		r.decryptAll(msgs)
	}
	return msgs
}

// Pending returns a copy of the queue ordered by sequence number without
// removing anything.
func (r *Registry) Pending() []*message.Message {
	r.queueMu.Lock()
	msgs := slices.Clone(r.queue)
	r.queueMu.Unlock()

	message.SortBySequence(msgs)
	return msgs
}

func (r *Registry) decryptAll(msgs []*message.Message) {
	c := r.cipher.Load().codec
	for _, m := range msgs {
		if !m.IsEncrypted() {
			continue
		}
		if err := m.Decrypt(c); err != nil && !errors.Is(err, message.ErrNotEncrypted) {
			r.logger.Warn("queued message left encrypted",
				zap.String("client_id", m.Sender()),
				zap.Uint64("seq", m.Seq()),
				zap.Error(err),
			)
		}
	}
}

// outbound produces the wire form of text.
func (r *Registry) outbound(text string, encrypt bool) (string, error) {
	state := r.cipher.Load()
	if !encrypt || !state.cfg.Enabled {
		return text, nil
	}
	ct, err := state.codec.Encrypt(text)
	if err != nil {
		return "", fmt.Errorf("encrypting outbound text: %w", err)
	}
	return state.cfg.Framing.Wrap(ct), nil
}

// SendToClient sends text to one client. Encryption applies only when
// encrypt is set and encryption is enabled.
//
// Postcondition: Returns ErrClientNotFound for an unknown id, or the send error.
func (r *Registry) SendToClient(id, text string, encrypt bool) error {
	c, ok := r.client(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	line, err := r.outbound(text, encrypt)
	if err != nil {
		return err
	}
	if err := c.Send(line); err != nil {
		r.metrics.SendFailed()
		r.logger.Warn("send failed", zap.String("client_id", id), zap.Error(err))
		return err
	}
	return nil
}

// Broadcast sends text to every registered client.
func (r *Registry) Broadcast(text string, encrypt bool) BroadcastResult {
	return r.broadcast(text, encrypt, "")
}

// BroadcastExcept sends text to every registered client but sender.
func (r *Registry) BroadcastExcept(sender, text string, encrypt bool) BroadcastResult {
	return r.broadcast(text, encrypt, sender)
}

// broadcast issues all sends concurrently so one stalled client cannot delay
// the others, then waits for every result.
func (r *Registry) broadcast(text string, encrypt bool, except string) BroadcastResult {
	r.mu.RLock()
	targets := lo.Filter(lo.Values(r.clients), func(c *Connection, _ int) bool {
		return c.ID() != except
	})
	r.mu.RUnlock()

	result := BroadcastResult{Attempted: len(targets)}
	if len(targets) == 0 {
		return result
	}

	line, err := r.outbound(text, encrypt)
	if err != nil {
		r.logger.Error("broadcast not sent", zap.Error(err))
		result.Failed = lo.Map(targets, func(c *Connection, _ int) string { return c.ID() })
		slices.SortFunc(result.Failed, compareClientIDs)
		return result
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for _, c := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Send(line); err != nil {
				r.metrics.SendFailed()
				r.logger.Warn("broadcast send failed", zap.String("client_id", c.ID()), zap.Error(err))
				mu.Lock()
				failed = append(failed, c.ID())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	slices.SortFunc(failed, compareClientIDs)
	result.Failed = failed
	result.Delivered = result.Attempted - len(failed)
	return result
}

// Encryption returns a copy of the current cipher setting.
func (r *Registry) Encryption() EncryptionConfig {
	cfg := r.cipher.Load().cfg
	cfg.Params = cfg.Params.Clone()
	return cfg
}

// ConfigureEncryption replaces the registry-wide cipher setting. Ciphertext
// produced under the previous key can no longer be decrypted by this registry.
func (r *Registry) ConfigureEncryption(cfg EncryptionConfig) error {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	return r.configure(cfg)
}

// SetEncryptionEnabled toggles encryption while keeping the key material.
func (r *Registry) SetEncryptionEnabled(enabled bool) error {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	cfg := r.cipher.Load().cfg
	cfg.Enabled = enabled
	return r.configure(cfg)
}

// RotateKey installs a freshly generated key and IV and returns a copy of them
// for out-of-band distribution to clients.
func (r *Registry) RotateKey() (codec.Params, error) {
	p, err := codec.GenerateParams()
	if err != nil {
		return codec.Params{}, fmt.Errorf("rotating key: %w", err)
	}

	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	cfg := r.cipher.Load().cfg
	cfg.Params = p
	if err := r.configure(cfg); err != nil {
		return codec.Params{}, err
	}
	return p.Clone(), nil
}

// configure must be called with cfgMu held.
func (r *Registry) configure(cfg EncryptionConfig) error {
	state, err := newCipherState(cfg)
	if err != nil {
		return err
	}
	r.cipher.Store(state)
	r.logger.Info("encryption configured",
		zap.Bool("enabled", state.cfg.Enabled),
		zap.String("framing", string(state.cfg.Framing)),
		zap.String("key_fingerprint", state.codec.Fingerprint()),
	)
	return nil
}
