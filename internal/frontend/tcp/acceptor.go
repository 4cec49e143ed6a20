// Package tcp accepts plain TCP clients and hands each socket to the registry.
package tcp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/msgcore/internal/config"
)

// Registrar takes ownership of accepted connections.
type Registrar interface {
	AddClient(conn net.Conn) (string, error)
}

// Acceptor listens on a TCP port and registers every accepted connection.
type Acceptor struct {
	cfg       config.ListenerConfig
	registrar Registrar
	logger    *zap.Logger

	listener net.Listener
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an acceptor for cfg.
//
// Precondition: registrar and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ListenerConfig, registrar Registrar, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:       cfg,
		registrar: registrar,
		logger:    logger,
		quit:      make(chan struct{}),
	}
}

// ListenAndServe accepts connections until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	select {
	case <-a.quit:
		a.mu.Unlock()
		listener.Close()
		return nil
	default:
	}
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("tcp acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Error("accepting connection", zap.Error(err))
			continue
		}
		a.register(conn)
	}
}

func (a *Acceptor) register(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	id, err := a.registrar.AddClient(conn)
	if err != nil {
		a.logger.Warn("rejecting connection",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		conn.Close()
		return
	}
	a.logger.Debug("connection registered",
		zap.String("client_id", id),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)
}

// Stop closes the listener. Registered clients are owned by the registry and
// are not affected.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.quit:
		return
	default:
	}
	close(a.quit)
	a.running = false
	if a.listener != nil {
		a.listener.Close()
	}
	a.logger.Info("tcp acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
