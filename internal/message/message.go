// Package message defines the unit of inbound and outbound traffic handled
// by the exchange: a text payload stamped with a process-wide sequence number.
package message

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ServerSender is the sender id carried by server-originated messages.
const ServerSender = "server"

var (
	// ErrAlreadyEncrypted is returned by Encrypt on a message holding ciphertext.
	ErrAlreadyEncrypted = errors.New("message already encrypted")
	// ErrNotEncrypted is returned by Decrypt on a message holding plaintext.
	ErrNotEncrypted = errors.New("message not encrypted")
)

// Cipher transforms message content. *codec.Codec satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

var sequence atomic.Uint64

// Message is one line of traffic. Seq, Timestamp and Sender are fixed at
// construction; content and its encryption flag change together under Encrypt
// and Decrypt.
//
// Invariant: IsEncrypted reports whether Content currently holds ciphertext.
type Message struct {
	seq       uint64
	timestamp time.Time
	sender    string

	mu        sync.Mutex
	content   string
	encrypted bool
}

// New returns a plaintext message from sender.
//
// Postcondition: Seq is strictly greater than every previously issued Seq.
func New(sender, content string) *Message {
	return &Message{
		seq:       sequence.Add(1),
		timestamp: time.Now(),
		sender:    sender,
		content:   content,
	}
}

// NewEncrypted returns a message whose content is ciphertext.
func NewEncrypted(sender, ciphertext string) *Message {
	m := New(sender, ciphertext)
	m.encrypted = true
	return m
}

// Seq returns the process-wide sequence number.
func (m *Message) Seq() uint64 { return m.seq }

// Timestamp returns the construction time.
func (m *Message) Timestamp() time.Time { return m.timestamp }

// Sender returns the id of the originating client, or ServerSender.
func (m *Message) Sender() string { return m.sender }

// Content returns the current payload.
func (m *Message) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content
}

// IsEncrypted reports whether Content is ciphertext.
func (m *Message) IsEncrypted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encrypted
}

// Encrypt replaces plaintext content with ciphertext.
//
// Postcondition: On error the message is unchanged. ErrAlreadyEncrypted is
// returned when the content is already ciphertext.
func (m *Message) Encrypt(c Cipher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.encrypted {
		return ErrAlreadyEncrypted
	}
	out, err := c.Encrypt(m.content)
	if err != nil {
		return fmt.Errorf("encrypting message %d: %w", m.seq, err)
	}
	m.content = out
	m.encrypted = true
	return nil
}

// Decrypt replaces ciphertext content with plaintext.
//
// Postcondition: On error the message is unchanged. ErrNotEncrypted is
// returned when the content is already plaintext.
func (m *Message) Decrypt(c Cipher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.encrypted {
		return ErrNotEncrypted
	}
	out, err := c.Decrypt(m.content)
	if err != nil {
		return fmt.Errorf("decrypting message %d: %w", m.seq, err)
	}
	m.content = out
	m.encrypted = false
	return nil
}

func (m *Message) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "plain"
	if m.encrypted {
		state = "encrypted"
	}
	return fmt.Sprintf("#%d %s %s %q", m.seq, m.sender, state, m.content)
}

// SortBySequence orders msgs by sequence number in place.
func SortBySequence(msgs []*Message) {
	slices.SortFunc(msgs, func(a, b *Message) int {
		return cmp.Compare(a.seq, b.seq)
	})
}
