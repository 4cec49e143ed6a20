// Package codec provides the symmetric payload cipher shared by the server
// and its clients: AES-256-CBC with PKCS7 padding, Base64 on the wire.
package codec

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialisation vector length in bytes.
	IVSize = aes.BlockSize
)

var (
	// ErrInvalidKey is returned when a key is not exactly KeySize bytes.
	ErrInvalidKey = fmt.Errorf("codec: key must be %d bytes", KeySize)
	// ErrInvalidIV is returned when an IV is not exactly IVSize bytes.
	ErrInvalidIV = fmt.Errorf("codec: iv must be %d bytes", IVSize)
	// ErrEmptyPassphrase is returned by DeriveParams for an empty passphrase.
	ErrEmptyPassphrase = errors.New("codec: passphrase must not be empty")
)

// Fixed fallback pair used when no key material is configured. Both ends of a
// connection ship with it, so it offers no secrecy against anyone who has the
// client binary.
var (
	defaultKey = []byte("msgcore-default-key-0123456789ab")
	defaultIV  = []byte("msgcore-iv-00000")
)

// argon2id cost parameters for passphrase derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Params is the key material shared by Encrypt and Decrypt. Ciphertext
// produced under one Params value is only recoverable with an equal one.
type Params struct {
	Key []byte
	IV  []byte
}

// DefaultParams returns a copy of the built-in key/IV pair.
func DefaultParams() Params {
	return Params{
		Key: append([]byte(nil), defaultKey...),
		IV:  append([]byte(nil), defaultIV...),
	}
}

// Validate reports whether the key and IV have the required lengths.
func (p Params) Validate() error {
	if len(p.Key) != KeySize {
		return fmt.Errorf("%w: got %d", ErrInvalidKey, len(p.Key))
	}
	if len(p.IV) != IVSize {
		return fmt.Errorf("%w: got %d", ErrInvalidIV, len(p.IV))
	}
	return nil
}

// Clone returns a deep copy so the caller may Zero its own copy independently.
func (p Params) Clone() Params {
	return Params{
		Key: append([]byte(nil), p.Key...),
		IV:  append([]byte(nil), p.IV...),
	}
}

// Zero overwrites the key and IV bytes in place.
func (p Params) Zero() {
	clear(p.Key)
	clear(p.IV)
}

// Equal reports whether both params hold the same key material.
func (p Params) Equal(other Params) bool {
	return string(p.Key) == string(other.Key) && string(p.IV) == string(other.IV)
}

// Fingerprint returns a short, non-reversible identifier of the key material
// suitable for logs.
func (p Params) Fingerprint() string {
	h := sha256.New()
	h.Write(p.Key)
	h.Write(p.IV)
	return hex.EncodeToString(h.Sum(nil)[:4])
}

// EncodedKey returns the key as standard Base64.
func (p Params) EncodedKey() string { return base64.StdEncoding.EncodeToString(p.Key) }

// EncodedIV returns the IV as standard Base64.
func (p Params) EncodedIV() string { return base64.StdEncoding.EncodeToString(p.IV) }

// ParseParams decodes a Base64 key and IV and validates their lengths.
//
// Postcondition: Returns valid Params or a non-nil error.
func ParseParams(key, iv string) (Params, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Params{}, fmt.Errorf("decoding key: %w", err)
	}
	v, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return Params{}, fmt.Errorf("decoding iv: %w", err)
	}
	p := Params{Key: k, IV: v}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// GenerateKey returns KeySize cryptographically random bytes.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeySize)
}

// GenerateIV returns IVSize cryptographically random bytes.
func GenerateIV() ([]byte, error) {
	return randomBytes(IVSize)
}

// GenerateParams returns a fresh random key/IV pair for session rotation.
func GenerateParams() (Params, error) {
	key, err := GenerateKey()
	if err != nil {
		return Params{}, err
	}
	iv, err := GenerateIV()
	if err != nil {
		return Params{}, err
	}
	return Params{Key: key, IV: iv}, nil
}

// DeriveParams stretches a shared passphrase into a key/IV pair with argon2id.
// The same passphrase and salt always yield the same Params, so operators can
// configure both ends without distributing raw key bytes.
//
// Precondition: passphrase must be non-empty.
func DeriveParams(passphrase, salt []byte) (Params, error) {
	if len(passphrase) == 0 {
		return Params{}, ErrEmptyPassphrase
	}
	out := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeySize+IVSize)
	return Params{Key: out[:KeySize:KeySize], IV: out[KeySize:]}, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}
