package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrNotUTF8 is returned when plaintext is not valid UTF-8.
	ErrNotUTF8 = errors.New("codec: text is not valid UTF-8")

	errBlockSize = errors.New("ciphertext is not a whole number of blocks")
	errPadding   = errors.New("invalid PKCS7 padding")
)

// DecryptError reports that a payload could not be turned back into
// plaintext: malformed Base64, a truncated block, bad padding, or a wrong key.
type DecryptError struct {
	Err error
}

func (e *DecryptError) Error() string {
	return "decrypting payload: " + e.Err.Error()
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Codec encrypts and decrypts text under one fixed Params value.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	block cipher.Block
	iv    []byte
	fp    string
}

// New builds a Codec from p. The key material is copied.
//
// Postcondition: Returns a ready Codec, or an error if p is invalid.
func New(p Params) (*Codec, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(p.Key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return &Codec{
		block: block,
		iv:    append([]byte(nil), p.IV...),
		fp:    p.Fingerprint(),
	}, nil
}

// Fingerprint identifies the key material this codec was built from.
func (c *Codec) Fingerprint() string { return c.fp }

// Encrypt returns the Base64 ciphertext of plaintext. Empty input yields
// empty output.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if !utf8.ValidString(plaintext) {
		return "", ErrNotUTF8
	}
	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Every failure is reported as a *DecryptError;
// the input is never passed through as if it were plaintext.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptError{Err: fmt.Errorf("base64: %w", err)}
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", &DecryptError{Err: errBlockSize}
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, raw)
	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", &DecryptError{Err: err}
	}
	if !utf8.Valid(plain) {
		return "", &DecryptError{Err: ErrNotUTF8}
	}
	return string(plain), nil
}

// Encrypt is a one-shot helper that builds a Codec from p.
func Encrypt(plaintext string, p Params) (string, error) {
	c, err := New(p)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// Decrypt is a one-shot helper that builds a Codec from p.
func Decrypt(ciphertext string, p Params) (string, error) {
	c, err := New(p)
	if err != nil {
		return "", err
	}
	return c.Decrypt(ciphertext)
}

// LooksEncrypted reports whether text decodes as standard Base64.
// Any plaintext that happens to be valid Base64 ("PING", "abcd") is
// misclassified; FramingPrefix avoids the guess entirely.
func LooksEncrypted(text string) bool {
	if text == "" || len(text)%4 != 0 {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(text)
	return err == nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errPadding
		}
	}
	return b[:len(b)-n], nil
}
