// Package envelope implements the secure object envelope pattern used to
// persist model state: a struct's fields ("props") are BSON-encoded,
// sealed with XChaCha20-Poly1305, and only ever held in memory as
// ciphertext between reads. Every read-modify-write goes through Modify,
// which holds the envelope's mutex for the whole round trip so concurrent
// callers never observe a half-applied update.
package envelope

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope holds a BSON-encoded, AEAD-sealed value of type P at rest.
// The zero value is not usable; construct one with New or
// MakeDecryptedModel.
type Envelope[P any] struct {
	mu         sync.Mutex
	key        []byte
	ciphertext []byte
}

// additionalData is empty: the persisted object envelope format has no
// associated data of its own, matching the at-rest wire contract.
var additionalData = []byte(nil)

// New creates an Envelope holding props, sealed under key. key must be
// chacha20poly1305.KeySize bytes.
func New[P any](key []byte, props P) (*Envelope[P], error) {
	e := &Envelope[P]{key: append([]byte(nil), key...)}
	if err := e.encrypt(props); err != nil {
		return nil, err
	}
	return e, nil
}

// MakeDecryptedModel wraps an existing ciphertext (as persisted by a
// Cache) in an Envelope without decoding it; the first DecryptProps call
// performs the actual decode.
func MakeDecryptedModel[P any](key, ciphertext []byte) *Envelope[P] {
	return &Envelope[P]{
		key:        append([]byte(nil), key...),
		ciphertext: append([]byte(nil), ciphertext...),
	}
}

// Ciphertext returns the envelope's current sealed bytes, suitable for
// handing to a Cache.
func (e *Envelope[P]) Ciphertext() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.ciphertext...)
}

// Props decrypts and decodes the envelope's current value. It is an alias
// for DecryptProps kept for call sites that read more naturally without
// the verb.
func (e *Envelope[P]) Props() (P, error) {
	return e.DecryptProps()
}

// DecryptProps decrypts and BSON-decodes the envelope's current value.
func (e *Envelope[P]) DecryptProps() (P, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decryptLocked()
}

// UpdateProps replaces the envelope's value wholesale and re-encrypts it.
func (e *Envelope[P]) UpdateProps(props P) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encrypt(props)
}

// Modify decrypts the current value, applies fn to a pointer to it, and
// re-encrypts the result, all under the envelope's lock. fn returning an
// error aborts the update: the envelope's ciphertext is left unchanged.
func (e *Envelope[P]) Modify(fn func(*P) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	props, err := e.decryptLocked()
	if err != nil {
		return err
	}
	if err := fn(&props); err != nil {
		return err
	}
	return e.encrypt(props)
}

func (e *Envelope[P]) decryptLocked() (P, error) {
	var zero P
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return zero, fmt.Errorf("envelope: new aead: %w", err)
	}
	if len(e.ciphertext) < aead.NonceSize() {
		return zero, fmt.Errorf("envelope: ciphertext too short")
	}
	nonce, ct := e.ciphertext[:aead.NonceSize()], e.ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return zero, fmt.Errorf("envelope: open: %w", err)
	}
	defer wipe(plaintext)

	var props P
	if err := bson.Unmarshal(plaintext, &props); err != nil {
		return zero, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return props, nil
}

// encrypt must be called with e.mu held.
func (e *Envelope[P]) encrypt(props P) error {
	plaintext, err := bson.Marshal(props)
	if err != nil {
		return fmt.Errorf("envelope: marshal: %w", err)
	}
	defer wipe(plaintext)

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return fmt.Errorf("envelope: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("envelope: nonce: %w", err)
	}
	e.ciphertext = aead.Seal(nonce, nonce, plaintext, additionalData)
	return nil
}

func wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
