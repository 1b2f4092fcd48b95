// Package keys manages device key material and the signed configuration
// bundles peers exchange to bootstrap a hybrid ratchet session: a
// long-lived identity key, a long-term Curve25519/ML-KEM-768 pair, and
// pools of one-time prekeys of each kind.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/nightglass/solace/internal/ratchet"
)

// ErrInvalidSignature is returned when a Signed payload fails verification.
var ErrInvalidSignature = errors.New("keys: invalid signature")

// ErrOneTimeKeyExhausted is returned when ConsumeOneTimeKey finds no
// one-time key of the requested kind left in a UserConfiguration.
var ErrOneTimeKeyExhausted = errors.New("keys: one-time key pool exhausted")

// ErrUnknownOneTimeKey is returned when a referenced one-time key id isn't
// present in a DeviceKeys bundle.
var ErrUnknownOneTimeKey = errors.New("keys: unknown one-time key id")

// replenishThreshold is the one-time-key pool size below which
// NeedsReplenishment reports true.
const replenishThreshold = 10

// OneTimePrekey is a single classical one-time prekey, identified by a
// ulid so ids sort by creation order.
type OneTimePrekey struct {
	ID        string            `bson:"id"`
	PublicKey ratchet.PublicKey `bson:"pub"`
}

// OneTimePQPrekey is a single post-quantum one-time prekey.
type OneTimePQPrekey struct {
	ID        string              `bson:"id"`
	PublicKey ratchet.PQPublicKey `bson:"pub"`
}

// DeviceKeys is the private key material for a single device: the
// identity signing key, the long-term hybrid key pair, and the one-time
// prekey pools the device has generated but not yet handed out.
type DeviceKeys struct {
	DeviceID string `bson:"device_id"`

	IdentityPrivateKey ed25519.PrivateKey `bson:"identity_priv"`

	LongTermPrivateKey ratchet.PrivateKey   `bson:"long_term_priv"`
	PQKemPrivateKey    ratchet.PQPrivateKey `bson:"pq_kem_priv"`
	PQKemKeyID         string               `bson:"pq_kem_key_id"`

	OneTimePrivateKeys   map[string]ratchet.PrivateKey   `bson:"one_time_privs"`
	OneTimePQPrivateKeys map[string]ratchet.PQPrivateKey `bson:"one_time_pq_privs"`
}

// UserConfiguration is the public bundle a device publishes for peers to
// resolve and consume when opening a session.
type UserConfiguration struct {
	DeviceID string `bson:"device_id"`

	IdentityPublicKey ed25519.PublicKey `bson:"identity_pub"`

	LongTermPublicKey ratchet.PublicKey   `bson:"long_term_pub"`
	PQKemPublicKey    ratchet.PQPublicKey `bson:"pq_kem_pub"`
	PQKemKeyID        string              `bson:"pq_kem_key_id"`

	OneTimePrekeys   []OneTimePrekey   `bson:"one_time_prekeys"`
	OneTimePQPrekeys []OneTimePQPrekey `bson:"one_time_pq_prekeys"`

	IssuedAt time.Time `bson:"issued_at"`
}

// Signed wraps an encoded payload with a detached ed25519 signature over
// that encoding, plus the signer's identity public key so a holder can
// verify without a separate lookup.
type Signed struct {
	Payload   []byte            `bson:"payload"`
	Signature []byte            `bson:"signature"`
	SignerKey ed25519.PublicKey `bson:"signer_key"`
}

// GenerateDeviceBundle creates a fresh DeviceKeys with oneTimeCount
// classical and PQ one-time prekeys.
func GenerateDeviceBundle(r ratchet.Ratchet, oneTimeCount int) (*DeviceKeys, error) {
	return GenerateDeviceBundleFrom(rand.Reader, r, oneTimeCount)
}

// GenerateDeviceBundleFrom is GenerateDeviceBundle with an explicit
// randomness source, for deterministic tests.
func GenerateDeviceBundleFrom(rnd io.Reader, r ratchet.Ratchet, oneTimeCount int) (*DeviceKeys, error) {
	_, identityPriv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return nil, fmt.Errorf("keys: generate identity key: %w", err)
	}
	longTerm, err := r.GenerateLongTerm(rnd)
	if err != nil {
		return nil, fmt.Errorf("keys: generate long-term key: %w", err)
	}
	pqPriv, err := r.GeneratePQKem(rnd)
	if err != nil {
		return nil, fmt.Errorf("keys: generate pq-kem key: %w", err)
	}

	dk := &DeviceKeys{
		DeviceID:             uuid.NewString(),
		IdentityPrivateKey:   identityPriv,
		LongTermPrivateKey:   longTerm,
		PQKemPrivateKey:      pqPriv,
		PQKemKeyID:           ulid.Make().String(),
		OneTimePrivateKeys:   make(map[string]ratchet.PrivateKey, oneTimeCount),
		OneTimePQPrivateKeys: make(map[string]ratchet.PQPrivateKey, oneTimeCount),
	}
	if err := replenish(rnd, r, dk, oneTimeCount); err != nil {
		return nil, err
	}
	return dk, nil
}

// replenish generates n additional one-time prekeys of both kinds.
func replenish(rnd io.Reader, r ratchet.Ratchet, dk *DeviceKeys, n int) error {
	for i := 0; i < n; i++ {
		ot, err := r.GenerateOneTime(rnd)
		if err != nil {
			return fmt.Errorf("keys: generate one-time key: %w", err)
		}
		dk.OneTimePrivateKeys[ulid.Make().String()] = ot

		pq, err := r.GeneratePQKem(rnd)
		if err != nil {
			return fmt.Errorf("keys: generate one-time pq-kem key: %w", err)
		}
		dk.OneTimePQPrivateKeys[ulid.Make().String()] = pq
	}
	return nil
}

// Rotate generates a fresh long-term hybrid key pair and replaces the
// device's current one. Callers are responsible for publishing the
// resulting UserConfiguration so peers pick up the change on their next
// DH ratchet step.
func (dk *DeviceKeys) Rotate(r ratchet.Ratchet) error {
	longTerm, err := r.GenerateLongTerm(rand.Reader)
	if err != nil {
		return fmt.Errorf("keys: rotate long-term key: %w", err)
	}
	pqPriv, err := r.GeneratePQKem(rand.Reader)
	if err != nil {
		return fmt.Errorf("keys: rotate pq-kem key: %w", err)
	}
	dk.LongTermPrivateKey = longTerm
	dk.PQKemPrivateKey = pqPriv
	dk.PQKemKeyID = ulid.Make().String()
	return nil
}

// NeedsReplenishment reports whether either one-time key pool has fallen
// below the replenishment threshold.
func (dk *DeviceKeys) NeedsReplenishment() bool {
	return len(dk.OneTimePrivateKeys) < replenishThreshold ||
		len(dk.OneTimePQPrivateKeys) < replenishThreshold
}

// Replenish adds count fresh one-time prekeys to each of the two one-time
// key pools.
func (dk *DeviceKeys) Replenish(r ratchet.Ratchet, count int) error {
	return replenish(rand.Reader, r, dk, count)
}

// Configuration derives the public UserConfiguration a device publishes
// for peers to resolve, snapshotting its current one-time prekey pools.
func (dk *DeviceKeys) Configuration(r ratchet.Ratchet) *UserConfiguration {
	return &UserConfiguration{
		DeviceID:          dk.DeviceID,
		IdentityPublicKey: dk.IdentityPrivateKey.Public().(ed25519.PublicKey),
		LongTermPublicKey: r.Public(dk.LongTermPrivateKey),
		PQKemPublicKey:    r.PQPublic(dk.PQKemPrivateKey),
		PQKemKeyID:        dk.PQKemKeyID,
		OneTimePrekeys:    dk.PublishableOneTimePrekeys(r),
		OneTimePQPrekeys:  dk.PublishableOneTimePQPrekeys(r),
		IssuedAt:          timeNow(),
	}
}

// timeNow exists so a later wire/test helper can substitute a fixed clock
// without touching every caller.
var timeNow = time.Now

// SignConfiguration builds the device's current UserConfiguration,
// BSON-encodes it, and produces a Signed envelope over that encoding
// using the device's identity key.
func SignConfiguration(dk *DeviceKeys, r ratchet.Ratchet) (*Signed, error) {
	cfg := dk.Configuration(r)

	payload, err := bson.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("keys: marshal configuration: %w", err)
	}
	sig := ed25519.Sign(dk.IdentityPrivateKey, payload)
	return &Signed{
		Payload:   payload,
		Signature: sig,
		SignerKey: dk.IdentityPrivateKey.Public().(ed25519.PublicKey),
	}, nil
}

// VerifyConfiguration checks the detached signature on s and, on success,
// BSON-decodes and returns the enclosed UserConfiguration.
func VerifyConfiguration(s *Signed) (*UserConfiguration, error) {
	if !ed25519.Verify(s.SignerKey, s.Payload, s.Signature) {
		return nil, ErrInvalidSignature
	}
	var cfg UserConfiguration
	if err := bson.Unmarshal(s.Payload, &cfg); err != nil {
		return nil, fmt.Errorf("keys: unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

// ConsumeOneTimeKey removes and returns one classical one-time prekey
// from cfg's advertised pool, along with its id, so the caller can record
// which key a session consumed. It does not mutate the signer's
// DeviceKeys — that happens separately when the signer itself consumes
// the matching private key via ConsumePrivateOneTimeKey.
func ConsumeOneTimeKey(cfg *UserConfiguration) (OneTimePrekey, error) {
	if len(cfg.OneTimePrekeys) == 0 {
		return OneTimePrekey{}, ErrOneTimeKeyExhausted
	}
	otk := cfg.OneTimePrekeys[0]
	cfg.OneTimePrekeys = cfg.OneTimePrekeys[1:]
	return otk, nil
}

// ConsumeOneTimePQKey is ConsumeOneTimeKey for the PQ-KEM one-time pool.
func ConsumeOneTimePQKey(cfg *UserConfiguration) (OneTimePQPrekey, error) {
	if len(cfg.OneTimePQPrekeys) == 0 {
		return OneTimePQPrekey{}, ErrOneTimeKeyExhausted
	}
	otk := cfg.OneTimePQPrekeys[0]
	cfg.OneTimePQPrekeys = cfg.OneTimePQPrekeys[1:]
	return otk, nil
}

// ConsumePrivateOneTimeKey removes and returns the private half of a
// one-time classical prekey the device is about to hand to a peer.
func (dk *DeviceKeys) ConsumePrivateOneTimeKey(id string) (ratchet.PrivateKey, error) {
	priv, ok := dk.OneTimePrivateKeys[id]
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}
	delete(dk.OneTimePrivateKeys, id)
	return priv, nil
}

// ConsumePrivateOneTimePQKey is ConsumePrivateOneTimeKey for the PQ-KEM
// one-time pool.
func (dk *DeviceKeys) ConsumePrivateOneTimePQKey(id string) (ratchet.PQPrivateKey, error) {
	priv, ok := dk.OneTimePQPrivateKeys[id]
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}
	delete(dk.OneTimePQPrivateKeys, id)
	return priv, nil
}

// PublishableOneTimePrekeys renders the device's current classical
// one-time private key pool down to the public ids a UserConfiguration
// advertises, using r to derive each public key.
func (dk *DeviceKeys) PublishableOneTimePrekeys(r ratchet.Ratchet) []OneTimePrekey {
	out := make([]OneTimePrekey, 0, len(dk.OneTimePrivateKeys))
	for id, priv := range dk.OneTimePrivateKeys {
		out = append(out, OneTimePrekey{ID: id, PublicKey: r.Public(priv)})
	}
	return out
}

// PublishableOneTimePQPrekeys is PublishableOneTimePrekeys for the PQ-KEM
// one-time pool.
func (dk *DeviceKeys) PublishableOneTimePQPrekeys(r ratchet.Ratchet) []OneTimePQPrekey {
	out := make([]OneTimePQPrekey, 0, len(dk.OneTimePQPrivateKeys))
	for id, priv := range dk.OneTimePQPrivateKeys {
		out = append(out, OneTimePQPrekey{ID: id, PublicKey: r.PQPublic(priv)})
	}
	return out
}
