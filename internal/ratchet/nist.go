package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"
)

// hybridNIST implements Ratchet using a NIST curve for the classical
// Diffie-Hellman terms, ML-KEM-768 for the post-quantum term, 256-bit
// AES-GCM for message sealing, and HKDF/HMAC with the provided hash.
//
// It is kept alongside hybridDJB as an alternate classical primitive; the
// session orchestrator defaults to DJB (Curve25519) but nothing prevents a
// deployment pinned to a NIST curve from using this one instead.
type hybridNIST struct {
	// curve is the underlying curve.
	curve elliptic.Curve
	// hash is the underlying hash.
	hash func() hash.Hash
	// mkInfo is the HKDF info used when deriving message keys.
	mkInfo []byte
	// rkInfo is the HKDF info used when deriving root keys.
	rkInfo []byte
}

var _ Ratchet = (*hybridNIST)(nil)

// NIST creates a Ratchet using a NIST curve + ML-KEM-768, 256-bit
// AES-GCM, and HKDF/HMAC with the provided hash function.
//
// The namespace is used to bind keys to a particular application or
// context.
func NIST(curve elliptic.Curve, hash func() hash.Hash, namespace string) Ratchet {
	return &hybridNIST{
		curve:  curve,
		hash:   hash,
		mkInfo: []byte(namespace + "MessageKeys"),
		rkInfo: []byte(namespace + "Ratchet"),
	}
}

// privLen returns the size in bytes of a private key on the underlying
// curve.
func (n *hybridNIST) privLen() int {
	return (n.curve.Params().BitSize + 7) / 8
}

// pubLen returns the size in bytes of a public key on the underlying
// curve, in ANSI X9.62 uncompressed form.
func (n *hybridNIST) pubLen() int {
	return 1 + 2*n.privLen()
}

// keyPairLen returns the size in bytes of a key pair on the underlying
// curve.
func (n *hybridNIST) keyPairLen() int {
	return n.privLen() + n.pubLen()
}

// secretLen returns the size in bytes of a Diffie-Hellman value on the
// underlying curve.
func (n *hybridNIST) secretLen() int {
	return n.privLen()
}

func (n *hybridNIST) generate(r io.Reader) (PrivateKey, error) {
	priv, x, y, err := elliptic.GenerateKey(n.curve, r)
	if err != nil {
		return nil, err
	}
	pub := elliptic.Marshal(n.curve, x, y)
	key := make([]byte, n.keyPairLen())
	copy(key[0:n.privLen()], priv)
	copy(key[n.privLen():], pub)
	return key, nil
}

func (n *hybridNIST) GenerateLongTerm(r io.Reader) (PrivateKey, error) { return n.generate(r) }
func (n *hybridNIST) GenerateOneTime(r io.Reader) (PrivateKey, error)  { return n.generate(r) }

func (n *hybridNIST) Public(priv PrivateKey) PublicKey {
	if len(priv) != n.keyPairLen() {
		panic("ratchet: invalid key pair size: " + strconv.Itoa(len(priv)))
	}
	return append(PublicKey(nil), priv[n.privLen():]...)
}

func (n *hybridNIST) DH(priv PrivateKey, pub PublicKey) ([]byte, error) {
	if len(priv) != n.keyPairLen() {
		panic("ratchet: invalid key pair size: " + strconv.Itoa(len(priv)))
	}
	if len(pub) != n.pubLen() {
		panic("ratchet: invalid public key size: " + strconv.Itoa(len(pub)))
	}

	x, y := elliptic.Unmarshal(n.curve, pub)
	if x == nil {
		return nil, errors.New("ratchet: invalid public key")
	}
	k := priv[:n.privLen()]

	secret, _ := n.curve.ScalarMult(x, y, k)
	dh := make([]byte, n.secretLen())
	secret.FillBytes(dh)
	return dh, nil
}

func (n *hybridNIST) GeneratePQKem(r io.Reader) (PQPrivateKey, error) {
	scheme := mlkem768.Scheme()
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ratchet: mlkem768 keygen: %w", err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(append(PQPrivateKey(nil), privBytes...), pubBytes...), nil
}

func (hybridNIST) splitPQKeyPair(priv PQPrivateKey) (privBytes, pubBytes []byte) {
	scheme := mlkem768.Scheme()
	n := scheme.PrivateKeySize()
	if len(priv) < n {
		panic("ratchet: invalid pq key pair size: " + strconv.Itoa(len(priv)))
	}
	return priv[:n], priv[n:]
}

func (n *hybridNIST) PQPublic(priv PQPrivateKey) PQPublicKey {
	_, pubBytes := n.splitPQKeyPair(priv)
	return append(PQPublicKey(nil), pubBytes...)
}

func (n *hybridNIST) Encapsulate(r io.Reader, pub PQPublicKey) (ct, ss []byte, err error) {
	scheme := mlkem768.Scheme()
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: unmarshal pq public key: %w", err)
	}
	ct, ss, err = scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: encapsulate: %w", err)
	}
	return ct, ss, nil
}

func (n *hybridNIST) Decapsulate(priv PQPrivateKey, ct []byte) ([]byte, error) {
	scheme := mlkem768.Scheme()
	privBytes, _ := n.splitPQKeyPair(priv)
	sk, err := scheme.UnmarshalBinaryPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("ratchet: unmarshal pq private key: %w", err)
	}
	ss, err := scheme.Decapsulate(sk, ct)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decapsulate: %w", err)
	}
	return ss, nil
}

func (n *hybridNIST) KDFrk(rk RootKey, combined []byte) (RootKey, ChainKey) {
	buf := make([]byte, 2*32)
	h := hkdf.New(n.hash, combined, rk, n.rkInfo)
	if _, err := io.ReadFull(h, buf); err != nil {
		panic(err)
	}
	return buf[0:32:32], buf[32 : 2*32 : 2*32]
}

func (n *hybridNIST) KDFrootInit(combined []byte) (RootKey, ChainKey, ChainKey) {
	buf := make([]byte, 3*32)
	h := hkdf.New(n.hash, combined, nil, n.rkInfo)
	if _, err := io.ReadFull(h, buf); err != nil {
		panic(err)
	}
	return buf[0:32:32], buf[32:64:64], buf[64:96:96]
}

func (n *hybridNIST) KDFck(ck ChainKey) (ChainKey, MessageKey) {
	h := hmac.New(n.hash, ck)

	const (
		ckConst = 0x02
		mkConst = 0x01
	)

	h.Write([]byte{ckConst})
	ck = h.Sum(nil)

	h.Reset()
	h.Write([]byte{mkConst})
	mk := h.Sum(nil)

	return ck, mk
}

// derive derives a 256-bit AES-GCM key and 96-bit AES-GCM nonce.
func (n *hybridNIST) derive(ikm []byte) (key, nonce []byte) {
	buf := make([]byte, 32+12)
	h := hkdf.New(n.hash, ikm, nil, n.mkInfo)
	if _, err := io.ReadFull(h, buf); err != nil {
		panic(err)
	}
	return buf[0:32:32], buf[32 : 32+12 : 32+12]
}

func (n *hybridNIST) Seal(key MessageKey, _ int, plaintext, additionalData []byte) []byte {
	if len(key) != 32 {
		panic("ratchet: invalid message key size: " + strconv.Itoa(len(key)))
	}

	key, nonce := n.derive(key)
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}

	return aead.Seal(nil, nonce, plaintext, additionalData)
}

func (n *hybridNIST) Open(key MessageKey, _ int, ciphertext, additionalData []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("ratchet: invalid message key size: %d", len(key))
	}
	key, nonce := n.derive(key)
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, nonce, ciphertext, additionalData)
}

func (hybridNIST) Concat(additionalData []byte, h Header) []byte {
	return Concat(additionalData, h)
}
