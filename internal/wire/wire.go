// Package wire defines the on-the-wire and on-disk message shapes shared
// across the job queue, session orchestrator, and transport boundary.
// Persisted envelope props use short, abbreviated BSON tags (one to three
// letters); these exact strings are part of the storage format and must
// not change.
package wire

import "time"

// Recipient is a tagged union over where a CryptoMessage is headed.
// Exactly one field is meaningful, selected by Kind.
type Recipient struct {
	Kind    RecipientKind `bson:"k"`
	Name    string        `bson:"n,omitempty"`
	Channel string        `bson:"c,omitempty"`
}

type RecipientKind int

const (
	RecipientPersonal RecipientKind = iota
	RecipientNickname
	RecipientChannel
	RecipientBroadcast
)

func Personal() Recipient                    { return Recipient{Kind: RecipientPersonal} }
func Nickname(name string) Recipient         { return Recipient{Kind: RecipientNickname, Name: name} }
func ChannelRecipient(name string) Recipient { return Recipient{Kind: RecipientChannel, Channel: name} }
func Broadcast() Recipient                   { return Recipient{Kind: RecipientBroadcast} }

// ChannelInfo describes a channel's membership at creation time.
type ChannelInfo struct {
	Name      string   `bson:"n"`
	Members   []string `bson:"m"`
	Operators []string `bson:"o"`
}

// CryptoMessage is the plaintext payload sealed by the ratchet. It is
// immutable after sealing except for Metadata, which the orchestrator may
// rewrite per-recipient before encryption.
type CryptoMessage struct {
	Text            string            `bson:"t"`
	Metadata        map[string][]byte `bson:"m,omitempty"`
	Recipient       Recipient         `bson:"r"`
	TransportInfo   []byte            `bson:"ti,omitempty"`
	SentDate        time.Time         `bson:"sd"`
	DestructionTime *time.Time        `bson:"dt,omitempty"`
	UpdatedDate     *time.Time        `bson:"ud,omitempty"`
	ChannelInfo     *ChannelInfo      `bson:"ci,omitempty"`
}

// SynchronizationKeyIdentities records which one-time keys a ratchet
// handshake consumed, so the peer can clean up the matching ids on its
// side once the message decrypts.
type SynchronizationKeyIdentities struct {
	SenderCurveID     string `bson:"sc,omitempty"`
	SenderMLKEMID     string `bson:"sm,omitempty"`
	RecipientCurveID  string `bson:"rc,omitempty"`
	RecipientMLKEMID  string `bson:"rm,omitempty"`
}

// SignedRatchetMessage is the wire envelope carrying one ratchet message:
// the binary-encoded RatchetMessage plus a detached signature over it.
type SignedRatchetMessage struct {
	Data      []byte `bson:"d"`
	Signature []byte `bson:"s"`
}

// SignedRatchetMessageMetadata travels alongside a SignedRatchetMessage so
// the transport and receiving orchestrator can route and attribute it
// without decrypting anything.
type SignedRatchetMessageMetadata struct {
	SecretName        string                        `bson:"sn"`
	DeviceID          string                        `bson:"di"`
	Recipient         Recipient                     `bson:"r"`
	TransportMetadata map[string][]byte             `bson:"tm,omitempty"`
	SharedMessageID   string                        `bson:"smi"`
	SynchronizationKeyIDs *SynchronizationKeyIdentities `bson:"sk,omitempty"`
}

// OutboundTaskMessage is the payload of a writeMessage job: the plaintext
// CryptoMessage to seal and sign for one resolved recipient identity.
type OutboundTaskMessage struct {
	RecipientIdentityID string        `bson:"rid"`
	Message             CryptoMessage `bson:"msg"`
	NeedsRotation       bool          `bson:"nr,omitempty"`
}

// InboundTaskMessage is the payload of a streamMessage job: a signed
// message received from the transport, not yet decrypted.
type InboundTaskMessage struct {
	Signed          SignedRatchetMessage         `bson:"sg"`
	Metadata        SignedRatchetMessageMetadata `bson:"md"`
	SharedMessageID string                       `bson:"smi"`
}
