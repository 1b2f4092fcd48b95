package session

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/nightglass/solace/internal/ratchet"
	"github.com/nightglass/solace/internal/wire"
)

// Sentinel errors surfaced by the orchestrator. Permanent ones are wrapped
// with jobqueue.Permanent at the job-loop boundary so the queue deletes
// rather than retries the job that raised them.
var (
	ErrMissingIdentity           = errors.New("session: missing identity")
	ErrInvalidSignature          = errors.New("session: invalid signature")
	ErrBroadcastNotImplemented   = errors.New("session: broadcast recipient not implemented")
	ErrInvalidMemberCount        = errors.New("session: channel requires at least 3 members")
	ErrInvalidOperatorCount      = errors.New("session: channel requires at least 1 operator")
	ErrMissingChannelInfo        = errors.New("session: channel recipient with no existing channel requires ChannelInfo")
)

// IdentityProps is the encrypted payload of one peer device's
// SessionIdentity: everything the ratchet needs to talk to that device,
// plus the established ratchet state once a session exists.
type IdentityProps struct {
	SecretName        string              `bson:"sn"`
	DeviceID          string              `bson:"di"`
	SigningPublicKey  ed25519.PublicKey   `bson:"spk"`
	LongTermPublicKey ratchet.PublicKey   `bson:"ltpk"`
	OneTimePublicKey  ratchet.PublicKey   `bson:"otpk,omitempty"`
	OneTimeKeyID      string              `bson:"otid,omitempty"`
	PQKemPublicKey    ratchet.PQPublicKey `bson:"pqpk"`
	PQKemKeyID        string              `bson:"pqid"`
	IsMasterDevice    bool                `bson:"master"`
	State             *ratchet.State      `bson:"state,omitempty"`
}

// CommunicationProps is the encrypted payload of one communication model
// (a direct-message thread or a channel).
type CommunicationProps struct {
	Kind         wire.RecipientKind `bson:"k"`
	Name         string             `bson:"n"`
	Members      []string           `bson:"m,omitempty"`
	Operators    []string           `bson:"o,omitempty"`
	MessageCount int                `bson:"mc"`
}

// MessageProps is the encrypted payload of one persisted message.
type MessageProps struct {
	Communication string            `bson:"com"`
	Message       wire.CryptoMessage `bson:"msg"`
	DeliveryState DeliveryState      `bson:"ds"`
}

type DeliveryState int

const (
	DeliverySending DeliveryState = iota
	DeliveryReceived
)

// SessionDelegate lets the embedding application steer per-recipient
// behavior without the orchestrator depending on a concrete type.
type SessionDelegate interface {
	// RetrieveUserInfo resolves transportInfo to a specific device id to
	// target, when the caller wants to address one device rather than
	// every resolved device on the account. ok is false to keep every
	// resolved identity as a target; Send applies no other device filter
	// (IsMasterDevice is not consulted).
	RetrieveUserInfo(transportInfo []byte) (deviceID string, ok bool)
	// RewriteMetadata lets the delegate adjust a message's metadata for
	// one specific recipient identity before it is sealed.
	RewriteMetadata(msg *wire.CryptoMessage, identity IdentityProps)
	// ShouldPersist decides whether a successfully decrypted inbound
	// message should be written to the communication/message cache.
	ShouldPersist(msg wire.CryptoMessage, meta wire.SignedRatchetMessageMetadata) bool
}

// ReceiverDelegate is notified of events the orchestrator produces while
// processing inbound traffic.
type ReceiverDelegate interface {
	CreatedMessage(ctx context.Context, msg wire.CryptoMessage, meta wire.SignedRatchetMessageMetadata)
	UpdatedCommunication(ctx context.Context, communicationID string)
	CreatedChannel(ctx context.Context, info wire.ChannelInfo)
}

func peerKey(secretName, deviceID string) string {
	return secretName + "\x00" + deviceID
}
