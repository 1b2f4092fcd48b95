package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/nightglass/solace/internal/cache"
	"github.com/nightglass/solace/internal/envelope"
	"github.com/nightglass/solace/internal/jobqueue"
	"github.com/nightglass/solace/internal/keys"
	"github.com/nightglass/solace/internal/ratchet"
	"github.com/nightglass/solace/internal/wire"
)

// InboundTask enqueues a freshly received signed message for decryption.
func (o *Orchestrator) InboundTask(ctx context.Context, signed wire.SignedRatchetMessage, meta wire.SignedRatchetMessageMetadata) error {
	inbound := wire.InboundTaskMessage{Signed: signed, Metadata: meta, SharedMessageID: meta.SharedMessageID}
	_, err := o.queue.FeedTask(ctx, jobqueue.EncryptableTask{
		Kind:          jobqueue.TaskStreamMessage,
		StreamMessage: &inbound,
	})
	return err
}

// DecryptInbound implements jobqueue.Handler: verify, decrypt, and
// (optionally) persist one inbound message, then notify the receiver
// delegate.
func (o *Orchestrator) DecryptInbound(ctx context.Context, task wire.InboundTaskMessage) error {
	id, env, props, err := o.findOrFetchSenderIdentity(ctx, task.Metadata.SecretName, task.Metadata.DeviceID)
	if err != nil {
		return jobqueue.Permanent(fmt.Errorf("%w: %v", ErrMissingIdentity, err))
	}

	if !ed25519.Verify(props.SigningPublicKey, task.Signed.Data, task.Signed.Signature) {
		refreshed, rerr := o.refreshSignerKey(ctx, task.Metadata.SecretName, task.Metadata.DeviceID)
		if rerr != nil || !ed25519.Verify(refreshed, task.Signed.Data, task.Signed.Signature) {
			return jobqueue.Permanent(ErrInvalidSignature)
		}
		props.SigningPublicKey = refreshed
	}

	message, err := decodeMessage(task.Signed.Data)
	if err != nil {
		return jobqueue.Permanent(fmt.Errorf("session: decode message: %w", err))
	}

	var sess *ratchet.Session
	if props.State == nil {
		local, consumedCurveID, consumedPQID := o.localKeysForHeader(message.Header)
		sess, err = ratchet.RecipientInit(o.ratchet, local, message.Header)
		if err != nil {
			return fmt.Errorf("session: recipient init: %w", err)
		}
		o.deleteConsumedOneTimeKeys(o.secretName, consumedCurveID, consumedPQID)
	} else {
		sess = ratchet.Resume(o.ratchet, props.State)
	}

	plaintext, err := sess.Open(rand.Reader, message, nil)
	if err != nil {
		return jobqueue.Permanent(fmt.Errorf("session: open: %w", err))
	}

	var crypto wire.CryptoMessage
	if err := bson.Unmarshal(plaintext, &crypto); err != nil {
		return jobqueue.Permanent(fmt.Errorf("session: unmarshal message: %w", err))
	}

	props.State = sess.State()
	if err := o.putIdentity(ctx, id, env, props); err != nil {
		return fmt.Errorf("session: persist identity: %w", err)
	}

	if task.Metadata.SynchronizationKeyIDs != nil {
		o.consumeSynchronizationKeys(*task.Metadata.SynchronizationKeyIDs)
	}

	if o.delegate == nil || o.delegate.ShouldPersist(crypto, task.Metadata) {
		if err := o.persistIncoming(ctx, task.Metadata, crypto); err != nil {
			o.log.Warnw("session: persist incoming message failed", "error", err)
		}
	}

	if o.recvDelegate != nil {
		o.recvDelegate.CreatedMessage(ctx, crypto, task.Metadata)
	}
	return nil
}

func (o *Orchestrator) findOrFetchSenderIdentity(ctx context.Context, secretName, deviceID string) (string, *envelope.Envelope[IdentityProps], IdentityProps, error) {
	o.mu.Lock()
	id, ok := o.byPeer[peerKey(secretName, deviceID)]
	o.mu.Unlock()
	if ok {
		env, _ := o.identityEnv(id)
		props, err := env.Props()
		if err != nil {
			return "", nil, IdentityProps{}, err
		}
		return id, env, props, nil
	}

	ids, err := o.resolveOrFetchIdentities(ctx, secretName)
	if err != nil {
		return "", nil, IdentityProps{}, err
	}
	for _, candidate := range ids {
		env, _ := o.identityEnv(candidate)
		props, err := env.Props()
		if err == nil && props.DeviceID == deviceID {
			return candidate, env, props, nil
		}
	}
	return "", nil, IdentityProps{}, fmt.Errorf("device %s not found for %s", deviceID, secretName)
}

func (o *Orchestrator) refreshSignerKey(ctx context.Context, secretName, deviceID string) (ed25519.PublicKey, error) {
	signed, err := o.transport.FindConfiguration(ctx, secretName)
	if err != nil {
		return nil, err
	}
	cfg, err := keys.VerifyConfiguration(signed)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceID != deviceID {
		return nil, fmt.Errorf("session: configuration device mismatch")
	}
	return ed25519.PublicKey(cfg.IdentityPublicKey), nil
}

// localKeysForHeader resolves the local private keys matching the one-time
// key ids the sender consumed from our published configuration, per
// header.OneTimeKeyID and header.PQKemOneTimeKeyID — not an arbitrary pool
// entry, since the sender's DH and encapsulation were computed against those
// specific published public keys. It also reports which ids it actually
// consumed from the one-time pools (empty if the header named none, or
// named the persistent PQ-KEM fallback rather than a pool entry), so the
// caller knows which published public keys to ask the transport to drop.
func (o *Orchestrator) localKeysForHeader(header ratchet.Header) (local ratchet.LocalKeys, consumedCurveID, consumedPQID string) {
	local.LongTermPrivateKey = o.dk.LongTermPrivateKey
	local.PQKemPrivateKey = o.dk.PQKemPrivateKey
	local.PQKemKeyID = o.dk.PQKemKeyID

	if header.OneTimeKeyID != "" {
		priv, err := o.dk.ConsumePrivateOneTimeKey(header.OneTimeKeyID)
		if err != nil {
			o.log.Warnw("session: local one-time curve key not found for header", "id", header.OneTimeKeyID, "error", err)
		} else {
			local.OneTimePrivateKey = priv
			local.OneTimeKeyID = header.OneTimeKeyID
			consumedCurveID = header.OneTimeKeyID
		}
	}

	if header.PQKemOneTimeKeyID != "" && header.PQKemOneTimeKeyID != o.dk.PQKemKeyID {
		priv, err := o.dk.ConsumePrivateOneTimePQKey(header.PQKemOneTimeKeyID)
		if err != nil {
			o.log.Warnw("session: local one-time pq-kem key not found for header", "id", header.PQKemOneTimeKeyID, "error", err)
		} else {
			local.PQKemPrivateKey = priv
			local.PQKemKeyID = header.PQKemOneTimeKeyID
			consumedPQID = header.PQKemOneTimeKeyID
		}
	}

	return local, consumedCurveID, consumedPQID
}

func (o *Orchestrator) consumeSynchronizationKeys(sync wire.SynchronizationKeyIdentities) {
	if sync.RecipientCurveID != "" {
		if _, err := o.dk.ConsumePrivateOneTimeKey(sync.RecipientCurveID); err != nil {
			o.log.Debugw("session: local one-time curve key already consumed", "id", sync.RecipientCurveID)
		}
	}
	if sync.RecipientMLKEMID != "" {
		if _, err := o.dk.ConsumePrivateOneTimePQKey(sync.RecipientMLKEMID); err != nil {
			o.log.Debugw("session: local one-time mlkem key already consumed", "id", sync.RecipientMLKEMID)
		}
	}
}

func (o *Orchestrator) persistIncoming(ctx context.Context, meta wire.SignedRatchetMessageMetadata, msg wire.CryptoMessage) error {
	commID := meta.SecretName
	switch {
	case meta.Recipient.Kind == wire.RecipientChannel:
		commID = meta.Recipient.Channel
	case meta.Recipient.Kind == wire.RecipientNickname && meta.SecretName == o.secretName:
		// Sent by one of our own devices: the thread is named after the
		// other party, not after ourselves.
		commID = meta.Recipient.Name
	}
	env, err := envelope.New(o.key, MessageProps{Communication: commID, Message: msg, DeliveryState: DeliveryReceived})
	if err != nil {
		return err
	}
	return o.cache.CreateMessage(ctx, cache.MessageRecord{ID: ulid.Make().String(), Ciphertext: env.Ciphertext()})
}
