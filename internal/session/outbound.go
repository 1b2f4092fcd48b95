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
	"github.com/nightglass/solace/internal/transport"
	"github.com/nightglass/solace/internal/wire"
)

// Send implements the outbound pipeline: resolve recipient identities,
// optionally persist the message, and enqueue one ratchet job per
// resolved identity.
func (o *Orchestrator) Send(ctx context.Context, msg wire.CryptoMessage, recipient wire.Recipient, shouldPersist bool) error {
	msg.Recipient = recipient

	var targets []string
	switch recipient.Kind {
	case wire.RecipientPersonal:
		ids, err := o.identitiesForSecretName(ctx, o.secretName)
		if err != nil {
			return err
		}
		targets = ids
	case wire.RecipientNickname:
		ids, err := o.resolveOrFetchIdentities(ctx, recipient.Name)
		if err != nil {
			return err
		}
		targets = ids
	case wire.RecipientChannel:
		ids, err := o.resolveChannel(ctx, recipient.Channel, msg.ChannelInfo)
		if err != nil {
			return err
		}
		targets = ids
	case wire.RecipientBroadcast:
		return ErrBroadcastNotImplemented
	}

	if o.delegate != nil {
		if deviceID, ok := o.delegate.RetrieveUserInfo(msg.TransportInfo); ok {
			targets = filterByDeviceID(targets, o.identityDeviceID, deviceID)
		}
	}

	if shouldPersist {
		if err := o.persistOutgoing(ctx, recipient, msg); err != nil {
			o.log.Warnw("session: persist outgoing message failed", "error", err)
		}
	}

	for _, id := range targets {
		m := msg
		if o.delegate != nil {
			env, ok := o.identityEnv(id)
			if ok {
				if props, err := env.Props(); err == nil {
					o.delegate.RewriteMetadata(&m, props)
				}
			}
		}
		outbound := wire.OutboundTaskMessage{RecipientIdentityID: id, Message: m}
		if _, err := o.queue.FeedTask(ctx, jobqueue.EncryptableTask{
			Kind:         jobqueue.TaskWriteMessage,
			WriteMessage: &outbound,
		}); err != nil {
			return fmt.Errorf("session: enqueue outbound: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) identityDeviceID(id string) (string, bool) {
	env, ok := o.identityEnv(id)
	if !ok {
		return "", false
	}
	props, err := env.Props()
	if err != nil {
		return "", false
	}
	return props.DeviceID, true
}

func filterByDeviceID(ids []string, lookup func(string) (string, bool), deviceID string) []string {
	for _, id := range ids {
		if d, ok := lookup(id); ok && d == deviceID {
			return []string{id}
		}
	}
	return ids
}

func (o *Orchestrator) identitiesForSecretName(_ context.Context, secretName string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for id, env := range o.identities {
		props, err := env.Props()
		if err != nil {
			continue
		}
		if props.SecretName == secretName {
			out = append(out, id)
		}
	}
	return out, nil
}

// resolveOrFetchIdentities returns the known identity ids for secretName,
// fetching and verifying the peer's published configuration over
// transport when none are cached yet (first contact).
func (o *Orchestrator) resolveOrFetchIdentities(ctx context.Context, secretName string) ([]string, error) {
	if ids, _ := o.identitiesForSecretName(ctx, secretName); len(ids) > 0 {
		return ids, nil
	}

	signed, err := o.transport.FindConfiguration(ctx, secretName)
	if err != nil {
		return nil, fmt.Errorf("session: find configuration for %q: %w", secretName, err)
	}
	cfg, err := keys.VerifyConfiguration(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	props := IdentityProps{
		SecretName:        secretName,
		DeviceID:          cfg.DeviceID,
		SigningPublicKey:  ed25519.PublicKey(cfg.IdentityPublicKey),
		LongTermPublicKey: cfg.LongTermPublicKey,
		PQKemPublicKey:    cfg.PQKemPublicKey,
		PQKemKeyID:        cfg.PQKemKeyID,
		IsMasterDevice:    true,
	}
	if len(cfg.OneTimePrekeys) > 0 {
		props.OneTimePublicKey = cfg.OneTimePrekeys[0].PublicKey
		props.OneTimeKeyID = cfg.OneTimePrekeys[0].ID
	}

	id := ulid.Make().String()
	env, err := envelope.New(o.key, props)
	if err != nil {
		return nil, err
	}
	if err := o.putIdentity(ctx, id, env, props); err != nil {
		return nil, err
	}
	return []string{id}, nil
}

func (o *Orchestrator) resolveChannel(ctx context.Context, name string, info *wire.ChannelInfo) ([]string, error) {
	o.mu.Lock()
	_, known := o.communications[name]
	o.mu.Unlock()

	if !known {
		if info == nil {
			return nil, ErrMissingChannelInfo
		}
		if len(info.Members) < 3 {
			return nil, ErrInvalidMemberCount
		}
		if len(info.Operators) < 1 {
			return nil, ErrInvalidOperatorCount
		}
		env, err := envelope.New(o.key, CommunicationProps{
			Kind: wire.RecipientChannel, Name: name, Members: info.Members, Operators: info.Operators,
		})
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.communications[name] = env
		o.mu.Unlock()
		if err := o.cache.CreateCommunication(ctx, cache.CommunicationRecord{ID: name, Ciphertext: env.Ciphertext()}); err != nil {
			return nil, err
		}
		if o.recvDelegate != nil {
			o.recvDelegate.CreatedChannel(ctx, *info)
		}
	}

	o.mu.Lock()
	env := o.communications[name]
	o.mu.Unlock()
	props, err := env.Props()
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, member := range props.Members {
		memberIDs, err := o.resolveOrFetchIdentities(ctx, member)
		if err != nil {
			o.log.Warnw("session: resolve channel member failed", "member", member, "error", err)
			continue
		}
		ids = append(ids, memberIDs...)
	}
	return ids, nil
}

func (o *Orchestrator) persistOutgoing(ctx context.Context, recipient wire.Recipient, msg wire.CryptoMessage) error {
	commID := recipient.Name
	if recipient.Kind == wire.RecipientChannel {
		commID = recipient.Channel
	}
	env, err := envelope.New(o.key, MessageProps{Communication: commID, Message: msg, DeliveryState: DeliverySending})
	if err != nil {
		return err
	}
	return o.cache.CreateMessage(ctx, cache.MessageRecord{ID: ulid.Make().String(), Ciphertext: env.Ciphertext()})
}

// EncryptOutbound implements jobqueue.Handler: it seals one message for
// one already-resolved recipient identity and hands it to the transport.
func (o *Orchestrator) EncryptOutbound(ctx context.Context, task wire.OutboundTaskMessage) error {
	env, ok := o.identityEnv(task.RecipientIdentityID)
	if !ok {
		return jobqueue.Permanent(fmt.Errorf("%w: identity %s", ErrMissingIdentity, task.RecipientIdentityID))
	}
	props, err := env.DecryptProps()
	if err != nil {
		return fmt.Errorf("session: decrypt identity: %w", err)
	}

	firstContact := props.State == nil

	var sess *ratchet.Session
	var syncIDs *wire.SynchronizationKeyIdentities
	if firstContact {
		local, selfPQFromPool := o.selectLocalKeys()
		remote := ratchet.RemoteKeys{
			LongTermPublicKey: props.LongTermPublicKey,
			OneTimePublicKey:  props.OneTimePublicKey,
			OneTimeKeyID:      props.OneTimeKeyID,
			PQKemPublicKey:    props.PQKemPublicKey,
			PQKemKeyID:        props.PQKemKeyID,
		}
		sess, err = ratchet.SenderInit(o.ratchet, rand.Reader, local, remote)
		if err != nil {
			return fmt.Errorf("session: sender init: %w", err)
		}

		// §4.1 one-time key consumption: the recipient's one-time key(s)
		// named in remote, and (if the local pool wasn't empty) our own,
		// were each just used exactly once. Record which ids so the
		// transport can be told to drop the consumed public entries, and
		// so the recipient's other devices can clean up their local pools
		// too once this header reaches them.
		syncIDs = &wire.SynchronizationKeyIdentities{}
		if local.OneTimeKeyID != "" {
			syncIDs.SenderCurveID = local.OneTimeKeyID
		}
		if selfPQFromPool {
			syncIDs.SenderMLKEMID = local.PQKemKeyID
		}
		if remote.OneTimeKeyID != "" {
			syncIDs.RecipientCurveID = remote.OneTimeKeyID
		}
		o.deleteConsumedOneTimeKeys(o.secretName, local.OneTimeKeyID, pqFromPoolKeyID(selfPQFromPool, local.PQKemKeyID))
	} else {
		sess = ratchet.Resume(o.ratchet, props.State)
	}

	plaintext, err := bson.Marshal(task.Message)
	if err != nil {
		return fmt.Errorf("session: marshal message: %w", err)
	}
	sealed, err := sess.Seal(plaintext, nil)
	if err != nil {
		return fmt.Errorf("session: seal: %w", err)
	}

	data := encodeMessage(sealed)
	signature := ed25519.Sign(o.dk.IdentityPrivateKey, data)

	meta := wire.SignedRatchetMessageMetadata{
		SecretName:            o.secretName,
		DeviceID:              o.dk.DeviceID,
		Recipient:             task.Message.Recipient,
		SharedMessageID:       ulid.Make().String(),
		SynchronizationKeyIDs: syncIDs,
	}
	if err := o.transport.SendMessage(ctx, wire.SignedRatchetMessage{Data: data, Signature: signature}, meta); err != nil {
		return fmt.Errorf("session: send message: %w", err)
	}

	props.State = sess.State()
	if err := o.putIdentity(ctx, task.RecipientIdentityID, env, props); err != nil {
		return fmt.Errorf("session: persist identity: %w", err)
	}
	return nil
}

// selectLocalKeys picks the local one-time keys this device offers for a
// brand-new session: one classical one-time key if the pool isn't empty,
// and one PQ-KEM one-time key, falling back to the device's final PQ-KEM
// key when that pool is exhausted. It reports whether the PQ-KEM key came
// from the one-time pool (true) or is the persistent fallback (false), so
// callers can tell whether that id is something to delete on consumption.
func (o *Orchestrator) selectLocalKeys() (ratchet.LocalKeys, bool) {
	local := ratchet.LocalKeys{
		LongTermPrivateKey: o.dk.LongTermPrivateKey,
		PQKemPrivateKey:    o.dk.PQKemPrivateKey,
		PQKemKeyID:         o.dk.PQKemKeyID,
	}
	for id, priv := range o.dk.OneTimePrivateKeys {
		local.OneTimePrivateKey = priv
		local.OneTimeKeyID = id
		delete(o.dk.OneTimePrivateKeys, id)
		break
	}
	pqFromPool := false
	for id, priv := range o.dk.OneTimePQPrivateKeys {
		local.PQKemPrivateKey = priv
		local.PQKemKeyID = id
		delete(o.dk.OneTimePQPrivateKeys, id)
		pqFromPool = true
		break
	}
	return local, pqFromPool
}

// pqFromPoolKeyID returns id if it names a one-time PQ-KEM pool entry, or
// "" if it is the device's persistent fallback key — which is never
// deleted, since it is reused across sessions rather than consumed once.
func pqFromPoolKeyID(fromPool bool, id string) string {
	if !fromPool {
		return ""
	}
	return id
}

// deleteConsumedOneTimeKeys asks the transport to drop the published
// public half of any one-time key(s) just consumed under secretName,
// running on the key-transport executor so a slow network call never
// stalls the crypto path.
func (o *Orchestrator) deleteConsumedOneTimeKeys(secretName, curveID, pqID string) {
	if curveID == "" && pqID == "" {
		return
	}
	o.keyExec.Submit(func() {
		ctx := context.Background()
		if curveID != "" {
			if err := o.transport.DeleteOneTimeKeys(ctx, secretName, curveID, transport.KindCurve); err != nil {
				o.log.Warnw("session: delete consumed one-time curve key failed", "id", curveID, "error", err)
			}
		}
		if pqID != "" {
			if err := o.transport.DeleteOneTimeKeys(ctx, secretName, pqID, transport.KindMLKEM); err != nil {
				o.log.Warnw("session: delete consumed one-time pq-kem key failed", "id", pqID, "error", err)
			}
		}
	})
}
