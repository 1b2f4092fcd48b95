package transport

import (
	"context"
	"sync"

	"github.com/nightglass/solace/internal/keys"
	"github.com/nightglass/solace/internal/wire"
)

// Deliverer receives messages addressed to one secretName. The session
// orchestrator implements this by feeding the message into its own
// InboundTask pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, signed wire.SignedRatchetMessage, meta wire.SignedRatchetMessageMetadata) error
}

type oneTimeKey struct {
	secretName string
	id         string
	kind       OneTimeKeyKind
}

// LoopbackTransport is an in-process Transport connecting any number of
// parties registered under a secretName, used by tests and
// cmd/solacectl's two-party demo in place of a real network stack.
type LoopbackTransport struct {
	mu             sync.Mutex
	deliverers     map[string]Deliverer
	configurations map[string]*keys.Signed
	deletedKeys    []oneTimeKey
}

// NewLoopbackTransport returns an empty LoopbackTransport.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{
		deliverers:     make(map[string]Deliverer),
		configurations: make(map[string]*keys.Signed),
	}
}

var _ Transport = (*LoopbackTransport)(nil)

// Register binds secretName to the orchestrator (or test double) that
// should receive messages addressed to it, and publishes its initial
// configuration.
func (t *LoopbackTransport) Register(secretName string, d Deliverer, initial *keys.Signed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliverers[secretName] = d
	t.configurations[secretName] = initial
}

// SendMessage delivers signed to the party it is addressed to. meta.SecretName
// names the sender, so a nickname-addressed message is routed by
// meta.Recipient.Name; every other recipient kind is routed by
// meta.SecretName.
func (t *LoopbackTransport) SendMessage(ctx context.Context, signed wire.SignedRatchetMessage, meta wire.SignedRatchetMessageMetadata) error {
	dest := meta.SecretName
	if meta.Recipient.Kind == wire.RecipientNickname {
		dest = meta.Recipient.Name
	}
	t.mu.Lock()
	d, ok := t.deliverers[dest]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownSecretName
	}
	return d.Deliver(ctx, signed, meta)
}

func (t *LoopbackTransport) FindConfiguration(_ context.Context, secretName string) (*keys.Signed, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.configurations[secretName]
	if !ok {
		return nil, ErrUnknownSecretName
	}
	return cfg, nil
}

func (t *LoopbackTransport) UpdateOneTimeKeys(_ context.Context, secretName, _ string, signed *keys.Signed) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.configurations[secretName]; !ok {
		return ErrUnknownSecretName
	}
	t.configurations[secretName] = signed
	return nil
}

func (t *LoopbackTransport) DeleteOneTimeKeys(_ context.Context, secretName, id string, kind OneTimeKeyKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletedKeys = append(t.deletedKeys, oneTimeKey{secretName: secretName, id: id, kind: kind})
	return nil
}

// DeletedKeys returns every DeleteOneTimeKeys call observed so far, for
// test assertions like S4's rotation scenario.
func (t *LoopbackTransport) DeletedKeys() []struct {
	SecretName string
	ID         string
	Kind       OneTimeKeyKind
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]struct {
		SecretName string
		ID         string
		Kind       OneTimeKeyKind
	}, len(t.deletedKeys))
	for i, k := range t.deletedKeys {
		out[i] = struct {
			SecretName string
			ID         string
			Kind       OneTimeKeyKind
		}{SecretName: k.secretName, ID: k.id, Kind: k.kind}
	}
	return out
}
