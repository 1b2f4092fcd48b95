// Package transport defines the network port the session core depends on
// and ships LoopbackTransport, an in-memory implementation used by the
// orchestrator's own tests and cmd/solacectl's demo. No real network
// stack is in scope: the core treats transport as an external
// collaborator it calls through this interface.
package transport

import (
	"context"
	"errors"

	"github.com/nightglass/solace/internal/keys"
	"github.com/nightglass/solace/internal/wire"
)

// ErrUnknownSecretName is returned by FindConfiguration when no
// configuration has been published under the requested name.
var ErrUnknownSecretName = errors.New("transport: unknown secret name")

// OneTimeKeyKind distinguishes which one-time pool a deletion applies to.
type OneTimeKeyKind int

const (
	KindCurve OneTimeKeyKind = iota
	KindMLKEM
)

// Transport is the network port the session core consumes.
type Transport interface {
	SendMessage(ctx context.Context, signed wire.SignedRatchetMessage, meta wire.SignedRatchetMessageMetadata) error
	FindConfiguration(ctx context.Context, secretName string) (*keys.Signed, error)
	UpdateOneTimeKeys(ctx context.Context, secretName, deviceID string, signed *keys.Signed) error
	DeleteOneTimeKeys(ctx context.Context, secretName, id string, kind OneTimeKeyKind) error
}
