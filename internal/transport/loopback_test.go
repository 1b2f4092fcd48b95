package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightglass/solace/internal/keys"
	"github.com/nightglass/solace/internal/transport"
	"github.com/nightglass/solace/internal/wire"
)

type capturingDeliverer struct {
	got []wire.SignedRatchetMessage
}

func (d *capturingDeliverer) Deliver(_ context.Context, signed wire.SignedRatchetMessage, _ wire.SignedRatchetMessageMetadata) error {
	d.got = append(d.got, signed)
	return nil
}

func TestLoopbackTransportRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewLoopbackTransport()

	_, err := tr.FindConfiguration(ctx, "nobody")
	require.ErrorIs(t, err, transport.ErrUnknownSecretName)

	initial := &keys.Signed{Payload: []byte("cfg-v1"), SignerKey: []byte("k")}
	d := &capturingDeliverer{}
	tr.Register("alice", d, initial)

	cfg, err := tr.FindConfiguration(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, initial, cfg)

	err = tr.SendMessage(ctx, wire.SignedRatchetMessage{Data: []byte("hi")}, wire.SignedRatchetMessageMetadata{SecretName: "alice"})
	require.NoError(t, err)
	require.Len(t, d.got, 1)
	require.Equal(t, []byte("hi"), d.got[0].Data)

	err = tr.SendMessage(ctx, wire.SignedRatchetMessage{}, wire.SignedRatchetMessageMetadata{SecretName: "ghost"})
	require.ErrorIs(t, err, transport.ErrUnknownSecretName)

	updated := &keys.Signed{Payload: []byte("cfg-v2"), SignerKey: []byte("k")}
	require.NoError(t, tr.UpdateOneTimeKeys(ctx, "alice", "device-1", updated))
	cfg, err = tr.FindConfiguration(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, updated, cfg)

	err = tr.UpdateOneTimeKeys(ctx, "ghost", "device-1", updated)
	require.ErrorIs(t, err, transport.ErrUnknownSecretName)

	require.NoError(t, tr.DeleteOneTimeKeys(ctx, "alice", "otk-1", transport.KindCurve))
	require.NoError(t, tr.DeleteOneTimeKeys(ctx, "alice", "otk-2", transport.KindMLKEM))
	deleted := tr.DeletedKeys()
	require.Len(t, deleted, 2)
	require.Equal(t, "otk-1", deleted[0].ID)
	require.Equal(t, transport.KindCurve, deleted[0].Kind)
	require.Equal(t, transport.KindMLKEM, deleted[1].Kind)
}
