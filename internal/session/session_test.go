package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightglass/solace/internal/cache"
	"github.com/nightglass/solace/internal/keys"
	"github.com/nightglass/solace/internal/ratchet"
	"github.com/nightglass/solace/internal/session"
	"github.com/nightglass/solace/internal/transport"
	"github.com/nightglass/solace/internal/wire"
)

type capturingReceiver struct {
	messages chan wire.CryptoMessage
}

func newCapturingReceiver() *capturingReceiver {
	return &capturingReceiver{messages: make(chan wire.CryptoMessage, 8)}
}

func (r *capturingReceiver) CreatedMessage(_ context.Context, msg wire.CryptoMessage, _ wire.SignedRatchetMessageMetadata) {
	r.messages <- msg
}
func (r *capturingReceiver) UpdatedCommunication(context.Context, string)      {}
func (r *capturingReceiver) CreatedChannel(context.Context, wire.ChannelInfo) {}

func (r *capturingReceiver) awaitMessage(t *testing.T) wire.CryptoMessage {
	t.Helper()
	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered message")
		return wire.CryptoMessage{}
	}
}

func randomEnvelopeKey(t *testing.T) []byte {
	t.Helper()
	return make([]byte, 32)
}

type party struct {
	secretName string
	dk         *keys.DeviceKeys
	orch       *session.Orchestrator
	recv       *capturingReceiver
}

func newParty(t *testing.T, r ratchet.Ratchet, tr *transport.LoopbackTransport, secretName string) *party {
	t.Helper()
	dk, err := keys.GenerateDeviceBundle(r, 5)
	require.NoError(t, err)

	recv := newCapturingReceiver()
	orch := session.New(secretName, dk, r, cache.NewMemory(), tr, randomEnvelopeKey(t), session.WithReceiverDelegate(recv))

	signed, err := keys.SignConfiguration(dk, r)
	require.NoError(t, err)
	tr.Register(secretName, orch, signed)

	return &party{secretName: secretName, dk: dk, orch: orch, recv: recv}
}

// TestHandshakeFirstContactAndReply exercises first contact (S1) and a
// reply that closes the loop (S2): Alice messages Bob without any prior
// shared state, Bob decrypts it and replies, and Alice decrypts the
// reply using the ratchet state persisted from the first exchange.
func TestHandshakeFirstContactAndReply(t *testing.T) {
	ctx := context.Background()
	r := ratchet.DJB("solace-session-test")
	tr := transport.NewLoopbackTransport()

	alice := newParty(t, r, tr, "alice")
	bob := newParty(t, r, tr, "bob")

	require.NoError(t, alice.orch.Bootstrap(ctx))
	require.NoError(t, bob.orch.Bootstrap(ctx))

	err := alice.orch.Send(ctx, wire.CryptoMessage{Text: "hello bob", SentDate: time.Now()}, wire.Nickname("bob"), true)
	require.NoError(t, err)

	got := bob.recv.awaitMessage(t)
	require.Equal(t, "hello bob", got.Text)

	err = bob.orch.Send(ctx, wire.CryptoMessage{Text: "hi alice", SentDate: time.Now()}, wire.Nickname("alice"), true)
	require.NoError(t, err)

	reply := alice.recv.awaitMessage(t)
	require.Equal(t, "hi alice", reply.Text)
}

// TestSendUnknownNicknameSurfacesTransportError ensures a recipient with
// no published configuration fails the send rather than silently
// dropping the message.
func TestSendUnknownNicknameSurfacesTransportError(t *testing.T) {
	ctx := context.Background()
	r := ratchet.DJB("solace-session-test")
	tr := transport.NewLoopbackTransport()

	alice := newParty(t, r, tr, "alice")
	require.NoError(t, alice.orch.Bootstrap(ctx))

	err := alice.orch.Send(ctx, wire.CryptoMessage{Text: "hello", SentDate: time.Now()}, wire.Nickname("ghost"), false)
	require.Error(t, err)
}

// TestChannelSendRequiresMembersAndOperators exercises the channel
// member/operator count invariants.
func TestChannelSendRequiresMembersAndOperators(t *testing.T) {
	ctx := context.Background()
	r := ratchet.DJB("solace-session-test")
	tr := transport.NewLoopbackTransport()
	alice := newParty(t, r, tr, "alice")
	require.NoError(t, alice.orch.Bootstrap(ctx))

	err := alice.orch.Send(ctx, wire.CryptoMessage{
		Text:     "hi all",
		SentDate: time.Now(),
		ChannelInfo: &wire.ChannelInfo{
			Name:      "general",
			Members:   []string{"alice", "bob"},
			Operators: []string{"alice"},
		},
	}, wire.ChannelRecipient("general"), false)
	require.ErrorIs(t, err, session.ErrInvalidMemberCount)

	err = alice.orch.Send(ctx, wire.CryptoMessage{
		Text:     "hi all",
		SentDate: time.Now(),
		ChannelInfo: &wire.ChannelInfo{
			Name:    "general",
			Members: []string{"alice", "bob", "carol"},
		},
	}, wire.ChannelRecipient("general"), false)
	require.ErrorIs(t, err, session.ErrInvalidOperatorCount)
}

// TestRotatePublishesNewConfigurationAndDeletesOldKey exercises Rotate's
// key-transport path: the published configuration changes and the
// superseded PQ-KEM key id is eventually reported deleted.
func TestRotatePublishesNewConfigurationAndDeletesOldKey(t *testing.T) {
	ctx := context.Background()
	r := ratchet.DJB("solace-session-test")
	tr := transport.NewLoopbackTransport()
	alice := newParty(t, r, tr, "alice")

	oldKeyID := alice.dk.PQKemKeyID
	require.NoError(t, alice.orch.Rotate(ctx))
	require.NotEqual(t, oldKeyID, alice.dk.PQKemKeyID)

	signed, err := tr.FindConfiguration(ctx, "alice")
	require.NoError(t, err)
	cfg, err := keys.VerifyConfiguration(signed)
	require.NoError(t, err)
	require.Equal(t, alice.dk.PQKemKeyID, cfg.PQKemKeyID)

	require.NoError(t, alice.orch.Close())
	deleted := tr.DeletedKeys()
	require.Len(t, deleted, 1)
	require.Equal(t, oldKeyID, deleted[0].ID)
	require.Equal(t, transport.KindMLKEM, deleted[0].Kind)
}
