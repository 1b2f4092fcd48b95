// Command solacectl drives a pair of in-process session orchestrators over
// a loopback transport and in-memory caches, walking through first
// contact, a reply, a rapid three-message burst, key rotation, and an
// offline-queue restart. It exists to give the session core a runnable
// smoke test without a real server or network.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nightglass/solace/internal/cache"
	"github.com/nightglass/solace/internal/keys"
	"github.com/nightglass/solace/internal/logging"
	"github.com/nightglass/solace/internal/ratchet"
	"github.com/nightglass/solace/internal/session"
	"github.com/nightglass/solace/internal/transport"
	"github.com/nightglass/solace/internal/wire"
)

// receiverLog is a ReceiverDelegate that prints every delivered message,
// standing in for the persistence layer a real client would have.
type receiverLog struct {
	name string
	log  logging.Logger
}

func (r *receiverLog) CreatedMessage(_ context.Context, msg wire.CryptoMessage, meta wire.SignedRatchetMessageMetadata) {
	r.log.Infow("delivered", "to", r.name, "from", meta.SecretName, "text", msg.Text)
}

func (r *receiverLog) UpdatedCommunication(_ context.Context, id string) {
	r.log.Infow("communication updated", "party", r.name, "id", id)
}

func (r *receiverLog) CreatedChannel(_ context.Context, info wire.ChannelInfo) {
	r.log.Infow("channel created", "party", r.name, "name", info.Name, "members", len(info.Members))
}

type party struct {
	name  string
	dk    *keys.DeviceKeys
	cache cache.Cache
	orch  *session.Orchestrator
}

func newParty(ctx context.Context, name string, r ratchet.Ratchet, tr *transport.LoopbackTransport, key []byte, lg logging.Logger) (*party, error) {
	dk, err := keys.GenerateDeviceBundle(r, 10)
	if err != nil {
		return nil, fmt.Errorf("%s: generate device bundle: %w", name, err)
	}

	c := cache.NewMemory()
	orch := session.New(name, dk, r, c, tr, key,
		session.WithLogger(lg),
		session.WithReceiverDelegate(&receiverLog{name: name, log: lg}),
	)

	signed, err := keys.SignConfiguration(dk, r)
	if err != nil {
		return nil, fmt.Errorf("%s: sign configuration: %w", name, err)
	}
	tr.Register(name, orch, signed)

	if err := orch.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("%s: bootstrap: %w", name, err)
	}
	return &party{name: name, dk: dk, cache: c, orch: orch}, nil
}

func main() {
	lg, err := logging.NewDevelopment()
	if err != nil {
		log.Fatalf("solacectl: build logger: %v", err)
	}

	if err := run(lg); err != nil {
		lg.Errorw("solacectl: scenario failed", "error", err)
		os.Exit(1)
	}
}

func run(lg logging.Logger) error {
	ctx := context.Background()
	r := ratchet.DJB("solacectl-demo")
	tr := transport.NewLoopbackTransport()
	key := make([]byte, 32)

	alice, err := newParty(ctx, "alice", r, tr, key, lg)
	if err != nil {
		return err
	}
	bob, err := newParty(ctx, "bob", r, tr, key, lg)
	if err != nil {
		return err
	}
	defer alice.orch.Close()
	defer bob.orch.Close()

	lg.Infow("scenario: first contact")
	if err := alice.orch.Send(ctx, wire.CryptoMessage{Text: "hi", SentDate: time.Now()}, wire.Nickname("bob"), true); err != nil {
		return fmt.Errorf("first contact: %w", err)
	}
	time.Sleep(50 * time.Millisecond)

	lg.Infow("scenario: reply closes the loop")
	if err := bob.orch.Send(ctx, wire.CryptoMessage{Text: "hey", SentDate: time.Now()}, wire.Nickname("alice"), true); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	time.Sleep(50 * time.Millisecond)

	lg.Infow("scenario: rapid burst")
	for _, text := range []string{"1", "2", "3"} {
		if err := alice.orch.Send(ctx, wire.CryptoMessage{Text: text, SentDate: time.Now()}, wire.Nickname("bob"), true); err != nil {
			return fmt.Errorf("burst %q: %w", text, err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	lg.Infow("scenario: key rotation")
	oldKeyID := alice.dk.PQKemKeyID
	if err := alice.orch.Rotate(ctx); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	if err := alice.orch.Send(ctx, wire.CryptoMessage{Text: "post-rotation", SentDate: time.Now()}, wire.Nickname("bob"), true); err != nil {
		return fmt.Errorf("post-rotation send: %w", err)
	}
	time.Sleep(50 * time.Millisecond)
	lg.Infow("rotation complete", "old_key_id", oldKeyID, "new_key_id", alice.dk.PQKemKeyID, "deleted", len(tr.DeletedKeys()))

	lg.Infow("scenario: offline queue survives restart")
	alice.orch.SetViable(false)
	for _, text := range []string{"queued-1", "queued-2", "queued-3"} {
		if err := alice.orch.Send(ctx, wire.CryptoMessage{Text: text, SentDate: time.Now()}, wire.Nickname("bob"), true); err != nil {
			return fmt.Errorf("queue %q: %w", text, err)
		}
	}
	restarted := session.New("alice", alice.dk, r, alice.cache, tr, key,
		session.WithLogger(lg),
		session.WithReceiverDelegate(&receiverLog{name: "alice", log: lg}),
	)
	tr.Register("alice", restarted, mustSignConfiguration(alice.dk, r))
	if err := restarted.Bootstrap(ctx); err != nil {
		return fmt.Errorf("restart bootstrap: %w", err)
	}
	restarted.SetViable(true)
	defer restarted.Close()
	time.Sleep(100 * time.Millisecond)

	lg.Infow("scenario run complete")
	return nil
}

func mustSignConfiguration(dk *keys.DeviceKeys, r ratchet.Ratchet) *keys.Signed {
	signed, err := keys.SignConfiguration(dk, r)
	if err != nil {
		panic(err)
	}
	return signed
}
