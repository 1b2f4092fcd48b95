package session

import (
	"context"
	"fmt"

	"github.com/nightglass/solace/internal/keys"
	"github.com/nightglass/solace/internal/transport"
)

// Rotate generates a fresh long-term/PQ-KEM key pair for the local
// device, publishes the updated configuration, and asks the transport to
// delete the superseded PQ-KEM key server-side. Deletion runs on the
// key-transport executor so a slow publish call never stalls message
// processing on the crypto path.
func (o *Orchestrator) Rotate(ctx context.Context) error {
	oldPQKemKeyID := o.dk.PQKemKeyID

	if err := o.dk.Rotate(o.ratchet); err != nil {
		return fmt.Errorf("session: rotate device keys: %w", err)
	}

	signed, err := keys.SignConfiguration(o.dk, o.ratchet)
	if err != nil {
		return fmt.Errorf("session: sign rotated configuration: %w", err)
	}
	if err := o.transport.UpdateOneTimeKeys(ctx, o.secretName, o.dk.DeviceID, signed); err != nil {
		return fmt.Errorf("session: publish rotated configuration: %w", err)
	}

	o.keyExec.Submit(func() {
		deleteCtx := context.Background()
		if err := o.transport.DeleteOneTimeKeys(deleteCtx, o.secretName, oldPQKemKeyID, transport.KindMLKEM); err != nil {
			o.log.Warnw("session: delete superseded pq-kem key failed", "id", oldPQKemKeyID, "error", err)
		}
	})
	return nil
}
