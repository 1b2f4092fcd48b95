package ratchet

import (
	"fmt"
	"io"
)

// LocalKeys bundles the local key material available to one party at
// session-initialization time: a long-term pair, an optional one-time pair
// consumed from the peer's configuration bundle, and a PQ-KEM pair.
type LocalKeys struct {
	LongTermPrivateKey PrivateKey
	OneTimePrivateKey  PrivateKey // optional
	OneTimeKeyID       string
	PQKemPrivateKey    PQPrivateKey
	PQKemKeyID         string
}

// RemoteKeys bundles the peer's public key material as resolved from a
// signed configuration bundle.
type RemoteKeys struct {
	LongTermPublicKey PublicKey
	OneTimePublicKey  PublicKey // optional
	OneTimeKeyID      string
	PQKemPublicKey    PQPublicKey
	PQKemKeyID        string
}

// combine computes the hybrid shared-secret material: the concatenation of
// up to four classical DH outputs (long-term/long-term is always present;
// the rest depend on which one-time keys are present on either side) with
// a KEM shared secret appended last. The KEM step is an encapsulation when
// kemCiphertextIn is nil and a decapsulation otherwise; that same signal
// also tells combine which side of the handshake it is computing for, since
// the party that encapsulates is always the initiator of this epoch and the
// party that decapsulates is always the responder.
//
// The concatenation order is fixed against that initiator/responder role,
// not against "local"/"remote" — local means "the caller's own keys" and
// flips between SenderInit and RecipientInit, so anchoring the cross-term
// order to it would put the same two DH outputs in swapped slots depending
// on which side computes them. Anchored to the role instead, both sides
// agree byte for byte:
//
//	DH(initLT,respLT) || DH(initLT,respOT)? || DH(initOT,respLT)? || DH(initOT,respOT)? || KEM_ss
func combine(
	r Ratchet,
	local LocalKeys,
	remote RemoteKeys,
	rnd io.Reader,
	kemCiphertextIn []byte,
) (combined, kemCiphertextOut []byte, err error) {
	initiator := kemCiphertextIn == nil

	var parts []byte

	dh, err := r.DH(local.LongTermPrivateKey, remote.LongTermPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("combine: DH(LT,LT): %w", err)
	}
	parts = append(parts, dh...)

	// ltOT is DH(ourLT,theirOT); otLT is DH(ourOT,theirLT). When we are the
	// initiator these land in initiator/responder order as-is (ltOT is
	// DH(initLT,respOT), otLT is DH(initOT,respLT)); when we are the
	// responder the same two values play the opposite role (our ltOT is
	// DH(respLT,initOT), which equals DH(initOT,respLT) by DH symmetry, so
	// it belongs in the third slot, and vice versa) — hence the swap below.
	var ltOT, otLT []byte
	haveLTOT := len(remote.OneTimePublicKey) > 0
	haveOTLT := len(local.OneTimePrivateKey) > 0

	if haveLTOT {
		if ltOT, err = r.DH(local.LongTermPrivateKey, remote.OneTimePublicKey); err != nil {
			return nil, nil, fmt.Errorf("combine: DH(LT,OT): %w", err)
		}
	}
	if haveOTLT {
		if otLT, err = r.DH(local.OneTimePrivateKey, remote.LongTermPublicKey); err != nil {
			return nil, nil, fmt.Errorf("combine: DH(OT,LT): %w", err)
		}
	}

	if initiator {
		if haveLTOT {
			parts = append(parts, ltOT...)
		}
		if haveOTLT {
			parts = append(parts, otLT...)
		}
	} else {
		if haveOTLT {
			parts = append(parts, otLT...)
		}
		if haveLTOT {
			parts = append(parts, ltOT...)
		}
	}
	if haveLTOT && haveOTLT {
		dh, err = r.DH(local.OneTimePrivateKey, remote.OneTimePublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("combine: DH(OT,OT): %w", err)
		}
		parts = append(parts, dh...)
	}

	var ss []byte
	if initiator {
		var ct []byte
		if ct, ss, err = r.Encapsulate(rnd, remote.PQKemPublicKey); err != nil {
			return nil, nil, fmt.Errorf("combine: Encapsulate: %w", err)
		}
		kemCiphertextOut = ct
	} else {
		if ss, err = r.Decapsulate(local.PQKemPrivateKey, kemCiphertextIn); err != nil {
			return nil, nil, fmt.Errorf("combine: Decapsulate: %w", err)
		}
		kemCiphertextOut = kemCiphertextIn
	}
	parts = append(parts, ss...)
	return parts, kemCiphertextOut, nil
}

// SenderInit performs sender-side session initialization: it computes the
// hybrid shared secret, derives the root key and both directions' initial
// chain keys, and records the KEM ciphertext to be carried on the first
// outbound header.
//
// The sender and recipient of the first message derive the same root key
// from the same combined secret, then split it into two chain keys. Which
// one is used for sending and which for receiving is decided by a fixed
// initiator/responder convention: SenderInit (the initiator) takes the
// first chain key to send and the second to receive; RecipientInit (the
// responder) takes the mirror assignment. This lets both sides send and
// receive right away, without a reply round trip to bootstrap the second
// direction.
func SenderInit(r Ratchet, rnd io.Reader, local LocalKeys, remote RemoteKeys, opts ...Option) (*Session, error) {
	s := newSession(r, opts)
	combined, ct, err := combine(r, local, remote, rnd, nil)
	if err != nil {
		return nil, fmt.Errorf("SenderInit: %w", err)
	}
	rk, ckSend, ckRecv := r.KDFrootInit(combined)
	s.state = &State{
		RootKey:                 rk,
		SendingChainKey:         ckSend,
		ReceivingChainKey:       ckRecv,
		LocalLongTermPrivateKey: local.LongTermPrivateKey,
		LocalOneTimePrivateKey:  local.OneTimePrivateKey,
		LocalOneTimeKeyID:       local.OneTimeKeyID,
		LocalPQKemPrivateKey:    local.PQKemPrivateKey,
		LocalPQKemKeyID:         local.PQKemKeyID,
		RemoteLongTermPublicKey: remote.LongTermPublicKey,
		RemoteOneTimePublicKey:  remote.OneTimePublicKey,
		RemoteOneTimeKeyID:      remote.OneTimeKeyID,
		RemotePQKemPublicKey:    remote.PQKemPublicKey,
		RemotePQKemKeyID:        remote.PQKemKeyID,
		PendingKEMCiphertext:    ct,
	}
	return s, nil
}

// RecipientInit performs recipient-side session initialization from the
// first inbound header. See SenderInit for the initiator/responder chain
// key assignment.
func RecipientInit(r Ratchet, local LocalKeys, header Header, opts ...Option) (*Session, error) {
	s := newSession(r, opts)
	remote := RemoteKeys{
		LongTermPublicKey: header.RemoteLongTermPublicKey,
		OneTimePublicKey:  header.RemoteOneTimePublicKey,
		PQKemPublicKey:    header.RemotePQKemPublicKey,
	}
	combined, _, err := combine(r, local, remote, nil, header.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("RecipientInit: %w", err)
	}
	rk, ckRecv, ckSend := r.KDFrootInit(combined)
	s.state = &State{
		RootKey:                 rk,
		SendingChainKey:         ckSend,
		ReceivingChainKey:       ckRecv,
		LocalLongTermPrivateKey: local.LongTermPrivateKey,
		LocalOneTimePrivateKey:  local.OneTimePrivateKey,
		LocalOneTimeKeyID:       local.OneTimeKeyID,
		LocalPQKemPrivateKey:    local.PQKemPrivateKey,
		LocalPQKemKeyID:         local.PQKemKeyID,
		RemoteLongTermPublicKey: remote.LongTermPublicKey,
		RemoteOneTimePublicKey:  remote.OneTimePublicKey,
		RemotePQKemPublicKey:    remote.PQKemPublicKey,
	}
	return s, nil
}

// dhRatchet advances the root chain on a remote long-term public-key
// change: it decapsulates the new header's KEM ciphertext, recomputes the
// hybrid combine for the receiving direction, then produces a fresh
// sending-direction combine (with its own fresh encapsulation) so a reply
// uses an independent chain.
func (s *State) dhRatchet(rnd io.Reader, r Ratchet, h Header) error {
	s.PreviousSendingMessageCount = s.SendingMessageNumber
	s.SendingMessageNumber = 0
	s.ReceivingMessageNumber = 0

	s.RemoteLongTermPublicKey = h.RemoteLongTermPublicKey
	s.RemoteOneTimePublicKey = h.RemoteOneTimePublicKey
	s.RemotePQKemPublicKey = h.RemotePQKemPublicKey

	local := LocalKeys{
		LongTermPrivateKey: s.LocalLongTermPrivateKey,
		OneTimePrivateKey:  s.LocalOneTimePrivateKey,
		PQKemPrivateKey:    s.LocalPQKemPrivateKey,
	}
	remote := RemoteKeys{
		LongTermPublicKey: s.RemoteLongTermPublicKey,
		OneTimePublicKey:  s.RemoteOneTimePublicKey,
		PQKemPublicKey:    s.RemotePQKemPublicKey,
	}

	combinedRecv, _, err := combine(r, local, remote, nil, h.KEMCiphertext)
	if err != nil {
		return fmt.Errorf("dhRatchet: receiving combine: %w", err)
	}
	s.RootKey, s.ReceivingChainKey = r.KDFrk(s.RootKey, combinedRecv)

	combinedSend, ct, err := combine(r, local, remote, rnd, nil)
	if err != nil {
		return fmt.Errorf("dhRatchet: sending combine: %w", err)
	}
	s.RootKey, s.SendingChainKey = r.KDFrk(s.RootKey, combinedSend)
	s.PendingKEMCiphertext = ct
	return nil
}
