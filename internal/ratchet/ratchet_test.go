package ratchet

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	mrand "github.com/ericlagergren/saferand"
	"github.com/stretchr/testify/require"
)

var testCases = []struct {
	name string
	fn   func(*testing.T) Ratchet
}{
	{"P-256", func(t *testing.T) Ratchet {
		return NIST(elliptic.P256(), sha256.New, t.Name())
	}},
	{"DJB", func(t *testing.T) Ratchet { return DJB(t.Name()) }},
}

// party holds one peer's full key material plus the public view advertised
// to the other side, mirroring a UserConfiguration resolved down to a
// single device.
type party struct {
	local  LocalKeys
	public RemoteKeys
}

func newParty(t *testing.T, r Ratchet, withOneTime bool) party {
	t.Helper()
	lt, err := r.GenerateLongTerm(rand.Reader)
	require.NoError(t, err)
	pq, err := r.GeneratePQKem(rand.Reader)
	require.NoError(t, err)

	local := LocalKeys{
		LongTermPrivateKey: lt,
		PQKemPrivateKey:    pq,
		PQKemKeyID:         "pq-0",
	}
	public := RemoteKeys{
		LongTermPublicKey: r.Public(lt),
		PQKemPublicKey:    r.PQPublic(pq),
		PQKemKeyID:        "pq-0",
	}
	if withOneTime {
		ot, err := r.GenerateOneTime(rand.Reader)
		require.NoError(t, err)
		local.OneTimePrivateKey = ot
		local.OneTimeKeyID = "ot-0"
		public.OneTimePublicKey = r.Public(ot)
		public.OneTimeKeyID = "ot-0"
	}
	return party{local: local, public: public}
}

// handshake drives a SenderInit/RecipientInit bootstrap and returns both
// resulting sessions.
func handshake(t *testing.T, r Ratchet, alice, bob party) (*Session, *Session) {
	t.Helper()
	aliceSession, err := SenderInit(r, rand.Reader, alice.local, bob.public)
	require.NoError(t, err)

	firstMsg, err := aliceSession.Seal([]byte("hello"), nil)
	require.NoError(t, err)

	bobSession, err := RecipientInit(r, bob.local, firstMsg.Header)
	require.NoError(t, err)

	got, err := bobSession.Open(rand.Reader, firstMsg, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	return aliceSession, bobSession
}

// TestAliceBob ping-pongs messages back and forth after the initial
// handshake message.
func TestAliceBob(t *testing.T) {
	test := func(t *testing.T, fn func(*testing.T) Ratchet) {
		r := fn(t)
		alice := newParty(t, r, true)
		bob := newParty(t, r, true)

		send, recv := handshake(t, r, alice, bob)

		const N = 500
		plaintext := make([]byte, 4096)
		ad := make([]byte, 172)
		for i := 0; i < N; i++ {
			rand.Read(plaintext)
			rand.Read(ad)
			msg, err := send.Seal(plaintext, ad)
			require.NoErrorf(t, err, "#%d", i)
			got, err := recv.Open(rand.Reader, msg, ad)
			require.NoErrorf(t, err, "#%d", i)
			require.Truef(t, hmac.Equal(plaintext, got), "#%d: expected %q, got %q", i, plaintext, got)
			send, recv = recv, send
		}
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) { test(t, tc.fn) })
	}
}

// TestOutOfOrder seals a batch of messages in order, shuffles delivery,
// and opens them out of order, exercising the skipped-message-key store.
func TestOutOfOrder(t *testing.T) {
	test := func(t *testing.T, fn func(*testing.T) Ratchet) {
		r := fn(t)
		alice := newParty(t, r, true)
		bob := newParty(t, r, true)

		send, recv := handshake(t, r, alice, bob)

		const N = 500
		msgs := make([]Message, N)
		ad := make([]byte, 100)
		plaintext := make([]byte, 100)
		for i := range msgs {
			var err error
			msgs[i], err = send.Seal(plaintext, ad)
			require.NoErrorf(t, err, "#%d", i)
		}
		mrand.Shuffle(len(msgs), func(i, j int) {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		})

		for i, msg := range msgs {
			got, err := recv.Open(rand.Reader, msg, ad)
			require.NoErrorf(t, err, "#%d", i)
			require.Truef(t, hmac.Equal(plaintext, got), "#%d: expected %#x, got %#x", i, plaintext, got)
		}
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) { test(t, tc.fn) })
	}
}

// TestResume pauses and resumes both sessions from persisted State between
// every message.
func TestResume(t *testing.T) {
	test := func(t *testing.T, fn func(*testing.T) Ratchet) {
		r := fn(t)
		alice := newParty(t, r, true)
		bob := newParty(t, r, true)

		send, recv := handshake(t, r, alice, bob)

		const N = 500
		plaintext := make([]byte, 4096)
		ad := make([]byte, 172)
		for i := 0; i < N; i++ {
			_, err := rand.Read(plaintext)
			require.NoError(t, err)
			_, err = rand.Read(ad)
			require.NoError(t, err)

			msg, err := send.Seal(plaintext, ad)
			require.NoErrorf(t, err, "#%d", i)
			got, err := recv.Open(rand.Reader, msg, ad)
			require.NoErrorf(t, err, "#%d", i)
			require.Truef(t, hmac.Equal(plaintext, got), "#%d: expected %q, got %q", i, plaintext, got)

			rs, ss := send.State(), recv.State()
			send = Resume(r, ss)
			recv = Resume(r, rs)
		}
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) { test(t, tc.fn) })
	}
}

// TestSealWithoutInit ensures Seal panics on a Session whose sending chain
// was never established.
func TestSealWithoutInit(t *testing.T) {
	for _, tc := range testCases {
		fn := tc.fn
		t.Run(tc.name, func(t *testing.T) {
			r := fn(t)
			uninit := Resume(r, &State{})
			require.True(t, didPanic(func() {
				uninit.Seal(nil, nil)
			}), "should have panicked")
		})
	}
}

// TestHybridCombineOrderParity asserts that sender and recipient derive
// byte-identical root keys from the hybrid combine, i.e. that the fixed
// concatenation order (classical DH terms, then the KEM shared secret) is
// applied identically on both sides.
func TestHybridCombineOrderParity(t *testing.T) {
	for _, tc := range testCases {
		fn := tc.fn
		t.Run(tc.name, func(t *testing.T) {
			r := fn(t)
			alice := newParty(t, r, true)
			bob := newParty(t, r, true)

			aliceSession, err := SenderInit(r, rand.Reader, alice.local, bob.public)
			require.NoError(t, err)

			header := Header{
				RemoteLongTermPublicKey: r.Public(alice.local.LongTermPrivateKey),
				RemoteOneTimePublicKey:  r.Public(alice.local.OneTimePrivateKey),
				RemotePQKemPublicKey:    r.PQPublic(alice.local.PQKemPrivateKey),
				KEMCiphertext:           aliceSession.State().PendingKEMCiphertext,
			}

			bobSession, err := RecipientInit(r, bob.local, header)
			require.NoError(t, err)

			require.Equal(t, aliceSession.State().RootKey, bobSession.State().RootKey)
			require.Equal(t, aliceSession.State().SendingChainKey, bobSession.State().ReceivingChainKey)
		})
	}
}

func didPanic(fn func()) (panicked bool) {
	defer func() {
		panicked = recover() != nil
	}()
	fn()
	return
}
