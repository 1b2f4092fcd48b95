package envelope_test

import (
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nightglass/solace/internal/envelope"
)

var errAbort = errors.New("abort")

type contactProps struct {
	Nickname string `bson:"nickname"`
	Muted    bool   `bson:"muted"`
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	return key
}

func TestNewAndDecryptProps(t *testing.T) {
	key := randomKey(t)
	env, err := envelope.New(key, contactProps{Nickname: "orla", Muted: false})
	require.NoError(t, err)

	props, err := env.Props()
	require.NoError(t, err)
	require.Equal(t, "orla", props.Nickname)
	require.False(t, props.Muted)
}

func TestModifyAppliesAndPersists(t *testing.T) {
	key := randomKey(t)
	env, err := envelope.New(key, contactProps{Nickname: "orla"})
	require.NoError(t, err)

	err = env.Modify(func(p *contactProps) error {
		p.Muted = true
		return nil
	})
	require.NoError(t, err)

	props, err := env.Props()
	require.NoError(t, err)
	require.True(t, props.Muted)
}

func TestModifyErrorLeavesEnvelopeUnchanged(t *testing.T) {
	key := randomKey(t)
	env, err := envelope.New(key, contactProps{Nickname: "orla"})
	require.NoError(t, err)
	before := env.Ciphertext()

	err = env.Modify(func(p *contactProps) error {
		p.Nickname = "changed"
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.Equal(t, before, env.Ciphertext())
}

func TestMakeDecryptedModelRoundTrips(t *testing.T) {
	key := randomKey(t)
	env, err := envelope.New(key, contactProps{Nickname: "orla"})
	require.NoError(t, err)

	reloaded := envelope.MakeDecryptedModel[contactProps](key, env.Ciphertext())
	props, err := reloaded.Props()
	require.NoError(t, err)
	require.Equal(t, "orla", props.Nickname)
}

func TestDecryptPropsFailsWithWrongKey(t *testing.T) {
	key := randomKey(t)
	env, err := envelope.New(key, contactProps{Nickname: "orla"})
	require.NoError(t, err)

	wrongKey := randomKey(t)
	reloaded := envelope.MakeDecryptedModel[contactProps](wrongKey, env.Ciphertext())
	_, err = reloaded.Props()
	require.Error(t, err)
}
