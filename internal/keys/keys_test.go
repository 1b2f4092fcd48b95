package keys_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightglass/solace/internal/keys"
	"github.com/nightglass/solace/internal/ratchet"
)

func TestSignAndVerifyConfiguration(t *testing.T) {
	r := ratchet.DJB(t.Name())

	dk, err := keys.GenerateDeviceBundle(r, 5)
	require.NoError(t, err)

	signed, err := keys.SignConfiguration(dk, r)
	require.NoError(t, err)

	cfg, err := keys.VerifyConfiguration(signed)
	require.NoError(t, err)
	require.Equal(t, dk.DeviceID, cfg.DeviceID)
	require.Len(t, cfg.OneTimePrekeys, 5)
	require.Len(t, cfg.OneTimePQPrekeys, 5)
}

func TestVerifyConfigurationRejectsTamperedPayload(t *testing.T) {
	r := ratchet.DJB(t.Name())

	dk, err := keys.GenerateDeviceBundle(r, 1)
	require.NoError(t, err)

	signed, err := keys.SignConfiguration(dk, r)
	require.NoError(t, err)

	signed.Payload[0] ^= 0xFF

	_, err = keys.VerifyConfiguration(signed)
	require.ErrorIs(t, err, keys.ErrInvalidSignature)
}

func TestConsumeOneTimeKeyExhaustion(t *testing.T) {
	r := ratchet.DJB(t.Name())

	dk, err := keys.GenerateDeviceBundle(r, 1)
	require.NoError(t, err)
	cfg := dk.Configuration(r)

	_, err = keys.ConsumeOneTimeKey(cfg)
	require.NoError(t, err)

	_, err = keys.ConsumeOneTimeKey(cfg)
	require.ErrorIs(t, err, keys.ErrOneTimeKeyExhausted)
}

func TestNeedsReplenishment(t *testing.T) {
	r := ratchet.DJB(t.Name())

	dk, err := keys.GenerateDeviceBundle(r, 1)
	require.NoError(t, err)
	require.True(t, dk.NeedsReplenishment())

	require.NoError(t, dk.Replenish(r, 20))
	require.False(t, dk.NeedsReplenishment())
}

func TestRotateChangesLongTermKey(t *testing.T) {
	r := ratchet.DJB(t.Name())

	dk, err := keys.GenerateDeviceBundle(r, 1)
	require.NoError(t, err)
	before := append(ratchet.PrivateKey(nil), dk.LongTermPrivateKey...)

	require.NoError(t, dk.Rotate(r))
	require.NotEqual(t, before, dk.LongTermPrivateKey)
}
