package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Len(t, kp.PeerID, PeerIDLength)

	sig, err := kp.Sign([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	require.NoError(t, Verify(kp.PublicKey, []byte("hello"), sig))
	require.Error(t, Verify(kp.PublicKey, []byte("hellO"), sig))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Error(t, Verify(other.PublicKey, []byte("hello"), sig))
	require.Error(t, Verify(kp.PublicKey, []byte("hello"), sig[:10]))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	kp, err := LoadOrGenerateKeyPair(path)
	require.NoError(t, err)

	loaded, err := LoadOrGenerateKeyPair(path)
	require.NoError(t, err)
	require.Equal(t, kp.PeerID, loaded.PeerID)
	require.Equal(t, kp.PublicKey, loaded.PublicKey)

	sig, err := loaded.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, Verify(kp.PublicKey, []byte("payload"), sig))
}

func TestRegistry(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	registry := NewRegistry()
	peerID, err := registry.Register(kp.PublicKey)
	require.NoError(t, err)
	require.Equal(t, kp.PeerID, peerID)

	key, ok := registry.PublicKey(peerID)
	require.True(t, ok)
	require.Equal(t, kp.PublicKey, key)

	_, ok = registry.PublicKey("unknown")
	require.False(t, ok)

	_, err = registry.Register([]byte("short"))
	require.Error(t, err)
}
