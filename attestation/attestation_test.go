package attestation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/identity"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) *identity.KeyPair {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestCreateAndVerifyAttestation(t *testing.T) {
	kp := testKeyPair(t)
	raw := []byte("<html><body>hello mesh</body></html>")
	text := "hello mesh"

	record, err := CreateAttestation("https://example.com/a", raw, text, kp)
	require.NoError(t, err)
	assert.Equal(t, common.SHA256Hex(raw), record.RawHash)
	assert.Equal(t, common.SHA256(text), record.TextHash)
	assert.Equal(t, len(raw), record.ContentLength)
	assert.Equal(t, kp.PeerID, record.PeerID)

	result := VerifyAttestation(record, kp.PublicKey, raw, &text)
	assert.True(t, result.Valid())
	assert.True(t, result.SignatureValid)
	assert.True(t, result.RawHashValid)
	assert.True(t, result.TextHashValid)

	sigOnly := VerifyAttestation(record, kp.PublicKey, nil, nil)
	assert.True(t, sigOnly.Valid())
	assert.False(t, sigOnly.RawHashChecked)
	assert.False(t, sigOnly.TextHashChecked)
}

func TestCreateAttestationRequiresURL(t *testing.T) {
	_, err := CreateAttestation("", []byte("x"), "x", testKeyPair(t))
	require.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestVerifyAttestationContentMismatch(t *testing.T) {
	kp := testKeyPair(t)
	record, err := CreateAttestation("https://example.com/b", []byte("raw"), "text", kp)
	require.NoError(t, err)

	other := "changed"
	result := VerifyAttestation(record, kp.PublicKey, []byte("different"), &other)
	assert.False(t, result.Valid())
	assert.True(t, result.SignatureValid)
	assert.Equal(t, []string{CheckRawHash, CheckTextHash}, result.Failures)
}

func TestVerifyAttestationTampered(t *testing.T) {
	kp := testKeyPair(t)
	record, err := CreateAttestation("https://example.com/c", []byte("raw"), "text", kp)
	require.NoError(t, err)

	tampered := *record
	tampered.URL = "https://example.com/d"
	assert.Equal(t, []string{CheckSignature}, VerifyAttestation(&tampered, kp.PublicKey, nil, nil).Failures)

	tampered = *record
	tampered.Timestamp += 1
	assert.False(t, VerifyAttestation(&tampered, kp.PublicKey, nil, nil).SignatureValid)

	tampered = *record
	sig, _ := hex.DecodeString(record.Signature)
	sig[0] ^= 0x01
	tampered.Signature = hex.EncodeToString(sig)
	assert.False(t, VerifyAttestation(&tampered, kp.PublicKey, nil, nil).SignatureValid)

	tampered = *record
	tampered.Signature = "not-hex"
	assert.False(t, VerifyAttestation(&tampered, kp.PublicKey, nil, nil).SignatureValid)

	// a valid signature from a different key does not vouch for the recorded peer
	stranger := testKeyPair(t)
	assert.False(t, VerifyAttestation(record, stranger.PublicKey, nil, nil).SignatureValid)
}

func TestAttestationWireFormat(t *testing.T) {
	kp := testKeyPair(t)
	record, err := CreateAttestation("https://example.com/e", []byte("raw"), "text", kp)
	require.NoError(t, err)

	raw, err := json.Marshal(record)
	require.NoError(t, err)

	fields := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"url", "raw_hash", "text_hash", "peer_id", "signature", "timestamp", "content_length"} {
		assert.Contains(t, fields, key)
	}

	decoded := &ContentAttestation{}
	require.NoError(t, json.Unmarshal(raw, decoded))
	assert.True(t, VerifyAttestation(decoded, kp.PublicKey, []byte("raw"), nil).Valid())
}

func TestSignAndVerifyRoot(t *testing.T) {
	kp := testKeyPair(t)
	hashes := make([]string, 7)
	for i := range hashes {
		hashes[i] = common.SHA256(fmt.Sprintf("doc-%d", i))
	}

	tree := merkletree.NewMerkleTree()
	_, err := SignRoot(tree, kp)
	require.ErrorIs(t, err, merkletree.ErrNotBuilt)

	rootHash, err := tree.Build(hashes)
	require.NoError(t, err)

	root, err := SignRoot(tree, kp)
	require.NoError(t, err)
	assert.Equal(t, rootHash, root.RootHash)
	assert.Equal(t, 7, root.DocumentCount)
	assert.True(t, VerifyRoot(root, kp.PublicKey))

	tampered := *root
	tampered.DocumentCount = 8
	assert.False(t, VerifyRoot(&tampered, kp.PublicKey))

	assert.False(t, VerifyRoot(root, testKeyPair(t).PublicKey))
	assert.False(t, VerifyRoot(nil, kp.PublicKey))
}
