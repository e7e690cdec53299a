package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/provideplatform/infomesh/common"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/eddsa"
	"go.dedis.ch/kyber/v3/util/random"
)

// PeerIDLength is the number of hex characters of the public key digest used as a peer id
const PeerIDLength = 40

// SignatureLength is the fixed byte length of an Ed25519 signature
const SignatureLength = 64

var suite = edwards25519.NewBlakeSHA256Ed25519()

// KeyPair is the Ed25519 identity of a node
type KeyPair struct {
	PeerID    string
	PublicKey []byte

	signer *eddsa.EdDSA
}

// GenerateKeyPair returns a freshly generated identity
func GenerateKeyPair() (*KeyPair, error) {
	return keyPairFromSigner(eddsa.NewEdDSA(random.New()))
}

// LoadKeyPair reads a hex-encoded identity from the given path
func LoadKeyPair(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity key at %s; %w", path, err)
	}

	buf, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity key at %s; %w", path, err)
	}

	signer := &eddsa.EdDSA{}
	if err := signer.UnmarshalBinary(buf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity key at %s; %w", path, err)
	}

	return keyPairFromSigner(signer)
}

// LoadOrGenerateKeyPair loads the identity at path, generating and persisting one when absent
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	if path == "" {
		return GenerateKeyPair()
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := kp.Save(path); err != nil {
			return nil, err
		}
		common.Log.Debugf("generated node identity %s at %s", common.ShortPeerID(kp.PeerID), path)
		return kp, nil
	}

	return LoadKeyPair(path)
}

func keyPairFromSigner(signer *eddsa.EdDSA) (*KeyPair, error) {
	pub, err := signer.Public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key; %w", err)
	}

	return &KeyPair{
		PeerID:    PeerIDFromPublicKey(pub),
		PublicKey: pub,
		signer:    signer,
	}, nil
}

// Save writes the hex-encoded identity to the given path with owner-only permissions
func (k *KeyPair) Save(path string) error {
	buf, err := k.signer.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal identity key; %w", err)
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(buf)), 0600)
}

// Sign returns the Ed25519 signature of msg
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	return k.signer.Sign(msg)
}

// PeerIDFromPublicKey derives the peer id from a marshaled public key
func PeerIDFromPublicKey(pub []byte) string {
	return common.SHA256Hex(pub)[:PeerIDLength]
}

// Verify checks an Ed25519 signature of msg against a marshaled public key
func Verify(publicKey, msg, sig []byte) error {
	if len(sig) != SignatureLength {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	point := suite.Point()
	if err := point.UnmarshalBinary(publicKey); err != nil {
		return fmt.Errorf("invalid public key; %w", err)
	}

	return eddsa.Verify(point, msg, sig)
}
