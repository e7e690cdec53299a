package attestation

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/identity"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
)

// SignRoot snapshots the tree root and signs it for publication
func SignRoot(tree merkletree.MerkleTree, keyPair *identity.KeyPair) (*merkletree.MerkleRoot, error) {
	rootHash, err := tree.Root()
	if err != nil {
		return nil, err
	}

	root := &merkletree.MerkleRoot{
		RootHash:      rootHash,
		DocumentCount: tree.Length(),
		Timestamp:     common.UnixSeconds(time.Now()),
		PeerID:        keyPair.PeerID,
	}

	sig, err := keyPair.Sign(root.CanonicalBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign merkle root %s; %w", rootHash, err)
	}
	root.Signature = hex.EncodeToString(sig)

	return root, nil
}

// VerifyRoot returns true if the root carries a valid signature from the owner of publicKey
func VerifyRoot(root *merkletree.MerkleRoot, publicKey []byte) bool {
	if root == nil || root.Signature == "" {
		return false
	}
	return verifySignature(root.PeerID, root.Signature, root.CanonicalBytes(), publicKey)
}
