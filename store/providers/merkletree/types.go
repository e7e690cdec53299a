package merkletree

import (
	"fmt"
	"strconv"

	"github.com/provideplatform/infomesh/common"
)

// MerkleTree defines the methods an index commitment tree exposes
type MerkleTree interface {
	fmt.Stringer
	Build(documentHashes []string) (root string, err error)
	Proof(index int) (*MerkleProof, error)
	HashAt(index int) (string, error)
	IndexOf(documentHash string) int
	Root() (string, error)
	Length() int
}

// MerkleRoot is a published snapshot of a peer's index commitment
type MerkleRoot struct {
	ID            uint    `gorm:"primary_key" json:"-"`
	RootHash      string  `gorm:"not null" json:"root_hash"`
	DocumentCount int     `gorm:"not null" json:"document_count"`
	Timestamp     float64 `gorm:"not null" json:"timestamp"`
	PeerID        string  `gorm:"not null;index" json:"peer_id"`
	Signature     string  `json:"signature,omitempty"`
}

// CanonicalBytes returns the byte string covered by the root signature
func (r *MerkleRoot) CanonicalBytes() []byte {
	return []byte(r.RootHash + "|" + strconv.Itoa(r.DocumentCount) + "|" + common.FormatTimestamp(r.Timestamp) + "|" + r.PeerID)
}
