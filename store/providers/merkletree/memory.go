package merkletree

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/provideplatform/infomesh/common"
)

// leafPrefix separates leaf hashes from internal node hashes
const leafPrefix = "leaf:"

const (
	// SideLeft means the sibling is hashed on the left of the running hash
	SideLeft = "left"
	// SideRight means the sibling is hashed on the right of the running hash
	SideRight = "right"
)

var (
	// ErrNotBuilt is returned when a tree is queried before Build
	ErrNotBuilt = errors.New("merkle tree not built")
	// ErrOutOfRange is returned for a leaf index outside the tree
	ErrOutOfRange = errors.New("incorrect index - index out of bounds")
)

// Node is a single node or leaf in the merkle tree
type Node struct {
	hash   []byte
	index  int
	Parent *Node
}

// Hash returns the string representation of the hash of the node
func (node *Node) Hash() string {
	return hex.EncodeToString(node.hash)
}

// Index returns the index of this node in its level
func (node *Node) Index() int {
	return node.index
}

// String returns the hash of this node. Alias to Hash()
func (node *Node) String() string {
	return node.Hash()
}

// ProofStep is one sibling on the path from a leaf to the root
type ProofStep struct {
	Hash string `json:"hash"`
	Side string `json:"side"`
}

// MerkleProof proves membership of one document in a committed root
type MerkleProof struct {
	LeafHash  string      `json:"leaf_hash"`
	Siblings  []ProofStep `json:"siblings"`
	RootHash  string      `json:"root_hash"`
	LeafIndex int         `json:"leaf_index"`
}

// LeafHash returns the domain-separated leaf hash for a document hash
func LeafHash(documentHash string) []byte {
	return hashPair([]byte(leafPrefix), []byte(documentHash))
}

func hashPair(left, right []byte) []byte {
	digest := sha256.New()
	digest.Write(left)
	digest.Write(right)
	return digest.Sum(nil)
}

// MemoryMerkleTree is a binary hash tree over an ordered list of document hashes
type MemoryMerkleTree struct {
	Mutex    sync.RWMutex
	Nodes    [][]*Node
	RootNode *Node

	documents []string
}

// NewMerkleTree returns an empty tree; call Build before querying it
func NewMerkleTree() *MemoryMerkleTree {
	return &MemoryMerkleTree{}
}

func (tree *MemoryMerkleTree) getNodeSibling(level int, index int) (*Node, string) {
	nodesCount := len(tree.Nodes[level])
	if index%2 == 1 {
		return tree.Nodes[level][index-1], SideLeft
	}

	if index == nodesCount-1 {
		// odd level; the last node is paired with itself
		return tree.Nodes[level][index], SideRight
	}

	return tree.Nodes[level][index+1], SideRight
}

func (tree *MemoryMerkleTree) createParent(left, right *Node) *Node {
	parentNode := &Node{
		hash:  hashPair(left.hash, right.hash),
		index: left.index / 2,
	}

	left.Parent = parentNode
	right.Parent = parentNode

	return parentNode
}

// Build replaces the tree contents with the given document hashes and returns the hex root
func (tree *MemoryMerkleTree) Build(documentHashes []string) (string, error) {
	if len(documentHashes) == 0 {
		return "", fmt.Errorf("%w: cannot build merkle tree from an empty document list", common.ErrInvalidInput)
	}

	tree.Mutex.Lock()
	defer tree.Mutex.Unlock()

	leaves := make([]*Node, len(documentHashes))
	for i, h := range documentHashes {
		leaves[i] = &Node{
			hash:  LeafHash(h),
			index: i,
		}
	}

	tree.documents = append([]string(nil), documentHashes...)
	tree.Nodes = [][]*Node{leaves}
	return tree.recalculate(), nil
}

// recalculate recreates the tree bottom up from the leaf level; callers hold the write lock
func (tree *MemoryMerkleTree) recalculate() string {
	for level := 0; len(tree.Nodes[level]) > 1; level++ {
		levelLen := len(tree.Nodes[level])
		parents := make([]*Node, 0, (levelLen/2)+(levelLen%2))
		for j := 0; j < levelLen; j += 2 {
			left := tree.Nodes[level][j]
			right, _ := tree.getNodeSibling(level, j)
			parents = append(parents, tree.createParent(left, right))
		}
		tree.Nodes = append(tree.Nodes, parents)
	}

	tree.RootNode = tree.Nodes[len(tree.Nodes)-1][0]
	return tree.RootNode.Hash()
}

// Proof returns the sibling path from the leaf at index to the root
func (tree *MemoryMerkleTree) Proof(index int) (*MerkleProof, error) {
	tree.Mutex.RLock()
	defer tree.Mutex.RUnlock()

	if tree.RootNode == nil {
		return nil, ErrNotBuilt
	}
	if index < 0 || index >= len(tree.Nodes[0]) {
		return nil, fmt.Errorf("%w: %d of %d leaves", ErrOutOfRange, index, len(tree.Nodes[0]))
	}

	proof := &MerkleProof{
		LeafHash:  tree.Nodes[0][index].Hash(),
		Siblings:  make([]ProofStep, 0, len(tree.Nodes)-1),
		RootHash:  tree.RootNode.Hash(),
		LeafIndex: index,
	}

	idx := index
	for level := 0; level < len(tree.Nodes)-1; level++ {
		sibling, side := tree.getNodeSibling(level, idx)
		proof.Siblings = append(proof.Siblings, ProofStep{
			Hash: sibling.Hash(),
			Side: side,
		})
		idx /= 2
	}

	return proof, nil
}

// Root returns the hex hash of the root of the tree
func (tree *MemoryMerkleTree) Root() (string, error) {
	tree.Mutex.RLock()
	defer tree.Mutex.RUnlock()

	if tree.RootNode == nil {
		return "", ErrNotBuilt
	}
	return tree.RootNode.Hash(), nil
}

// Length returns the count of the tree leafs
func (tree *MemoryMerkleTree) Length() int {
	tree.Mutex.RLock()
	defer tree.Mutex.RUnlock()
	return len(tree.documents)
}

// Documents returns a copy of the document hashes committed by the tree
func (tree *MemoryMerkleTree) Documents() []string {
	tree.Mutex.RLock()
	defer tree.Mutex.RUnlock()
	return append([]string(nil), tree.documents...)
}

// IndexOf returns the leaf index of the given document hash, or -1
func (tree *MemoryMerkleTree) IndexOf(documentHash string) int {
	tree.Mutex.RLock()
	defer tree.Mutex.RUnlock()
	for i, h := range tree.documents {
		if h == documentHash {
			return i
		}
	}
	return -1
}

// HashAt returns the leaf hash at given index
func (tree *MemoryMerkleTree) HashAt(index int) (string, error) {
	tree.Mutex.RLock()
	defer tree.Mutex.RUnlock()

	if tree.RootNode == nil {
		return "", ErrNotBuilt
	}
	if index < 0 || index >= len(tree.Nodes[0]) {
		return "", ErrOutOfRange
	}
	return tree.Nodes[0][index].Hash(), nil
}

// String returns human readable version of the tree
func (tree *MemoryMerkleTree) String() string {
	tree.Mutex.RLock()
	defer tree.Mutex.RUnlock()

	b := strings.Builder{}
	for i := len(tree.Nodes) - 1; i >= 0; i-- {
		ll := len(tree.Nodes[i])
		b.WriteString(fmt.Sprintf("Level: %v, Count: %v\n", i, ll))
		for k := 0; k < ll; k++ {
			b.WriteString(fmt.Sprintf("%v\t", tree.Nodes[i][k].Hash()))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// MarshalJSON creates JSON version of the needed fields of the tree
func (tree *MemoryMerkleTree) MarshalJSON() ([]byte, error) {
	root, err := tree.Root()
	if err != nil {
		return nil, err
	}
	res := fmt.Sprintf("{\"root\":\"%v\", \"length\":%v}", root, tree.Length())
	return []byte(res), nil
}

// VerifyProof recomputes the root from the proof and compares it with the claimed root.
// Each step's side must also agree with the corresponding bit of the leaf index.
func VerifyProof(proof *MerkleProof) bool {
	if proof == nil || proof.LeafIndex < 0 {
		return false
	}

	running, err := hex.DecodeString(proof.LeafHash)
	if err != nil || len(running) != sha256.Size {
		return false
	}

	root, err := hex.DecodeString(proof.RootHash)
	if err != nil || len(root) != sha256.Size {
		return false
	}

	idx := proof.LeafIndex
	for _, step := range proof.Siblings {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil || len(sibling) != sha256.Size {
			return false
		}

		switch step.Side {
		case SideLeft:
			if idx%2 != 1 {
				return false
			}
			running = hashPair(sibling, running)
		case SideRight:
			if idx%2 != 0 {
				return false
			}
			running = hashPair(running, sibling)
		default:
			return false
		}
		idx /= 2
	}

	if idx != 0 {
		return false
	}

	return bytes.Equal(running, root)
}

// VerifyDocument checks that the proof's leaf commits to documentHash and that the proof is valid
func VerifyDocument(documentHash string, proof *MerkleProof) bool {
	if proof == nil {
		return false
	}
	if hex.EncodeToString(LeafHash(documentHash)) != proof.LeafHash {
		return false
	}
	return VerifyProof(proof)
}
