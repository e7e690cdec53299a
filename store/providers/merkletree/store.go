package merkletree

import (
	"fmt"
	"sync"

	"github.com/jinzhu/gorm"
	"github.com/provideplatform/infomesh/common"
)

// leaf is a persisted document hash at a leaf position
type leaf struct {
	ID           uint   `gorm:"primary_key"`
	Position     int    `gorm:"not null"`
	DocumentHash string `gorm:"not null"`
}

func (leaf) TableName() string {
	return "merkle_leaves"
}

// DurableMerkleTree is a full MerkleTree impl backed by a gorm persistence provider
type DurableMerkleTree struct {
	*MemoryMerkleTree

	db    *gorm.DB
	mutex sync.Mutex
}

// Migrate creates the tables used by the durable tree
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&leaf{}, &MerkleRoot{}).Error
}

// LoadMerkleTree loads the persisted leaves and rebuilds the tree; an empty store yields an unbuilt tree
func LoadMerkleTree(db *gorm.DB) (*DurableMerkleTree, error) {
	tree := &DurableMerkleTree{
		MemoryMerkleTree: NewMerkleTree(),
		db:               db,
	}

	var leaves []leaf
	if err := db.Order("position asc").Find(&leaves).Error; err != nil {
		return nil, fmt.Errorf("%w: failed to resolve merkle tree leaves; %s", common.ErrStorageUnavailable, err.Error())
	}

	if len(leaves) == 0 {
		return tree, nil
	}

	hashes := make([]string, len(leaves))
	for i := range leaves {
		hashes[i] = leaves[i].DocumentHash
	}

	root, err := tree.MemoryMerkleTree.Build(hashes)
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("imported merkle tree with %d leaves; root: %s", len(hashes), root)
	return tree, nil
}

// Build replaces the persisted leaf set and rebuilds the tree
func (tree *DurableMerkleTree) Build(documentHashes []string) (string, error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	if len(documentHashes) == 0 {
		return tree.MemoryMerkleTree.Build(documentHashes)
	}

	tx := tree.db.Begin()
	if tx.Error != nil {
		return "", fmt.Errorf("%w: %s", common.ErrStorageUnavailable, tx.Error.Error())
	}

	if err := tx.Delete(&leaf{}).Error; err != nil {
		tx.Rollback()
		return "", fmt.Errorf("%w: failed to clear merkle tree leaves; %s", common.ErrStorageUnavailable, err.Error())
	}

	for i, h := range documentHashes {
		if err := tx.Create(&leaf{Position: i, DocumentHash: h}).Error; err != nil {
			tx.Rollback()
			return "", fmt.Errorf("%w: failed to persist merkle tree leaf %d; %s", common.ErrStorageUnavailable, i, err.Error())
		}
	}

	if err := tx.Commit().Error; err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrStorageUnavailable, err.Error())
	}

	return tree.MemoryMerkleTree.Build(documentHashes)
}

// PersistRoot records a published root
func (tree *DurableMerkleTree) PersistRoot(root *MerkleRoot) error {
	if err := tree.db.Create(root).Error; err != nil {
		return fmt.Errorf("%w: failed to persist merkle root %s; %s", common.ErrStorageUnavailable, root.RootHash, err.Error())
	}
	return nil
}

// LatestRoot returns the most recently persisted root, or nil if none has been published
func (tree *DurableMerkleTree) LatestRoot() (*MerkleRoot, error) {
	var roots []MerkleRoot
	if err := tree.db.Order("id desc").Limit(1).Find(&roots).Error; err != nil {
		return nil, fmt.Errorf("%w: failed to resolve latest merkle root; %s", common.ErrStorageUnavailable, err.Error())
	}
	if len(roots) == 0 {
		return nil, nil
	}
	return &roots[0], nil
}
