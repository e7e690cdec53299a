package envelope

import (
	"fmt"
	"sync"

	"github.com/jinzhu/gorm"
	"github.com/provideplatform/infomesh/common"
)

// NonceStore retains the highest accepted nonce per sender
type NonceStore interface {
	// Highest returns the highest accepted nonce for peerID and whether one exists
	Highest(peerID string) (uint64, bool, error)
	// Accept records nonce if it is above the highest accepted nonce and reports whether it was
	Accept(peerID string, nonce uint64) (bool, error)
}

// NonceTracker is the in-memory NonceStore
type NonceTracker struct {
	mutex   sync.Mutex
	highest map[string]uint64
}

// NewNonceTracker returns an empty in-memory nonce tracker
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{
		highest: map[string]uint64{},
	}
}

// Highest implements NonceStore
func (t *NonceTracker) Highest(peerID string) (uint64, bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	nonce, ok := t.highest[peerID]
	return nonce, ok, nil
}

// Accept implements NonceStore
func (t *NonceTracker) Accept(peerID string, nonce uint64) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if prev, ok := t.highest[peerID]; ok && nonce <= prev {
		return false, nil
	}
	t.highest[peerID] = nonce
	return true, nil
}

type peerNonce struct {
	PeerID string `gorm:"primary_key"`
	Nonce  uint64 `gorm:"not null"`
}

func (peerNonce) TableName() string {
	return "envelope_nonces"
}

// DurableNonceTracker is a NonceStore persisted with gorm so replay protection survives restart
type DurableNonceTracker struct {
	db    *gorm.DB
	mutex sync.Mutex
}

// MigrateNonces creates the nonce table
func MigrateNonces(db *gorm.DB) error {
	return db.AutoMigrate(&peerNonce{}).Error
}

// NewDurableNonceTracker returns a nonce store backed by db
func NewDurableNonceTracker(db *gorm.DB) *DurableNonceTracker {
	return &DurableNonceTracker{
		db: db,
	}
}

// Highest implements NonceStore
func (t *DurableNonceTracker) Highest(peerID string) (uint64, bool, error) {
	row := &peerNonce{}
	err := t.db.Where("peer_id = ?", peerID).First(row).Error
	if gorm.IsRecordNotFoundError(err) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("%w: failed to read nonce for %s; %s", common.ErrStorageUnavailable, common.ShortPeerID(peerID), err.Error())
	}
	return row.Nonce, true, nil
}

// Accept implements NonceStore
func (t *DurableNonceTracker) Accept(peerID string, nonce uint64) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	tx := t.db.Begin()
	if tx.Error != nil {
		return false, fmt.Errorf("%w: %s", common.ErrStorageUnavailable, tx.Error.Error())
	}

	row := &peerNonce{}
	err := tx.Where("peer_id = ?", peerID).First(row).Error
	if gorm.IsRecordNotFoundError(err) {
		err = tx.Create(&peerNonce{PeerID: peerID, Nonce: nonce}).Error
	} else if err == nil {
		if nonce <= row.Nonce {
			tx.Rollback()
			return false, nil
		}
		err = tx.Model(row).Update("nonce", nonce).Error
	}

	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("%w: failed to record nonce for %s; %s", common.ErrStorageUnavailable, common.ShortPeerID(peerID), err.Error())
	}

	if err := tx.Commit().Error; err != nil {
		return false, fmt.Errorf("%w: %s", common.ErrStorageUnavailable, err.Error())
	}
	return true, nil
}
