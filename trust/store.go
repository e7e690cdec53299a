package trust

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/provideplatform/infomesh/common"
)

// UpdateFunc mutates a peer's trust row in place and returns the events it produced
type UpdateFunc func(peer *PeerTrust) ([]*TrustEvent, error)

// Store persists peer trust rows and the trust event log
type Store interface {
	// Get returns the stored row for peerID, or nil when the peer was never recorded
	Get(peerID string) (*PeerTrust, error)
	// Update applies fn to the row for peerID, creating it when absent, as a single atomic step
	Update(peerID string, fn UpdateFunc) (*PeerTrust, error)
	// ListIsolated returns every isolated peer
	ListIsolated() ([]*PeerTrust, error)
	// Events returns up to limit of the most recent events for peerID, newest first
	Events(peerID string, limit int) ([]*TrustEvent, error)
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mutex  sync.Mutex
	peers  map[string]*PeerTrust
	events map[string][]*TrustEvent
	nextID uint
}

// NewMemoryStore returns an empty in-memory trust store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:  map[string]*PeerTrust{},
		events: map[string][]*TrustEvent{},
	}
}

// Get implements Store
func (s *MemoryStore) Get(peerID string) (*PeerTrust, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if peer, ok := s.peers[peerID]; ok {
		cpy := *peer
		return &cpy, nil
	}
	return nil, nil
}

// Update implements Store
func (s *MemoryStore) Update(peerID string, fn UpdateFunc) (*PeerTrust, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	peer := newPeerTrust(peerID)
	if existing, ok := s.peers[peerID]; ok {
		cpy := *existing
		peer = &cpy
	}

	events, err := fn(peer)
	if err != nil {
		return nil, err
	}
	peer.UpdatedAt = time.Now()
	s.peers[peerID] = peer

	for _, event := range events {
		s.nextID++
		event.ID = s.nextID
		event.PeerID = peerID
		if event.CreatedAt.IsZero() {
			event.CreatedAt = peer.UpdatedAt
		}
		s.events[peerID] = append(s.events[peerID], event)
	}

	cpy := *peer
	return &cpy, nil
}

// ListIsolated implements Store
func (s *MemoryStore) ListIsolated() ([]*PeerTrust, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	isolated := make([]*PeerTrust, 0)
	for _, peer := range s.peers {
		if peer.Isolated {
			cpy := *peer
			isolated = append(isolated, &cpy)
		}
	}
	sort.Slice(isolated, func(i, j int) bool { return isolated[i].PeerID < isolated[j].PeerID })
	return isolated, nil
}

// Events implements Store
func (s *MemoryStore) Events(peerID string, limit int) ([]*TrustEvent, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	log := s.events[peerID]
	events := make([]*TrustEvent, 0)
	for i := len(log) - 1; i >= 0 && (limit <= 0 || len(events) < limit); i-- {
		cpy := *log[i]
		events = append(events, &cpy)
	}
	return events, nil
}

// GormStore is a Store persisted with gorm
type GormStore struct {
	db    *gorm.DB
	mutex sync.Mutex
}

// Migrate creates the trust tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&PeerTrust{}, &TrustEvent{}).Error
}

// NewGormStore returns a trust store backed by db
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db: db,
	}
}

func storageError(op, peerID string, err error) error {
	return fmt.Errorf("%w: failed to %s trust for %s; %s", common.ErrStorageUnavailable, op, common.ShortPeerID(peerID), err.Error())
}

// Get implements Store
func (s *GormStore) Get(peerID string) (*PeerTrust, error) {
	peer := &PeerTrust{}
	err := s.db.Where("peer_id = ?", peerID).First(peer).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	} else if err != nil {
		return nil, storageError("read", peerID, err)
	}
	return peer, nil
}

// Update implements Store
func (s *GormStore) Update(peerID string, fn UpdateFunc) (*PeerTrust, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, storageError("update", peerID, tx.Error)
	}

	peer := &PeerTrust{}
	found := true
	err := tx.Where("peer_id = ?", peerID).First(peer).Error
	if gorm.IsRecordNotFoundError(err) {
		peer = newPeerTrust(peerID)
		found = false
	} else if err != nil {
		tx.Rollback()
		return nil, storageError("read", peerID, err)
	}

	events, err := fn(peer)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if found {
		err = tx.Save(peer).Error
	} else {
		err = tx.Create(peer).Error
	}
	if err != nil {
		tx.Rollback()
		return nil, storageError("update", peerID, err)
	}

	for _, event := range events {
		event.PeerID = peerID
		if err := tx.Create(event).Error; err != nil {
			tx.Rollback()
			return nil, storageError("log event of", peerID, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, storageError("commit", peerID, err)
	}
	return peer, nil
}

// ListIsolated implements Store
func (s *GormStore) ListIsolated() ([]*PeerTrust, error) {
	isolated := make([]*PeerTrust, 0)
	if err := s.db.Where("isolated = ?", true).Order("peer_id").Find(&isolated).Error; err != nil {
		return nil, fmt.Errorf("%w: failed to list isolated peers; %s", common.ErrStorageUnavailable, err.Error())
	}
	return isolated, nil
}

// Events implements Store
func (s *GormStore) Events(peerID string, limit int) ([]*TrustEvent, error) {
	events := make([]*TrustEvent, 0)
	query := s.db.Where("peer_id = ?", peerID).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, storageError("list events of", peerID, err)
	}
	return events, nil
}
