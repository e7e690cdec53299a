package farming

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jinzhu/gorm"
	"github.com/provideplatform/infomesh/common"
)

// Store persists the peer registry, action log and anomaly log
type Store interface {
	// Register records peerID as first seen at now unless already registered
	Register(peerID string, now float64) (*PeerRecord, error)
	// Peer returns the registry entry for peerID, or nil when unseen
	Peer(peerID string) (*PeerRecord, error)
	// RecordAction appends an action to the log
	RecordAction(peerID, action string, at float64) error
	// RecentActions returns the timestamps of the most recent limit actions, oldest first
	RecentActions(peerID, action string, limit int) ([]float64, error)
	// CountActions counts actions of the given type at or after since
	CountActions(peerID, action string, since float64) (int, error)
	// RecordAnomaly logs an anomaly, increments the anomaly counter and blocks the peer once
	// the counter reaches blockThreshold, as one atomic step
	RecordAnomaly(anomaly *AnomalyRecord, blockThreshold int) (*PeerRecord, error)
	// Anomalies returns up to limit of the most recent anomalies, newest first
	Anomalies(peerID string, limit int) ([]*AnomalyRecord, error)
	// Unblock clears the blocked flag and anomaly counter
	Unblock(peerID string) error
	// PruneActions drops action log entries older than before
	PruneActions(before float64) (int, error)
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mutex     sync.Mutex
	peers     map[string]*PeerRecord
	actions   map[string][]float64
	anomalies map[string][]*AnomalyRecord
}

// NewMemoryStore returns an empty in-memory farming store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:     map[string]*PeerRecord{},
		actions:   map[string][]float64{},
		anomalies: map[string][]*AnomalyRecord{},
	}
}

func actionKey(peerID, action string) string {
	return peerID + "|" + action
}

// Register implements Store
func (s *MemoryStore) Register(peerID string, now float64) (*PeerRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	peer, ok := s.peers[peerID]
	if !ok {
		peer = &PeerRecord{PeerID: peerID, FirstSeen: now}
		s.peers[peerID] = peer
	}
	cpy := *peer
	return &cpy, nil
}

// Peer implements Store
func (s *MemoryStore) Peer(peerID string) (*PeerRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if peer, ok := s.peers[peerID]; ok {
		cpy := *peer
		return &cpy, nil
	}
	return nil, nil
}

// RecordAction implements Store
func (s *MemoryStore) RecordAction(peerID, action string, at float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	key := actionKey(peerID, action)
	log := append(s.actions[key], at)
	if n := len(log); n > 1 && log[n-1] < log[n-2] {
		sort.Float64s(log)
	}
	s.actions[key] = log
	return nil
}

// RecentActions implements Store
func (s *MemoryStore) RecentActions(peerID, action string, limit int) ([]float64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	log := s.actions[actionKey(peerID, action)]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]float64(nil), log...), nil
}

// CountActions implements Store
func (s *MemoryStore) CountActions(peerID, action string, since float64) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	log := s.actions[actionKey(peerID, action)]
	idx := sort.SearchFloat64s(log, since)
	return len(log) - idx, nil
}

// RecordAnomaly implements Store
func (s *MemoryStore) RecordAnomaly(anomaly *AnomalyRecord, blockThreshold int) (*PeerRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	peer, ok := s.peers[anomaly.PeerID]
	if !ok {
		peer = &PeerRecord{PeerID: anomaly.PeerID, FirstSeen: anomaly.Timestamp}
		s.peers[anomaly.PeerID] = peer
	}

	recordAnomaly(peer, anomaly, blockThreshold)
	anomaly.ID = uint(len(s.anomalies[anomaly.PeerID]) + 1)
	s.anomalies[anomaly.PeerID] = append(s.anomalies[anomaly.PeerID], anomaly)

	cpy := *peer
	return &cpy, nil
}

// Anomalies implements Store
func (s *MemoryStore) Anomalies(peerID string, limit int) ([]*AnomalyRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	log := s.anomalies[peerID]
	anomalies := make([]*AnomalyRecord, 0)
	for i := len(log) - 1; i >= 0 && (limit <= 0 || len(anomalies) < limit); i-- {
		cpy := *log[i]
		anomalies = append(anomalies, &cpy)
	}
	return anomalies, nil
}

// Unblock implements Store
func (s *MemoryStore) Unblock(peerID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if peer, ok := s.peers[peerID]; ok {
		peer.Blocked = false
		peer.BlockedAt = nil
		peer.AnomalyCount = 0
	}
	return nil
}

// PruneActions implements Store
func (s *MemoryStore) PruneActions(before float64) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	pruned := 0
	for key, log := range s.actions {
		idx := sort.SearchFloat64s(log, before)
		pruned += idx
		if idx == len(log) {
			delete(s.actions, key)
		} else if idx > 0 {
			s.actions[key] = append([]float64(nil), log[idx:]...)
		}
	}
	return pruned, nil
}

// recordAnomaly increments the anomaly counter and applies the sticky auto-block
func recordAnomaly(peer *PeerRecord, anomaly *AnomalyRecord, blockThreshold int) {
	peer.AnomalyCount++
	if peer.AnomalyCount >= blockThreshold && !peer.Blocked {
		blockedAt := anomaly.Timestamp
		peer.Blocked = true
		peer.BlockedAt = &blockedAt
		common.Log.Warningf("peer %s auto-blocked after %d anomalies", common.ShortPeerID(peer.PeerID), peer.AnomalyCount)
	}
}

// GormStore is a Store persisted with gorm
type GormStore struct {
	db    *gorm.DB
	mutex sync.Mutex
}

// Migrate creates the farming tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&PeerRecord{}, &ActionRecord{}, &AnomalyRecord{}).Error
}

// NewGormStore returns a farming store backed by db
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db: db,
	}
}

func storageError(op, peerID string, err error) error {
	return fmt.Errorf("%w: failed to %s for %s; %s", common.ErrStorageUnavailable, op, common.ShortPeerID(peerID), err.Error())
}

// Register implements Store
func (s *GormStore) Register(peerID string, now float64) (*PeerRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	peer := &PeerRecord{}
	err := s.db.Where("peer_id = ?", peerID).First(peer).Error
	if err == nil {
		return peer, nil
	} else if !gorm.IsRecordNotFoundError(err) {
		return nil, storageError("read farming registry", peerID, err)
	}

	peer = &PeerRecord{PeerID: peerID, FirstSeen: now}
	if err := s.db.Create(peer).Error; err != nil {
		return nil, storageError("register peer", peerID, err)
	}
	return peer, nil
}

// Peer implements Store
func (s *GormStore) Peer(peerID string) (*PeerRecord, error) {
	peer := &PeerRecord{}
	err := s.db.Where("peer_id = ?", peerID).First(peer).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	} else if err != nil {
		return nil, storageError("read farming registry", peerID, err)
	}
	return peer, nil
}

// RecordAction implements Store
func (s *GormStore) RecordAction(peerID, action string, at float64) error {
	if err := s.db.Create(&ActionRecord{PeerID: peerID, Action: action, Timestamp: at}).Error; err != nil {
		return storageError("record action", peerID, err)
	}
	return nil
}

// RecentActions implements Store
func (s *GormStore) RecentActions(peerID, action string, limit int) ([]float64, error) {
	rows := make([]*ActionRecord, 0)
	query := s.db.Where("peer_id = ? AND action = ?", peerID, action).Order("timestamp DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, storageError("read action log", peerID, err)
	}

	timestamps := make([]float64, len(rows))
	for i, row := range rows {
		timestamps[len(rows)-1-i] = row.Timestamp
	}
	return timestamps, nil
}

// CountActions implements Store
func (s *GormStore) CountActions(peerID, action string, since float64) (int, error) {
	var count int
	err := s.db.Model(&ActionRecord{}).Where("peer_id = ? AND action = ? AND timestamp >= ?", peerID, action, since).Count(&count).Error
	if err != nil {
		return 0, storageError("count actions", peerID, err)
	}
	return count, nil
}

// RecordAnomaly implements Store
func (s *GormStore) RecordAnomaly(anomaly *AnomalyRecord, blockThreshold int) (*PeerRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, storageError("begin anomaly update", anomaly.PeerID, tx.Error)
	}

	peer := &PeerRecord{}
	found := true
	err := tx.Where("peer_id = ?", anomaly.PeerID).First(peer).Error
	if gorm.IsRecordNotFoundError(err) {
		peer = &PeerRecord{PeerID: anomaly.PeerID, FirstSeen: anomaly.Timestamp}
		found = false
	} else if err != nil {
		tx.Rollback()
		return nil, storageError("read farming registry", anomaly.PeerID, err)
	}

	recordAnomaly(peer, anomaly, blockThreshold)

	if found {
		err = tx.Save(peer).Error
	} else {
		err = tx.Create(peer).Error
	}
	if err == nil {
		err = tx.Create(anomaly).Error
	}
	if err != nil {
		tx.Rollback()
		return nil, storageError("record anomaly", anomaly.PeerID, err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, storageError("commit anomaly", anomaly.PeerID, err)
	}
	return peer, nil
}

// Anomalies implements Store
func (s *GormStore) Anomalies(peerID string, limit int) ([]*AnomalyRecord, error) {
	anomalies := make([]*AnomalyRecord, 0)
	query := s.db.Where("peer_id = ?", peerID).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&anomalies).Error; err != nil {
		return nil, storageError("read anomaly log", peerID, err)
	}
	return anomalies, nil
}

// Unblock implements Store
func (s *GormStore) Unblock(peerID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := s.db.Model(&PeerRecord{}).Where("peer_id = ?", peerID).Updates(map[string]interface{}{
		"blocked":       false,
		"blocked_at":    nil,
		"anomaly_count": 0,
	}).Error
	if err != nil {
		return storageError("unblock", peerID, err)
	}
	return nil
}

// PruneActions implements Store
func (s *GormStore) PruneActions(before float64) (int, error) {
	result := s.db.Where("timestamp < ?", before).Delete(&ActionRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: failed to prune action log; %s", common.ErrStorageUnavailable, result.Error.Error())
	}
	return int(result.RowsAffected), nil
}
