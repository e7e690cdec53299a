package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jinzhu/gorm"
	"github.com/provideplatform/infomesh/common"
)

// DefaultHistoryLimit bounds the number of archived audit summaries
const DefaultHistoryLimit = 1000

// SummaryStore archives finalized audits
type SummaryStore interface {
	Save(summary *AuditSummary) error
	Get(auditID string) (*AuditSummary, error)
	// Recent returns up to limit of the most recent summaries, newest first; a non-empty
	// targetPeer restricts the result to audits of that peer
	Recent(targetPeer string, limit int) ([]*AuditSummary, error)
}

// MemorySummaryStore is a bounded in-process SummaryStore
type MemorySummaryStore struct {
	mutex     sync.Mutex
	limit     int
	summaries []*AuditSummary
}

// NewMemorySummaryStore returns an in-memory history retaining at most limit summaries
func NewMemorySummaryStore(limit int) *MemorySummaryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemorySummaryStore{
		limit:     limit,
		summaries: make([]*AuditSummary, 0),
	}
}

// Save implements SummaryStore
func (s *MemorySummaryStore) Save(summary *AuditSummary) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.summaries = append(s.summaries, summary)
	if len(s.summaries) > s.limit {
		s.summaries = append([]*AuditSummary(nil), s.summaries[len(s.summaries)-s.limit:]...)
	}
	return nil
}

// Get implements SummaryStore
func (s *MemorySummaryStore) Get(auditID string) (*AuditSummary, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, summary := range s.summaries {
		if summary.AuditID == auditID {
			return summary, nil
		}
	}
	return nil, nil
}

// Recent implements SummaryStore
func (s *MemorySummaryStore) Recent(targetPeer string, limit int) ([]*AuditSummary, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	summaries := make([]*AuditSummary, 0)
	for i := len(s.summaries) - 1; i >= 0 && (limit <= 0 || len(summaries) < limit); i-- {
		if targetPeer == "" || s.summaries[i].TargetPeer == targetPeer {
			summaries = append(summaries, s.summaries[i])
		}
	}
	return summaries, nil
}

// summaryRecord is the persisted form of an AuditSummary
type summaryRecord struct {
	ID                 uint    `gorm:"primary_key"`
	AuditID            string  `gorm:"not null;unique_index"`
	TargetPeer         string  `gorm:"not null;index"`
	URL                string  `gorm:"not null"`
	FinalVerdict       string  `gorm:"not null"`
	PassCount          int     `gorm:"not null"`
	FailCount          int     `gorm:"not null"`
	ErrorCount         int     `gorm:"not null"`
	SuspiciousAuditors string  `gorm:"type:text"`
	Results            string  `gorm:"type:text"`
	FinalizedAt        float64 `gorm:"not null"`
}

func (summaryRecord) TableName() string {
	return "audit_summaries"
}

func (r *summaryRecord) summary() (*AuditSummary, error) {
	summary := &AuditSummary{
		AuditID:            r.AuditID,
		TargetPeer:         r.TargetPeer,
		URL:                r.URL,
		FinalVerdict:       Verdict(r.FinalVerdict),
		PassCount:          r.PassCount,
		FailCount:          r.FailCount,
		ErrorCount:         r.ErrorCount,
		SuspiciousAuditors: make([]string, 0),
		Results:            make([]*AuditResult, 0),
		FinalizedAt:        r.FinalizedAt,
	}
	if r.SuspiciousAuditors != "" {
		summary.SuspiciousAuditors = strings.Split(r.SuspiciousAuditors, ",")
	}
	if r.Results != "" {
		if err := json.Unmarshal([]byte(r.Results), &summary.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results of audit %s; %w", r.AuditID, err)
		}
	}
	return summary, nil
}

// GormSummaryStore is a SummaryStore persisted with gorm
type GormSummaryStore struct {
	db    *gorm.DB
	limit int
	mutex sync.Mutex
}

// Migrate creates the audit summary table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&summaryRecord{}).Error
}

// NewGormSummaryStore returns a summary store backed by db retaining at most limit summaries
func NewGormSummaryStore(db *gorm.DB, limit int) *GormSummaryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &GormSummaryStore{
		db:    db,
		limit: limit,
	}
}

// Save implements SummaryStore
func (s *GormSummaryStore) Save(summary *AuditSummary) error {
	results, err := json.Marshal(summary.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results of audit %s; %w", summary.AuditID, err)
	}

	record := &summaryRecord{
		AuditID:            summary.AuditID,
		TargetPeer:         summary.TargetPeer,
		URL:                summary.URL,
		FinalVerdict:       string(summary.FinalVerdict),
		PassCount:          summary.PassCount,
		FailCount:          summary.FailCount,
		ErrorCount:         summary.ErrorCount,
		SuspiciousAuditors: strings.Join(summary.SuspiciousAuditors, ","),
		Results:            string(results),
		FinalizedAt:        summary.FinalizedAt,
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx := s.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("%w: %s", common.ErrStorageUnavailable, tx.Error.Error())
	}
	if err := tx.Create(record).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: failed to archive audit %s; %s", common.ErrStorageUnavailable, summary.AuditID, err.Error())
	}
	if record.ID > uint(s.limit) {
		if err := tx.Where("id <= ?", record.ID-uint(s.limit)).Delete(&summaryRecord{}).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: failed to trim audit history; %s", common.ErrStorageUnavailable, err.Error())
		}
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("%w: %s", common.ErrStorageUnavailable, err.Error())
	}
	return nil
}

// Get implements SummaryStore
func (s *GormSummaryStore) Get(auditID string) (*AuditSummary, error) {
	record := &summaryRecord{}
	err := s.db.Where("audit_id = ?", auditID).First(record).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: failed to read audit %s; %s", common.ErrStorageUnavailable, auditID, err.Error())
	}
	return record.summary()
}

// Recent implements SummaryStore
func (s *GormSummaryStore) Recent(targetPeer string, limit int) ([]*AuditSummary, error) {
	records := make([]*summaryRecord, 0)
	query := s.db.Order("id DESC")
	if targetPeer != "" {
		query = query.Where("target_peer = ?", targetPeer)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: failed to list audits; %s", common.ErrStorageUnavailable, err.Error())
	}

	summaries := make([]*AuditSummary, 0, len(records))
	for _, record := range records {
		summary, err := record.summary()
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
