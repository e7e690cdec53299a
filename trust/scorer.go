package trust

import (
	"fmt"
	"math"
	"time"

	"github.com/provideplatform/infomesh/common"
)

// DefaultScore is the score of a peer the store has never recorded
const DefaultScore = 0.5

// Scorer computes peer trust and owns the isolation state machine
type Scorer struct {
	store Store
	clock func() time.Time
}

// Summary is the computed trust view of a peer
type Summary struct {
	*PeerTrust
	Score float64 `json:"score"`
	Tier  Tier    `json:"tier"`
	Known bool    `json:"known"`
}

// NewScorer returns a scorer over the given store
func NewScorer(store Store) *Scorer {
	return &Scorer{
		store: store,
		clock: time.Now,
	}
}

// WithClock overrides the scorer clock
func (s *Scorer) WithClock(clock func() time.Time) *Scorer {
	s.clock = clock
	return s
}

// Get returns the trust summary for peerID; an unknown peer has the default score and Normal tier
func (s *Scorer) Get(peerID string) (*Summary, error) {
	peer, err := s.store.Get(peerID)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		return &Summary{
			PeerTrust: newPeerTrust(peerID),
			Score:     DefaultScore,
			Tier:      TierFor(DefaultScore),
		}, nil
	}
	return &Summary{
		PeerTrust: peer,
		Score:     peer.Score(),
		Tier:      peer.Tier(),
		Known:     true,
	}, nil
}

// Score returns the current trust score of peerID
func (s *Scorer) Score(peerID string) (float64, error) {
	summary, err := s.Get(peerID)
	if err != nil {
		return 0, err
	}
	return summary.Score, nil
}

// RecordAudit records a finalized audit outcome; the third consecutive failure isolates the peer
func (s *Scorer) RecordAudit(peerID string, passed bool) (*PeerTrust, error) {
	return s.store.Update(peerID, func(peer *PeerTrust) ([]*TrustEvent, error) {
		peer.AuditsTotal++
		if passed {
			peer.AuditsPassed++
			peer.ConsecutiveFailures = 0
			return []*TrustEvent{{Event: EventAuditPassed, Value: 1}}, nil
		}

		peer.ConsecutiveFailures++
		events := []*TrustEvent{{Event: EventAuditFailed, Value: float64(peer.ConsecutiveFailures)}}
		if peer.ConsecutiveFailures >= AuditFailureIsolationThreshold && !peer.Isolated {
			events = append(events, s.isolate(peer, fmt.Sprintf("%d consecutive audit failures", peer.ConsecutiveFailures)))
		}
		return events, nil
	})
}

// RecordUptime adds observed uptime hours
func (s *Scorer) RecordUptime(peerID string, hours float64) (*PeerTrust, error) {
	if !validNonNegative(hours) {
		return nil, fmt.Errorf("%w: uptime hours must be a non-negative number; got %v", common.ErrInvalidInput, hours)
	}
	return s.store.Update(peerID, func(peer *PeerTrust) ([]*TrustEvent, error) {
		peer.UptimeHours += hours
		return []*TrustEvent{{Event: EventUptime, Value: hours}}, nil
	})
}

// RecordContribution adds raw contribution credit
func (s *Scorer) RecordContribution(peerID string, amount float64) (*PeerTrust, error) {
	if !validNonNegative(amount) {
		return nil, fmt.Errorf("%w: contribution must be a non-negative number; got %v", common.ErrInvalidInput, amount)
	}
	return s.store.Update(peerID, func(peer *PeerTrust) ([]*TrustEvent, error) {
		peer.ContributionRaw += amount
		return []*TrustEvent{{Event: EventContribution, Value: amount}}, nil
	})
}

// RecordSummaryRating records a quality rating in [0, 1] for a summary served by the peer
func (s *Scorer) RecordSummaryRating(peerID string, rating float64) (*PeerTrust, error) {
	if !validNonNegative(rating) || rating > 1 {
		return nil, fmt.Errorf("%w: summary rating must be within [0, 1]; got %v", common.ErrInvalidInput, rating)
	}
	return s.store.Update(peerID, func(peer *PeerTrust) ([]*TrustEvent, error) {
		peer.SummaryRatingSum += rating
		peer.SummaryRatingCount++
		return []*TrustEvent{{Event: EventSummaryRating, Value: rating}}, nil
	})
}

// Isolate bans peerID until Unisolate is called
func (s *Scorer) Isolate(peerID, reason string) error {
	_, err := s.store.Update(peerID, func(peer *PeerTrust) ([]*TrustEvent, error) {
		if peer.Isolated {
			return nil, nil
		}
		return []*TrustEvent{s.isolate(peer, reason)}, nil
	})
	return err
}

// Unisolate lifts the isolation of peerID and clears its consecutive failure count
func (s *Scorer) Unisolate(peerID string) error {
	_, err := s.store.Update(peerID, func(peer *PeerTrust) ([]*TrustEvent, error) {
		if !peer.Isolated {
			return nil, nil
		}
		peer.Isolated = false
		peer.IsolatedAt = nil
		peer.ConsecutiveFailures = 0
		common.Log.Debugf("peer %s unisolated", common.ShortPeerID(peer.PeerID))
		return []*TrustEvent{{Event: EventUnisolated}}, nil
	})
	return err
}

// Isolated reports whether peerID is isolated
func (s *Scorer) Isolated(peerID string) (bool, error) {
	peer, err := s.store.Get(peerID)
	if err != nil {
		return false, err
	}
	return peer != nil && peer.Isolated, nil
}

// IsIsolated is the isolation predicate used at the transport boundary; a store failure
// treats the peer as isolated so unverifiable peers are never let through
func (s *Scorer) IsIsolated(peerID string) bool {
	isolated, err := s.Isolated(peerID)
	if err != nil {
		common.Log.Warningf("failed to resolve isolation state of peer %s; %s", common.ShortPeerID(peerID), err.Error())
		return true
	}
	return isolated
}

// ListIsolated returns the ids of every isolated peer
func (s *Scorer) ListIsolated() ([]string, error) {
	peers, err := s.store.ListIsolated()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(peers))
	for _, peer := range peers {
		ids = append(ids, peer.PeerID)
	}
	return ids, nil
}

// Events returns the most recent trust events of peerID, newest first
func (s *Scorer) Events(peerID string, limit int) ([]*TrustEvent, error) {
	return s.store.Events(peerID, limit)
}

func (s *Scorer) isolate(peer *PeerTrust, reason string) *TrustEvent {
	now := s.clock()
	peer.Isolated = true
	peer.IsolatedAt = &now
	common.Log.Warningf("peer %s isolated; %s", common.ShortPeerID(peer.PeerID), reason)
	return &TrustEvent{Event: EventIsolated, Detail: reason, CreatedAt: now}
}

func validNonNegative(val float64) bool {
	return !math.IsNaN(val) && !math.IsInf(val, 0) && val >= 0
}
