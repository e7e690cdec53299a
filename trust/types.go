/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package trust

import (
	"math"
	"time"

	"github.com/provideplatform/infomesh/common"
)

// Tier is a coarse bucket derived from the trust score
type Tier string

const (
	TierTrusted   Tier = "trusted"
	TierNormal    Tier = "normal"
	TierSuspect   Tier = "suspect"
	TierUntrusted Tier = "untrusted"
)

// AuditFailureIsolationThreshold is the number of consecutive failed audits that isolates a peer
const AuditFailureIsolationThreshold = 3

const (
	weightUptime       = 0.15
	weightContribution = 0.25
	weightAudit        = 0.40
	weightSummary      = 0.20

	uptimeSaturationHours  = 720.0
	contributionSaturation = 5000.0
	defaultAuditRate       = 0.5
	defaultSummaryAverage  = 0.5
	trustedThreshold       = 0.8
	normalThreshold        = 0.5
	suspectThreshold       = 0.3
)

// Trust event types
const (
	EventAuditPassed   = "audit_passed"
	EventAuditFailed   = "audit_failed"
	EventIsolated      = "isolated"
	EventUnisolated    = "unisolated"
	EventUptime        = "uptime"
	EventContribution  = "contribution"
	EventSummaryRating = "summary_rating"
)

// PeerTrust holds the raw trust inputs tracked for one peer
type PeerTrust struct {
	PeerID              string     `gorm:"primary_key" json:"peer_id"`
	UptimeHours         float64    `gorm:"not null" json:"uptime_hours"`
	ContributionRaw     float64    `gorm:"not null" json:"contribution_raw"`
	AuditsTotal         int        `gorm:"not null" json:"audits_total"`
	AuditsPassed        int        `gorm:"not null" json:"audits_passed"`
	SummaryRatingSum    float64    `gorm:"not null" json:"summary_rating_sum"`
	SummaryRatingCount  int        `gorm:"not null" json:"summary_rating_count"`
	ConsecutiveFailures int        `gorm:"not null" json:"consecutive_failures"`
	Isolated            bool       `gorm:"not null;index" json:"isolated"`
	IsolatedAt          *time.Time `json:"isolated_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TableName overrides the pluralized default
func (PeerTrust) TableName() string {
	return "peer_trust"
}

// TrustEvent is one entry in a peer's trust history
type TrustEvent struct {
	ID        uint      `gorm:"primary_key" json:"-"`
	PeerID    string    `gorm:"not null;index" json:"peer_id"`
	Event     string    `gorm:"not null" json:"event"`
	Value     float64   `json:"value"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// newPeerTrust returns the default trust row for a peer never seen before
func newPeerTrust(peerID string) *PeerTrust {
	return &PeerTrust{
		PeerID: peerID,
	}
}

func (p *PeerTrust) uptimeNorm() float64 {
	return math.Min(1, p.UptimeHours/uptimeSaturationHours)
}

func (p *PeerTrust) contributionNorm() float64 {
	return math.Min(1, p.ContributionRaw/contributionSaturation)
}

// AuditRate returns passed/total, or 0.5 when the peer was never audited
func (p *PeerTrust) AuditRate() float64 {
	if p.AuditsTotal == 0 {
		return defaultAuditRate
	}
	return float64(p.AuditsPassed) / float64(p.AuditsTotal)
}

// SummaryAverage returns the mean summary rating, or 0.5 when the peer was never rated
func (p *PeerTrust) SummaryAverage() float64 {
	if p.SummaryRatingCount == 0 {
		return defaultSummaryAverage
	}
	return p.SummaryRatingSum / float64(p.SummaryRatingCount)
}

// Score returns the weighted trust score in [0, 1]
func (p *PeerTrust) Score() float64 {
	score := weightUptime*p.uptimeNorm() +
		weightContribution*p.contributionNorm() +
		weightAudit*p.AuditRate() +
		weightSummary*p.SummaryAverage()
	return common.Clamp01(score)
}

// Tier returns the tier for the current score
func (p *PeerTrust) Tier() Tier {
	return TierFor(p.Score())
}

// TierFor maps a trust score to its tier
func TierFor(score float64) Tier {
	switch {
	case score >= trustedThreshold:
		return TierTrusted
	case score >= normalThreshold:
		return TierNormal
	case score >= suspectThreshold:
		return TierSuspect
	default:
		return TierUntrusted
	}
}
