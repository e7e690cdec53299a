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

package detector

import (
	"fmt"
	"strings"

	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/farming"
	"github.com/provideplatform/infomesh/trust"
)

// ThreatLevel classifies how dangerous a peer currently looks
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "NONE"
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatIsolated ThreatLevel = "ISOLATED"
)

// Weak signals
const (
	SignalAuditFailures    = "audit_failures"
	SignalFarmingAnomalies = "farming_anomalies"
	SignalLowTrust         = "low_trust"
	SignalFarmingBlocked   = "farming_blocked"
	SignalRateLimited      = "rate_limited"
)

const auditFailureSignalThreshold = 2
const lowTrustThreshold = 0.5

// ThreatAssessment is computed per call and never persisted
type ThreatAssessment struct {
	PeerID         string          `json:"peer_id"`
	Action         string          `json:"action"`
	ThreatLevel    ThreatLevel     `json:"threat_level"`
	Signals        []string        `json:"signals"`
	ShouldIsolate  bool            `json:"should_isolate"`
	TrustScore     float64         `json:"trust_score"`
	TrustTier      trust.Tier      `json:"trust_tier"`
	FarmingVerdict farming.Verdict `json:"farming_verdict,omitempty"`
	Enforced       bool            `json:"enforced"`
}

// Detector combines the trust scorer and farming detector; neither refers back to it
type Detector struct {
	scorer  *trust.Scorer
	farming *farming.Detector
}

// NewDetector returns a malicious node detector
func NewDetector(scorer *trust.Scorer, farmingDetector *farming.Detector) *Detector {
	return &Detector{
		scorer:  scorer,
		farming: farmingDetector,
	}
}

// Assess runs the farming check for the action and maps the collected signals to a threat level
func (d *Detector) Assess(peerID, action string) (*ThreatAssessment, error) {
	assessment := &ThreatAssessment{
		PeerID:  peerID,
		Action:  action,
		Signals: make([]string, 0),
	}

	summary, err := d.scorer.Get(peerID)
	if err != nil {
		return nil, err
	}
	assessment.TrustScore = summary.Score
	assessment.TrustTier = summary.Tier

	if summary.Isolated {
		assessment.ThreatLevel = ThreatIsolated
		assessment.ShouldIsolate = true
		return assessment, nil
	}

	check, err := d.farming.Check(peerID, action)
	if err != nil {
		return nil, err
	}
	assessment.FarmingVerdict = check.Verdict

	if summary.ConsecutiveFailures >= auditFailureSignalThreshold {
		assessment.Signals = append(assessment.Signals, SignalAuditFailures)
	}
	if check.AnomalyCount >= 1 {
		assessment.Signals = append(assessment.Signals, SignalFarmingAnomalies)
	}
	if summary.Score < lowTrustThreshold {
		assessment.Signals = append(assessment.Signals, SignalLowTrust)
	}
	if check.Blocked {
		assessment.Signals = append(assessment.Signals, SignalFarmingBlocked)
	}
	if check.RateLimited {
		assessment.Signals = append(assessment.Signals, SignalRateLimited)
	}

	switch {
	case check.Blocked || summary.Tier == trust.TierUntrusted:
		assessment.ThreatLevel = ThreatHigh
	case len(assessment.Signals) >= 2:
		assessment.ThreatLevel = ThreatMedium
	case len(assessment.Signals) == 1:
		assessment.ThreatLevel = ThreatLow
	default:
		assessment.ThreatLevel = ThreatNone
	}
	assessment.ShouldIsolate = assessment.ThreatLevel == ThreatHigh || assessment.ThreatLevel == ThreatMedium

	return assessment, nil
}

// AssessAndEnforce assesses the peer and isolates it through the trust scorer when warranted
func (d *Detector) AssessAndEnforce(peerID, action string) (*ThreatAssessment, error) {
	assessment, err := d.Assess(peerID, action)
	if err != nil {
		return nil, err
	}

	if assessment.ShouldIsolate && assessment.ThreatLevel != ThreatIsolated {
		reason := fmt.Sprintf("threat level %s; signals: %s", assessment.ThreatLevel, strings.Join(assessment.Signals, ","))
		if err := d.scorer.Isolate(peerID, reason); err != nil {
			return nil, err
		}
		assessment.Enforced = true
		common.Log.Warningf("isolated peer %s during %s; %s", common.ShortPeerID(peerID), action, reason)
	}

	return assessment, nil
}
