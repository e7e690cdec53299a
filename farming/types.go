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

package farming

import "time"

// Verdict is the outcome of a farming check, read by the credit ledger
type Verdict string

const (
	VerdictClean       Verdict = "CLEAN"
	VerdictProbation   Verdict = "PROBATION"
	VerdictRateLimited Verdict = "RATE_LIMITED"
	VerdictAnomaly     Verdict = "ANOMALY"
	VerdictBlocked     Verdict = "BLOCKED"
)

// Action types with a dedicated hourly cap
const (
	ActionCrawl     = "crawl"
	ActionIndex     = "index"
	ActionQuery     = "query"
	ActionSummarize = "summarize"
)

// Anomaly kinds
const (
	AnomalyRegularInterval = "regular_interval"
	AnomalyBurst           = "burst"
)

const (
	// AutoBlockThreshold is the anomaly count at which a peer is blocked
	AutoBlockThreshold = 3

	regularWindow       = 50
	regularMinGaps      = 10
	regularCVThreshold  = 0.15
	burstWindow         = 5 * time.Minute
	burstThreshold      = 30
	rateLimitWindow     = time.Hour
	defaultHourlyCap    = 300
	anomalyHistoryLimit = 20
)

// HourlyCaps bounds how many actions of each type a peer may perform per hour
var HourlyCaps = map[string]int{
	ActionCrawl:     120,
	ActionIndex:     300,
	ActionQuery:     300,
	ActionSummarize: 60,
}

// PeerRecord is the farming registry entry for one peer
type PeerRecord struct {
	PeerID       string   `gorm:"primary_key" json:"peer_id"`
	FirstSeen    float64  `gorm:"not null" json:"first_seen"`
	AnomalyCount int      `gorm:"not null" json:"anomaly_count"`
	Blocked      bool     `gorm:"not null" json:"blocked"`
	BlockedAt    *float64 `json:"blocked_at,omitempty"`
}

// TableName overrides the pluralized default
func (PeerRecord) TableName() string {
	return "farming_peers"
}

// ActionRecord is one entry of the per-peer action log
type ActionRecord struct {
	ID        uint    `gorm:"primary_key"`
	PeerID    string  `gorm:"not null;index:idx_farming_actions_peer_action"`
	Action    string  `gorm:"not null;index:idx_farming_actions_peer_action"`
	Timestamp float64 `gorm:"not null;index"`
}

// TableName overrides the pluralized default
func (ActionRecord) TableName() string {
	return "farming_actions"
}

// AnomalyRecord is one entry of the anomaly log
type AnomalyRecord struct {
	ID        uint    `gorm:"primary_key" json:"-"`
	PeerID    string  `gorm:"not null;index" json:"peer_id"`
	Action    string  `gorm:"not null" json:"action"`
	Kind      string  `gorm:"not null" json:"kind"`
	Value     float64 `json:"value"`
	Detail    string  `json:"detail"`
	Timestamp float64 `gorm:"not null" json:"timestamp"`
}

// TableName overrides the pluralized default
func (AnomalyRecord) TableName() string {
	return "farming_anomalies"
}

// FarmingCheck is the result of a single Check call
type FarmingCheck struct {
	PeerID                  string   `json:"peer_id"`
	Action                  string   `json:"action"`
	Verdict                 Verdict  `json:"verdict"`
	ProbationRemainingHours float64  `json:"probation_remaining_hours"`
	RateLimited             bool     `json:"rate_limited"`
	ActionsLastHour         int      `json:"actions_last_hour"`
	HourlyCap               int      `json:"hourly_cap"`
	AnomalyCount            int      `json:"anomaly_count"`
	Blocked                 bool     `json:"blocked"`
	Anomalies               []string `json:"anomalies,omitempty"`
}

// PeerStatus is the farming state of a peer without recording an action
type PeerStatus struct {
	PeerID                  string           `json:"peer_id"`
	Known                   bool             `json:"known"`
	ProbationRemainingHours float64          `json:"probation_remaining_hours"`
	AnomalyCount            int              `json:"anomaly_count"`
	Blocked                 bool             `json:"blocked"`
	RecentAnomalies         []*AnomalyRecord `json:"recent_anomalies"`
}

// HourlyCap returns the hourly cap for the given action type
func HourlyCap(action string) int {
	if limit, ok := HourlyCaps[action]; ok {
		return limit
	}
	return defaultHourlyCap
}
