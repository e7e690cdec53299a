package farming

import (
	"fmt"
	"math"
	"time"

	"github.com/provideplatform/infomesh/common"
	"gonum.org/v1/gonum/stat"
)

// Detector flags credit farming behavior: probation of new peers, hourly caps,
// bot-like regular intervals and bursts
type Detector struct {
	store     Store
	probation time.Duration
	clock     func() time.Time
}

// NewDetector returns a detector over the given store using the configured probation window
func NewDetector(store Store) *Detector {
	return &Detector{
		store:     store,
		probation: time.Duration(common.ProbationHours * float64(time.Hour)),
		clock:     time.Now,
	}
}

// WithClock overrides the detector clock
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Check registers peerID if unseen, records the action, runs both anomaly detectors and
// returns the verdict: BLOCKED, RATE_LIMITED, ANOMALY, PROBATION, then CLEAN
func (d *Detector) Check(peerID, action string) (*FarmingCheck, error) {
	if peerID == "" || action == "" {
		return nil, fmt.Errorf("%w: farming check requires a peer id and action", common.ErrInvalidInput)
	}

	now := common.UnixSeconds(d.clock())

	peer, err := d.store.Register(peerID, now)
	if err != nil {
		return nil, err
	}

	if err := d.store.RecordAction(peerID, action, now); err != nil {
		return nil, err
	}

	anomalies := make([]*AnomalyRecord, 0, 2)

	recent, err := d.store.RecentActions(peerID, action, regularWindow)
	if err != nil {
		return nil, err
	}
	if flagged, cv := detectRegularInterval(recent); flagged {
		anomalies = append(anomalies, &AnomalyRecord{
			Kind:   AnomalyRegularInterval,
			Value:  cv,
			Detail: fmt.Sprintf("coefficient of variation %.4f over %d intervals", cv, len(recent)-1),
		})
	}

	burst, err := d.store.CountActions(peerID, action, now-burstWindow.Seconds())
	if err != nil {
		return nil, err
	}
	if burst >= burstThreshold {
		anomalies = append(anomalies, &AnomalyRecord{
			Kind:   AnomalyBurst,
			Value:  float64(burst),
			Detail: fmt.Sprintf("%d %s actions within %s", burst, action, burstWindow),
		})
	}

	result := &FarmingCheck{
		PeerID:    peerID,
		Action:    action,
		HourlyCap: HourlyCap(action),
	}

	for _, anomaly := range anomalies {
		anomaly.PeerID = peerID
		anomaly.Action = action
		anomaly.Timestamp = now
		peer, err = d.store.RecordAnomaly(anomaly, AutoBlockThreshold)
		if err != nil {
			return nil, err
		}
		result.Anomalies = append(result.Anomalies, anomaly.Kind)
		common.Log.Debugf("farming anomaly %s for peer %s; %s", anomaly.Kind, common.ShortPeerID(peerID), anomaly.Detail)
	}

	result.ActionsLastHour, err = d.store.CountActions(peerID, action, now-rateLimitWindow.Seconds())
	if err != nil {
		return nil, err
	}
	result.RateLimited = result.ActionsLastHour > result.HourlyCap
	result.AnomalyCount = peer.AnomalyCount
	result.Blocked = peer.Blocked
	result.ProbationRemainingHours = d.probationRemaining(peer, now)

	switch {
	case result.Blocked:
		result.Verdict = VerdictBlocked
	case result.RateLimited:
		result.Verdict = VerdictRateLimited
	case len(result.Anomalies) > 0:
		result.Verdict = VerdictAnomaly
	case result.ProbationRemainingHours > 0:
		result.Verdict = VerdictProbation
	default:
		result.Verdict = VerdictClean
	}

	return result, nil
}

// Status returns the farming state of peerID without recording an action
func (d *Detector) Status(peerID string) (*PeerStatus, error) {
	status := &PeerStatus{
		PeerID:          peerID,
		RecentAnomalies: make([]*AnomalyRecord, 0),
	}

	peer, err := d.store.Peer(peerID)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		status.ProbationRemainingHours = d.probation.Hours()
		return status, nil
	}

	status.Known = true
	status.AnomalyCount = peer.AnomalyCount
	status.Blocked = peer.Blocked
	status.ProbationRemainingHours = d.probationRemaining(peer, common.UnixSeconds(d.clock()))

	status.RecentAnomalies, err = d.store.Anomalies(peerID, anomalyHistoryLimit)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Unblock lifts an auto-block and resets the anomaly counter
func (d *Detector) Unblock(peerID string) error {
	if err := d.store.Unblock(peerID); err != nil {
		return err
	}
	common.Log.Debugf("peer %s unblocked", common.ShortPeerID(peerID))
	return nil
}

// Prune drops action log entries older than retention
func (d *Detector) Prune(retention time.Duration) (int, error) {
	return d.store.PruneActions(common.UnixSeconds(d.clock().Add(-retention)))
}

func (d *Detector) probationRemaining(peer *PeerRecord, now float64) float64 {
	elapsed := (now - peer.FirstSeen) / time.Hour.Seconds()
	return math.Max(0, d.probation.Hours()-elapsed)
}

// detectRegularInterval flags bot-like regularity in the gaps between ordered timestamps
func detectRegularInterval(timestamps []float64) (bool, float64) {
	if len(timestamps)-1 < regularMinGaps {
		return false, 0
	}

	gaps := make([]float64, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		gaps[i-1] = timestamps[i] - timestamps[i-1]
	}

	mean, stddev := stat.MeanStdDev(gaps, nil)
	if mean <= 0 {
		return true, 0
	}

	cv := stddev / mean
	return cv < regularCVThreshold, cv
}
