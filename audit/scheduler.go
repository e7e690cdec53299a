package audit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/identity"
	"github.com/provideplatform/infomesh/trust"
)

// DefaultPendingTTL is how long an audit may wait for its results before it is dropped
const DefaultPendingTTL = 10 * AuditTimeout

// TrustRecorder receives the outcome of finalized audits
type TrustRecorder interface {
	RecordAudit(peerID string, passed bool) (*trust.PeerTrust, error)
}

type pendingAudit struct {
	request *AuditRequest
	results map[string]*AuditResult
}

// Scheduler creates audits, merges auditor results and finalizes each audit exactly once
type Scheduler struct {
	mutex   sync.Mutex
	pending map[string]*pendingAudit
	lastRun time.Time

	history    SummaryStore
	recorder   TrustRecorder
	keys       identity.KeyResolver
	interval   time.Duration
	pendingTTL time.Duration
	clock      func() time.Time
}

// NewScheduler returns a scheduler archiving into history and feeding finalized verdicts to recorder
func NewScheduler(history SummaryStore, recorder TrustRecorder) *Scheduler {
	perHour := common.AuditsPerHour
	if perHour <= 0 {
		perHour = AuditsPerHour
	}

	return &Scheduler{
		pending:    map[string]*pendingAudit{},
		history:    history,
		recorder:   recorder,
		interval:   time.Hour / time.Duration(perHour),
		pendingTTL: DefaultPendingTTL,
		clock:      time.Now,
	}
}

// WithClock overrides the scheduler clock
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// WithKeys requires every submitted result to carry a valid signature of its auditor
func (s *Scheduler) WithKeys(keys identity.KeyResolver) *Scheduler {
	s.keys = keys
	return s
}

// WithPendingTTL overrides how long pending audits are retained
func (s *Scheduler) WithPendingTTL(ttl time.Duration) *Scheduler {
	s.pendingTTL = ttl
	return s
}

// Interval returns the time between scheduled audits
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// CreateAudit assigns AuditNodesPerCheck distinct random auditors other than the target
func (s *Scheduler) CreateAudit(targetPeer, url, expectedRawHash, expectedTextHash string, eligible []string) (*AuditRequest, error) {
	if targetPeer == "" || url == "" {
		return nil, fmt.Errorf("%w: audit requires a target peer and url", common.ErrInvalidInput)
	}

	seen := map[string]bool{}
	candidates := make([]string, 0, len(eligible))
	for _, peerID := range eligible {
		if peerID == "" || peerID == targetPeer || seen[peerID] {
			continue
		}
		seen[peerID] = true
		candidates = append(candidates, peerID)
	}

	if len(candidates) < AuditNodesPerCheck {
		common.Log.Debugf("skipping audit of %s; %d eligible auditors", common.ShortPeerID(targetPeer), len(candidates))
		return nil, ErrInsufficientAuditors
	}

	auditors, err := sample(candidates, AuditNodesPerCheck)
	if err != nil {
		return nil, err
	}

	auditID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate audit id; %w", err)
	}

	req := &AuditRequest{
		AuditID:          auditID.String(),
		TargetPeer:       targetPeer,
		URL:              url,
		ExpectedRawHash:  expectedRawHash,
		ExpectedTextHash: expectedTextHash,
		Auditors:         auditors,
		CreatedAt:        common.UnixSeconds(s.clock()),
	}

	s.Track(req)
	return req, nil
}

// Track registers an audit created elsewhere so its results can be merged locally
func (s *Scheduler) Track(req *AuditRequest) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.pending[req.AuditID]; ok {
		return
	}
	s.pending[req.AuditID] = &pendingAudit{
		request: req,
		results: map[string]*AuditResult{},
	}
	common.Log.Debugf("tracking audit %s of %s for %s", req.AuditID, req.URL, common.ShortPeerID(req.TargetPeer))
}

// Pending returns the audits still awaiting results
func (s *Scheduler) Pending() []*AuditRequest {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	requests := make([]*AuditRequest, 0, len(s.pending))
	for _, p := range s.pending {
		requests = append(requests, p.request)
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt < requests[j].CreatedAt })
	return requests
}

// SubmitResult merges an auditor's result. The result completing the audit finalizes it and
// the summary is returned; otherwise the summary is nil.
func (s *Scheduler) SubmitResult(result *AuditResult) (*AuditSummary, error) {
	if result == nil {
		return nil, fmt.Errorf("%w: nil audit result", common.ErrInvalidInput)
	}

	if s.keys != nil {
		publicKey, ok := s.keys.PublicKey(result.AuditorPeer)
		if !ok || !result.VerifySignature(publicKey) {
			return nil, fmt.Errorf("%w: audit result %s from %s carries an invalid signature", common.ErrInvalidInput, result.AuditID, common.ShortPeerID(result.AuditorPeer))
		}
	}

	summary, p, err := s.merge(result)
	if err != nil || summary == nil {
		return nil, err
	}

	switch summary.FinalVerdict {
	case VerdictPass, VerdictFail:
		if s.recorder != nil {
			if _, err := s.recorder.RecordAudit(summary.TargetPeer, summary.FinalVerdict == VerdictPass); err != nil {
				s.reopen(p, result)
				common.Log.Warningf("audit %s of %s reopened; failed to record %s verdict; %s", summary.AuditID, common.ShortPeerID(summary.TargetPeer), summary.FinalVerdict, err.Error())
				return nil, err
			}
		}
	}

	// the verdict is already applied; a redelivered result must not apply it twice
	if err := s.history.Save(summary); err != nil {
		common.Log.Warningf("audit %s of %s finalized as %s but could not be archived; %s", summary.AuditID, common.ShortPeerID(summary.TargetPeer), summary.FinalVerdict, err.Error())
		return summary, err
	}

	common.Log.Debugf("audit %s of %s finalized as %s", summary.AuditID, common.ShortPeerID(summary.TargetPeer), summary.FinalVerdict)
	if len(summary.SuspiciousAuditors) > 0 {
		common.Log.Warningf("audit %s flagged auditors reporting divergent evidence: %v", summary.AuditID, summary.SuspiciousAuditors)
	}

	return summary, nil
}

// merge records result under the scheduler lock and removes the audit once complete
func (s *Scheduler) merge(result *AuditResult) (*AuditSummary, *pendingAudit, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	p, ok := s.pending[result.AuditID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAudit, result.AuditID)
	}
	if !p.request.hasAuditor(result.AuditorPeer) {
		return nil, nil, fmt.Errorf("%w: %s is not an auditor of %s", common.ErrInvalidInput, common.ShortPeerID(result.AuditorPeer), result.AuditID)
	}
	if _, dup := p.results[result.AuditorPeer]; dup {
		return nil, nil, fmt.Errorf("%w: duplicate result from %s for %s", common.ErrInvalidInput, common.ShortPeerID(result.AuditorPeer), result.AuditID)
	}

	p.results[result.AuditorPeer] = result
	if len(p.results) < AuditNodesPerCheck {
		return nil, nil, nil
	}

	delete(s.pending, result.AuditID)

	results := make([]*AuditResult, 0, len(p.results))
	for _, auditor := range p.request.Auditors {
		results = append(results, p.results[auditor])
	}

	counts := tally(results)
	return &AuditSummary{
		AuditID:            p.request.AuditID,
		TargetPeer:         p.request.TargetPeer,
		URL:                p.request.URL,
		FinalVerdict:       FinalVerdict(results),
		PassCount:          counts[VerdictPass],
		FailCount:          counts[VerdictFail],
		ErrorCount:         counts[VerdictError],
		SuspiciousAuditors: CrossValidateAuditorHashes(results),
		Results:            results,
		FinalizedAt:        common.UnixSeconds(s.clock()),
	}, p, nil
}

// reopen returns a finalized audit to pending without the result that completed it,
// so a redelivery of that result can finalize it again
func (s *Scheduler) reopen(p *pendingAudit, result *AuditResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(p.results, result.AuditorPeer)
	if _, ok := s.pending[p.request.AuditID]; !ok {
		s.pending[p.request.AuditID] = p
	}
}

// ExpirePending drops audits that have waited longer than the pending TTL and returns their ids
func (s *Scheduler) ExpirePending() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := common.UnixSeconds(s.clock().Add(-s.pendingTTL))
	expired := make([]string, 0)
	for id, p := range s.pending {
		if p.request.CreatedAt < cutoff {
			expired = append(expired, id)
			delete(s.pending, id)
			common.Log.Debugf("dropped audit %s after %d of %d results", id, len(p.results), AuditNodesPerCheck)
		}
	}
	sort.Strings(expired)
	return expired
}

// History returns the most recent finalized audits, optionally restricted to one target peer
func (s *Scheduler) History(targetPeer string, limit int) ([]*AuditSummary, error) {
	return s.history.Recent(targetPeer, limit)
}

// Due reports whether the next audit cycle should run at now
func (s *Scheduler) Due(now time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastRun.IsZero() || now.Sub(s.lastRun) >= s.interval
}

// Run invokes cycle once per interval until ctx is done; stale pending audits are expired
// before every cycle and a failed cycle is only retried at the next interval
func (s *Scheduler) Run(ctx context.Context, cycle func(ctx context.Context) error) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if s.Due(s.clock()) {
			s.runCycle(ctx, cycle)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, cycle func(ctx context.Context) error) {
	s.mutex.Lock()
	s.lastRun = s.clock()
	s.mutex.Unlock()

	s.ExpirePending()
	if err := cycle(ctx); err != nil {
		common.Log.Debugf("audit cycle skipped; %s", err.Error())
	}
}

// sample returns n distinct elements of candidates chosen uniformly at random
func sample(candidates []string, n int) ([]string, error) {
	pool := append([]string(nil), candidates...)
	for i := 0; i < n; i++ {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool)-i)))
		if err != nil {
			return nil, fmt.Errorf("failed to select auditors; %w", err)
		}
		k := i + int(j.Int64())
		pool[i], pool[k] = pool[k], pool[i]
	}
	return pool[:n], nil
}
