package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/provideplatform/infomesh/attestation"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/farming"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
)

const defaultObservedAttestations = 512

// ErrNothingToAudit is returned by an audit cycle when no remote attestation is available
var ErrNothingToAudit = errors.New("no attestations observed")

// observedAttestations is a bounded ring of verified remote attestations
type observedAttestations struct {
	mutex   sync.Mutex
	records []*attestation.ContentAttestation
	next    int
	limit   int
}

func newObservedAttestations(limit int) *observedAttestations {
	return &observedAttestations{
		records: make([]*attestation.ContentAttestation, 0, limit),
		limit:   limit,
	}
}

func (o *observedAttestations) add(record *attestation.ContentAttestation) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if len(o.records) < o.limit {
		o.records = append(o.records, record)
		return
	}
	o.records[o.next] = record
	o.next = (o.next + 1) % o.limit
}

func (o *observedAttestations) snapshot() []*attestation.ContentAttestation {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]*attestation.ContentAttestation(nil), o.records...)
}

type peerRoots struct {
	mutex sync.RWMutex
	roots map[string]*merkletree.MerkleRoot
}

func newPeerRoots() *peerRoots {
	return &peerRoots{
		roots: map[string]*merkletree.MerkleRoot{},
	}
}

// ObserveAttestation accepts a remote attestation as a candidate for future audits. The record
// must carry a valid signature of a registered, non-isolated peer; every accepted record counts
// as a crawl action of its publisher.
func (n *Node) ObserveAttestation(record *attestation.ContentAttestation) error {
	if record == nil || record.PeerID == "" {
		return fmt.Errorf("%w: attestation has no publisher", common.ErrInvalidInput)
	}

	publicKey, ok := n.Registry.PublicKey(record.PeerID)
	if !ok {
		return fmt.Errorf("%w: attestation from unknown peer %s", common.ErrInvalidInput, common.ShortPeerID(record.PeerID))
	}

	verification := attestation.VerifyAttestation(record, publicKey, nil, nil)
	if !verification.Valid() {
		return fmt.Errorf("%w: attestation for %s failed verification; %v", common.ErrInvalidInput, record.URL, verification.Failures)
	}

	assessment, err := n.Detector.AssessAndEnforce(record.PeerID, farming.ActionCrawl)
	if err != nil {
		return err
	}
	if assessment.ShouldIsolate {
		return fmt.Errorf("%w: attestation from %s dropped at threat level %s", common.ErrInvalidInput, common.ShortPeerID(record.PeerID), assessment.ThreatLevel)
	}

	if record.PeerID != n.KeyPair.PeerID {
		n.observed.add(record)
	}
	return nil
}

// ObserveRoot records a remote peer's published index commitment after checking its signature
func (n *Node) ObserveRoot(root *merkletree.MerkleRoot) error {
	if root == nil || root.PeerID == "" {
		return fmt.Errorf("%w: merkle root has no publisher", common.ErrInvalidInput)
	}

	publicKey, ok := n.Registry.PublicKey(root.PeerID)
	if !ok {
		return fmt.Errorf("%w: merkle root from unknown peer %s", common.ErrInvalidInput, common.ShortPeerID(root.PeerID))
	}
	if !attestation.VerifyRoot(root, publicKey) {
		return fmt.Errorf("%w: invalid signature on merkle root %s", common.ErrInvalidInput, root.RootHash)
	}

	n.peerRoots.mutex.Lock()
	defer n.peerRoots.mutex.Unlock()
	if prev, ok := n.peerRoots.roots[root.PeerID]; ok && prev.Timestamp > root.Timestamp {
		return nil
	}
	n.peerRoots.roots[root.PeerID] = root
	return nil
}

// PeerRoot returns the latest observed root published by peerID, or nil
func (n *Node) PeerRoot(peerID string) *merkletree.MerkleRoot {
	n.peerRoots.mutex.RLock()
	defer n.peerRoots.mutex.RUnlock()
	return n.peerRoots.roots[peerID]
}

// AuditCycle schedules one audit of a randomly chosen observed attestation. Auditors are drawn
// from the registered peers that are not isolated.
func (n *Node) AuditCycle(ctx context.Context) error {
	candidates := make([]*attestation.ContentAttestation, 0)
	for _, record := range n.observed.snapshot() {
		if !n.Trust.IsIsolated(record.PeerID) {
			candidates = append(candidates, record)
		}
	}
	if len(candidates) == 0 {
		return ErrNothingToAudit
	}

	i, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return fmt.Errorf("failed to select attestation for audit; %w", err)
	}
	record := candidates[i.Int64()]

	eligible := make([]string, 0)
	for _, peerID := range n.Registry.PeerIDs() {
		if !n.Trust.IsIsolated(peerID) {
			eligible = append(eligible, peerID)
		}
	}

	req, err := n.Scheduler.CreateAudit(record.PeerID, record.URL, record.RawHash, record.TextHash, eligible)
	if err != nil {
		return err
	}

	if err := n.Publisher.PublishRequest(req); err != nil {
		return err
	}

	common.Log.Debugf("scheduled audit %s of %s for %s", req.AuditID, common.ShortPeerID(req.TargetPeer), req.URL)
	return nil
}
