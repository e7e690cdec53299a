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

package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/provideplatform/infomesh/attestation"
	"github.com/provideplatform/infomesh/audit"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/detector"
	"github.com/provideplatform/infomesh/envelope"
	"github.com/provideplatform/infomesh/farming"
	"github.com/provideplatform/infomesh/identity"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
	"github.com/provideplatform/infomesh/trust"
)

// FarmingRetention is how long recorded actions are kept for farming analysis
const FarmingRetention = 24 * time.Hour

// rootArchive records the signed roots this node has published
type rootArchive interface {
	PersistRoot(root *merkletree.MerkleRoot) error
	LatestRoot() (*merkletree.MerkleRoot, error)
}

type memoryRootArchive struct {
	mutex  sync.RWMutex
	latest *merkletree.MerkleRoot
}

func (a *memoryRootArchive) PersistRoot(root *merkletree.MerkleRoot) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.latest = root
	return nil
}

func (a *memoryRootArchive) LatestRoot() (*merkletree.MerkleRoot, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.latest, nil
}

// Node wires the trust and integrity engine of a single peer
type Node struct {
	KeyPair   *identity.KeyPair
	Registry  *identity.Registry
	Trust     *trust.Scorer
	Farming   *farming.Detector
	Detector  *detector.Detector
	Verifier  *envelope.Verifier
	Scheduler *audit.Scheduler
	Publisher *audit.Publisher
	Consumer  *audit.Consumer

	treeMutex sync.Mutex
	tree      merkletree.MerkleTree
	roots     rootArchive

	observed  *observedAttestations
	peerRoots *peerRoots

	publishRoot        func(root *merkletree.MerkleRoot) error
	publishAttestation func(record *attestation.ContentAttestation) error
}

type components struct {
	trustStore   trust.Store
	farmingStore farming.Store
	nonces       envelope.NonceStore
	history      audit.SummaryStore
	tree         merkletree.MerkleTree
	roots        rootArchive
}

// New returns a node keeping all of its state in memory
func New(keyPair *identity.KeyPair, crawler audit.Crawler) (*Node, error) {
	return newNode(keyPair, crawler, &components{
		trustStore:   trust.NewMemoryStore(),
		farmingStore: farming.NewMemoryStore(),
		nonces:       envelope.NewNonceTracker(),
		history:      audit.NewMemorySummaryStore(audit.DefaultHistoryLimit),
		tree:         merkletree.NewMerkleTree(),
		roots:        &memoryRootArchive{},
	})
}

// NewDurable returns a node persisting trust, farming, nonce, audit and index state through db
func NewDurable(db *gorm.DB, keyPair *identity.KeyPair, crawler audit.Crawler) (*Node, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}

	tree, err := merkletree.LoadMerkleTree(db)
	if err != nil {
		return nil, err
	}

	return newNode(keyPair, crawler, &components{
		trustStore:   trust.NewGormStore(db),
		farmingStore: farming.NewGormStore(db),
		nonces:       envelope.NewDurableNonceTracker(db),
		history:      audit.NewGormSummaryStore(db, audit.DefaultHistoryLimit),
		tree:         tree,
		roots:        tree,
	})
}

// Migrate creates or updates every table used by a durable node
func Migrate(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		merkletree.Migrate,
		envelope.MigrateNonces,
		trust.Migrate,
		farming.Migrate,
		audit.Migrate,
	}

	for _, migrate := range migrations {
		if err := migrate(db); err != nil {
			return fmt.Errorf("%w: migration failed; %s", common.ErrStorageUnavailable, err.Error())
		}
	}
	return nil
}

func newNode(keyPair *identity.KeyPair, crawler audit.Crawler, c *components) (*Node, error) {
	if keyPair == nil {
		return nil, fmt.Errorf("%w: node requires an identity", common.ErrInvalidInput)
	}
	if crawler == nil {
		return nil, fmt.Errorf("%w: node requires a crawler", common.ErrInvalidInput)
	}

	registry := identity.NewRegistry()
	if _, err := registry.Register(keyPair.PublicKey); err != nil {
		return nil, err
	}

	scorer := trust.NewScorer(c.trustStore)
	farmingDetector := farming.NewDetector(c.farmingStore)
	verifier := envelope.NewVerifier(registry, c.nonces, scorer.IsIsolated)
	scheduler := audit.NewScheduler(c.history, scorer).WithKeys(registry)
	publisher := audit.NewPublisher(keyPair, envelope.NewNonceCounter())

	n := &Node{
		KeyPair:   keyPair,
		Registry:  registry,
		Trust:     scorer,
		Farming:   farmingDetector,
		Detector:  detector.NewDetector(scorer, farmingDetector),
		Verifier:  verifier,
		Scheduler: scheduler,
		Publisher: publisher,
		Consumer:  audit.NewConsumer(verifier, scheduler, publisher, crawler),

		tree:      c.tree,
		roots:     c.roots,
		observed:  newObservedAttestations(defaultObservedAttestations),
		peerRoots: newPeerRoots(),

		publishRoot: func(root *merkletree.MerkleRoot) error {
			_, err := attestation.PublishRoot(root)
			return err
		},
		publishAttestation: func(record *attestation.ContentAttestation) error {
			_, err := attestation.PublishAttestation(record)
			return err
		},
	}

	common.Log.Debugf("initialized infomesh node %s", common.ShortPeerID(keyPair.PeerID))
	return n, nil
}

// Receive authenticates an inbound envelope and assesses its sender for the requested action.
// Envelopes whose sender is isolated by the assessment are rejected.
func (n *Node) Receive(env *envelope.SignedEnvelope, action string) ([]byte, *detector.ThreatAssessment, error) {
	payload, err := n.Verifier.Verify(env)
	if err != nil {
		return nil, nil, err
	}

	assessment, err := n.Detector.AssessAndEnforce(env.PeerID, action)
	if err != nil {
		return nil, nil, err
	}

	if assessment.Enforced {
		return nil, assessment, &envelope.VerificationError{
			Check:  envelope.CheckIsolation,
			PeerID: env.PeerID,
			Reason: fmt.Sprintf("isolated at threat level %s", assessment.ThreatLevel),
		}
	}

	return payload, assessment, nil
}

// Seal wraps payload in an envelope signed by this node
func (n *Node) Seal(payload []byte) (*envelope.SignedEnvelope, error) {
	return envelope.SignEnvelope(payload, n.KeyPair, n.Publisher.Counter())
}

// Attest signs an attestation of crawled content and broadcasts it to the mesh
func (n *Node) Attest(url string, rawBody []byte, text string) (*attestation.ContentAttestation, error) {
	record, err := attestation.CreateAttestation(url, rawBody, text, n.KeyPair)
	if err != nil {
		return nil, err
	}

	if err := n.publishAttestation(record); err != nil {
		common.Log.Warningf("failed to publish attestation for %s; %s", url, err.Error())
	}
	return record, nil
}

// BuildIndex rebuilds the index commitment over documentHashes, signs the new root,
// archives it and broadcasts it
func (n *Node) BuildIndex(documentHashes []string) (*merkletree.MerkleRoot, error) {
	n.treeMutex.Lock()
	defer n.treeMutex.Unlock()

	if _, err := n.tree.Build(documentHashes); err != nil {
		return nil, err
	}

	root, err := attestation.SignRoot(n.tree, n.KeyPair)
	if err != nil {
		return nil, err
	}

	if err := n.roots.PersistRoot(root); err != nil {
		return nil, err
	}

	if err := n.publishRoot(root); err != nil {
		common.Log.Warningf("failed to publish merkle root %s; %s", root.RootHash, err.Error())
	}

	common.Log.Debugf("built index commitment over %d documents; root: %s", root.DocumentCount, root.RootHash)
	return root, nil
}

// Proof returns the membership proof of the document at index in the local index
func (n *Node) Proof(index int) (*merkletree.MerkleProof, error) {
	n.treeMutex.Lock()
	defer n.treeMutex.Unlock()
	return n.tree.Proof(index)
}

// ProveDocument returns the membership proof of documentHash in the local index
func (n *Node) ProveDocument(documentHash string) (*merkletree.MerkleProof, error) {
	n.treeMutex.Lock()
	defer n.treeMutex.Unlock()

	index := n.tree.IndexOf(documentHash)
	if index < 0 {
		return nil, fmt.Errorf("%w: document %s is not indexed", merkletree.ErrOutOfRange, documentHash)
	}
	return n.tree.Proof(index)
}

// LatestRoot returns the most recent root this node published, or nil
func (n *Node) LatestRoot() (*merkletree.MerkleRoot, error) {
	return n.roots.LatestRoot()
}

// Prune drops farming history older than FarmingRetention
func (n *Node) Prune() (int, error) {
	return n.Farming.Prune(FarmingRetention)
}
