package attestation

import (
	"encoding/json"
	"fmt"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
)

// NatsMerkleRootSubject carries signed merkle roots
const NatsMerkleRootSubject = "infomesh.merkle.root.published"

// NatsAttestationSubject carries content attestations
const NatsAttestationSubject = "infomesh.attestation.published"

// PublishRoot broadcasts a signed merkle root to the mesh
func PublishRoot(root *merkletree.MerkleRoot) (*nats.PubAck, error) {
	if root == nil || root.Signature == "" {
		return nil, fmt.Errorf("failed to publish merkle root; root is not signed")
	}
	payload, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merkle root %s; %w", root.RootHash, err)
	}
	return natsutil.NatsJetstreamPublish(NatsMerkleRootSubject, payload)
}

// PublishAttestation broadcasts a content attestation to the mesh
func PublishAttestation(record *ContentAttestation) (*nats.PubAck, error) {
	if record == nil || record.Signature == "" {
		return nil, fmt.Errorf("failed to publish attestation; attestation is not signed")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attestation for %s; %w", record.URL, err)
	}
	return natsutil.NatsJetstreamPublish(NatsAttestationSubject, payload)
}
