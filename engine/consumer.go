package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/infomesh/attestation"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
)

const natsAttestationMaxInFlight = 256
const natsMerkleRootMaxInFlight = 64
const publicationAckWait = time.Second * 15
const publicationMaxDeliveries = 5

// Subscribe starts the audit consumers and the attestation and merkle root subscriptions
func (n *Node) Subscribe(wg *sync.WaitGroup) {
	n.Consumer.Subscribe(wg)

	attestations := common.ConsumerName(attestation.NatsAttestationSubject, n.KeyPair.PeerID)
	roots := common.ConsumerName(attestation.NatsMerkleRootSubject, n.KeyPair.PeerID)

	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			publicationAckWait,
			attestation.NatsAttestationSubject,
			attestations,
			attestations,
			n.consumeAttestationMsg,
			publicationAckWait,
			natsAttestationMaxInFlight,
			publicationMaxDeliveries,
			nil,
		)
	}

	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			publicationAckWait,
			attestation.NatsMerkleRootSubject,
			roots,
			roots,
			n.consumeMerkleRootMsg,
			publicationAckWait,
			natsMerkleRootMaxInFlight,
			publicationMaxDeliveries,
			nil,
		)
	}
}

// settle acks messages that were handled or can never be handled and naks storage failures
func settle(msg *nats.Msg, err error) {
	if err != nil && errors.Is(err, common.ErrStorageUnavailable) {
		msg.Nak()
		return
	}
	msg.Ack()
}

func (n *Node) consumeAttestationMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during attestation handling; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS attestation message on subject: %s", len(msg.Data), msg.Subject)

	record := &attestation.ContentAttestation{}
	if err := json.Unmarshal(msg.Data, record); err != nil {
		common.Log.Warningf("failed to unmarshal attestation; %s", err.Error())
		msg.Ack()
		return
	}

	err := n.ObserveAttestation(record)
	if err != nil {
		common.Log.Debugf("dropped attestation of %s; %s", record.URL, err.Error())
	}
	settle(msg, err)
}

func (n *Node) consumeMerkleRootMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during merkle root handling; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS merkle root message on subject: %s", len(msg.Data), msg.Subject)

	root := &merkletree.MerkleRoot{}
	if err := json.Unmarshal(msg.Data, root); err != nil {
		common.Log.Warningf("failed to unmarshal merkle root; %s", err.Error())
		msg.Ack()
		return
	}

	err := n.ObserveRoot(root)
	if err != nil {
		common.Log.Debugf("dropped merkle root %s; %s", root.RootHash, err.Error())
	}
	settle(msg, err)
}
