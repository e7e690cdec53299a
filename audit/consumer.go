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

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/envelope"
)

const natsAuditRequestMaxInFlight = 32
const natsAuditResultMaxInFlight = 128
const auditRequestAckWait = AuditTimeout * 2
const auditResultAckWait = time.Second * 30
const auditMaxDeliveries = 5

// Consumer is the audit protocol's transport adapter: it authenticates inbound envelopes,
// performs assigned re-crawls and merges results into the local scheduler
type Consumer struct {
	verifier  *envelope.Verifier
	scheduler *Scheduler
	publisher *Publisher
	crawler   Crawler
	auditorID string
}

// NewConsumer returns an audit consumer acting as auditorID
func NewConsumer(verifier *envelope.Verifier, scheduler *Scheduler, publisher *Publisher, crawler Crawler) *Consumer {
	return &Consumer{
		verifier:  verifier,
		scheduler: scheduler,
		publisher: publisher,
		crawler:   crawler,
		auditorID: publisher.keyPair.PeerID,
	}
}

// Subscribe establishes the audit stream and its jetstream subscriptions
func (c *Consumer) Subscribe(wg *sync.WaitGroup) {
	requests := common.ConsumerName(natsAuditRequestSubject, c.auditorID)
	results := common.ConsumerName(natsAuditResultSubject, c.auditorID)

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			auditRequestAckWait,
			natsAuditRequestSubject,
			requests,
			requests,
			c.consumeAuditRequestMsg,
			auditRequestAckWait,
			natsAuditRequestMaxInFlight,
			auditMaxDeliveries,
			nil,
		)
	}

	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			auditResultAckWait,
			natsAuditResultSubject,
			results,
			results,
			c.consumeAuditResultMsg,
			auditResultAckWait,
			natsAuditResultMaxInFlight,
			auditMaxDeliveries,
			nil,
		)
	}
}

// open authenticates the envelope carried by msg and returns its payload; rejected envelopes
// are acked so they are never redelivered
func (c *Consumer) open(msg *nats.Msg) ([]byte, bool) {
	env := &envelope.SignedEnvelope{}
	if err := json.Unmarshal(msg.Data, env); err != nil {
		common.Log.Warningf("failed to unmarshal envelope on subject %s; %s", msg.Subject, err.Error())
		msg.Ack()
		return nil, false
	}

	payload, err := c.verifier.Verify(env)
	if err != nil {
		var verr *envelope.VerificationError
		if errors.As(err, &verr) {
			msg.Ack()
		} else {
			common.Log.Warningf("failed to verify envelope on subject %s; %s", msg.Subject, err.Error())
			msg.Nak()
		}
		return nil, false
	}
	return payload, true
}

func (c *Consumer) consumeAuditRequestMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during audit request handling; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS audit request message on subject: %s", len(msg.Data), msg.Subject)

	payload, ok := c.open(msg)
	if !ok {
		return
	}

	req := &AuditRequest{}
	if err := json.Unmarshal(payload, req); err != nil {
		common.Log.Warningf("failed to unmarshal audit request; %s", err.Error())
		msg.Ack()
		return
	}

	if !req.hasAuditor(c.auditorID) {
		msg.Ack()
		return
	}

	result := PerformAuditCheck(context.Background(), req, c.auditorID, c.crawler)
	if err := result.Sign(c.publisher.keyPair); err != nil {
		common.Log.Warningf("failed to sign result of audit %s; %s", req.AuditID, err.Error())
		msg.Nak()
		return
	}

	if err := c.publisher.PublishResult(result); err != nil {
		common.Log.Warningf("failed to publish result of audit %s; %s", req.AuditID, err.Error())
		msg.Nak()
		return
	}

	common.Log.Debugf("published %s result for audit %s", result.Verdict, req.AuditID)
	msg.Ack()
}

func (c *Consumer) consumeAuditResultMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during audit result handling; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS audit result message on subject: %s", len(msg.Data), msg.Subject)

	payload, ok := c.open(msg)
	if !ok {
		return
	}

	result := &AuditResult{}
	if err := json.Unmarshal(payload, result); err != nil {
		common.Log.Warningf("failed to unmarshal audit result; %s", err.Error())
		msg.Ack()
		return
	}

	_, err := c.scheduler.SubmitResult(result)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, ErrUnknownAudit):
		// results of audits scheduled by other nodes
		msg.Ack()
	case errors.Is(err, common.ErrStorageUnavailable):
		common.Log.Warningf("failed to record result of audit %s; %s", result.AuditID, err.Error())
		msg.Nak()
	default:
		common.Log.Warningf("rejected result of audit %s; %s", result.AuditID, err.Error())
		msg.Ack()
	}
}
