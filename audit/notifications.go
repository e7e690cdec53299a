package audit

import (
	"encoding/json"
	"fmt"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/provideplatform/infomesh/envelope"
	"github.com/provideplatform/infomesh/identity"
)

const defaultNatsStream = "infomesh"

const natsAuditRequestSubject = "infomesh.audit.request"
const natsAuditResultSubject = "infomesh.audit.result"

// Publisher wraps audit messages in signed envelopes and broadcasts them
type Publisher struct {
	keyPair *identity.KeyPair
	counter *envelope.NonceCounter
	publish func(subject string, payload []byte) error
}

// NewPublisher returns a publisher signing with the local identity
func NewPublisher(keyPair *identity.KeyPair, counter *envelope.NonceCounter) *Publisher {
	return &Publisher{
		keyPair: keyPair,
		counter: counter,
		publish: jetstreamPublish,
	}
}

// WithTransport replaces the jetstream transport used to broadcast signed envelopes
func (p *Publisher) WithTransport(publish func(subject string, payload []byte) error) *Publisher {
	p.publish = publish
	return p
}

// Counter returns the nonce counter shared by every envelope this publisher signs
func (p *Publisher) Counter() *envelope.NonceCounter {
	return p.counter
}

// PeerID returns the identity the publisher signs as
func (p *Publisher) PeerID() string {
	return p.keyPair.PeerID
}

func jetstreamPublish(subject string, payload []byte) error {
	_, err := natsutil.NatsJetstreamPublish(subject, payload)
	return err
}

// PublishRequest broadcasts an audit request to the assigned auditors
func (p *Publisher) PublishRequest(req *AuditRequest) error {
	return p.dispatch(natsAuditRequestSubject, req)
}

// PublishResult broadcasts an auditor's signed result
func (p *Publisher) PublishResult(result *AuditResult) error {
	return p.dispatch(natsAuditResultSubject, result)
}

func (p *Publisher) dispatch(subject string, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message; %w", subject, err)
	}

	env, err := envelope.SignEnvelope(payload, p.keyPair, p.counter)
	if err != nil {
		return err
	}

	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope; %w", subject, err)
	}

	if err := p.publish(subject, buf); err != nil {
		return fmt.Errorf("failed to publish %s message; %w", subject, err)
	}
	return nil
}
