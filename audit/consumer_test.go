package audit

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/envelope"
	"github.com/provideplatform/infomesh/identity"
	"github.com/provideplatform/infomesh/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	payload []byte
}

type testNode struct {
	keyPair   *identity.KeyPair
	scheduler *Scheduler
	consumer  *Consumer
	publisher *Publisher
	outbox    []*published
}

func newTestNode(t *testing.T, registry *identity.Registry, scorer *trust.Scorer, crawler Crawler) *testNode {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	_, err = registry.Register(kp.PublicKey)
	require.NoError(t, err)

	node := &testNode{keyPair: kp}
	node.publisher = NewPublisher(kp, envelope.NewNonceCounter())
	node.publisher.publish = func(subject string, payload []byte) error {
		node.outbox = append(node.outbox, &published{subject: subject, payload: payload})
		return nil
	}

	verifier := envelope.NewVerifier(registry, envelope.NewNonceTracker(), scorer.IsIsolated)
	node.scheduler = NewScheduler(NewMemorySummaryStore(0), scorer).WithKeys(registry)
	node.consumer = NewConsumer(verifier, node.scheduler, node.publisher, crawler)
	return node
}

func TestAuditRoundTripOverEnvelopes(t *testing.T) {
	raw := []byte("<html>attested</html>")
	text := "attested"

	registry := identity.NewRegistry()
	scorer := trust.NewScorer(trust.NewMemoryStore())

	origin := newTestNode(t, registry, scorer, &staticCrawler{})
	auditors := []*testNode{
		newTestNode(t, registry, trust.NewScorer(trust.NewMemoryStore()), &staticCrawler{raw: raw, text: text}),
		newTestNode(t, registry, trust.NewScorer(trust.NewMemoryStore()), &staticCrawler{raw: raw, text: text}),
		newTestNode(t, registry, trust.NewScorer(trust.NewMemoryStore()), &staticCrawler{raw: []byte("tampered"), text: "tampered"}),
	}
	ids := make([]string, 0)
	for _, auditor := range auditors {
		ids = append(ids, auditor.keyPair.PeerID)
	}

	req, err := origin.scheduler.CreateAudit("target", "https://example.com/doc", common.SHA256Hex(raw), common.SHA256(text), ids)
	require.NoError(t, err)
	require.NoError(t, origin.publisher.PublishRequest(req))
	require.Len(t, origin.outbox, 1)
	assert.Equal(t, natsAuditRequestSubject, origin.outbox[0].subject)

	for _, auditor := range auditors {
		auditor.consumer.consumeAuditRequestMsg(&nats.Msg{Subject: natsAuditRequestSubject, Data: origin.outbox[0].payload})
		require.Len(t, auditor.outbox, 1)
		assert.Equal(t, natsAuditResultSubject, auditor.outbox[0].subject)
	}

	for _, auditor := range auditors {
		origin.consumer.consumeAuditResultMsg(&nats.Msg{Subject: natsAuditResultSubject, Data: auditor.outbox[0].payload})
	}

	assert.Empty(t, origin.scheduler.Pending())
	history, err := origin.scheduler.History("target", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, VerdictPass, history[0].FinalVerdict)
	assert.Equal(t, []string{auditors[2].keyPair.PeerID}, history[0].SuspiciousAuditors)

	peer, err := scorer.Get("target")
	require.NoError(t, err)
	assert.Equal(t, 1, peer.AuditsPassed)
}

func TestConsumerDropsUnassignedAndForgedMessages(t *testing.T) {
	registry := identity.NewRegistry()
	scorer := trust.NewScorer(trust.NewMemoryStore())
	origin := newTestNode(t, registry, scorer, &staticCrawler{})
	bystander := newTestNode(t, registry, trust.NewScorer(trust.NewMemoryStore()), &staticCrawler{raw: []byte("x"), text: "x"})

	req := &AuditRequest{AuditID: "a", TargetPeer: "target", URL: "https://example.com", Auditors: []string{"p1", "p2", "p3"}}
	require.NoError(t, origin.publisher.PublishRequest(req))

	bystander.consumer.consumeAuditRequestMsg(&nats.Msg{Subject: natsAuditRequestSubject, Data: origin.outbox[0].payload})
	assert.Empty(t, bystander.outbox)

	env := &envelope.SignedEnvelope{}
	require.NoError(t, json.Unmarshal(origin.outbox[0].payload, env))
	env.Payload = []byte(`{"audit_id":"a","auditors":["` + bystander.keyPair.PeerID + `"]}`)
	forged, _ := json.Marshal(env)
	bystander.consumer.consumeAuditRequestMsg(&nats.Msg{Subject: natsAuditRequestSubject, Data: forged})
	assert.Empty(t, bystander.outbox)

	bystander.consumer.consumeAuditRequestMsg(&nats.Msg{Subject: natsAuditRequestSubject, Data: []byte("not json")})
	assert.Empty(t, bystander.outbox)
}
