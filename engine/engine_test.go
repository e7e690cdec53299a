package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/infomesh/attestation"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/detector"
	"github.com/provideplatform/infomesh/envelope"
	"github.com/provideplatform/infomesh/farming"
	"github.com/provideplatform/infomesh/identity"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCrawler struct {
	raw  []byte
	text string
}

func (c *fixedCrawler) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	return c.raw, c.text, nil
}

type capture struct {
	mutex        sync.Mutex
	subjects     []string
	roots        []*merkletree.MerkleRoot
	attestations []*attestation.ContentAttestation
}

func (c *capture) publish(subject string, payload []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

func capturePublications(n *Node) *capture {
	c := &capture{}
	n.Publisher.WithTransport(c.publish)
	n.publishRoot = func(root *merkletree.MerkleRoot) error {
		c.roots = append(c.roots, root)
		return nil
	}
	n.publishAttestation = func(record *attestation.ContentAttestation) error {
		c.attestations = append(c.attestations, record)
		return nil
	}
	return c
}

func newTestNode(t *testing.T) (*Node, *capture) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	n, err := New(kp, &fixedCrawler{raw: []byte("raw"), text: "text"})
	require.NoError(t, err)
	return n, capturePublications(n)
}

func openTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// introduce registers the identity of each node with every other node
func introduce(t *testing.T, nodes ...*Node) {
	for _, n := range nodes {
		for _, other := range nodes {
			_, err := n.Registry.Register(other.KeyPair.PublicKey)
			require.NoError(t, err)
		}
	}
}

func documentHashes(n int) []string {
	hashes := make([]string, n)
	for i := range hashes {
		hashes[i] = common.SHA256(fmt.Sprintf("document-%d", i))
	}
	return hashes
}

func TestNewRequiresIdentityAndCrawler(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New(nil, &fixedCrawler{})
	assert.True(t, errors.Is(err, common.ErrInvalidInput))

	_, err = New(kp, nil)
	assert.True(t, errors.Is(err, common.ErrInvalidInput))

	n, err := New(kp, &fixedCrawler{})
	require.NoError(t, err)
	_, ok := n.Registry.PublicKey(kp.PeerID)
	assert.True(t, ok)
}

func TestBuildIndexSignsAndPublishesRoot(t *testing.T) {
	n, published := newTestNode(t)
	hashes := documentHashes(7)

	root, err := n.BuildIndex(hashes)
	require.NoError(t, err)
	assert.Equal(t, 7, root.DocumentCount)
	assert.Equal(t, n.KeyPair.PeerID, root.PeerID)
	assert.True(t, attestation.VerifyRoot(root, n.KeyPair.PublicKey))
	require.Len(t, published.roots, 1)
	assert.Equal(t, root.RootHash, published.roots[0].RootHash)

	latest, err := n.LatestRoot()
	require.NoError(t, err)
	assert.Equal(t, root.RootHash, latest.RootHash)

	proof, err := n.ProveDocument(hashes[4])
	require.NoError(t, err)
	assert.Equal(t, root.RootHash, proof.RootHash)
	assert.True(t, merkletree.VerifyDocument(hashes[4], proof))

	_, err = n.ProveDocument(common.SHA256("missing"))
	assert.True(t, errors.Is(err, merkletree.ErrOutOfRange))

	_, err = n.BuildIndex(nil)
	assert.True(t, errors.Is(err, common.ErrInvalidInput))
}

func TestDurableNodeSurvivesRestart(t *testing.T) {
	db := openTestDB(t)
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	n, err := NewDurable(db, kp, &fixedCrawler{})
	require.NoError(t, err)
	capturePublications(n)

	hashes := documentHashes(5)
	root, err := n.BuildIndex(hashes)
	require.NoError(t, err)
	require.NoError(t, n.Trust.Isolate("bad-peer", "test"))

	restarted, err := NewDurable(db, kp, &fixedCrawler{})
	require.NoError(t, err)

	latest, err := restarted.LatestRoot()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, root.RootHash, latest.RootHash)
	assert.True(t, attestation.VerifyRoot(latest, kp.PublicKey))

	proof, err := restarted.ProveDocument(hashes[2])
	require.NoError(t, err)
	assert.Equal(t, root.RootHash, proof.RootHash)

	assert.True(t, restarted.Trust.IsIsolated("bad-peer"))
}

func TestReceiveAuthenticatesAndAssessesSender(t *testing.T) {
	receiver, _ := newTestNode(t)
	sender, _ := newTestNode(t)
	introduce(t, receiver, sender)

	env, err := sender.Seal([]byte("query: merkle trees"))
	require.NoError(t, err)

	payload, assessment, err := receiver.Receive(env, farming.ActionQuery)
	require.NoError(t, err)
	assert.Equal(t, []byte("query: merkle trees"), payload)
	assert.Equal(t, detector.ThreatNone, assessment.ThreatLevel)
	assert.Equal(t, farming.VerdictProbation, assessment.FarmingVerdict)

	_, _, err = receiver.Receive(env, farming.ActionQuery)
	var verr *envelope.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, envelope.CheckReplay, verr.Check)

	stranger, _ := newTestNode(t)
	env, err = stranger.Seal([]byte("hello"))
	require.NoError(t, err)
	_, _, err = receiver.Receive(env, farming.ActionQuery)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, envelope.CheckUnknownKey, verr.Check)
}

func TestReceiveIsolatesUntrustedSender(t *testing.T) {
	receiver, _ := newTestNode(t)
	sender, _ := newTestNode(t)
	introduce(t, receiver, sender)

	_, err := receiver.Trust.RecordAudit(sender.KeyPair.PeerID, false)
	require.NoError(t, err)
	_, err = receiver.Trust.RecordAudit(sender.KeyPair.PeerID, false)
	require.NoError(t, err)

	env, err := sender.Seal([]byte("index this"))
	require.NoError(t, err)

	payload, assessment, err := receiver.Receive(env, farming.ActionIndex)
	assert.Nil(t, payload)
	var verr *envelope.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, envelope.CheckIsolation, verr.Check)
	require.NotNil(t, assessment)
	assert.True(t, assessment.Enforced)
	assert.Equal(t, detector.ThreatHigh, assessment.ThreatLevel)
	assert.True(t, receiver.Trust.IsIsolated(sender.KeyPair.PeerID))

	env, err = sender.Seal([]byte("index this too"))
	require.NoError(t, err)
	_, _, err = receiver.Receive(env, farming.ActionIndex)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, envelope.CheckIsolation, verr.Check)
}

func TestObserveAttestation(t *testing.T) {
	observer, _ := newTestNode(t)
	publisher, published := newTestNode(t)

	record, err := publisher.Attest("https://example.com/a", []byte("<p>a</p>"), "a")
	require.NoError(t, err)
	require.Len(t, published.attestations, 1)

	err = observer.ObserveAttestation(record)
	assert.True(t, errors.Is(err, common.ErrInvalidInput))

	introduce(t, observer, publisher)
	require.NoError(t, observer.ObserveAttestation(record))
	assert.Len(t, observer.observed.snapshot(), 1)

	tampered := *record
	tampered.URL = "https://example.com/b"
	err = observer.ObserveAttestation(&tampered)
	assert.True(t, errors.Is(err, common.ErrInvalidInput))

	own, err := observer.Attest("https://example.com/own", []byte("own"), "own")
	require.NoError(t, err)
	require.NoError(t, observer.ObserveAttestation(own))
	assert.Len(t, observer.observed.snapshot(), 1)

	require.NoError(t, observer.Trust.Isolate(publisher.KeyPair.PeerID, "test"))
	err = observer.ObserveAttestation(record)
	assert.True(t, errors.Is(err, common.ErrInvalidInput))
}

func TestObservedAttestationsAreBounded(t *testing.T) {
	observed := newObservedAttestations(3)
	for i := 0; i < 5; i++ {
		observed.add(&attestation.ContentAttestation{URL: fmt.Sprintf("u%d", i)})
	}

	urls := make([]string, 0)
	for _, record := range observed.snapshot() {
		urls = append(urls, record.URL)
	}
	assert.ElementsMatch(t, []string{"u2", "u3", "u4"}, urls)
}

func TestObserveRoot(t *testing.T) {
	observer, _ := newTestNode(t)
	publisher, published := newTestNode(t)
	introduce(t, observer, publisher)

	_, err := publisher.BuildIndex(documentHashes(3))
	require.NoError(t, err)
	require.Len(t, published.roots, 1)
	root := published.roots[0]

	require.NoError(t, observer.ObserveRoot(root))
	assert.Equal(t, root.RootHash, observer.PeerRoot(publisher.KeyPair.PeerID).RootHash)

	forged := *root
	forged.DocumentCount = 4
	err = observer.ObserveRoot(&forged)
	assert.True(t, errors.Is(err, common.ErrInvalidInput))
	assert.Equal(t, 3, observer.PeerRoot(publisher.KeyPair.PeerID).DocumentCount)

	assert.Nil(t, observer.PeerRoot("unknown"))
}

func TestAuditCycleSchedulesObservedAttestation(t *testing.T) {
	scheduler, outbox := newTestNode(t)

	err := scheduler.AuditCycle(context.Background())
	assert.True(t, errors.Is(err, ErrNothingToAudit))

	target, _ := newTestNode(t)
	peers := []*Node{scheduler, target}
	for i := 0; i < 3; i++ {
		peer, _ := newTestNode(t)
		peers = append(peers, peer)
	}
	introduce(t, peers...)

	record, err := target.Attest("https://example.com/audited", []byte("raw"), "text")
	require.NoError(t, err)
	require.NoError(t, scheduler.ObserveAttestation(record))

	require.NoError(t, scheduler.AuditCycle(context.Background()))
	require.Len(t, outbox.subjects, 1)
	assert.Equal(t, "infomesh.audit.request", outbox.subjects[0])

	pending := scheduler.Scheduler.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, target.KeyPair.PeerID, pending[0].TargetPeer)
	assert.Equal(t, record.RawHash, pending[0].ExpectedRawHash)
	assert.Len(t, pending[0].Auditors, 3)
	assert.NotContains(t, pending[0].Auditors, target.KeyPair.PeerID)
}

func TestConsumeAttestationMsg(t *testing.T) {
	observer, _ := newTestNode(t)
	publisher, _ := newTestNode(t)
	introduce(t, observer, publisher)

	record, err := publisher.Attest("https://example.com/c", []byte("c"), "c")
	require.NoError(t, err)
	payload, err := json.Marshal(record)
	require.NoError(t, err)

	observer.consumeAttestationMsg(&nats.Msg{Subject: attestation.NatsAttestationSubject, Data: []byte("nope")})
	assert.Empty(t, observer.observed.snapshot())

	observer.consumeAttestationMsg(&nats.Msg{Subject: attestation.NatsAttestationSubject, Data: payload})
	assert.Len(t, observer.observed.snapshot(), 1)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(404)
			return
		}
		w.Write([]byte("<html>body</html>"))
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher()
	raw, text, err := fetcher.Fetch(context.Background(), srv.URL+"/doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>body</html>"), raw)
	assert.Equal(t, "", text)

	_, _, err = fetcher.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

const testOperatorToken = "operator-secret"

func operatorRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testOperatorToken)
	return req
}

func withOperatorToken(t *testing.T, token string) {
	previous := common.OperatorToken
	common.OperatorToken = token
	t.Cleanup(func() { common.OperatorToken = previous })
}

func TestRegisterPeerRequiresOperator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	n, _ := newTestNode(t)
	r := gin.New()
	InstallAPI(r, n)

	peer, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	body := `{"public_key":"` + hex.EncodeToString(peer.PublicKey) + `"}`

	withOperatorToken(t, "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, operatorRequest(http.MethodPost, "/api/v1/peers", body))
	assert.Equal(t, 403, w.Code)

	withOperatorToken(t, testOperatorToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/peers", strings.NewReader(body)))
	assert.Equal(t, 401, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/peers", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	r.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/peers", strings.NewReader(body))
	req.Header.Set("Authorization", testOperatorToken)
	r.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)

	_, known := n.Registry.PublicKey(peer.PeerID)
	assert.False(t, known)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, operatorRequest(http.MethodPost, "/api/v1/peers", body))
	require.Equal(t, 201, w.Code)

	_, known = n.Registry.PublicKey(peer.PeerID)
	assert.True(t, known)
}

func TestNodeAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	withOperatorToken(t, testOperatorToken)
	n, _ := newTestNode(t)
	r := gin.New()
	InstallAPI(r, n)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/merkle/root", nil))
	assert.Equal(t, 404, w.Code)

	hashes := documentHashes(4)
	body, _ := json.Marshal(map[string]interface{}{"document_hashes": hashes})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/merkle/root", strings.NewReader(string(body))))
	require.Equal(t, 201, w.Code)
	root := &merkletree.MerkleRoot{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), root))
	assert.Equal(t, 4, root.DocumentCount)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/merkle/root", strings.NewReader(`{"document_hashes":[]}`)))
	assert.Equal(t, 422, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/merkle/root", nil))
	require.Equal(t, 200, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/merkle/proofs/"+hashes[1], nil))
	require.Equal(t, 200, w.Code)
	proof := &merkletree.MerkleProof{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), proof))
	assert.True(t, merkletree.VerifyDocument(hashes[1], proof))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/merkle/proofs/"+common.SHA256("missing"), nil))
	assert.Equal(t, 404, w.Code)

	peer, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, operatorRequest(http.MethodPost, "/api/v1/peers", `{"public_key":"`+hex.EncodeToString(peer.PublicKey)+`"}`))
	require.Equal(t, 201, w.Code)
	registered := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &registered))
	assert.Equal(t, peer.PeerID, registered["peer_id"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, operatorRequest(http.MethodPost, "/api/v1/peers", `{"public_key":"zz"}`))
	assert.Equal(t, 422, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/attestations", strings.NewReader(`{"url":"https://example.com","raw_body":"raw","text":"text"}`)))
	require.Equal(t, 201, w.Code)
	record := &attestation.ContentAttestation{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), record))
	assert.Equal(t, common.SHA256("text"), record.TextHash)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trust/"+peer.PeerID, nil))
	assert.Equal(t, 200, w.Code)
}
