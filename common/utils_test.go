package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortPeerID(t *testing.T) {
	assert.Equal(t, "abc", ShortPeerID("abc"))
	assert.Equal(t, "0123456789ab...", ShortPeerID("0123456789abcdef"))
}

func TestConsumerNameIsDistinctPerNode(t *testing.T) {
	subject := "infomesh.audit.request"
	alice := ConsumerName(subject, "aaaaaaaaaaaaaaaa1111")
	bob := ConsumerName(subject, "bbbbbbbbbbbbbbbb2222")

	assert.NotEqual(t, alice, bob)
	assert.Equal(t, alice, ConsumerName(subject, "aaaaaaaaaaaaaaaa1111"))
	assert.Equal(t, "infomesh_audit_request_aaaaaaaaaaaa", alice)

	// jetstream durable names may not contain tokens separators or wildcards
	for _, name := range []string{alice, bob, ConsumerName("infomesh.>", "p.e*er")} {
		assert.False(t, strings.ContainsAny(name, ".*> "), name)
	}

	assert.NotEqual(t, ConsumerName("infomesh.audit.result", "aaaaaaaaaaaa"), alice)
}
