package identity

import (
	"fmt"
	"sort"
	"sync"

	"github.com/provideplatform/infomesh/common"
)

// KeyResolver resolves the public key of a peer
type KeyResolver interface {
	PublicKey(peerID string) ([]byte, bool)
}

// Registry holds the public keys of known peers
type Registry struct {
	mutex sync.RWMutex
	keys  map[string][]byte
}

// NewRegistry returns an empty key registry
func NewRegistry() *Registry {
	return &Registry{
		keys: map[string][]byte{},
	}
}

// Register adds a public key and returns the peer id derived from it
func (r *Registry) Register(publicKey []byte) (string, error) {
	point := suite.Point()
	if err := point.UnmarshalBinary(publicKey); err != nil {
		return "", fmt.Errorf("%w: invalid public key; %s", common.ErrInvalidInput, err.Error())
	}

	peerID := PeerIDFromPublicKey(publicKey)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.keys[peerID] = append([]byte(nil), publicKey...)
	return peerID, nil
}

// PublicKey returns the registered public key for the given peer
func (r *Registry) PublicKey(peerID string) ([]byte, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	key, ok := r.keys[peerID]
	return key, ok
}

// Len returns the number of registered peers
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.keys)
}

// PeerIDs returns the ids of every registered peer in lexical order
func (r *Registry) PeerIDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
