package relayrouter

import (
	"sync"

	"github.com/ocx/controlplane/internal/keyrotation"
)

// keyHistoryStore keeps every accepted rotation notice per container, so
// a subject that missed a broadcast can ask the relay "what keys has this
// issuer used" instead of trusting only the most recent one.
type keyHistoryStore struct {
	mu  sync.Mutex
	log map[string][]keyrotation.RotationNotification
}

func newKeyHistoryStore() *keyHistoryStore {
	return &keyHistoryStore{log: make(map[string][]keyrotation.RotationNotification)}
}

func (k *keyHistoryStore) record(containerID string, n keyrotation.RotationNotification) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.log[containerID] = append(k.log[containerID], n)
}

func (k *keyHistoryStore) list(containerID string) []keyrotation.RotationNotification {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]keyrotation.RotationNotification(nil), k.log[containerID]...)
}
