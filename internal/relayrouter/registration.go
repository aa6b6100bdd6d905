package relayrouter

import (
	"sync"
	"time"
)

// Registration is one sandbox's relay identity: the keys it registered,
// plus whichever passive delivery address (callback URL) it gave us.
// Grounded on fabric/hub.go's SpokeInfo — the same "who is this and how do
// I reach it" record, minus the routing-table machinery Hub needs for
// federation we don't have here.
type Registration struct {
	ContainerID           string
	PublicKey             string // base64 Ed25519 signing public key, current
	PreviousPublicKey     string // base64 Ed25519 signing public key, pre-rotation
	TransitionEndsAt      time.Time
	EncryptionPublicKey   string
	CallbackURL           string
	RegisteredAt          time.Time
	UpdatedAt             time.Time
}

// inTransition reports whether PreviousPublicKey is still acceptable.
func (r Registration) inTransition(now time.Time) bool {
	return r.PreviousPublicKey != "" && now.Before(r.TransitionEndsAt)
}

// registrationStore is the process-wide containerId -> Registration map.
// Like the Hub's spokes map, it is a single in-memory table guarded by an
// RWMutex: registration and key rotation are rare writes against a much
// higher volume of forward/send reads. byCurrentKey/byPreviousKey are a
// reverse index (signing public key -> containerId) so a capability
// token's embedded issuer key can be checked for rotation-aware
// acceptance without scanning every registration.
type registrationStore struct {
	mu            sync.RWMutex
	byID          map[string]*Registration
	byCurrentKey  map[string]string
	byPreviousKey map[string]string
}

func newRegistrationStore() *registrationStore {
	return &registrationStore{
		byID:          make(map[string]*Registration),
		byCurrentKey:  make(map[string]string),
		byPreviousKey: make(map[string]string),
	}
}

func (s *registrationStore) put(reg Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[reg.ContainerID] = &reg
	s.byCurrentKey[reg.PublicKey] = reg.ContainerID
}

func (s *registrationStore) get(containerID string) (Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[containerID]
	if !ok {
		return Registration{}, false
	}
	return *r, true
}

// applyRotation records a new current key and, if transitionEndsAt is in
// the future, keeps the old key acceptable until the transition window
// closes.
func (s *registrationStore) applyRotation(containerID, newPublicKey string, transitionEndsAt time.Time, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[containerID]
	if !ok {
		return false
	}
	delete(s.byCurrentKey, r.PublicKey)
	s.byPreviousKey[r.PublicKey] = containerID
	r.PreviousPublicKey = r.PublicKey
	r.PublicKey = newPublicKey
	r.TransitionEndsAt = transitionEndsAt
	r.UpdatedAt = now
	s.byCurrentKey[newPublicKey] = containerID
	return true
}

// acceptIssuerKey implements rotation-aware acceptance for a capability
// token's embedded issuer key: the current key for any issuer is always
// accepted; a superseded key is accepted only while its issuer's
// transition window is still open; an issuer key this relay has never
// seen registered (an external, unregistered signer) is accepted on
// signature validity alone — the capability mesh doesn't require every
// issuer to be a relay-known container.
func (s *registrationStore) acceptIssuerKey(issPublicKeyB64 string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byCurrentKey[issPublicKeyB64]; ok {
		return true
	}
	if containerID, ok := s.byPreviousKey[issPublicKeyB64]; ok {
		r := s.byID[containerID]
		return r != nil && r.inTransition(now)
	}
	return true
}
