package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet signs tokens with the current key and verifies tokens signed by any
// retained key, so rotation does not invalidate outstanding tokens.
type KeySet interface {
	// Sign creates a signed token with the active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc resolves the verification key from the token's kid header.
	KeyFunc() jwt.Keyfunc
}

// retainedKeys bounds how many rotated-out keys stay verifiable.
const retainedKeys = 10

// InMemoryKeySet keeps Ed25519 signing keys in process memory.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	order      []string
	keys       map[string]ed25519.PrivateKey
}

// NewInMemoryKeySet generates a fresh signing key. Tokens do not survive a
// restart; use NewInMemoryKeySetFromSeed when they must.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewInMemoryKeySetFromSeed derives the initial key from a 32-byte seed so
// every replica of the service verifies the same tokens.
func NewInMemoryKeySetFromSeed(seed []byte) (*InMemoryKeySet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	key := ed25519.NewKeyFromSeed(seed)
	ks.install(seededKID(key), key)
	return ks, nil
}

// Rotate generates a new active key. Previously active keys remain valid for
// verification until evicted.
func (ks *InMemoryKeySet) Rotate() error {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: generate key: %w", err)
	}
	ks.install(fmt.Sprintf("key-%d", time.Now().UnixNano()), key)
	return nil
}

func (ks *InMemoryKeySet) install(kid string, key ed25519.PrivateKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.keys[kid] = key
	ks.order = append(ks.order, kid)
	ks.currentKID = kid

	for len(ks.order) > retainedKeys {
		oldest := ks.order[0]
		ks.order = ks.order[1:]
		delete(ks.keys, oldest)
	}
}

func (ks *InMemoryKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("identity: no active signing key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("identity: token missing kid header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("identity: unknown key %s", kid)
		}
		return key.Public(), nil
	}
}

func seededKID(key ed25519.PrivateKey) string {
	sum := sha256.Sum256(key.Public().(ed25519.PublicKey))
	return "key-" + hex.EncodeToString(sum[:4])
}
