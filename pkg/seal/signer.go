package seal

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Signer holds the process-wide Ed25519 signing key. The private key never
// leaves this type.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: key generation: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromSeed builds a signer from a 32-byte Ed25519 seed.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seal: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerateSigner reads a hex-encoded seed from path, generating and
// persisting one when absent. Production deployments must provision the key
// out of band, so a missing file is an error there.
func LoadOrGenerateSigner(path string, production bool) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, derr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if derr != nil {
			return nil, fmt.Errorf("seal: key file %s: %w", path, derr)
		}
		return NewSignerFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("seal: key file %s: %w", path, err)
	}
	if production {
		return nil, fmt.Errorf("seal: signing key %s not found; provision it before starting in production", path)
	}

	signer, err := NewSigner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("seal: key dir: %w", err)
	}
	seedHex := hex.EncodeToString(signer.priv.Seed())
	if err := os.WriteFile(path, []byte(seedHex+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("seal: persist key: %w", err)
	}
	return signer, nil
}

// Sign returns the raw Ed25519 signature over data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// SignBase64 returns the std-base64 signature over data.
func (s *Signer) SignBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(s.Sign(data))
}

// PublicKeyBase64 returns the std-base64 public key.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// PublicKeyBytes returns the raw public key.
func (s *Signer) PublicKeyBytes() []byte { return s.pub }

// KeyID is a short stable identifier for the public key, for logs and token
// headers.
func (s *Signer) KeyID() string {
	sum := sha256.Sum256(s.pub)
	return hex.EncodeToString(sum[:6])
}

// Verify checks a std-base64 signature against a std-base64 public key.
func Verify(pubKeyB64, sigB64 string, data []byte) (bool, error) {
	pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return false, fmt.Errorf("seal: invalid public key encoding: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("seal: invalid signature encoding: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("seal: invalid public key size %d", len(pubKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("seal: invalid signature size %d", len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
