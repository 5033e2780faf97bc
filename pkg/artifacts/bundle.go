package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaysec/relay/pkg/canonicalize"
	"github.com/relaysec/relay/pkg/policy"
)

// Bundle is one published policy: the YAML source plus the metadata needed
// to recompile it and attribute decisions to a version. The Version field
// is the compiled policy version (sha256 over the canonicalized rules), not
// the digest of the bundle blob; the blob digest additionally covers
// metadata like the publish timestamp.
type Bundle struct {
	Version    string    `json:"version"`
	SourceName string    `json:"source_name,omitempty"`
	Source     []byte    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	Publisher  string    `json:"publisher,omitempty"`
}

// Manager publishes and resolves policy bundles over a Store.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Publish compiles the source, stores the bundle, and moves the current
// pointer to it. Source that does not compile is refused; a store must
// never hand out a bundle the engine cannot load. Returns the bundle and
// its blob digest.
func (m *Manager) Publish(ctx context.Context, sourceName string, source []byte, publisher string) (*Bundle, string, error) {
	compiled, err := policy.Compile(source)
	if err != nil {
		return nil, "", fmt.Errorf("artifacts: publish %s: %w", sourceName, err)
	}

	b := &Bundle{
		Version:    compiled.Version,
		SourceName: sourceName,
		Source:     source,
		CreatedAt:  canonicalize.Now(),
		Publisher:  publisher,
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, "", fmt.Errorf("artifacts: encode bundle: %w", err)
	}

	digest, err := m.store.Put(ctx, data)
	if err != nil {
		return nil, "", err
	}
	if err := m.store.SetCurrent(ctx, digest); err != nil {
		return nil, "", err
	}
	return b, digest, nil
}

// Current resolves the live bundle. ErrNoCurrent when nothing has been
// published yet.
func (m *Manager) Current(ctx context.Context) (*Bundle, string, error) {
	digest, err := m.store.Current(ctx)
	if err != nil {
		return nil, "", err
	}
	b, err := m.Load(ctx, digest)
	if err != nil {
		return nil, "", err
	}
	return b, digest, nil
}

// Load fetches and decodes one bundle by blob digest.
func (m *Manager) Load(ctx context.Context, digest string) (*Bundle, error) {
	data, err := m.store.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("artifacts: bundle %s: %w", digest, err)
	}
	return &b, nil
}

// Rollback points current at a previously stored bundle without storing
// anything new. The digest must exist.
func (m *Manager) Rollback(ctx context.Context, digest string) (*Bundle, error) {
	b, err := m.Load(ctx, digest)
	if err != nil {
		return nil, err
	}
	if err := m.store.SetCurrent(ctx, digest); err != nil {
		return nil, err
	}
	return b, nil
}
