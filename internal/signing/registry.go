package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

// MemoryRegistry holds keys in memory. It is safe for concurrent use.
type MemoryRegistry struct {
	mu   sync.RWMutex
	priv map[string]ed25519.PrivateKey
	pub  map[string]ed25519.PublicKey
}

// NewMemoryRegistry returns an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		priv: make(map[string]ed25519.PrivateKey),
		pub:  make(map[string]ed25519.PublicKey),
	}
}

// Generate creates and registers a fresh key pair for id.
func (r *MemoryRegistry) Generate(id string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key for %q: %w", id, err)
	}
	r.Add(id, priv)
	return pub, nil
}

// Add registers a private key (and its public half) for id.
func (r *MemoryRegistry) Add(id string, priv ed25519.PrivateKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priv[id] = priv
	r.pub[id] = priv.Public().(ed25519.PublicKey)
}

// AddPublic registers a verify-only key for id.
func (r *MemoryRegistry) AddPublic(id string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pub[id] = pub
}

// IDs returns the registered identities in sorted order.
func (r *MemoryRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pub))
	for id := range r.pub {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SigningKey implements KeyRegistry.
func (r *MemoryRegistry) SigningKey(_ context.Context, id string, version int) (ed25519.PrivateKey, error) {
	if version != SigAlgEd25519 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, version)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.priv[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	return k, nil
}

// VerifyKey implements KeyRegistry.
func (r *MemoryRegistry) VerifyKey(_ context.Context, id string, version int) (ed25519.PublicKey, error) {
	if version != SigAlgEd25519 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, version)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.pub[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	return k, nil
}

const (
	privateKeySuffix = ".key"
	publicKeySuffix  = ".pub"
	privatePEMType   = "PRIVATE KEY"
	publicPEMType    = "PUBLIC KEY"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects identities that cannot safely name a key file.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("invalid signer id %q", id)
	}
	return nil
}

// DirRegistry loads PEM-encoded keys from a directory, one pair per identity:
// <id>.key (PKCS#8 private key) and <id>.pub (PKIX public key). A public key
// alone registers a verify-only identity. Loaded keys are cached.
type DirRegistry struct {
	dir   string
	cache *MemoryRegistry
}

// NewDirRegistry returns a registry reading keys from dir.
func NewDirRegistry(dir string) *DirRegistry {
	return &DirRegistry{dir: dir, cache: NewMemoryRegistry()}
}

// Dir returns the key directory.
func (r *DirRegistry) Dir() string { return r.dir }

// LoadOrCreate loads the key pair for id, generating and persisting one if
// none exists.
func (r *DirRegistry) LoadOrCreate(id string) (ed25519.PublicKey, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(r.dir, id+privateKeySuffix)); err == nil {
		priv, err := r.loadPrivate(id)
		if err != nil {
			return nil, err
		}
		return priv.Public().(ed25519.PublicKey), nil
	}
	pub, err := GenerateKeyFiles(r.dir, id)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// SigningKey implements KeyRegistry.
func (r *DirRegistry) SigningKey(ctx context.Context, id string, version int) (ed25519.PrivateKey, error) {
	if k, err := r.cache.SigningKey(ctx, id, version); err == nil {
		return k, nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	return r.loadPrivate(id)
}

// VerifyKey implements KeyRegistry.
func (r *DirRegistry) VerifyKey(ctx context.Context, id string, version int) (ed25519.PublicKey, error) {
	if k, err := r.cache.VerifyKey(ctx, id, version); err == nil {
		return k, nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	if _, err := os.Stat(filepath.Join(r.dir, id+privateKeySuffix)); err == nil {
		priv, err := r.loadPrivate(id)
		if err != nil {
			return nil, err
		}
		return priv.Public().(ed25519.PublicKey), nil
	}
	raw, err := os.ReadFile(filepath.Join(r.dir, id+publicKeySuffix))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read public key %q: %w", id, err)
	}
	pub, err := decodePublic(raw)
	if err != nil {
		return nil, fmt.Errorf("public key %q: %w", id, err)
	}
	r.cache.AddPublic(id, pub)
	return pub, nil
}

func (r *DirRegistry) loadPrivate(id string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir, id+privateKeySuffix))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read private key %q: %w", id, err)
	}
	priv, err := decodePrivate(raw)
	if err != nil {
		return nil, fmt.Errorf("private key %q: %w", id, err)
	}
	r.cache.Add(id, priv)
	return priv, nil
}

// GenerateKeyFiles creates a new key pair for id in dir. The directory is
// created with 0700 and the private key written with 0600. Existing files
// are never overwritten.
func GenerateKeyFiles(dir, id string) (ed25519.PublicKey, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: pubDER})

	if err := writeExclusive(filepath.Join(dir, id+privateKeySuffix), privPEM, 0o600); err != nil {
		return nil, err
	}
	if err := writeExclusive(filepath.Join(dir, id+publicKeySuffix), pubPEM, 0o644); err != nil {
		return nil, err
	}
	return pub, nil
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func decodePrivate(raw []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != privatePEMType {
		return nil, fmt.Errorf("no %s PEM block", privatePEMType)
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8: %w", err)
	}
	priv, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want ed25519", k)
	}
	return priv, nil
}

func decodePublic(raw []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != publicPEMType {
		return nil, fmt.Errorf("no %s PEM block", publicPEMType)
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX: %w", err)
	}
	pub, ok := k.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want ed25519", k)
	}
	return pub, nil
}
