package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
)

var (
	// ErrIdentityCorrupt is returned when a stored seed exists but cannot be used.
	// It is fatal: the store never replaces a corrupt seed with a fresh one.
	ErrIdentityCorrupt = errors.New("identity seed is corrupt")
	// ErrEmptyPath is returned when no identity file path is configured
	ErrEmptyPath = errors.New("identity path cannot be empty")
)

// Store owns the node's seed file.
type Store struct {
	path string
}

// NewStore creates a store backed by the seed file at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the seed file location
func (s *Store) Path() string {
	return s.path
}

// LoadOrCreate returns the node identity, generating and persisting a new
// seed on first run.
func (s *Store) LoadOrCreate() (*Identity, error) {
	if s.path == "" {
		return nil, ErrEmptyPath
	}

	seed, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if len(seed) != meshcrypto.SeedSize {
			return nil, fmt.Errorf("%w: %s holds %d bytes, expected %d", ErrIdentityCorrupt, s.path, len(seed), meshcrypto.SeedSize)
		}
		return newIdentity(seed)
	case errors.Is(err, os.ErrNotExist):
		// first run
	default:
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	seed = make([]byte, meshcrypto.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	if err := writeSeed(s.path, seed); err != nil {
		return nil, fmt.Errorf("failed to persist seed: %w", err)
	}
	return newIdentity(seed)
}

// writeSeed writes via a synced temp file then rename so a crash never
// leaves a truncated seed behind. The temp file is removed on failure.
func writeSeed(path string, seed []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	// A stale temp file keeps its old mode through O_CREATE
	if err = f.Chmod(0o600); err != nil {
		return err
	}
	if _, err = f.Write(seed); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk. Not every platform can sync a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Identity is the node's keypair. The seed never leaves this type.
type Identity struct {
	seed   []byte
	public []byte
}

func newIdentity(seed []byte) (*Identity, error) {
	pub, err := meshcrypto.PublicKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityCorrupt, err)
	}
	return &Identity{seed: seed, public: pub}, nil
}

// PublicKey returns a copy of the 32-byte public key
func (id *Identity) PublicKey() []byte {
	return append([]byte(nil), id.public...)
}

// NodeID returns the hex encoded public key
func (id *Identity) NodeID() string {
	return mesh.NodeIDFromKey(id.public)
}

// Hash returns the one-byte address used on direct frames
func (id *Identity) Hash() byte {
	return id.public[0]
}

// SealTo encrypts plaintext for the node holding peerPub
func (id *Identity) SealTo(peerPub, plaintext []byte) (nonce, ciphertext []byte, err error) {
	return meshcrypto.SealDirect(id.seed, peerPub, plaintext)
}

// OpenFrom decrypts a direct message from the node holding senderPub
func (id *Identity) OpenFrom(senderPub, nonce, ciphertext []byte) ([]byte, error) {
	return meshcrypto.OpenDirect(id.seed, senderPub, nonce, ciphertext)
}
