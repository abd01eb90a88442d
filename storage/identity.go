package storage

import (
	"crypto/ed25519"
	"fmt"

	"github.com/rfmesh/meshnode/core/crypto"
)

// IdentityBlobName is the blob key the node identity persists under.
const IdentityBlobName = "identity"

// LoadIdentity restores the node key pair from its persisted seed.
// Returns nil with no error if no identity has been saved yet.
func LoadIdentity(store Store) (*crypto.KeyPair, error) {
	data, err := store.LoadBlob(IdentityBlobName)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity blob has %d bytes, want %d", len(data), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(data)
	return crypto.KeyPairFromPrivateKey(priv)
}

// SaveIdentity persists the key pair's seed.
func SaveIdentity(store Store, kp *crypto.KeyPair) error {
	return store.SaveBlob(IdentityBlobName, kp.PrivateKey.Seed())
}

// EnsureIdentity loads the persisted identity, generating and saving a
// fresh one on first boot.
func EnsureIdentity(store Store) (*crypto.KeyPair, error) {
	kp, err := LoadIdentity(store)
	if err != nil || kp != nil {
		return kp, err
	}
	kp, err = crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(store, kp); err != nil {
		return nil, err
	}
	return kp, nil
}
