package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// EncryptAddressed encrypts plaintext for an addressed (peer-to-peer) message
// using the legacy envelope. Uses AES-128 ECB + HMAC-SHA256, keyed with an
// ECDH shared secret derived from the sender's private key and recipient's
// public key. Returns [MAC(2) || ciphertext].
func EncryptAddressed(plaintext []byte, localPrivKey ed25519.PrivateKey, remotePubKey []byte) ([]byte, error) {
	secret, err := ComputeSharedSecret(localPrivKey, remotePubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return encryptThenMAC(secret, plaintext)
}

// DecryptAddressed decrypts a legacy addressed (peer-to-peer) envelope.
// Expects data as [MAC(2) || ciphertext].
// Returns the decrypted plaintext (may have trailing zero padding).
func DecryptAddressed(data []byte, localPrivKey ed25519.PrivateKey, remotePubKey []byte) ([]byte, error) {
	secret, err := ComputeSharedSecret(localPrivKey, remotePubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return macThenDecrypt(secret, data)
}

// EncryptAddressedWithSecret encrypts a legacy envelope using a pre-computed
// shared secret. Use this when the shared secret has already been derived via
// ComputeSharedSecret, to avoid recomputing it for every message to the same peer.
func EncryptAddressedWithSecret(plaintext, sharedSecret []byte) ([]byte, error) {
	return encryptThenMAC(sharedSecret, plaintext)
}

// DecryptAddressedWithSecret decrypts a legacy envelope using a pre-computed
// shared secret.
func DecryptAddressedWithSecret(data, sharedSecret []byte) ([]byte, error) {
	return macThenDecrypt(sharedSecret, data)
}

// EncryptAddressedAEAD encrypts plaintext for an addressed message using the
// AEAD-4 envelope. assocData should be header || dest_hash || src_hash.
func EncryptAddressedAEAD(plaintext, sharedSecret []byte, nonce uint16, destHash, srcHash uint8, assocData []byte) ([]byte, error) {
	return EncryptAEAD(sharedSecret, nonce, destHash, srcHash, plaintext, assocData)
}

// DecryptAddressedAEAD decrypts an AEAD-4 addressed envelope.
// Returns the plaintext and the sender's wire nonce.
func DecryptAddressedAEAD(envelope, sharedSecret []byte, destHash, srcHash uint8, assocData []byte) ([]byte, uint16, error) {
	return DecryptAEAD(sharedSecret, destHash, srcHash, envelope, assocData)
}

// DecryptAddressedAuto tries the AEAD-4 envelope first, then falls back to
// the legacy format. The two formats share no framing, so the only reliable
// discriminator is trial decryption. Returns the plaintext, whether the AEAD
// format matched, and the wire nonce (zero for legacy envelopes).
func DecryptAddressedAuto(envelope, sharedSecret []byte, destHash, srcHash uint8, assocData []byte) (plaintext []byte, usedAead bool, nonce uint16, err error) {
	if len(envelope) >= AeadMinSize {
		plaintext, nonce, err = DecryptAEAD(sharedSecret, destHash, srcHash, envelope, assocData)
		if err == nil {
			return plaintext, true, nonce, nil
		}
	}

	plaintext, err = macThenDecrypt(sharedSecret, envelope)
	if err != nil {
		return nil, false, 0, err
	}
	return plaintext, false, 0, nil
}

// EncryptAnonymous encrypts plaintext for an anonymous request using the
// legacy envelope. Generates an ephemeral Ed25519 key pair, derives a shared
// secret with the recipient's public key, and encrypts the plaintext.
// Returns the ephemeral public key (to include in the ANON_REQ payload) and
// the encrypted data [MAC(2) || ciphertext].
func EncryptAnonymous(plaintext []byte, recipientPubKey []byte) (ephemeralPubKey [32]byte, encrypted []byte, err error) {
	// Generate ephemeral key pair
	kp, err := GenerateKeyPair()
	if err != nil {
		return ephemeralPubKey, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	copy(ephemeralPubKey[:], kp.PublicKey)

	secret, err := ComputeSharedSecret(kp.PrivateKey, recipientPubKey)
	if err != nil {
		return ephemeralPubKey, nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	encrypted, err = encryptThenMAC(secret, plaintext)
	if err != nil {
		return ephemeralPubKey, nil, err
	}

	return ephemeralPubKey, encrypted, nil
}

// DecryptAnonymous decrypts an anonymous request using the recipient's private key
// and the ephemeral public key included in the ANON_REQ payload.
func DecryptAnonymous(data []byte, localPrivKey ed25519.PrivateKey, ephemeralPubKey []byte) ([]byte, error) {
	secret, err := ComputeSharedSecret(localPrivKey, ephemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return macThenDecrypt(secret, data)
}

// EncryptAnonymousAEAD encrypts an anonymous request with the AEAD-4 envelope.
// assocData should be header || dest_hash; srcHash is the first byte of the
// sender's ephemeral public key.
func EncryptAnonymousAEAD(plaintext, recipientPubKey []byte, nonce uint16, destHash uint8, assocData []byte) (ephemeralPubKey [32]byte, encrypted []byte, err error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return ephemeralPubKey, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	copy(ephemeralPubKey[:], kp.PublicKey)

	secret, err := ComputeSharedSecret(kp.PrivateKey, recipientPubKey)
	if err != nil {
		return ephemeralPubKey, nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	encrypted, err = EncryptAEAD(secret, nonce, destHash, ephemeralPubKey[0], plaintext, assocData)
	if err != nil {
		return ephemeralPubKey, nil, err
	}

	return ephemeralPubKey, encrypted, nil
}
