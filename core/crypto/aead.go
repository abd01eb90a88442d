package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	// AeadNonceSize is the on-wire nonce counter size (2 bytes, hi byte first).
	AeadNonceSize = 2
	// AeadTagSize is the truncated Poly1305 tag size.
	AeadTagSize = 4
	// AeadIVSize is the ChaCha20 IV size.
	AeadIVSize = 12
	// AeadMinSize is the minimum envelope size: nonce + 1 ciphertext byte + tag.
	AeadMinSize = AeadNonceSize + 1 + AeadTagSize
)

var (
	ErrAeadTooShort    = errors.New("AEAD envelope too short")
	ErrAeadTagMismatch = errors.New("AEAD tag verification failed")
)

// DeriveMessageKey derives the per-message ChaCha20 key:
// HMAC-SHA256(shared_secret, nonce_hi || nonce_lo || dest_hash || src_hash).
// Folding the hashes in makes the key direction-dependent, so the same nonce
// used in both directions between a peer pair still yields distinct keystreams.
func DeriveMessageKey(sharedSecret []byte, nonce uint16, destHash, srcHash uint8) [32]byte {
	input := [4]byte{uint8(nonce >> 8), uint8(nonce), destHash, srcHash}

	mac := hmac.New(sha256.New, sharedSecret)
	mac.Write(input[:])

	var key [32]byte
	copy(key[:], mac.Sum(nil))
	return key
}

// EncryptAEAD seals plaintext into an AEAD envelope:
// [nonce_hi, nonce_lo][ciphertext][tag(4)].
// The ciphertext is exactly the plaintext length (no block padding).
// assocData is authenticated but not encrypted; pass the packet header byte
// plus the payload's hash header bytes.
func EncryptAEAD(sharedSecret []byte, nonce uint16, destHash, srcHash uint8, plaintext, assocData []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}

	key := DeriveMessageKey(sharedSecret, nonce, destHash, srcHash)
	iv := buildAeadIV(nonce, destHash, srcHash)

	stream, mac, err := newChaChaPoly(key, iv[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, AeadNonceSize+len(plaintext)+AeadTagSize)
	out[0] = uint8(nonce >> 8)
	out[1] = uint8(nonce)

	ciphertext := out[AeadNonceSize : AeadNonceSize+len(plaintext)]
	stream.XORKeyStream(ciphertext, plaintext)

	tag := computePolyTag(mac, assocData, ciphertext)
	copy(out[AeadNonceSize+len(plaintext):], tag[:AeadTagSize])

	return out, nil
}

// DecryptAEAD opens an AEAD envelope produced by EncryptAEAD.
// Returns the plaintext and the wire nonce (needed for replay accounting).
func DecryptAEAD(sharedSecret []byte, destHash, srcHash uint8, envelope, assocData []byte) ([]byte, uint16, error) {
	if len(envelope) < AeadMinSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrAeadTooShort, len(envelope))
	}

	nonce := uint16(envelope[0])<<8 | uint16(envelope[1])
	ciphertext := envelope[AeadNonceSize : len(envelope)-AeadTagSize]
	receivedTag := envelope[len(envelope)-AeadTagSize:]

	key := DeriveMessageKey(sharedSecret, nonce, destHash, srcHash)
	iv := buildAeadIV(nonce, destHash, srcHash)

	stream, mac, err := newChaChaPoly(key, iv[:])
	if err != nil {
		return nil, 0, err
	}

	tag := computePolyTag(mac, assocData, ciphertext)
	if subtle.ConstantTimeCompare(tag[:AeadTagSize], receivedTag) != 1 {
		return nil, 0, ErrAeadTagMismatch
	}

	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)

	return plaintext, nonce, nil
}

// buildAeadIV builds the 12-byte IV from on-wire fields:
// nonce_hi, nonce_lo, dest_hash, src_hash, then 8 zero bytes.
func buildAeadIV(nonce uint16, destHash, srcHash uint8) [AeadIVSize]byte {
	var iv [AeadIVSize]byte
	iv[0] = uint8(nonce >> 8)
	iv[1] = uint8(nonce)
	iv[2] = destHash
	iv[3] = srcHash
	return iv
}

// newChaChaPoly sets up the RFC 8439 construction: block 0 of the keystream
// becomes the Poly1305 one-time key, the payload is ciphered from block 1.
// The composition is done by hand because the tag is truncated to 4 bytes,
// which the sealed chacha20poly1305 API cannot express.
func newChaChaPoly(key [32]byte, iv []byte) (*chacha20.Cipher, *poly1305.MAC, error) {
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], iv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	var polyKey [32]byte
	stream.XORKeyStream(polyKey[:], polyKey[:])
	stream.SetCounter(1)

	return stream, poly1305.New(&polyKey), nil
}

// computePolyTag authenticates assocData and ciphertext per RFC 8439:
// each section zero-padded to a 16-byte boundary, followed by both lengths
// as little-endian 64-bit integers.
func computePolyTag(mac *poly1305.MAC, assocData, ciphertext []byte) [16]byte {
	var pad [16]byte

	mac.Write(assocData)
	if rem := len(assocData) % 16; rem != 0 {
		mac.Write(pad[:16-rem])
	}

	mac.Write(ciphertext)
	if rem := len(ciphertext) % 16; rem != 0 {
		mac.Write(pad[:16-rem])
	}

	var lengths [16]byte
	binary.LittleEndian.PutUint64(lengths[0:8], uint64(len(assocData)))
	binary.LittleEndian.PutUint64(lengths[8:16], uint64(len(ciphertext)))
	mac.Write(lengths[:])

	var tag [16]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}
