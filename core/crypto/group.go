package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

var (
	// DefaultChannelKey is the PSK for the well-known "Public" group channel.
	// Base64: izOH6cXN6mrJ5e26oRXNcg==
	DefaultChannelKey = []byte{0x8b, 0x33, 0x87, 0xe9, 0xc5, 0xcd, 0xea, 0x6a, 0xc9, 0xe5, 0xed, 0xba, 0xa1, 0x15, 0xcd, 0x72}
)

// ComputeChannelHash computes the channel hash from a shared key.
// The channel hash is the first byte of SHA256(key).
func ComputeChannelHash(sharedKey []byte) uint8 {
	hash := sha256.Sum256(sharedKey)
	return hash[0]
}

// EncryptGroupMessage encrypts plaintext for a GRP_TXT message using the
// legacy envelope: AES-128 ECB followed by HMAC-SHA256 (truncated to 2 bytes).
// Returns ciphertext with MAC prepended. Key must be 16 or 32 bytes.
func EncryptGroupMessage(plaintext, sharedKey []byte) ([]byte, error) {
	if len(sharedKey) != 16 && len(sharedKey) != 32 {
		return nil, ErrInvalidKeySize
	}
	return encryptThenMAC(sharedKey, plaintext)
}

// DecryptGroupMessage decrypts a legacy GRP_TXT envelope.
// Expects data with MAC prepended (MAC + ciphertext).
// Returns the decrypted plaintext (may have trailing zero padding).
// Key must be 16 or 32 bytes.
func DecryptGroupMessage(data, sharedKey []byte) ([]byte, error) {
	if len(sharedKey) != 16 && len(sharedKey) != 32 {
		return nil, ErrInvalidKeySize
	}
	return macThenDecrypt(sharedKey, data)
}

// EncryptGroupMessageAEAD encrypts a group message with the AEAD-4 envelope.
// All members share the channel key, so the channel hash stands in for both
// hash bytes in the key derivation and IV. assocData should be
// header || channel_hash.
func EncryptGroupMessageAEAD(plaintext, sharedKey []byte, nonce uint16, channelHash uint8, assocData []byte) ([]byte, error) {
	return EncryptAEAD(sharedKey, nonce, channelHash, channelHash, plaintext, assocData)
}

// DecryptGroupMessageAEAD decrypts an AEAD-4 group envelope.
func DecryptGroupMessageAEAD(envelope, sharedKey []byte, channelHash uint8, assocData []byte) ([]byte, uint16, error) {
	return DecryptAEAD(sharedKey, channelHash, channelHash, envelope, assocData)
}

// BuildGrpTxtPlaintext builds the plaintext for a GRP_TXT message.
// Format: timestamp(4) + type_attempt(1) + message
func BuildGrpTxtPlaintext(timestamp uint32, message string) []byte {
	msgBytes := []byte(message)
	plaintext := make([]byte, 5+len(msgBytes))

	binary.LittleEndian.PutUint32(plaintext[0:4], timestamp)
	plaintext[4] = 0 // TXT_TYPE_PLAIN (0) with attempt 0
	copy(plaintext[5:], msgBytes)

	return plaintext
}

// ParseGrpTxtPlaintext parses the decrypted plaintext of a GRP_TXT message.
// Returns timestamp, message type, and the message text.
func ParseGrpTxtPlaintext(plaintext []byte) (timestamp uint32, txtType uint8, message string, err error) {
	if len(plaintext) < 5 {
		return 0, 0, "", errors.New("plaintext too short")
	}

	timestamp = binary.LittleEndian.Uint32(plaintext[0:4])
	txtType = plaintext[4] >> 2 // Upper 6 bits

	// Find null terminator or use remaining bytes
	msgBytes := plaintext[5:]
	for i, b := range msgBytes {
		if b == 0 {
			msgBytes = msgBytes[:i]
			break
		}
	}
	message = string(msgBytes)

	return timestamp, txtType, message, nil
}
