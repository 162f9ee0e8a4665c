package tributary

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// segmentNonceSize is the nonce size for AES-GCM.
	segmentNonceSize = 12
	// segmentSaltSize is the salt size for key derivation.
	segmentSaltSize = 32
	// segmentKeySize is the AES-256 key size.
	segmentKeySize = 32
	// segmentKDFIterations is the PBKDF2 iteration count.
	segmentKDFIterations = 100000
)

// segmentMagic prefixes every encrypted archive segment.
var segmentMagic = []byte{'T', 'S', 'E', 'G'}

// encryptSegment encrypts an archive segment with a key derived from the
// passphrase. Layout: magic, version byte, salt, then nonce-prefixed AES-GCM
// ciphertext. Salt and nonce are fresh per segment.
func encryptSegment(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	salt := make([]byte, segmentSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := segmentCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, segmentNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(segmentMagic)+1+segmentSaltSize+segmentNonceSize+len(data)+gcm.Overhead())
	out = append(out, segmentMagic...)
	out = append(out, 1)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// decryptSegment reverses encryptSegment.
func decryptSegment(data []byte, passphrase string) ([]byte, error) {
	header := len(segmentMagic) + 1 + segmentSaltSize + segmentNonceSize
	if len(data) < header {
		return nil, errors.New("encrypted segment too short")
	}
	if string(data[:len(segmentMagic)]) != string(segmentMagic) {
		return nil, errors.New("invalid encrypted segment magic")
	}
	if data[len(segmentMagic)] != 1 {
		return nil, errors.New("unsupported encrypted segment version")
	}
	salt := data[len(segmentMagic)+1 : len(segmentMagic)+1+segmentSaltSize]
	nonce := data[len(segmentMagic)+1+segmentSaltSize : header]

	gcm, err := segmentCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, data[header:], nil)
	if err != nil {
		return nil, errors.New("decrypt segment: wrong passphrase or corrupt data")
	}
	return plaintext, nil
}

func segmentCipher(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, segmentKDFIterations, segmentKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
