package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

const KeySize = 32

var ErrDigestMismatch = errors.New("attachment digest mismatch")

// AES-GCM helper. key must be 16/24/32 bytes. We produce keys of 32 bytes from KDF.
func AEADEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)
	// return nonce || ciphertext
	return append(nonce, ciphertext...), nil
}

func AEADDecrypt(key, nonceAndCiphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(nonceAndCiphertext) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := nonceAndCiphertext[:ns]
	ct := nonceAndCiphertext[ns:]
	plain, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}
	return plain, nil
}

// EncryptAttachment seals data under a fresh random key. The digest covers the
// sealed blob so the receiver can check it before decrypting.
func EncryptAttachment(data []byte) (key, blob, digest []byte, err error) {
	key = make([]byte, KeySize)
	if _, err = io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, nil, fmt.Errorf("rand.Read key: %w", err)
	}
	blob, err = AEADEncrypt(key, data, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	sum := sha256.Sum256(blob)
	return key, blob, sum[:], nil
}

func DecryptAttachment(key, blob, digest []byte) ([]byte, error) {
	sum := sha256.Sum256(blob)
	if subtle.ConstantTimeCompare(sum[:], digest) != 1 {
		return nil, ErrDigestMismatch
	}
	return AEADDecrypt(key, blob, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}
