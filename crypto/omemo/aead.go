package omemo

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

const (
	aesKeySize   = 32 // AES-256
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// cbcEncrypt AES-256-CBC encrypts plaintext under encKey/iv with PKCS#7
// padding. It never appends a MAC: spec.md §4.4 computes the wire-level
// truncated HMAC over the full framed message (including the sender and
// receiver identity keys and the version byte), not just the ciphertext, so
// the MAC lives at the WireFormat layer and is verified before this
// ciphertext is ever decrypted.
func cbcEncrypt(encKey, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// cbcDecrypt reverses cbcEncrypt. Callers MUST verify the wire-level MAC
// before calling this -- it performs no authentication of its own.
func cbcDecrypt(encKey, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrWireFormatError
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrWireFormatError
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrWireFormatError
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, ErrWireFormatError
	}
	return data[:len(data)-padLen], nil
}

// truncatedHMAC computes HMAC-SHA-256(key, data) truncated to size bytes,
// used for the wire-level message MAC (spec.md §4.4).
func truncatedHMAC(key, data []byte, size int) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:size]
}

// constantTimeEqual is a thin, intention-revealing wrapper for comparing
// MACs and ratchet public keys.
func constantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// aesGCMEncrypt encrypts the shared message payload with AES-256-GCM
// (spec.md §2 AEAD primitives: "AES-GCM for payloads"). Returns
// (nonce, ciphertext||tag).
func aesGCMEncrypt(key, plaintext, associatedData []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != aesKeySize {
		return nil, nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, associatedData)
	return nonce, ciphertext, nil
}

// aesGCMDecrypt decrypts ciphertext||tag with AES-256-GCM.
func aesGCMDecrypt(key, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != gcmNonceSize {
		return nil, ErrWireFormatError
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
