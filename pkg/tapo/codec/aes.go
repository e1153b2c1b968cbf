package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AESCBCEncrypt PKCS7-pads and encrypts plaintext under AES-128-CBC with
// the given key/iv. Used by both the AES-passthrough session cipher and
// the KLAP per-request envelope.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	padded := PKCS7Pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// AESCBCDecrypt decrypts and (tolerantly) PKCS7-unpads an AES-128-CBC
// ciphertext. The length must already be a multiple of the AES block size.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the AES block size", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return PKCS7Unpad(out), nil
}
