package codec

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// HandshakeKeyBits is the RSA modulus size used by the AES-passthrough
// handshake (spec.md §4.1).
const HandshakeKeyBits = 1024

// DiscoveryKeyBits is the RSA modulus size used by the 20002 discovery
// probe (spec.md §4.1).
const DiscoveryKeyBits = 2048

// GenerateRSAKeyPair generates a new RSA keypair of the given modulus size.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}

// PublicKeyPEM encodes a public key as a PEM block, the form TP-Link
// devices expect inside handshake/discovery request bodies.
func PublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(block), nil
}

// DecryptPKCS1v15 decrypts an RSA-PKCS1v1.5 encrypted blob, used to unwrap
// the AES key/IV inside the AES-passthrough handshake response.
func DecryptPKCS1v15(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
}

// DecryptOAEPSHA1 decrypts an RSA-OAEP(SHA1) encrypted blob, used to unwrap
// the symmetric key material inside an encrypted discovery payload.
func DecryptOAEPSHA1(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
}

// MarshalPKCS1PrivateKeyDER DER-encodes a private key for caching on
// DeviceConfig.AESKeys (spec.md §3, §4.4 "cached keys").
func MarshalPKCS1PrivateKeyDER(priv *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(priv)
}

// ParsePKCS1PrivateKeyDER restores a private key cached by
// MarshalPKCS1PrivateKeyDER.
func ParsePKCS1PrivateKeyDER(der []byte) (*rsa.PrivateKey, error) {
	return x509.ParsePKCS1PrivateKey(der)
}
