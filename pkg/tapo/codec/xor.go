// Package codec implements the wire-level primitives shared by every
// TP-Link transport: the legacy XOR stream cipher, PKCS7 padding, the
// hash/RSA/AES building blocks used by the KLAP and AES-passthrough
// handshakes, and the CRC32 framing used by UDP discovery.
package codec

import "encoding/binary"

// xorSeed is the starting key byte for the legacy XOR stream cipher.
const xorSeed byte = 0xAB

// XOREncrypt runs TP-Link's legacy stream cipher over plain. The running
// key starts at 0xAB; each output byte becomes the next key byte.
func XOREncrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := xorSeed
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

// XORDecrypt mirrors XOREncrypt: the running key is updated from the
// ciphertext byte just consumed, not the plaintext byte produced.
func XORDecrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := xorSeed
	for i, b := range cipher {
		out[i] = key ^ b
		key = b
	}
	return out
}

// EncryptRequest produces the framed legacy TCP payload: a 4-byte
// big-endian length prefix followed by the XOR stream of plain.
func EncryptRequest(plain []byte) []byte {
	body := XOREncrypt(plain)
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// DecryptResponse decrypts a length-prefix-stripped legacy payload.
func DecryptResponse(body []byte) []byte {
	return XORDecrypt(body)
}
