package codec

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
)

// MD5Sum returns the MD5 digest of the concatenation of parts. Used by the
// legacy AES-passthrough credentials hash and the v1 KLAP auth hash.
func MD5Sum(parts ...[]byte) []byte {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// SHA1Sum returns the SHA1 digest of the concatenation of parts. Used by
// the v2 AES-passthrough username hash and the v2 KLAP auth hash inputs.
func SHA1Sum(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// SHA256Sum returns the SHA256 digest of the concatenation of parts. Used
// throughout KLAP: handshake tags, session-key/iv/seq/signature derivation.
func SHA256Sum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
