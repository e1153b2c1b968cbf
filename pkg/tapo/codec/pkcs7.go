package codec

// PKCS7BlockSize is the AES block size every KLAP/AES-passthrough payload
// is padded to.
const PKCS7BlockSize = 16

// PKCS7Pad pads data to a multiple of PKCS7BlockSize.
func PKCS7Pad(data []byte) []byte {
	padLen := PKCS7BlockSize - len(data)%PKCS7BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// PKCS7Unpad strips PKCS7 padding tolerantly: malformed padding is treated
// as a soft failure and the input is returned unchanged (spec.md §4.1,
// §9 "PKCS7-tolerant decrypt"). Callers that need to detect corruption
// should use PKCS7UnpadStrict instead.
func PKCS7Unpad(data []byte) []byte {
	out, ok := unpad(data)
	if !ok {
		return data
	}
	return out
}

// PKCS7UnpadStrict strips PKCS7 padding and reports malformed padding as
// an error rather than silently passing the input through.
func PKCS7UnpadStrict(data []byte) ([]byte, bool) {
	return unpad(data)
}

func unpad(data []byte) ([]byte, bool) {
	n := len(data)
	if n == 0 {
		return nil, false
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n || padLen > PKCS7BlockSize {
		return nil, false
	}
	for i := n - padLen; i < n; i++ {
		if data[i] != byte(padLen) {
			return nil, false
		}
	}
	return data[:n-padLen], true
}
