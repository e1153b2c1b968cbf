// Package tapo holds the shared data model for the TP-Link local device
// client: credentials, per-device connection configuration, the
// connection-type selection tuple, and the EmeterStatus reading view.
// The transport/protocol/discovery packages build on top of these types.
package tapo

import "encoding/base64"

// Credentials is a TP-Link account username/password pair. The empty pair
// is the "blank" sentinel identity that matches the well-known default
// credential sets (spec.md §3).
type Credentials struct {
	Username string
	Password string
}

// IsBlank reports whether both fields are empty.
func (c Credentials) IsBlank() bool {
	return c.Username == "" && c.Password == ""
}

// Equal does a structural comparison, matching spec.md §3's "Equality is
// structural" note.
func (c Credentials) Equal(other Credentials) bool {
	return c.Username == other.Username && c.Password == other.Password
}

// Well-known default credential sets, base64-embedded per spec.md §3.
// These are the credentials TP-Link ships on-device for cloud-less local
// control; they are public and widely documented by every open
// implementation of this protocol.
var (
	defaultKasaUserB64 = "a2FzYV9kZWZhdWx0X3VzZXI="    // "kasa_default_user"
	defaultKasaPassB64 = "a2FzYV9kZWZhdWx0X3Bhc3M="    // "kasa_default_pass"
	defaultTapoUserB64 = "dGFwb0B0cC1saW5rLm5ldA=="    // "tapo@tp-link.net"
	defaultTapoPassB64 = "dGFwb0B0cC1saW5rLm5ldA=="    // "tapo@tp-link.net"
	defaultCamUserB64  = "YWRtaW4="                    // "admin"
	defaultCamPassB64  = "YWRtaW4="                    // "admin"
)

func mustDecode(b64 string) string {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		// These are compile-time-fixed constants; a decode failure here
		// means the constant itself is corrupt.
		panic("tapo: corrupt embedded default-credential constant")
	}
	return string(b)
}

// DefaultCredentialSets returns the known default credential identities
// devices accept when no account has been linked: consumer Kasa, consumer
// Tapo, and the camera variant, in the order handshake verification
// should try them (spec.md §4.5 "Handshake 1").
func DefaultCredentialSets() []Credentials {
	return []Credentials{
		{Username: mustDecode(defaultKasaUserB64), Password: mustDecode(defaultKasaPassB64)},
		{Username: mustDecode(defaultTapoUserB64), Password: mustDecode(defaultTapoPassB64)},
		{Username: mustDecode(defaultCamUserB64), Password: mustDecode(defaultCamPassB64)},
	}
}

// BlankCredentials is the empty-string sentinel identity (spec.md §3),
// tried last during KLAP handshake-1 tag verification.
var BlankCredentials = Credentials{}
