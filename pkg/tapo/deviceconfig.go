package tapo

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
)

// DeviceFamily identifies a device product line (spec.md §3 GLOSSARY
// "Family"): a string like "SMART.TAPOPLUG" or "IOT.SMARTBULB".
type DeviceFamily string

const (
	FamilyIOTSmartPlugSwitch DeviceFamily = "IOT.SMARTPLUGSWITCH"
	FamilyIOTSmartBulb       DeviceFamily = "IOT.SMARTBULB"
	FamilyIOTIPCamera        DeviceFamily = "IOT.IPCAMERA"

	FamilySmartKasaPlug    DeviceFamily = "SMART.KASAPLUG"
	FamilySmartKasaBulb    DeviceFamily = "SMART.KASABULB"
	FamilySmartKasaSwitch  DeviceFamily = "SMART.KASASWITCH"
	FamilySmartTapoPlug    DeviceFamily = "SMART.TAPOPLUG"
	FamilySmartTapoBulb    DeviceFamily = "SMART.TAPOBULB"
	FamilySmartTapoSwitch  DeviceFamily = "SMART.TAPOSWITCH"
	FamilySmartTapoHub     DeviceFamily = "SMART.TAPOHUB"
	FamilySmartIPCamera    DeviceFamily = "SMART.IPCAMERA"
	FamilySmartTapoDoorbell DeviceFamily = "SMART.TAPODOORBELL"
	FamilySmartTapoRobovac DeviceFamily = "SMART.TAPOROBOVAC"
	FamilySmartTapoChime   DeviceFamily = "SMART.TAPOCHIME"
)

// Encryption identifies the session-encryption scheme a device negotiates.
type Encryption string

const (
	EncryptionXOR  Encryption = "XOR"
	EncryptionAES  Encryption = "AES"
	EncryptionKLAP Encryption = "KLAP"
)

// LoginVersion selects the hashing scheme for AES-passthrough login and the
// KLAP handshake tag derivation (spec.md §3). Nil/0 means "unspecified".
type LoginVersion int

const (
	LoginVersionUnspecified LoginVersion = 0
	LoginVersionV1          LoginVersion = 1
	LoginVersionV2          LoginVersion = 2
)

// ConnectionType is the tuple that selects a (Protocol, Transport) pair
// per spec.md §3/§4.9.
type ConnectionType struct {
	DeviceFamily DeviceFamily
	Encryption   Encryption
	LoginVersion LoginVersion
	HTTPS        bool
	HTTPPort     *int
}

// String renders the connection type for logs/errors.
func (c ConnectionType) String() string {
	return fmt.Sprintf("%s/%s(https=%v)", c.DeviceFamily, c.Encryption, c.HTTPS)
}

// AESKeyCache is the optional DER-encoded RSA keypair cached on a
// DeviceConfig so the AES-passthrough transport can skip RSA keygen on
// reconnect (spec.md §4.4 "Cached keys").
type AESKeyCache struct {
	mu  sync.Mutex
	der []byte // PKCS1 DER of the private key, base64 round-tripped via DeviceConfig
}

// NewAESKeyCache wraps an existing DER-encoded private key, or returns an
// empty cache when der is nil.
func NewAESKeyCache(der []byte) *AESKeyCache {
	return &AESKeyCache{der: der}
}

// Get returns the cached private key, generating and caching a fresh one
// if none is present yet.
func (c *AESKeyCache) Get() (*rsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.der) > 0 {
		priv, err := codec.ParsePKCS1PrivateKeyDER(c.der)
		if err == nil {
			return priv, nil
		}
		// Cached material is unusable; fall through and regenerate.
	}

	priv, err := codec.GenerateRSAKeyPair(codec.HandshakeKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate handshake keypair: %w", err)
	}
	c.der = codec.MarshalPKCS1PrivateKeyDER(priv)
	return priv, nil
}

// DER returns the cached DER bytes (possibly empty if Get was never called).
func (c *AESKeyCache) DER() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.der
}

// Base64 encodes the cached DER bytes for DeviceConfig.AESKeysB64.
func (c *AESKeyCache) Base64() string {
	der := c.DER()
	if len(der) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

// DeviceConfig is the per-device connection configuration spec.md §3
// describes. Exactly one of Credentials or CredentialsHash must suffice
// to authenticate; both may be present.
type DeviceConfig struct {
	Host             string
	PortOverride     *int
	Timeout          time.Duration
	Credentials      Credentials
	CredentialsHash  string // opaque, protocol-specific base64 blob
	BatchSize        *int   // nullable; Smart protocol default is 5
	ConnectionType   ConnectionType
	AESKeys          *AESKeyCache // cached RSA keypair, DER+base64
}

// DefaultTimeout is used when a DeviceConfig does not specify one.
const DefaultTimeout = 10 * time.Second

// Clone returns a value copy of cfg. AESKeys is deep-copied (a fresh cache
// seeded with the same DER bytes) so a caller holding the original config
// never observes a transport's cache write-back (SPEC_FULL.md §13).
func (cfg DeviceConfig) Clone() DeviceConfig {
	out := cfg
	if cfg.PortOverride != nil {
		p := *cfg.PortOverride
		out.PortOverride = &p
	}
	if cfg.BatchSize != nil {
		b := *cfg.BatchSize
		out.BatchSize = &b
	}
	if cfg.AESKeys != nil {
		out.AESKeys = NewAESKeyCache(append([]byte(nil), cfg.AESKeys.DER()...))
	}
	return out
}

// EffectiveTimeout returns cfg.Timeout, or DefaultTimeout if unset.
func (cfg DeviceConfig) EffectiveTimeout() time.Duration {
	if cfg.Timeout <= 0 {
		return DefaultTimeout
	}
	return cfg.Timeout
}

// EffectiveBatchSize returns cfg.BatchSize, or the Smart-protocol default
// of 5 if unset.
func (cfg DeviceConfig) EffectiveBatchSize() int {
	if cfg.BatchSize == nil || *cfg.BatchSize <= 0 {
		return 5
	}
	return *cfg.BatchSize
}

// HasCredentials reports whether cfg carries enough material to
// authenticate: live credentials, a credentials hash, or both.
func (cfg DeviceConfig) HasCredentials() bool {
	return !cfg.Credentials.IsBlank() || cfg.CredentialsHash != ""
}

// Port resolves the TCP/UDP port to dial: PortOverride if set, otherwise
// ConnectionType.HTTPPort if set, otherwise the scheme default (9999 for
// XOR, 80/443 for HTTP-tunnelled protocols).
func (cfg DeviceConfig) Port(defaultPort int) int {
	if cfg.PortOverride != nil {
		return *cfg.PortOverride
	}
	if cfg.ConnectionType.HTTPPort != nil {
		return *cfg.ConnectionType.HTTPPort
	}
	return defaultPort
}
