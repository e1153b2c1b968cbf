package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/pkg/tapo"
	"github.com/johnpr01/tplink-client/pkg/tapo/protocol"
)

// knownFamilies is the set of families Assemble can recognize, ordered so
// the longest/most specific match wins (spec.md §4.10 "family by
// substring match on device_type").
var knownFamilies = []tapo.DeviceFamily{
	tapo.FamilySmartTapoDoorbell,
	tapo.FamilySmartTapoRobovac,
	tapo.FamilySmartTapoChime,
	tapo.FamilySmartTapoHub,
	tapo.FamilySmartTapoPlug,
	tapo.FamilySmartTapoBulb,
	tapo.FamilySmartTapoSwitch,
	tapo.FamilySmartKasaPlug,
	tapo.FamilySmartKasaBulb,
	tapo.FamilySmartKasaSwitch,
	tapo.FamilySmartIPCamera,
	tapo.FamilyIOTSmartPlugSwitch,
	tapo.FamilyIOTSmartBulb,
	tapo.FamilyIOTIPCamera,
}

// matchFamily finds the known family best matching raw (an exact match
// wins outright; otherwise the longest substring match).
func matchFamily(raw string) (tapo.DeviceFamily, bool) {
	up := strings.ToUpper(strings.TrimSpace(raw))
	if up == "" {
		return "", false
	}
	var best tapo.DeviceFamily
	for _, f := range knownFamilies {
		if up == string(f) {
			return f, true
		}
		if strings.Contains(up, string(f)) && len(string(f)) > len(string(best)) {
			best = f
		}
	}
	return best, best != ""
}

// deviceInfoFromReply unwraps the legacy system.get_sysinfo nesting;
// new-style replies are already the flat result body (parseNewReply
// does the unwrapping for those).
func deviceInfoFromReply(reply *Reply) map[string]interface{} {
	if reply.Port == LegacyPort {
		if system, ok := reply.Body["system"].(map[string]interface{}); ok {
			if sysinfo, ok := system["get_sysinfo"].(map[string]interface{}); ok {
				return sysinfo
			}
		}
	}
	return reply.Body
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Assemble derives a DeviceConfig from one raw discovery Reply (spec.md
// §4.10 "Assemble"): family by substring match, encryption/https/port
// from mgt_encrypt_schm when present, XOR otherwise (the legacy wire
// protocol carries no encryption schema of its own).
func Assemble(reply *Reply) (tapo.DeviceConfig, error) {
	info := deviceInfoFromReply(reply)

	rawType := stringField(info, "device_type", "mic_type", "type", "model")
	family, ok := matchFamily(rawType)
	if !ok {
		return tapo.DeviceConfig{}, tperrors.NewUnsupportedError(
			fmt.Sprintf("discovery: unrecognized device_type %q from %s", rawType, reply.IP), nil)
	}

	ct := tapo.ConnectionType{DeviceFamily: family, Encryption: tapo.EncryptionXOR}

	if schm, ok := info["mgt_encrypt_schm"].(map[string]interface{}); ok {
		switch strings.ToUpper(stringField(schm, "encrypt_type")) {
		case "KLAP":
			ct.Encryption = tapo.EncryptionKLAP
		case "AES":
			ct.Encryption = tapo.EncryptionAES
		}
		if https, ok := schm["is_support_https"].(bool); ok {
			ct.HTTPS = https
		}
		if portVal, ok := schm["http_port"].(float64); ok {
			p := int(portVal)
			ct.HTTPPort = &p
		}
		if lv, ok := schm["lv"].(float64); ok {
			ct.LoginVersion = tapo.LoginVersion(int(lv))
		}
	}

	return tapo.DeviceConfig{
		Host:           reply.IP,
		ConnectionType: ct,
	}, nil
}

// StubDevice is a best-effort placeholder for a reply that could not be
// fully assembled: an auth challenge during the probe itself, or a
// connect timeout with partial identity still recoverable (spec.md
// §4.10 "Error bucketing"). ID is assigned since neither case yields a
// device_id from the wire.
type StubDevice struct {
	ID    string
	IP    string
	Alias string
	Model string
}

func newStubDevice(ip string) StubDevice {
	return StubDevice{ID: uuid.NewString(), IP: ip}
}

// ErrRequiresAuth is returned by DiscoverSingle when a candidate
// protocol/transport combination reached the device but was rejected
// during the handshake/login itself (spec.md §4.10 "authentication
// error during early probe -> return a stub device marked
// requires_auth").
type ErrRequiresAuth struct {
	Stub StubDevice
}

func (e *ErrRequiresAuth) Error() string {
	return fmt.Sprintf("discovery: %s requires authentication", e.Stub.IP)
}

// ErrConnectTimeout is returned by DiscoverSingle when every candidate
// combination timed out rather than being actively rejected (spec.md
// §4.10 "connect timeout -> return a stub with best-effort alias/model").
type ErrConnectTimeout struct {
	Stub StubDevice
}

func (e *ErrConnectTimeout) Error() string {
	return fmt.Sprintf("discovery: %s timed out on every candidate protocol", e.Stub.IP)
}

// Buckets is the per-IP outcome of assembling a batch of discovery
// replies (spec.md §4.10 "Error bucketing").
type Buckets struct {
	Devices      map[string]tapo.DeviceConfig
	RequiresAuth map[string]StubDevice
	Unsupported  map[string]string // ip -> raw device_type
	Invalid      map[string]error
}

func newBuckets() Buckets {
	return Buckets{
		Devices:      make(map[string]tapo.DeviceConfig),
		RequiresAuth: make(map[string]StubDevice),
		Unsupported:  make(map[string]string),
		Invalid:      make(map[string]error),
	}
}

// AssembleAll buckets every reply: a successful match lands in Devices,
// an unrecognized family lands in Unsupported, anything else lands in
// Invalid.
func AssembleAll(replies map[string]*Reply) Buckets {
	out := newBuckets()
	for ip, reply := range replies {
		cfg, err := Assemble(reply)
		if err != nil {
			if hae, ok := err.(*tperrors.HomeAutomationError); ok && hae.Type == tperrors.ErrorTypeUnsupported {
				info := deviceInfoFromReply(reply)
				out.Unsupported[ip] = stringField(info, "device_type", "mic_type", "type", "model")
				continue
			}
			out.Invalid[ip] = err
			continue
		}
		out.Devices[ip] = cfg
	}
	return out
}

// bruteForceCandidates is discover_single's deterministic fallback
// order (SPEC_FULL.md §13): cheapest, most common combinations first,
// so probe latency stays low in the common case.
var bruteForceCandidates = []tapo.ConnectionType{
	{DeviceFamily: tapo.FamilyIOTSmartPlugSwitch, Encryption: tapo.EncryptionXOR},
	{DeviceFamily: tapo.FamilyIOTSmartBulb, Encryption: tapo.EncryptionXOR},
	{DeviceFamily: tapo.FamilyIOTSmartPlugSwitch, Encryption: tapo.EncryptionKLAP},
	{DeviceFamily: tapo.FamilySmartTapoPlug, Encryption: tapo.EncryptionKLAP},
	{DeviceFamily: tapo.FamilySmartTapoPlug, Encryption: tapo.EncryptionAES},
	{DeviceFamily: tapo.FamilySmartTapoPlug, Encryption: tapo.EncryptionAES, HTTPS: true},
}

// probeEnvelope returns the minimal query Query issues to confirm a
// candidate (family, encryption, https) combination actually works: the
// legacy protocol wants its verbatim sysinfo request, everything else
// wants a single logical get_device_info call.
func probeEnvelope(p protocol.Protocol) map[string]interface{} {
	if _, ok := p.(*protocol.IoT); ok {
		return map[string]interface{}{"system": map[string]interface{}{"get_sysinfo": map[string]interface{}{}}}
	}
	return map[string]interface{}{"get_device_info": nil}
}

// DiscoverSingle resolves a single host to a working DeviceConfig: first
// via UDP discovery, then (if that yields nothing) by brute-forcing
// bruteForceCandidates and keeping the first that answers a live query
// (spec.md §4.10 "discover_single fallback").
func DiscoverSingle(ctx context.Context, mgr *Manager, host string, creds tapo.Credentials, timeout time.Duration) (tapo.DeviceConfig, error) {
	if reply, err := mgr.DiscoverTarget(ctx, host); err == nil && reply != nil {
		if cfg, err := Assemble(reply); err == nil {
			cfg.Credentials = creds
			return cfg, nil
		}
	}

	sawAuth, sawTimeout := false, false
	for _, ct := range bruteForceCandidates {
		cfg := tapo.DeviceConfig{Host: host, Credentials: creds, Timeout: timeout, ConnectionType: ct}

		p, err := protocol.For(cfg)
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, cfg.EffectiveTimeout())
		_, queryErr := p.Query(probeCtx, probeEnvelope(p))
		cancel()
		p.Close()

		if queryErr == nil {
			return cfg, nil
		}
		if hae, ok := queryErr.(*tperrors.HomeAutomationError); ok {
			switch hae.Type {
			case tperrors.ErrorTypeAuth:
				sawAuth = true
			case tperrors.ErrorTypeTimeout:
				sawTimeout = true
			}
		}
	}

	switch {
	case sawAuth:
		return tapo.DeviceConfig{}, &ErrRequiresAuth{Stub: newStubDevice(host)}
	case sawTimeout:
		return tapo.DeviceConfig{}, &ErrConnectTimeout{Stub: newStubDevice(host)}
	}
	return tapo.DeviceConfig{}, tperrors.NewUnsupportedError(
		fmt.Sprintf("discovery: no protocol/transport combination worked for %s", host), nil)
}
