// Package discovery implements TP-Link's local UDP broadcast discovery:
// a legacy XOR-encrypted probe on port 9999 and a CRC32-framed probe
// embedding an RSA public key on port 20002 (spec.md §4.10, §6).
package discovery

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
)

const (
	// LegacyPort is the UDP/TCP port the XOR-stream protocol listens on.
	LegacyPort = 9999
	// NewPort is the UDP port the RSA-embedding discovery probe listens on.
	NewPort = 20002

	newProbeHeaderSize = 16
	newProbeVersion    = 2
	newProbeMsgType    = 0
	newProbeOpCode     = 1
	newProbeFlags      = 17
)

// legacySysinfoRequest is the fixed body of every legacy probe (spec.md
// §4.10): {"system":{"get_sysinfo":{}}}.
var legacySysinfoRequest = []byte(`{"system":{"get_sysinfo":{}}}`)

// legacyProbe returns the XOR-encrypted legacy probe payload. Unlike the
// TCP framing in pkg/tapo/codec, UDP discovery sends it without the
// 4-byte length prefix.
func legacyProbe() []byte {
	return codec.XOREncrypt(legacySysinfoRequest)
}

// parseLegacyReply decrypts and parses a legacy (port 9999) reply.
func parseLegacyReply(data []byte) (map[string]interface{}, error) {
	plain := codec.XORDecrypt(data)
	var body map[string]interface{}
	if err := json.Unmarshal(plain, &body); err != nil {
		return nil, fmt.Errorf("legacy discovery reply: %w", err)
	}
	return body, nil
}

// newProbeHeader is the 16-byte big-endian header framing every new-style
// (port 20002) probe and reply (spec.md §4.10, §6).
type newProbeHeader struct {
	Version byte
	MsgType byte
	OpCode  uint16
	MsgSize uint16
	Flags   byte
	Pad     byte
	Serial  uint32
	CRC32   uint32
}

func (h newProbeHeader) encode() []byte {
	buf := make([]byte, newProbeHeaderSize)
	buf[0] = h.Version
	buf[1] = h.MsgType
	binary.BigEndian.PutUint16(buf[2:4], h.OpCode)
	binary.BigEndian.PutUint16(buf[4:6], h.MsgSize)
	buf[6] = h.Flags
	buf[7] = h.Pad
	binary.BigEndian.PutUint32(buf[8:12], h.Serial)
	binary.BigEndian.PutUint32(buf[12:16], h.CRC32)
	return buf
}

func decodeNewProbeHeader(buf []byte) (newProbeHeader, error) {
	if len(buf) < newProbeHeaderSize {
		return newProbeHeader{}, fmt.Errorf("new discovery reply: short header (%d bytes)", len(buf))
	}
	return newProbeHeader{
		Version: buf[0],
		MsgType: buf[1],
		OpCode:  binary.BigEndian.Uint16(buf[2:4]),
		MsgSize: binary.BigEndian.Uint16(buf[4:6]),
		Flags:   buf[6],
		Pad:     buf[7],
		Serial:  binary.BigEndian.Uint32(buf[8:12]),
		CRC32:   binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// discoveryKeypair lazily generates the process-wide 2048-bit RSA
// keypair embedded in every new-style probe (spec.md §4.10 "lazily
// generated once per process").
var discoveryKeypair struct {
	once sync.Once
	pem  string
	err  error
}

func discoveryPublicKeyPEM() (string, error) {
	discoveryKeypair.once.Do(func() {
		priv, err := codec.GenerateRSAKeyPair(codec.DiscoveryKeyBits)
		if err != nil {
			discoveryKeypair.err = err
			return
		}
		discoveryKeypair.pem, discoveryKeypair.err = codec.PublicKeyPEM(&priv.PublicKey)
	})
	return discoveryKeypair.pem, discoveryKeypair.err
}

// newProbe builds the new-style (port 20002) probe datagram: a 16-byte
// header followed by a JSON body carrying the process's RSA public key.
func newProbe() ([]byte, error) {
	pub, err := discoveryPublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("new discovery probe: generate keypair: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"params": map[string]interface{}{"rsa_key": pub},
	})
	if err != nil {
		return nil, fmt.Errorf("new discovery probe: marshal body: %w", err)
	}

	header := newProbeHeader{
		Version: newProbeVersion,
		MsgType: newProbeMsgType,
		OpCode:  newProbeOpCode,
		MsgSize: uint16(len(body)),
		Flags:   newProbeFlags,
		Serial:  rand.Uint32(),
	}

	buf := append(header.encode(), body...)
	codec.PutCRC32FieldAndChecksum(buf, 12)
	return buf, nil
}

// parseNewReply splits the 16-byte header off a new-style reply and
// parses the remaining JSON body. If the body carries a "result" field,
// that nested map is what callers want (spec.md §4.10 "Response
// classification").
func parseNewReply(data []byte) (map[string]interface{}, error) {
	if _, err := decodeNewProbeHeader(data); err != nil {
		return nil, err
	}

	var body map[string]interface{}
	if err := json.Unmarshal(data[newProbeHeaderSize:], &body); err != nil {
		return nil, fmt.Errorf("new discovery reply: decode body: %w", err)
	}
	if result, ok := body["result"].(map[string]interface{}); ok {
		return result, nil
	}
	return body, nil
}
