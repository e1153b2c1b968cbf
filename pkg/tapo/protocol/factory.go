package protocol

import (
	"strings"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/pkg/tapo"
	"github.com/johnpr01/tplink-client/pkg/tapo/transport"
)

// For selects the (Protocol, Transport) pair for cfg per spec.md §4.9's
// (family_prefix, encryption, https) table. IOT.IPCAMERA/XOR (LinkieV2) is
// out of scope and always reports unsupported.
func For(cfg tapo.DeviceConfig) (Protocol, error) {
	family := string(cfg.ConnectionType.DeviceFamily)
	enc := cfg.ConnectionType.Encryption
	https := cfg.ConnectionType.HTTPS

	switch {
	case strings.HasPrefix(family, "IOT."):
		return forIOT(cfg, family, enc, https)
	case strings.HasPrefix(family, "SMART."):
		return forSmart(cfg, family, enc, https)
	}
	return nil, unsupported(cfg)
}

func forIOT(cfg tapo.DeviceConfig, family string, enc tapo.Encryption, https bool) (Protocol, error) {
	if family == string(tapo.FamilyIOTIPCamera) {
		return nil, unsupported(cfg) // LinkieV2, out of scope
	}
	switch enc {
	case tapo.EncryptionXOR:
		if https {
			return nil, unsupported(cfg)
		}
		t, err := transport.NewXORTransport(cfg.Host, cfg.Port(transport.DefaultTCPPort), cfg.EffectiveTimeout())
		if err != nil {
			return nil, err
		}
		return NewIoT(t, 0), nil
	case tapo.EncryptionKLAP:
		t, err := newKLAPTransport(cfg)
		if err != nil {
			return nil, err
		}
		return NewIoT(t, 0), nil
	}
	return nil, unsupported(cfg)
}

func forSmart(cfg tapo.DeviceConfig, family string, enc tapo.Encryption, https bool) (Protocol, error) {
	switch family {
	case string(tapo.FamilySmartIPCamera), string(tapo.FamilySmartTapoDoorbell):
		if enc == tapo.EncryptionAES {
			t, err := newAESTransport(cfg, true)
			if err != nil {
				return nil, err
			}
			return NewSmartCam(t, cfg.EffectiveBatchSize(), 0), nil
		}
		return nil, unsupported(cfg)
	case string(tapo.FamilySmartTapoRobovac):
		if enc == tapo.EncryptionAES {
			t, err := newAESTransport(cfg, true)
			if err != nil {
				return nil, err
			}
			return NewSmart(t, cfg.EffectiveBatchSize(), 0), nil
		}
		return nil, unsupported(cfg)
	}

	switch enc {
	case tapo.EncryptionAES:
		if https {
			t, err := newAESTransport(cfg, true)
			if err != nil {
				return nil, err
			}
			return NewSmartCam(t, cfg.EffectiveBatchSize(), 0), nil
		}
		t, err := newAESTransport(cfg, false)
		if err != nil {
			return nil, err
		}
		return NewSmart(t, cfg.EffectiveBatchSize(), 0), nil
	case tapo.EncryptionKLAP:
		t, err := newKLAPTransport(cfg)
		if err != nil {
			return nil, err
		}
		return NewSmart(t, cfg.EffectiveBatchSize(), 0), nil
	}
	return nil, unsupported(cfg)
}

func newKLAPTransport(cfg tapo.DeviceConfig) (transport.Transport, error) {
	creds := transport.KLAPCredentials{
		Username:     cfg.Credentials.Username,
		Password:     cfg.Credentials.Password,
		LoginVersion: int(cfg.ConnectionType.LoginVersion),
	}
	return transport.NewKLAPTransport(cfg.Host, cfg.ConnectionType.HTTPS, cfg.EffectiveTimeout(), creds, klapCandidates(creds))
}

func klapCandidates(creds transport.KLAPCredentials) []transport.KLAPCredentials {
	candidates := []transport.KLAPCredentials{creds}
	for _, d := range tapo.DefaultCredentialSets() {
		candidates = append(candidates, transport.KLAPCredentials{
			Username:     d.Username,
			Password:     d.Password,
			LoginVersion: creds.LoginVersion,
		})
	}
	candidates = append(candidates, transport.KLAPCredentials{LoginVersion: creds.LoginVersion})
	return candidates
}

func newAESTransport(cfg tapo.DeviceConfig, useTLS bool) (transport.Transport, error) {
	creds := transport.AESCredentials{
		Username:     cfg.Credentials.Username,
		Password:     cfg.Credentials.Password,
		LoginVersion: int(cfg.ConnectionType.LoginVersion),
	}
	defaults := tapo.DefaultCredentialSets()
	aesDefaults := make([]transport.AESCredentials, 0, len(defaults))
	for _, d := range defaults {
		aesDefaults = append(aesDefaults, transport.AESCredentials{
			Username:     d.Username,
			Password:     d.Password,
			LoginVersion: creds.LoginVersion,
		})
	}
	var keys transport.AESKeyCacheSource
	if cfg.AESKeys != nil {
		keys = cfg.AESKeys
	}
	return transport.NewAESTransport(cfg.Host, useTLS, cfg.EffectiveTimeout(), creds, aesDefaults, keys)
}

func unsupported(cfg tapo.DeviceConfig) error {
	return tperrors.NewUnsupportedError("unsupported device: "+cfg.ConnectionType.String(), nil)
}
