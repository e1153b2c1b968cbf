package tapo

import (
	tperrors "github.com/johnpr01/tplink-client/internal/errors"
)

// DeviceErrorCode is a TP-Link wire-level error_code value. Spec.md §9
// calls for a closed registry mapped into three partitions: retryable,
// auth, and "other" (anything else, including unknown codes, maps to
// Internal per the outer classification rule — see ClassifyErrorCode).
type DeviceErrorCode int

// Known error codes, collected from the IoT (-1xxx/-2xxx range, legacy
// "errcode") and Smart (-1xxxx range) wire protocols. This is the "large
// closed set of integer codes" spec.md §9 describes; unknown codes are
// handled by ClassifyErrorCode's default branch, not by extending this
// list speculatively.
const (
	ErrCodeSuccess               DeviceErrorCode = 0
	ErrCodeUnspecified           DeviceErrorCode = -1
	ErrCodeUnknownMethod         DeviceErrorCode = -1001
	ErrCodeJSONDecodeFail        DeviceErrorCode = -1003
	ErrCodeMultiRequestFailed    DeviceErrorCode = -1301
	ErrCodeNullTransportError    DeviceErrorCode = -1100
	ErrCodeUnknownCredentials    DeviceErrorCode = -1501
	ErrCodeSessionExpired        DeviceErrorCode = -1601
	ErrCodeDeviceBusy            DeviceErrorCode = -1701
	ErrCodeInvalidNonce          DeviceErrorCode = -1801
	ErrCodeInternalUnknownError  DeviceErrorCode = -1901
	ErrCodeAuthFailure           DeviceErrorCode = -1002
	ErrCodeLoginFailed           DeviceErrorCode = -1010
	ErrCodeLoginFailedV2         DeviceErrorCode = -1501 // aliases ErrCodeUnknownCredentials on some firmware
	ErrCodeHandshakeFailed       DeviceErrorCode = -1012
	ErrCodeCloudFailed           DeviceErrorCode = -3333 // cloud-service errors; surfaced as Device(code), never retried
)

// retryableCodes are transient per spec.md §7: session expiry, device
// busy, unknown-credentials transport error (distinct from a genuine
// login rejection), and the two batch-decode failures that trigger
// batch-size demotion (spec.md §4.7, §7 "Batch-demotion").
var retryableCodes = map[DeviceErrorCode]bool{
	ErrCodeJSONDecodeFail:       true,
	ErrCodeInternalUnknownError: true,
	ErrCodeSessionExpired:       true,
	ErrCodeDeviceBusy:           true,
	ErrCodeNullTransportError:   true,
}

// authCodes reject the current session/credentials outright.
var authCodes = map[DeviceErrorCode]bool{
	ErrCodeAuthFailure:     true,
	ErrCodeLoginFailed:     true,
	ErrCodeUnknownCredentials: true,
	ErrCodeHandshakeFailed: true,
	ErrCodeInvalidNonce:    true,
}

// ClassifyErrorCode maps a device-reported error_code to the HomeAutomationError
// kind the outer retry loop (pkg/tapo/protocol) reacts to. Unknown codes
// map to ErrorTypeInternal per spec.md §9 ("Unknown codes map to Internal").
func ClassifyErrorCode(code DeviceErrorCode) tperrors.ErrorType {
	if code == ErrCodeSuccess {
		return ""
	}
	if retryableCodes[code] {
		return tperrors.ErrorTypeRetryable
	}
	if authCodes[code] {
		return tperrors.ErrorTypeAuth
	}
	if code == ErrCodeUnspecified {
		return tperrors.ErrorTypeInternal
	}
	return tperrors.ErrorTypeDevice
}

// IsBatchDemotionCode reports whether code is one of the two errors that
// sticky-demote a Smart protocol's batch size to 1 (spec.md §4.7/§7).
func IsBatchDemotionCode(code DeviceErrorCode) bool {
	return code == ErrCodeJSONDecodeFail || code == ErrCodeInternalUnknownError
}
