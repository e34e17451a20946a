package services

import "errors"

var (
	ErrMalformedEnvelope         = errors.New("malformed notification envelope")
	ErrInvalidSignature          = errors.New("invalid signature")
	ErrUntrustedCertificate      = errors.New("untrusted certificate chain")
	ErrUnsupportedPayloadVersion = errors.New("unsupported payload version")
	ErrBundleNotAllowed          = errors.New("bundle id not allowed")

	// ErrLedgerConflict is a lost insert race on a new ledger row. It is retried
	// internally and never returned to callers.
	ErrLedgerConflict = errors.New("ledger write conflict")

	ErrDownstreamUnavailable = errors.New("downstream unavailable")
)

// API error codes.
const (
	CodeMalformedEnvelope         = "MALFORMED_ENVELOPE"
	CodeInvalidSignature          = "INVALID_SIGNATURE"
	CodeUntrustedCertificate      = "UNTRUSTED_CERTIFICATE"
	CodeUnsupportedPayloadVersion = "UNSUPPORTED_PAYLOAD_VERSION"
	CodeBundleNotAllowed          = "BUNDLE_NOT_ALLOWED"
	CodeInternal                  = "INTERNAL_ERROR"
)

// ErrorCode maps err to its API code. Rejections of the payload itself are
// client errors; everything else is internal.
func ErrorCode(err error) (code string, clientError bool) {
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		return CodeMalformedEnvelope, true
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature, true
	case errors.Is(err, ErrUntrustedCertificate):
		return CodeUntrustedCertificate, true
	case errors.Is(err, ErrUnsupportedPayloadVersion):
		return CodeUnsupportedPayloadVersion, true
	case errors.Is(err, ErrBundleNotAllowed):
		return CodeBundleNotAllowed, true
	default:
		return CodeInternal, false
	}
}
