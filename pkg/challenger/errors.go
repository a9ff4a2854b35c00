package challenger

// AttestError is a typed error kind for attestation failures. Callers
// match kinds with errors.Is to decide logging and alerting severity.
type AttestError string

func (e AttestError) Error() string { return string(e) }

const (
	// ErrProtocolViolation is returned for malformed messages, wrong field
	// counts or lengths, and an unsupported extended EPID group.
	ErrProtocolViolation = AttestError("protocol violation")
	// ErrCryptoVerificationFailure is returned when a MAC, report-data or
	// identity-measurement check fails.
	ErrCryptoVerificationFailure = AttestError("cryptographic verification failure")
	// ErrServiceUnavailable is returned when an attestation-service call
	// fails or returns a negative result.
	ErrServiceUnavailable = AttestError("attestation service unavailable")
	// ErrTransportFailure is returned for connection, send or receive
	// errors at the socket layer.
	ErrTransportFailure = AttestError("transport failure")
	// ErrConfiguration is returned for missing or invalid long-term key or
	// certificate material.
	ErrConfiguration = AttestError("configuration error")
	// ErrInternal is returned when a local cryptographic operation fails,
	// such as key generation or a MAC computation. It says nothing about
	// the peer.
	ErrInternal = AttestError("internal error")
	// ErrUnsupportedOperation is returned when listen mode is requested.
	ErrUnsupportedOperation = AttestError("unsupported operation")
)
