package challenger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var attestations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sgx_ra_attestations_total",
	Help: "Completed attestation attempts by outcome.",
}, []string{"outcome"})

func recordOutcome(err error) {
	attestations.WithLabelValues(outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrCryptoVerificationFailure):
		return "crypto_verification_failure"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrInternal):
		return "internal_error"
	default:
		return "other"
	}
}
