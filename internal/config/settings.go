package config

import "time"

// Settings contains the application config. The deployment-fixed trust
// parameters (SPID, quote type, KDF id, key material, reference
// measurement) live here so one settings file fully describes what a
// challenger trusts.
type Settings struct {
	Environment string `yaml:"ENVIRONMENT"`
	LogLevel    string `yaml:"LOG_LEVEL"`
	MonPort     int    `yaml:"MON_PORT"`

	// Spid is the hex-encoded 16-byte service-provider id.
	Spid string `yaml:"SPID"`
	// QuoteType selects unlinkable (0) or linkable (1) quotes.
	QuoteType uint16 `yaml:"QUOTE_TYPE"`
	// KdfID identifies the key-derivation function in Msg2.
	KdfID uint16 `yaml:"KDF_ID"`
	// SigningKeyFile is the PEM file holding the long-term P-256 key.
	SigningKeyFile string `yaml:"SIGNING_KEY_FILE"`
	// MrEnclave is the hex-encoded 32-byte reference measurement.
	MrEnclave string `yaml:"MR_ENCLAVE"`

	// IasBaseURL is the attestation service root URL.
	IasBaseURL string `yaml:"IAS_BASE_URL"`
	// IasSubscriptionKey authenticates attestation service calls.
	IasSubscriptionKey string `yaml:"IAS_SUBSCRIPTION_KEY"`
	// IasCertFile and IasKeyFile optionally add a TLS client certificate
	// for the attestation service channel.
	IasCertFile string `yaml:"IAS_CERT_FILE"`
	IasKeyFile  string `yaml:"IAS_KEY_FILE"`
	// IasRequestTimeout bounds each attestation service call.
	IasRequestTimeout time.Duration `yaml:"IAS_REQUEST_TIMEOUT"`

	// DialTimeout and ReadTimeout bound the enclave transport.
	DialTimeout time.Duration `yaml:"DIAL_TIMEOUT"`
	ReadTimeout time.Duration `yaml:"READ_TIMEOUT"`
}
