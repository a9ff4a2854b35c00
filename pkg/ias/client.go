// Package ias talks to the Intel Attestation Service: it fetches EPID
// group revocation lists and submits quotes for hardware-genuineness
// verification. The service's answer on a quote is authoritative for the
// handshake verdict.
package ias

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	sigrlPath  = "/attestation/v4/sigrl"
	reportPath = "/attestation/v4/report"

	subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"

	defaultRequestTimeout = 30 * time.Second

	// quoteStatusOK is the only isvEnclaveQuoteStatus treated as a
	// positive verification result.
	quoteStatusOK = "OK"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ias_request_duration_seconds",
	Help:    "Duration of Intel Attestation Service requests.",
	Buckets: prometheus.DefBuckets,
}, []string{"endpoint", "status"})

// Client is the attestation-service surface the challenger consumes.
type Client interface {
	// GetRevocationList fetches the signature revocation list for an EPID
	// group. An empty list is a valid answer.
	GetRevocationList(ctx context.Context, gid []byte) ([]byte, error)
	// VerifyQuote submits a quote for verification. A nil error means the
	// service vouched for the quote.
	VerifyQuote(ctx context.Context, quote []byte) error
}

// Config carries the attestation-service connection parameters.
type Config struct {
	// BaseURL is the service root, e.g.
	// https://api.trustedservices.intel.com/sgx.
	BaseURL string
	// SubscriptionKey authenticates API requests.
	SubscriptionKey string
	// CertFile and KeyFile optionally add a TLS client certificate.
	CertFile string
	KeyFile  string
	// RequestTimeout bounds each service call. Zero means the default.
	RequestTimeout time.Duration
}

// HTTPClient implements Client against the IAS EPID attestation API v4.
type HTTPClient struct {
	baseURL         string
	subscriptionKey string
	httpClient      *http.Client
	logger          zerolog.Logger
}

// NewHTTP builds an IAS client from config. A configured client
// certificate that cannot be loaded is a hard error; the caller must not
// proceed to any network activity without working credentials.
func NewHTTP(cfg Config, logger zerolog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("attestation service base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid attestation service URL: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load attestation service client certificate: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}

	return &HTTPClient{
		baseURL:         cfg.BaseURL,
		subscriptionKey: cfg.SubscriptionKey,
		httpClient:      httpClient,
		logger:          logger,
	}, nil
}

// GetRevocationList fetches the sigRL for a 4-byte EPID group id. The
// service returns the list base64 encoded; an empty body means the group
// has no revoked members.
func (c *HTTPClient) GetRevocationList(ctx context.Context, gid []byte) ([]byte, error) {
	if len(gid) != 4 {
		return nil, fmt.Errorf("EPID group id is %d bytes, expected 4", len(gid))
	}
	// The API addresses groups by the big-endian hex form of the id.
	gidBE := binary.LittleEndian.Uint32(gid)
	endpoint := fmt.Sprintf("%s%s/%08x", c.baseURL, sigrlPath, gidBE)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create sigRL request: %w", err)
	}
	c.setHeaders(req)

	body, err := c.do(req, "sigrl")
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	sigrl, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("decode sigRL body: %w", err)
	}
	c.logger.Debug().Str("epidGid", hex.EncodeToString(gid)).Int("sigrlBytes", len(sigrl)).Msg("Fetched revocation list.")
	return sigrl, nil
}

type reportRequest struct {
	IsvEnclaveQuote string `json:"isvEnclaveQuote"`
}

type reportResponse struct {
	ID                    string `json:"id"`
	Timestamp             string `json:"timestamp"`
	IsvEnclaveQuoteStatus string `json:"isvEnclaveQuoteStatus"`
	AdvisoryIDs           string `json:"advisoryIDs,omitempty"`
}

// VerifyQuote submits the quote blob for verification and interprets the
// returned quote status. Anything but an OK status is a negative result.
func (c *HTTPClient) VerifyQuote(ctx context.Context, quote []byte) error {
	payload, err := json.Marshal(reportRequest{
		IsvEnclaveQuote: base64.StdEncoding.EncodeToString(quote),
	})
	if err != nil {
		return fmt.Errorf("marshal report request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+reportPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	body, err := c.do(req, "report")
	if err != nil {
		return err
	}
	var report reportResponse
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("unmarshal report response: %w", err)
	}
	if report.IsvEnclaveQuoteStatus != quoteStatusOK {
		return fmt.Errorf("quote status %q", report.IsvEnclaveQuoteStatus)
	}
	c.logger.Debug().Str("reportId", report.ID).Msg("Quote verified by attestation service.")
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.subscriptionKey != "" {
		req.Header.Set(subscriptionKeyHeader, c.subscriptionKey)
	}
}

func (c *HTTPClient) do(req *http.Request, endpoint string) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("attestation service %s request: %w", endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	requestDuration.WithLabelValues(endpoint, resp.Status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attestation service %s response: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attestation service %s returned %s", endpoint, resp.Status)
	}
	return body, nil
}
