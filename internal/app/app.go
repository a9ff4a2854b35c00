// Package app wires settings, key material and the attestation service
// client into a runnable challenger. Credential problems surface here,
// before any network activity.
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/davidp94/sgx-ra-challenger/internal/config"
	"github.com/davidp94/sgx-ra-challenger/pkg/challenger"
	"github.com/davidp94/sgx-ra-challenger/pkg/ias"
	"github.com/davidp94/sgx-ra-challenger/pkg/rakeys"
	"github.com/davidp94/sgx-ra-challenger/pkg/transport"
)

// App holds one configured challenger and its transport settings.
type App struct {
	challenger *challenger.Challenger
	transport  transport.Config
	logger     zerolog.Logger
}

// New loads the long-term key material and reference measurement, builds
// the attestation service client and constructs the challenger. Every
// failure here is a configuration error raised before any connection is
// opened.
func New(settings *config.Settings, logger *zerolog.Logger) (*App, error) {
	spid, err := hex.DecodeString(settings.Spid)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid SPID: %w", challenger.ErrConfiguration, err)
	}
	mrEnclave, err := hex.DecodeString(settings.MrEnclave)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid MRENCLAVE: %w", challenger.ErrConfiguration, err)
	}
	signingKey, err := rakeys.LoadPrivateKey(settings.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", challenger.ErrConfiguration, err)
	}

	iasClient, err := ias.NewHTTP(ias.Config{
		BaseURL:         settings.IasBaseURL,
		SubscriptionKey: settings.IasSubscriptionKey,
		CertFile:        settings.IasCertFile,
		KeyFile:         settings.IasKeyFile,
		RequestTimeout:  settings.IasRequestTimeout,
	}, logger.With().Str("component", "ias").Logger())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", challenger.ErrConfiguration, err)
	}

	chal, err := challenger.New(challenger.Config{
		Spid:              spid,
		QuoteType:         settings.QuoteType,
		KdfID:             settings.KdfID,
		SigningKey:        signingKey,
		ExpectedMrEnclave: mrEnclave,
	}, iasClient, logger.With().Str("component", "challenger").Logger())
	if err != nil {
		return nil, err
	}

	return &App{
		challenger: chal,
		transport: transport.Config{
			DialTimeout: settings.DialTimeout,
			IOTimeout:   settings.ReadTimeout,
		},
		logger: *logger,
	}, nil
}

// Connect runs one attestation attempt against host:port over TCP.
func (a *App) Connect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := transport.Dial(ctx, addr, a.transport, a.logger.With().Str("component", "transport").Logger())
	if err != nil {
		return fmt.Errorf("%w: %w", challenger.ErrTransportFailure, err)
	}
	return a.attest(ctx, conn)
}

// ConnectVsock runs one attestation attempt against an enclave host
// reachable over vsock.
func (a *App) ConnectVsock(ctx context.Context, cid, port uint32) error {
	conn, err := transport.DialVsock(cid, port, a.transport, a.logger.With().Str("component", "transport").Logger())
	if err != nil {
		return fmt.Errorf("%w: %w", challenger.ErrTransportFailure, err)
	}
	return a.attest(ctx, conn)
}

func (a *App) attest(ctx context.Context, conn challenger.MessageConn) error {
	sess, err := a.challenger.Attest(ctx, conn)
	a.logger.Info().
		Str("sessionId", sess.ID().String()).
		Stringer("state", sess.State()).
		Msg("Attestation session finished.")
	return err
}
