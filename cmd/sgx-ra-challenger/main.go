package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/DIMO-Network/shared"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/davidp94/sgx-ra-challenger/internal/app"
	"github.com/davidp94/sgx-ra-challenger/internal/config"
	"github.com/davidp94/sgx-ra-challenger/pkg/challenger"
	"github.com/davidp94/sgx-ra-challenger/pkg/server"
)

const appName = "sgx-ra-challenger"

var (
	settingsFile string

	targetHost string
	targetPort int
	vsockCID   uint32
	vsockPort  uint32
)

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}

func execute() error {
	root := &cobra.Command{
		Use:           appName,
		Short:         "EPID remote-attestation challenger for SGX enclaves",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&settingsFile, "settings", "settings.yaml", "settings file")
	root.AddCommand(connectCmd(), listenCmd())
	return root.Execute()
}

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run one attestation attempt against a remote enclave",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&targetHost, "addr", "", "target address")
	cmd.Flags().IntVar(&targetPort, "port", 0, "target port")
	cmd.Flags().Uint32Var(&vsockCID, "vsock-cid", 0, "dial the enclave host over vsock with this context id")
	cmd.Flags().Uint32Var(&vsockPort, "vsock-port", 0, "vsock port, used with --vsock-cid")
	return cmd
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run as the enclave-side responder (not implemented)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := server.DefaultLogger(appName)
			err := challenger.ErrUnsupportedOperation
			logger.Error().Err(err).Msg("Listen mode is not implemented.")
			return err
		},
	}
}

func runConnect(ctx context.Context) error {
	logger := server.DefaultLogger(appName)

	settings, err := shared.LoadConfig[config.Settings](settingsFile)
	if err != nil {
		logger.Error().Err(err).Msg("Couldn't load settings.")
		return err
	}
	server.SetLevel(logger, settings.LogLevel)

	challengerApp, err := app.New(&settings, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration error.")
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)

	if settings.MonPort > 0 {
		monApp := server.CreateMonitoringServer()
		logger.Info().Int("port", settings.MonPort).Msg("Starting monitoring server.")
		server.RunFiber(groupCtx, monApp, ":"+strconv.Itoa(settings.MonPort), group)
	}

	var attestErr error
	if vsockCID > 0 {
		attestErr = challengerApp.ConnectVsock(groupCtx, vsockCID, vsockPort)
	} else {
		attestErr = challengerApp.Connect(groupCtx, targetHost, targetPort)
	}
	logOutcome(logger, attestErr)

	cancel()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("Monitoring server shut down with error.")
	}
	return attestErr
}

// logOutcome maps the error kind to log severity: peer misbehavior and
// failed verification are security-relevant, infrastructure failures are
// operational.
func logOutcome(logger *zerolog.Logger, err error) {
	switch {
	case err == nil:
		logger.Info().Msg("Enclave attested successfully.")
	case errors.Is(err, challenger.ErrProtocolViolation),
		errors.Is(err, challenger.ErrCryptoVerificationFailure):
		logger.Error().Err(err).Msg("Enclave failed attestation.")
	case errors.Is(err, challenger.ErrServiceUnavailable):
		logger.Error().Err(err).Msg("Attestation service failure.")
	case errors.Is(err, challenger.ErrTransportFailure):
		logger.Error().Err(err).Msg("Transport failure.")
	default:
		logger.Error().Err(err).Msg("Attestation failed.")
	}
}
