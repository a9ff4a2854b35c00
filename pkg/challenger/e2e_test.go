package challenger_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/davidp94/sgx-ra-challenger/pkg/challenger"
	"github.com/davidp94/sgx-ra-challenger/pkg/protocol"
	"github.com/davidp94/sgx-ra-challenger/pkg/transport"
)

// TestAttestOverTCP runs the whole handshake against a synthetic enclave
// on a real socket, exercising the framing layer together with the state
// machine.
func TestAttestOverTCP(t *testing.T) {
	t.Parallel()

	enclave := newEnclaveSim(t)
	service := &fakeService{sigRL: []byte{1, 2, 3}}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	cfg := transport.Config{IOTimeout: 5 * time.Second}
	peerDone := make(chan error, 1)
	go func() {
		peerDone <- runEnclavePeer(t, listener, enclave, cfg)
	}()

	conn, err := transport.Dial(t.Context(), listener.Addr().String(), cfg, zerolog.Nop())
	require.NoError(t, err)

	sess, err := newChallenger(t, testConfig(t, enclave.mrEnclave), service).Attest(t.Context(), conn)
	require.NoError(t, err)
	require.Equal(t, challenger.StateSucceeded, sess.State())

	select {
	case err := <-peerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the synthetic enclave")
	}
	require.Equal(t, 1, service.verifyCalls)
}

// runEnclavePeer serves one handshake on the enclave side and reports the
// verdict it received in Msg4.
func runEnclavePeer(t *testing.T, listener net.Listener, enclave *enclaveSim, cfg transport.Config) error {
	raw, err := listener.Accept()
	if err != nil {
		return err
	}
	conn := transport.New(raw, cfg, zerolog.Nop())
	defer conn.Close() //nolint:errcheck

	ctx := t.Context()

	frame, err := conn.Recv(ctx)
	if err != nil {
		return err
	}
	if _, err := protocol.DecodeRequest(frame); err != nil {
		return err
	}
	if err := conn.Send(ctx, enclave.msg0Frame()); err != nil {
		return err
	}
	if err := conn.Send(ctx, enclave.msg1Frame()); err != nil {
		return err
	}

	frame, err = conn.Recv(ctx)
	if err != nil {
		return err
	}
	if frame.Type != protocol.TypeMsg2 {
		return challenger.ErrProtocolViolation
	}
	var msg2 protocol.Msg2
	if err := json.Unmarshal(frame.Body, &msg2); err != nil {
		return err
	}
	if err := conn.Send(ctx, enclave.msg3Frame(&msg2)); err != nil {
		return err
	}

	frame, err = conn.Recv(ctx)
	if err != nil {
		return err
	}
	if frame.Type != protocol.TypeMsg4 {
		return challenger.ErrProtocolViolation
	}
	var msg4 protocol.Msg4
	if err := json.Unmarshal(frame.Body, &msg4); err != nil {
		return err
	}
	if !msg4.VerificationResult {
		return challenger.ErrCryptoVerificationFailure
	}
	return nil
}
