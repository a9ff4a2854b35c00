// Package challenger drives the verifier side of the EPID remote
// attestation handshake. It owns one session's state per connection,
// validates every message in the mandated order, derives the session keys,
// and produces the final trust verdict. Every check is a hard gate: the
// first failure abandons the session with no Msg4 and the typed error kind
// is surfaced to the caller.
package challenger

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/davidp94/sgx-ra-challenger/pkg/ias"
	"github.com/davidp94/sgx-ra-challenger/pkg/protocol"
	"github.com/davidp94/sgx-ra-challenger/pkg/rakeys"
)

const (
	// SpidLen is the length of a service-provider id.
	SpidLen = 16
)

// MessageConn is the transport surface the challenger drives. The
// connection is exclusively owned by one session and is closed by Attest
// on every exit path.
type MessageConn interface {
	Send(ctx context.Context, frame *protocol.Frame) error
	Recv(ctx context.Context) (*protocol.Frame, error)
	Close() error
}

// Config carries the deployment-fixed trust parameters of a challenger.
// They are passed in explicitly so a session's trust anchors are auditable
// and testable in isolation.
type Config struct {
	// Spid is the 16-byte service-provider id registered with the
	// attestation service.
	Spid []byte
	// QuoteType selects linkable (1) or unlinkable (0) quotes.
	QuoteType uint16
	// KdfID identifies the key-derivation function; 1 is the AES-CMAC KDF.
	KdfID uint16
	// SigningKey is the long-term service-provider P-256 key.
	SigningKey *ecdsa.PrivateKey
	// ExpectedMrEnclave is the reference code-identity measurement.
	ExpectedMrEnclave []byte
}

func (c Config) validate() error {
	if len(c.Spid) != SpidLen {
		return fmt.Errorf("%w: SPID is %d bytes, expected %d", ErrConfiguration, len(c.Spid), SpidLen)
	}
	if c.SigningKey == nil {
		return fmt.Errorf("%w: signing key is required", ErrConfiguration)
	}
	if len(c.ExpectedMrEnclave) != protocol.MrEnclaveLen {
		return fmt.Errorf("%w: expected MRENCLAVE is %d bytes, expected %d", ErrConfiguration, len(c.ExpectedMrEnclave), protocol.MrEnclaveLen)
	}
	return nil
}

// Challenger runs attestation handshakes with one fixed set of trust
// parameters. It is stateless across sessions and safe for reuse.
type Challenger struct {
	cfg     Config
	service ias.Client
	logger  zerolog.Logger
}

// New validates the trust parameters and builds a challenger.
func New(cfg Config, service ias.Client, logger zerolog.Logger) (*Challenger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("%w: attestation service client is required", ErrConfiguration)
	}
	return &Challenger{cfg: cfg, service: service, logger: logger}, nil
}

// Attest runs one complete handshake over conn. The returned error is nil
// only if the enclave passed every gate and Msg4 was delivered; the
// returned session exposes the terminal state and verdict. The connection
// is closed before Attest returns, on success and on every failure path.
func (c *Challenger) Attest(ctx context.Context, conn MessageConn) (sess *Session, err error) {
	sess = newSession()
	logger := c.logger.With().Str("sessionId", sess.id.String()).Logger()

	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Failed to close transport.")
		}
		recordOutcome(err)
		if err != nil {
			sess.advance(StateFailed)
		}
	}()

	sess.advance(StateConnected)
	if err = c.sendRequest(ctx, sess, conn); err != nil {
		return sess, err
	}
	if err = c.receiveMsg0(ctx, sess, conn, &logger); err != nil {
		return sess, err
	}
	if err = c.receiveMsg1(ctx, sess, conn, &logger); err != nil {
		return sess, err
	}
	if err = c.buildAndSendMsg2(ctx, sess, conn, &logger); err != nil {
		return sess, err
	}
	if err = c.processMsg3(ctx, sess, conn, &logger); err != nil {
		return sess, err
	}
	if err = c.sendVerdict(ctx, sess, conn); err != nil {
		return sess, err
	}

	sess.advance(StateSucceeded)
	logger.Info().Msg("Attestation succeeded.")
	return sess, nil
}

func (c *Challenger) sendRequest(ctx context.Context, sess *Session, conn MessageConn) error {
	frame, err := protocol.NewFrame(protocol.TypeRequest, protocol.Request{Token: protocol.RequestToken})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("%w: send attest request: %w", ErrTransportFailure, err)
	}
	sess.advance(StateAttestRequested)
	return nil
}

// receiveMsg0 checks the extended EPID group before trusting anything else
// the enclave sends: a non-baseline group means the enclave was
// provisioned against a different attestation root.
func (c *Challenger) receiveMsg0(ctx context.Context, sess *Session, conn MessageConn, logger *zerolog.Logger) error {
	frame, err := conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: receive msg0: %w", ErrTransportFailure, err)
	}
	sess.advance(StateMsg0Received)

	msg0, err := protocol.DecodeMsg0(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if msg0.ExtendedEpidGid != protocol.BaselineExtendedGid {
		return fmt.Errorf("%w: unsupported extended EPID group %d", ErrProtocolViolation, msg0.ExtendedEpidGid)
	}
	sess.advance(StateMsg0Validated)
	logger.Debug().Msg("Msg0 validated.")
	return nil
}

func (c *Challenger) receiveMsg1(ctx context.Context, sess *Session, conn MessageConn, logger *zerolog.Logger) error {
	frame, err := conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: receive msg1: %w", ErrTransportFailure, err)
	}
	sess.advance(StateMsg1Received)

	msg1, err := protocol.DecodeMsg1(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	sess.enclaveKey = msg1.PublicKey
	sess.epidGid = msg1.EpidGid
	sess.advance(StateMsg1Validated)
	logger.Debug().Hex("epidGid", sess.epidGid).Msg("Msg1 validated.")
	return nil
}

// buildAndSendMsg2 performs the challenger's half of the key exchange:
// sigRL fetch, fresh ECDH key pair, shared secret, key signature, session
// MAC key and the MAC over the protocol-fixed tuple. The MAC input order
// (Gb, SPID, quote type, KDF id, signature) must be reproduced
// bit-for-bit or the enclave's own verification fails.
func (c *Challenger) buildAndSendMsg2(ctx context.Context, sess *Session, conn MessageConn, logger *zerolog.Logger) error {
	sigRL, err := c.service.GetRevocationList(ctx, sess.epidGid)
	if err != nil {
		return fmt.Errorf("%w: fetch revocation list: %w", ErrServiceUnavailable, err)
	}
	sess.sigRL = sigRL

	sess.ephemeral, err = rakeys.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	sess.publicKey = rakeys.EncodePublicKey(sess.ephemeral.PublicKey())

	// Msg1 only constrained the key's length; the agreement is where an
	// off-curve point from the enclave surfaces.
	sess.sharedSecret, err = rakeys.SharedSecret(sess.ephemeral, sess.enclaveKey)
	if err != nil {
		return fmt.Errorf("%w: enclave public key: %w", ErrProtocolViolation, err)
	}
	sess.keySignature, err = rakeys.SignKeys(c.cfg.SigningKey, sess.publicKey, sess.enclaveKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	sess.smk, err = rakeys.DeriveKey(sess.sharedSecret, rakeys.LabelSMK)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	quoteType := uint16LE(c.cfg.QuoteType)
	kdfID := uint16LE(c.cfg.KdfID)
	sess.msg2Mac, err = rakeys.Mac(sess.smk, msg2MacInput(sess.publicKey, c.cfg.Spid, quoteType, kdfID, sess.keySignature))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	sess.advance(StateMsg2Built)

	frame, err := protocol.NewFrame(protocol.TypeMsg2, protocol.Msg2{
		PublicKey:      sess.publicKey,
		Spid:           c.cfg.Spid,
		QuoteType:      quoteType,
		KdfID:          kdfID,
		KeySignature:   sess.keySignature,
		Mac:            sess.msg2Mac,
		RevocationList: sess.sigRL,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("%w: send msg2: %w", ErrTransportFailure, err)
	}
	sess.advance(StateMsg2Sent)
	logger.Debug().Int("sigrlBytes", len(sess.sigRL)).Msg("Msg2 sent.")
	return nil
}

// processMsg3 runs the four content gates strictly in order. The MAC check
// comes first because every later check trusts fields whose authenticity
// only the MAC establishes; on any failure no further gate runs.
func (c *Challenger) processMsg3(ctx context.Context, sess *Session, conn MessageConn, logger *zerolog.Logger) error {
	frame, err := conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: receive msg3: %w", ErrTransportFailure, err)
	}
	sess.advance(StateMsg3Received)

	msg3, err := protocol.DecodeMsg3(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	sess.quote = protocol.Quote(msg3.Quote)
	sess.msg3Mac = msg3.Mac
	sess.psSecProp = msg3.PsSecProp

	// Gate a: MAC over (Ga, quote, ps_sec_prop) under the session MAC key.
	ok, err := rakeys.VerifyMac(sess.smk, msg3MacInput(sess.enclaveKey, sess.quote, sess.psSecProp), sess.msg3Mac)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: msg3 MAC mismatch", ErrCryptoVerificationFailure)
	}

	// The authenticated quote must belong to the EPID group announced in
	// Msg1; a different group means the sigRL fetched for Msg2 was for the
	// wrong group.
	quoteGid, err := sess.quote.EpidGid()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if quoteGid != binary.LittleEndian.Uint32(sess.epidGid) {
		return fmt.Errorf("%w: quote EPID group %08x does not match msg1", ErrProtocolViolation, quoteGid)
	}

	// Gate b: the report data must bind the quote to this key exchange.
	reportData, err := sess.quote.ReportData()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	expected, err := rakeys.ReportData(sess.enclaveKey, sess.publicKey, sess.sharedSecret)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	if !bytes.Equal(reportData, expected) {
		return fmt.Errorf("%w: report data does not match this key exchange", ErrCryptoVerificationFailure)
	}

	// Gate c: the enclave must run the expected code.
	mrEnclave, err := sess.quote.MrEnclave()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if !bytes.Equal(mrEnclave, c.cfg.ExpectedMrEnclave) {
		return fmt.Errorf("%w: MRENCLAVE mismatch", ErrCryptoVerificationFailure)
	}
	sess.advance(StateMsg3Validated)

	// Gate d: the attestation service's answer on hardware genuineness is
	// authoritative.
	if err := c.service.VerifyQuote(ctx, sess.quote); err != nil {
		return fmt.Errorf("%w: verify quote: %w", ErrServiceUnavailable, err)
	}
	logger.Debug().Msg("Msg3 validated.")
	return nil
}

func (c *Challenger) sendVerdict(ctx context.Context, sess *Session, conn MessageConn) error {
	if err := sess.setVerdict(true); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	frame, err := protocol.NewFrame(protocol.TypeMsg4, protocol.Msg4{VerificationResult: true})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("%w: send msg4: %w", ErrTransportFailure, err)
	}
	sess.advance(StateMsg4Sent)
	return nil
}

// msg2MacInput is the protocol-fixed MAC tuple for Msg2.
func msg2MacInput(gb, spid, quoteType, kdfID, keySignature []byte) []byte {
	input := make([]byte, 0, len(gb)+len(spid)+len(quoteType)+len(kdfID)+len(keySignature))
	input = append(input, gb...)
	input = append(input, spid...)
	input = append(input, quoteType...)
	input = append(input, kdfID...)
	input = append(input, keySignature...)
	return input
}

// msg3MacInput is the protocol-fixed MAC tuple for Msg3.
func msg3MacInput(ga, quote, psSecProp []byte) []byte {
	input := make([]byte, 0, len(ga)+len(quote)+len(psSecProp))
	input = append(input, ga...)
	input = append(input, quote...)
	input = append(input, psSecProp...)
	return input
}

func uint16LE(v uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}
