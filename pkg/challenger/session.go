package challenger

import (
	"crypto/ecdh"
	"errors"

	"github.com/gofrs/uuid"

	"github.com/davidp94/sgx-ra-challenger/pkg/protocol"
)

// State is one position in the linear handshake state machine. The only
// branch is into StateFailed, which is terminal.
type State uint8

const (
	StateIdle State = iota
	StateConnected
	StateAttestRequested
	StateMsg0Received
	StateMsg0Validated
	StateMsg1Received
	StateMsg1Validated
	StateMsg2Built
	StateMsg2Sent
	StateMsg3Received
	StateMsg3Validated
	StateMsg4Sent
	StateSucceeded
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateConnected:       "connected",
	StateAttestRequested: "attest_requested",
	StateMsg0Received:    "msg0_received",
	StateMsg0Validated:   "msg0_validated",
	StateMsg1Received:    "msg1_received",
	StateMsg1Validated:   "msg1_validated",
	StateMsg2Built:       "msg2_built",
	StateMsg2Sent:        "msg2_sent",
	StateMsg3Received:    "msg3_received",
	StateMsg3Validated:   "msg3_validated",
	StateMsg4Sent:        "msg4_sent",
	StateSucceeded:       "succeeded",
	StateFailed:          "failed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Session holds the state of one handshake attempt. A session is bound to
// one connection and is never reused; the ephemeral key pair inside it is
// single use. The shared secret and session MAC key are immutable once
// derived, and the verdict is set at most once.
type Session struct {
	id    uuid.UUID
	state State

	ephemeral *ecdh.PrivateKey
	publicKey []byte // Gb, wire form

	enclaveKey []byte // Ga, wire form
	epidGid    []byte

	sharedSecret []byte
	smk          []byte

	sigRL        []byte
	keySignature []byte
	msg2Mac      []byte

	quote     protocol.Quote
	msg3Mac   []byte
	psSecProp []byte

	verdict *bool
}

func newSession() *Session {
	return &Session{
		id:    uuid.Must(uuid.NewV4()),
		state: StateIdle,
	}
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// State reports the current machine state.
func (s *Session) State() State { return s.state }

// Verdict returns the trust verdict, or nil while it is unset.
func (s *Session) Verdict() *bool { return s.verdict }

func (s *Session) advance(next State) {
	s.state = next
}

func (s *Session) setVerdict(v bool) error {
	if s.verdict != nil {
		return errors.New("verdict already set")
	}
	s.verdict = &v
	return nil
}
