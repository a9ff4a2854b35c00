// Package protocol defines the wire messages of the EPID remote-attestation
// handshake and the SGX quote layout the challenger inspects.
//
// Every message is one JSON object with a numeric type tag and a body whose
// byte-valued fields are hex-encoded strings. A message whose body does not
// match the expected shape (field set, field count, decoded lengths) is
// rejected before any field is interpreted.
package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Type tags one wire frame.
type Type uint8

const (
	// TypeRequest opens a handshake with the fixed attest-request token.
	TypeRequest Type = iota
	// TypeMsg0 carries the extended EPID group id.
	TypeMsg0
	// TypeMsg1 carries the enclave's ephemeral public key and EPID group id.
	TypeMsg1
	// TypeMsg2 carries the challenger's key material, signature, MAC and sigRL.
	TypeMsg2
	// TypeMsg3 carries the quote, its MAC and the platform security properties.
	TypeMsg3
	// TypeMsg4 carries the final verification verdict.
	TypeMsg4
)

// String returns the protocol name of the frame type.
func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeMsg0:
		return "msg0"
	case TypeMsg1:
		return "msg1"
	case TypeMsg2:
		return "msg2"
	case TypeMsg3:
		return "msg3"
	case TypeMsg4:
		return "msg4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// RequestToken is the fixed literal a challenger sends to start a handshake.
var RequestToken = []byte("sgx-ra-attest")

const (
	// PublicKeyLen is the decoded length of an SGX EC256 public key (x||y).
	PublicKeyLen = 64
	// EpidGidLen is the decoded length of an EPID group id.
	EpidGidLen = 4
	// BaselineExtendedGid is the only extended EPID group the challenger
	// supports; any other value means the enclave was provisioned against a
	// different attestation root.
	BaselineExtendedGid = uint32(0)
)

// HexBytes marshals to and from a lowercase hex JSON string.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hex field is not a string: %w", err)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex field: %w", err)
	}
	*h = decoded
	return nil
}

// Frame is one wire message: a type tag and an uninterpreted body.
type Frame struct {
	Type Type            `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Request is the bare handshake opener.
type Request struct {
	Token HexBytes `json:"token"`
}

// Msg0 announces the extended EPID group the enclave belongs to.
type Msg0 struct {
	ExtendedEpidGid uint32 `json:"extended_epid_gid"`
}

// Msg1 carries the enclave's ephemeral public key Ga and its EPID group id.
type Msg1 struct {
	PublicKey HexBytes `json:"public_key"`
	EpidGid   HexBytes `json:"epid_gid"`
}

// Msg2 carries the challenger's ephemeral public key Gb, the deployment
// parameters, the key signature, the MAC over them and the revocation list.
type Msg2 struct {
	PublicKey      HexBytes `json:"public_key"`
	Spid           HexBytes `json:"spid"`
	QuoteType      HexBytes `json:"quote_type"`
	KdfID          HexBytes `json:"kdf_id"`
	KeySignature   HexBytes `json:"key_signature"`
	Mac            HexBytes `json:"mac"`
	RevocationList HexBytes `json:"revocation_list"`
}

// Msg3 carries the enclave's quote, the MAC authenticating it and the
// platform security properties blob. No decoded-length constraint applies.
type Msg3 struct {
	Quote     HexBytes `json:"quote"`
	Mac       HexBytes `json:"mac"`
	PsSecProp HexBytes `json:"ps_sec_prop"`
}

// Msg4 carries the final trust verdict. It is only ever sent on success.
type Msg4 struct {
	VerificationResult bool `json:"verification_result"`
}

// NewFrame wraps a message body into a tagged frame.
func NewFrame(t Type, body any) (*Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", t, err)
	}
	return &Frame{Type: t, Body: raw}, nil
}

// fieldCount returns the number of keys in a JSON object body.
func fieldCount(body json.RawMessage) (int, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return 0, fmt.Errorf("body is not an object: %w", err)
	}
	return len(m), nil
}

// decodeBody strictly decodes a frame body into out, enforcing the exact
// field count and rejecting unknown fields.
func decodeBody(f *Frame, want Type, fields int, out any) error {
	if f.Type != want {
		return fmt.Errorf("expected %s, got %s", want, f.Type)
	}
	n, err := fieldCount(f.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", want, err)
	}
	if n != fields {
		return fmt.Errorf("%s: expected %d fields, got %d", want, fields, n)
	}
	dec := json.NewDecoder(bytes.NewReader(f.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s: %w", want, err)
	}
	return nil
}

// DecodeRequest parses and validates a handshake request frame.
func DecodeRequest(f *Frame) (*Request, error) {
	var req Request
	if err := decodeBody(f, TypeRequest, 1, &req); err != nil {
		return nil, err
	}
	if !bytes.Equal(req.Token, RequestToken) {
		return nil, fmt.Errorf("request: unexpected token")
	}
	return &req, nil
}

// DecodeMsg0 parses and validates the shape of a Msg0 frame. The extended
// group id value itself is judged by the challenger, not here.
func DecodeMsg0(f *Frame) (*Msg0, error) {
	var msg Msg0
	if err := decodeBody(f, TypeMsg0, 1, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeMsg1 parses a Msg1 frame and enforces the exact decoded field
// lengths before any field can be used cryptographically.
func DecodeMsg1(f *Frame) (*Msg1, error) {
	var msg Msg1
	if err := decodeBody(f, TypeMsg1, 2, &msg); err != nil {
		return nil, err
	}
	if len(msg.PublicKey) != PublicKeyLen {
		return nil, fmt.Errorf("msg1: public_key is %d bytes, expected %d", len(msg.PublicKey), PublicKeyLen)
	}
	if len(msg.EpidGid) != EpidGidLen {
		return nil, fmt.Errorf("msg1: epid_gid is %d bytes, expected %d", len(msg.EpidGid), EpidGidLen)
	}
	return &msg, nil
}

// DecodeMsg3 parses a Msg3 frame. Only the field set is constrained; the
// fields carry no fixed decoded lengths.
func DecodeMsg3(f *Frame) (*Msg3, error) {
	var msg Msg3
	if err := decodeBody(f, TypeMsg3, 3, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
