package protocol

import (
	"encoding/binary"
	"fmt"
)

// SGX EPID quote layout: a 48-byte header followed by a 384-byte report
// body. Offsets below are absolute within the quote blob. See sgx_quote.h
// in the Intel SDK for the field layout.
const (
	quoteBodyLen = 432

	epidGidOffset = 4

	mrEnclaveOffset = 112
	// MrEnclaveLen is the size of the enclave code-identity measurement.
	MrEnclaveLen = 32

	reportDataOffset = 368
	// ReportDataLen is the size of the report-data field inside a quote.
	ReportDataLen = 64
)

// Quote is an opaque attestation blob. The challenger never parses it
// beyond the fixed sub-ranges needed for the binding and identity checks;
// everything else is the attestation service's business.
type Quote []byte

func (q Quote) checkLen() error {
	if len(q) < quoteBodyLen {
		return fmt.Errorf("quote is %d bytes, expected at least %d", len(q), quoteBodyLen)
	}
	return nil
}

// EpidGid returns the EPID group id embedded in the quote header.
func (q Quote) EpidGid() (uint32, error) {
	if err := q.checkLen(); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(q[epidGidOffset : epidGidOffset+4]), nil
}

// MrEnclave returns the code-identity measurement from the report body.
func (q Quote) MrEnclave() ([]byte, error) {
	if err := q.checkLen(); err != nil {
		return nil, err
	}
	return q[mrEnclaveOffset : mrEnclaveOffset+MrEnclaveLen], nil
}

// ReportData returns the report-data field the enclave bound to this
// key-exchange instance.
func (q Quote) ReportData() ([]byte, error) {
	if err := q.checkLen(); err != nil {
		return nil, err
	}
	return q[reportDataOffset : reportDataOffset+ReportDataLen], nil
}
