// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	dpe "debug/pe"
	"fmt"
	"io"
)

// WIN_CERT_REVISION is an enumeration from the Windows SDK.
type WIN_CERT_REVISION uint16

const (
	WIN_CERT_REVISION_1_0 WIN_CERT_REVISION = 0x0100
	WIN_CERT_REVISION_2_0 WIN_CERT_REVISION = 0x0200
)

// WIN_CERT_TYPE is an enumeration from the Windows SDK.
type WIN_CERT_TYPE uint16

const (
	WIN_CERT_TYPE_X509             WIN_CERT_TYPE = 0x0001
	WIN_CERT_TYPE_PKCS_SIGNED_DATA WIN_CERT_TYPE = 0x0002
	WIN_CERT_TYPE_TS_STACK_SIGNED  WIN_CERT_TYPE = 0x0004
)

type _WIN_CERTIFICATE_HEADER struct {
	Length          uint32
	Revision        WIN_CERT_REVISION
	CertificateType WIN_CERT_TYPE
}

const sizeWIN_CERTIFICATE_HEADER = 8

// AuthenticodeCert represents an authenticode signature that has been extracted
// from a signed PE binary but not fully parsed.
type AuthenticodeCert struct {
	header _WIN_CERTIFICATE_HEADER
	data   []byte
}

// Revision returns the revision of ac.
func (ac *AuthenticodeCert) Revision() WIN_CERT_REVISION {
	return ac.header.Revision
}

// Type returns the type of ac.
func (ac *AuthenticodeCert) Type() WIN_CERT_TYPE {
	return ac.header.CertificateType
}

// Data returns the raw bytes of ac's cert.
func (ac *AuthenticodeCert) Data() []byte {
	return ac.data
}

func (nfo *PEInfo) extractAuthenticode(dde dpe.DataDirectory) (any, error) {
	var result []AuthenticodeCert
	// The VirtualAddress is a file offset.
	sr := io.NewSectionReader(nfo.r, int64(dde.VirtualAddress), int64(dde.Size))
	var curOffset int64

	for curOffset < int64(dde.Size) {
		hdr, err := readStruct[_WIN_CERTIFICATE_HEADER](sr, curOffset)
		if err != nil {
			return nil, fmt.Errorf("certificate header at 0x%X: %w", int64(dde.VirtualAddress)+curOffset, err)
		}
		if hdr.Length < sizeWIN_CERTIFICATE_HEADER {
			return nil, fmt.Errorf("%w: certificate length %d", ErrBadLength, hdr.Length)
		}
		if remaining := int64(dde.Size) - curOffset; int64(hdr.Length) > remaining {
			return nil, fmt.Errorf("%w: certificate length %d exceeds the %d bytes left in the table", ErrBadLength, hdr.Length, remaining)
		}
		curOffset += sizeWIN_CERTIFICATE_HEADER

		entry := AuthenticodeCert{header: *hdr}
		dataLen := int64(hdr.Length) - sizeWIN_CERTIFICATE_HEADER
		if entry.data, err = readSized(sr, curOffset, dataLen); err != nil {
			return nil, fmt.Errorf("%w: certificate data at 0x%X: %v", ErrBadLength, int64(dde.VirtualAddress)+curOffset, err)
		}
		curOffset += dataLen

		result = append(result, entry)
		curOffset = alignUp(curOffset, 8)
	}

	return result, nil
}
