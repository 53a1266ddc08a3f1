// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"bufio"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

const sizeIMAGE_DEBUG_DIRECTORY = 28

// IMAGE_DEBUG_DIRECTORY describes debug information embedded in the binary.
type IMAGE_DEBUG_DIRECTORY struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32 // an IMAGE_DEBUG_TYPE constant
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// IMAGE_DEBUG_TYPE_CODEVIEW identifies the current IMAGE_DEBUG_DIRECTORY as
// pointing to CodeView debug information.
const IMAGE_DEBUG_TYPE_CODEVIEW = 2

const codeViewSignatureRSDS = 0x53445352 // "RSDS"

// GUID has the same layout as a Win32 GUID.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED contains CodeView debug information
// embedded in the PE file. Note that this structure's ABI does not match its C
// counterpart because the latter is packed.
type IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED struct {
	GUID    GUID
	Age     uint32
	PDBPath string
}

// String returns the data from u formatted in the same way that Microsoft
// debugging tools and symbol servers use to identify PDB files corresponding
// to a specific binary.
func (u *IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%08X%04X%04X", u.GUID.Data1, u.GUID.Data2, u.GUID.Data3)
	for _, v := range u.GUID.Data4 {
		fmt.Fprintf(&b, "%02X", v)
	}
	fmt.Fprintf(&b, "%X", u.Age)
	return b.String()
}

func (u *IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED) unpack(r *bufio.Reader) error {
	var signature uint32
	if err := binary.Read(r, binary.LittleEndian, &signature); err != nil {
		return err
	}
	if signature != codeViewSignatureRSDS {
		return ErrNotCodeView
	}
	if err := binary.Read(r, binary.LittleEndian, &u.GUID); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &u.Age); err != nil {
		return err
	}

	var pdbBytes []byte
	for b, err := r.ReadByte(); err == nil && b != 0; b, err = r.ReadByte() {
		pdbBytes = append(pdbBytes, b)
	}

	u.PDBPath = string(pdbBytes)
	return nil
}

func (nfo *PEInfo) extractDebugInfo(dde dpe.DataDirectory) (any, error) {
	if avail := nfo.rva.available(dde.VirtualAddress); dde.Size > avail {
		return nil, fmt.Errorf("%w: debug directory of %d bytes at 0x%08X, %d addressable", ErrTruncated, dde.Size, dde.VirtualAddress, avail)
	}
	count := dde.Size / sizeIMAGE_DEBUG_DIRECTORY
	return readStructArray[IMAGE_DEBUG_DIRECTORY](nfo.rva, dde.VirtualAddress, int(count))
}

// ExtractCodeViewInfo obtains CodeView debug information from de, assuming that
// de represents CodeView debug info.
func (nfo *PEInfo) ExtractCodeViewInfo(de IMAGE_DEBUG_DIRECTORY) (*IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED, error) {
	if de.Type != IMAGE_DEBUG_TYPE_CODEVIEW {
		return nil, ErrNotCodeView
	}

	cv := new(IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED)
	sr := io.NewSectionReader(nfo.r, int64(de.PointerToRawData), int64(de.SizeOfData))
	if err := cv.unpack(bufio.NewReader(sr)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = ErrTruncated
		}
		return nil, err
	}

	return cv, nil
}
