// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"bytes"
	dpe "debug/pe"
	"fmt"
	"io"
)

const (
	offsetIMAGE_DOS_HEADERe_lfanew = 60
	sizeIMAGE_DOS_HEADER           = 64
	sizeIMAGE_NT_SIGNATURE         = 4
	sizeIMAGE_FILE_HEADER          = 20
	sizeIMAGE_DATA_DIRECTORY       = 8
	sizeOptionalHeader32Fixed      = 96
	sizeOptionalHeader64Fixed      = 112
	numDataDirectoryEntries        = 16

	dosMagic = 0x5A4D // "MZ"

	// OptionalHeaderMagicPE32 identifies a PE32 optional header.
	OptionalHeaderMagicPE32 = 0x010B
	// OptionalHeaderMagicPE32Plus identifies a PE32+ optional header.
	OptionalHeaderMagicPE32Plus = 0x020B
)

var ntSignature = [sizeIMAGE_NT_SIGNATURE]byte{'P', 'E', 0, 0}

const (
	IMAGE_DIRECTORY_ENTRY_EXPORT         = dpe.IMAGE_DIRECTORY_ENTRY_EXPORT
	IMAGE_DIRECTORY_ENTRY_IMPORT         = dpe.IMAGE_DIRECTORY_ENTRY_IMPORT
	IMAGE_DIRECTORY_ENTRY_RESOURCE       = dpe.IMAGE_DIRECTORY_ENTRY_RESOURCE
	IMAGE_DIRECTORY_ENTRY_EXCEPTION      = dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION
	IMAGE_DIRECTORY_ENTRY_SECURITY       = dpe.IMAGE_DIRECTORY_ENTRY_SECURITY
	IMAGE_DIRECTORY_ENTRY_BASERELOC      = dpe.IMAGE_DIRECTORY_ENTRY_BASERELOC
	IMAGE_DIRECTORY_ENTRY_DEBUG          = dpe.IMAGE_DIRECTORY_ENTRY_DEBUG
	IMAGE_DIRECTORY_ENTRY_ARCHITECTURE   = dpe.IMAGE_DIRECTORY_ENTRY_ARCHITECTURE
	IMAGE_DIRECTORY_ENTRY_GLOBALPTR      = dpe.IMAGE_DIRECTORY_ENTRY_GLOBALPTR
	IMAGE_DIRECTORY_ENTRY_TLS            = dpe.IMAGE_DIRECTORY_ENTRY_TLS
	IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG    = dpe.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG
	IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT   = dpe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT
	IMAGE_DIRECTORY_ENTRY_IAT            = dpe.IMAGE_DIRECTORY_ENTRY_IAT
	IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT   = dpe.IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT
	IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR = dpe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR
)

// DOSHeader is IMAGE_DOS_HEADER.
type DOSHeader struct {
	Magic                    uint16
	BytesOnLastPage          uint16
	PagesInFile              uint16
	Relocations              uint16
	SizeOfHeaderInParagraphs uint16
	MinExtraParagraphs       uint16
	MaxExtraParagraphs       uint16
	InitialSS                uint16
	InitialSP                uint16
	Checksum                 uint16
	InitialIP                uint16
	InitialCS                uint16
	AddressOfRelocationTable uint16
	OverlayNumber            uint16
	Reserved                 [4]uint16
	OEMID                    uint16
	OEMInfo                  uint16
	Reserved2                [10]uint16
	Lfanew                   int32
}

// OptionalHeader holds exactly one of the PE32 or PE32+ optional header
// layouts, as selected by Magic. Data directory entries at or beyond
// NumberOfRvaAndSizes are zero.
type OptionalHeader struct {
	Magic    uint16
	PE32     *dpe.OptionalHeader32
	PE32Plus *dpe.OptionalHeader64
}

// Is64Bit reports whether oh is a PE32+ header.
func (oh *OptionalHeader) Is64Bit() bool {
	return oh.PE32Plus != nil
}

// PointerSize returns the size in bytes of a pointer in the image: 8 for
// PE32+ and 4 for PE32.
func (oh *OptionalHeader) PointerSize() int {
	if oh.Is64Bit() {
		return 8
	}
	return 4
}

func (oh *OptionalHeader) ImageBase() uint64 {
	if oh.Is64Bit() {
		return oh.PE32Plus.ImageBase
	}
	return uint64(oh.PE32.ImageBase)
}

func (oh *OptionalHeader) AddressOfEntryPoint() uint32 {
	if oh.Is64Bit() {
		return oh.PE32Plus.AddressOfEntryPoint
	}
	return oh.PE32.AddressOfEntryPoint
}

func (oh *OptionalHeader) SectionAlignment() uint32 {
	if oh.Is64Bit() {
		return oh.PE32Plus.SectionAlignment
	}
	return oh.PE32.SectionAlignment
}

func (oh *OptionalHeader) FileAlignment() uint32 {
	if oh.Is64Bit() {
		return oh.PE32Plus.FileAlignment
	}
	return oh.PE32.FileAlignment
}

func (oh *OptionalHeader) SizeOfImage() uint32 {
	if oh.Is64Bit() {
		return oh.PE32Plus.SizeOfImage
	}
	return oh.PE32.SizeOfImage
}

func (oh *OptionalHeader) SizeOfHeaders() uint32 {
	if oh.Is64Bit() {
		return oh.PE32Plus.SizeOfHeaders
	}
	return oh.PE32.SizeOfHeaders
}

func (oh *OptionalHeader) Subsystem() uint16 {
	if oh.Is64Bit() {
		return oh.PE32Plus.Subsystem
	}
	return oh.PE32.Subsystem
}

func (oh *OptionalHeader) DllCharacteristics() uint16 {
	if oh.Is64Bit() {
		return oh.PE32Plus.DllCharacteristics
	}
	return oh.PE32.DllCharacteristics
}

// NumberOfRvaAndSizes returns the declared number of data directory entries,
// which may exceed the 16 that the format defines.
func (oh *OptionalHeader) NumberOfRvaAndSizes() uint32 {
	if oh.Is64Bit() {
		return oh.PE32Plus.NumberOfRvaAndSizes
	}
	return oh.PE32.NumberOfRvaAndSizes
}

// DataDirectory returns the valid data directory entries of oh.
func (oh *OptionalHeader) DataDirectory() []dpe.DataDirectory {
	var dd []dpe.DataDirectory
	if oh.Is64Bit() {
		dd = oh.PE32Plus.DataDirectory[:]
	} else {
		dd = oh.PE32.DataDirectory[:]
	}
	if cnt := oh.NumberOfRvaAndSizes(); cnt < uint32(len(dd)) {
		dd = dd[:cnt]
	}
	return dd
}

// SectionHeader is one entry of the section table.
type SectionHeader struct {
	dpe.SectionHeader32
}

// NameString returns the section's name with any NUL padding removed.
func (s *SectionHeader) NameString() string {
	for i, c := range s.Name {
		if c == 0 {
			return string(s.Name[:i])
		}
	}

	return string(s.Name[:])
}

// loadOptionalHeader decodes the optional header at r's origin. r must be
// limited to SizeOfOptionalHeader bytes. The variant's fixed fields and each
// data directory entry below NumberOfRvaAndSizes are copied into a zeroed
// full-size image of the header which is then decoded, so absent entries
// remain zero and nothing beyond the limit is ever read.
func loadOptionalHeader(r io.ReaderAt) (*OptionalHeader, error) {
	magic, err := readStruct[uint16](r, 0)
	if err != nil {
		return nil, err
	}

	var fixedSize int
	switch *magic {
	case OptionalHeaderMagicPE32:
		fixedSize = sizeOptionalHeader32Fixed
	case OptionalHeaderMagicPE32Plus:
		fixedSize = sizeOptionalHeader64Fixed
	default:
		return nil, fmt.Errorf("%w: optional header magic 0x%04X", ErrInvalidBinary, *magic)
	}

	img := make([]byte, fixedSize+numDataDirectoryEntries*sizeIMAGE_DATA_DIRECTORY)
	if err := readFull(r, img[:fixedSize], 0); err != nil {
		return nil, err
	}

	// NumberOfRvaAndSizes is the last field of the fixed part in both layouts.
	numDirs, err := readStruct[uint32](r, fixedSize-4)
	if err != nil {
		return nil, err
	}

	for i := 0; i < numDataDirectoryEntries && uint32(i) < *numDirs; i++ {
		off := fixedSize + i*sizeIMAGE_DATA_DIRECTORY
		if err := readFull(r, img[off:off+sizeIMAGE_DATA_DIRECTORY], int64(off)); err != nil {
			return nil, fmt.Errorf("data directory %d: %w", i, err)
		}
	}

	src := bytes.NewReader(img)
	result := &OptionalHeader{Magic: *magic}
	if *magic == OptionalHeaderMagicPE32Plus {
		result.PE32Plus, err = readStruct[dpe.OptionalHeader64](src, 0)
	} else {
		result.PE32, err = readStruct[dpe.OptionalHeader32](src, 0)
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}
