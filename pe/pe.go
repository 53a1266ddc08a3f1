// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pe provides a robust parser for PE binaries.
//
// Decoding is all-or-nothing: the headers, section table, import table and
// export table are decoded up front, and any failure leaves the caller with
// a nil *PEInfo and an error. Other data directories are decoded on demand
// by DataDirectoryEntry.
package pe

import (
	"bytes"
	dpe "debug/pe"
	"fmt"
	"io"
	"os"
)

// PEInfo represents a decoded PE binary.
type PEInfo struct {
	r              io.ReaderAt
	closer         io.Closer
	rva            *rvaReader
	dosHeader      *DOSHeader
	fileHeader     *dpe.FileHeader
	optionalHeader *OptionalHeader
	sections       []SectionHeader
	imports        []Import
	exports        *Exports
}

// Option configures decoding.
type Option func(*options)

type options struct {
	rvaPolicy RVAPolicy
}

// WithRVAPolicy selects how RVAs in a section's virtual padding are treated.
// The default is RVAStrict.
func WithRVAPolicy(p RVAPolicy) Option {
	return func(o *options) {
		o.rvaPolicy = p
	}
}

// NewPE decodes the PE binary readable from r. r must support concurrent
// reads at arbitrary offsets if the returned *PEInfo is to be shared between
// goroutines.
// Upon success it returns a non-nil *PEInfo, otherwise it returns a nil *PEInfo
// and a non-nil error.
func NewPE(r io.ReaderAt, opts ...Option) (*PEInfo, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return load(r, &o)
}

// NewPEFromBytes decodes the PE binary contained in b.
func NewPEFromBytes(b []byte, opts ...Option) (*PEInfo, error) {
	return NewPE(bytes.NewReader(b), opts...)
}

// NewPEFromFileName opens a PE binary located at filename and decodes it.
// Upon success it returns a non-nil *PEInfo, otherwise it returns a
// nil *PEInfo and a non-nil error.
// Call Close() on the returned *PEInfo when it is no longer needed.
func NewPEFromFileName(filename string, opts ...Option) (*PEInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	nfo, err := NewPE(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}

	nfo.closer = f
	return nfo, nil
}

// Close releases the file underlying nfo, if nfo owns one.
func (nfo *PEInfo) Close() error {
	if nfo.closer == nil {
		return nil
	}
	err := nfo.closer.Close()
	nfo.closer = nil
	return err
}

func load(r io.ReaderAt, o *options) (*PEInfo, error) {
	// The whole DOS header must be present before any field is examined.
	dosHeader, err := readStruct[DOSHeader](r, 0)
	if err != nil {
		return nil, fmt.Errorf("DOS header: %w", err)
	}
	if dosHeader.Magic != dosMagic {
		return nil, fmt.Errorf("%w: DOS magic 0x%04X", ErrInvalidBinary, dosHeader.Magic)
	}

	e_lfanew := dosHeader.Lfanew
	if e_lfanew <= 0 {
		return nil, fmt.Errorf("%w: e_lfanew %d", ErrInvalidBinary, e_lfanew)
	}

	var peMagic [sizeIMAGE_NT_SIGNATURE]byte
	if err := readFull(r, peMagic[:], int64(e_lfanew)); err != nil {
		return nil, fmt.Errorf("NT signature: %w", err)
	}
	if peMagic != ntSignature {
		return nil, fmt.Errorf("%w: NT signature %q", ErrInvalidBinary, peMagic[:])
	}

	fileHeaderOffset := int64(e_lfanew) + sizeIMAGE_NT_SIGNATURE
	fileHeader, err := readStruct[dpe.FileHeader](r, fileHeaderOffset)
	if err != nil {
		return nil, fmt.Errorf("file header: %w", err)
	}

	optionalHeaderOffset := fileHeaderOffset + sizeIMAGE_FILE_HEADER
	ohr := io.NewSectionReader(r, optionalHeaderOffset, int64(fileHeader.SizeOfOptionalHeader))
	optionalHeader, err := loadOptionalHeader(ohr)
	if err != nil {
		return nil, fmt.Errorf("optional header: %w", err)
	}

	sectionTableOffset := optionalHeaderOffset + int64(fileHeader.SizeOfOptionalHeader)
	sections, err := readStructArray[SectionHeader](r, sectionTableOffset, int(fileHeader.NumberOfSections))
	if err != nil {
		return nil, fmt.Errorf("section table: %w", err)
	}

	nfo := &PEInfo{
		r:              r,
		rva:            &rvaReader{r: r, sections: sections, policy: o.rvaPolicy},
		dosHeader:      dosHeader,
		fileHeader:     fileHeader,
		optionalHeader: optionalHeader,
		sections:       sections,
	}

	if dde, ok := nfo.presentDirectory(IMAGE_DIRECTORY_ENTRY_IMPORT); ok {
		if nfo.imports, err = loadImports(nfo.rva, dde, optionalHeader.PointerSize()); err != nil {
			return nil, err
		}
	}

	if dde, ok := nfo.presentDirectory(IMAGE_DIRECTORY_ENTRY_EXPORT); ok {
		if nfo.exports, err = loadExports(nfo.rva, dde); err != nil {
			return nil, err
		}
	}

	return nfo, nil
}

// DOSHeader returns nfo's DOS header.
func (nfo *PEInfo) DOSHeader() *DOSHeader {
	return nfo.dosHeader
}

// FileHeader returns nfo's COFF file header.
func (nfo *PEInfo) FileHeader() *dpe.FileHeader {
	return nfo.fileHeader
}

// OptionalHeader returns nfo's optional header.
func (nfo *PEInfo) OptionalHeader() *OptionalHeader {
	return nfo.optionalHeader
}

// Sections returns nfo's section table, in file order.
func (nfo *PEInfo) Sections() []SectionHeader {
	return nfo.sections
}

// Imports returns the DLLs imported by nfo together with their imported
// symbols, in import table order.
func (nfo *PEInfo) Imports() []Import {
	return nfo.imports
}

// ImportedLibraries returns the names of the DLLs imported by nfo, exactly as
// they are spelled in the import table.
func (nfo *PEInfo) ImportedLibraries() []string {
	result := make([]string, 0, len(nfo.imports))
	for _, imp := range nfo.imports {
		result = append(result, imp.DLLName)
	}
	return result
}

// Exports returns nfo's export table, or nil when it has none.
func (nfo *PEInfo) Exports() *Exports {
	return nfo.exports
}

// DataDirectory returns the valid entries of nfo's data directory.
func (nfo *PEInfo) DataDirectory() []dpe.DataDirectory {
	return nfo.optionalHeader.DataDirectory()
}

func (nfo *PEInfo) presentDirectory(idx int) (dpe.DataDirectory, bool) {
	dd := nfo.DataDirectory()
	if idx >= len(dd) {
		return dpe.DataDirectory{}, false
	}
	dde := dd[idx]
	return dde, dde.VirtualAddress != 0 && dde.Size != 0
}

// ReadAtRVA reads len(p) bytes from the image at relative virtual address
// rva. It follows the io.ReaderAt contract.
func (nfo *PEInfo) ReadAtRVA(p []byte, rva uint32) (int, error) {
	return nfo.rva.ReadAt(p, int64(rva))
}

// RVAReader returns an io.ReaderAt whose offsets are relative virtual
// addresses within nfo.
func (nfo *PEInfo) RVAReader() io.ReaderAt {
	return nfo.rva
}

// RVAToFileOffset translates rva to an offset within the file. Only
// addresses backed by raw section data have a file offset.
func (nfo *PEInfo) RVAToFileOffset(rva uint32) (int64, error) {
	return nfo.rva.offset(rva)
}

// DataDirectoryEntry returns information from nfo's data directory at index idx.
// idx must be one of the IMAGE_DIRECTORY_ENTRY_* constants in the debug/pe package.
// The type of the return value depends on the value of idx. Most values for idx
// return the debug/pe.DataDirectory entry itself, however the following idx
// values, when present, return more sophisticated information:
//
// IMAGE_DIRECTORY_ENTRY_EXPORT returns *Exports;
// IMAGE_DIRECTORY_ENTRY_IMPORT returns []Import;
// IMAGE_DIRECTORY_ENTRY_SECURITY returns []AuthenticodeCert;
// IMAGE_DIRECTORY_ENTRY_DEBUG returns []IMAGE_DEBUG_DIRECTORY
func (nfo *PEInfo) DataDirectoryEntry(idx int) (any, error) {
	dd := nfo.DataDirectory()
	if idx < 0 || idx >= len(dd) {
		return nil, ErrIndexOutOfRange
	}

	dde := dd[idx]
	if dde.VirtualAddress == 0 || dde.Size == 0 {
		return nil, ErrNotPresent
	}

	switch idx {
	case IMAGE_DIRECTORY_ENTRY_EXPORT:
		return nfo.exports, nil
	case IMAGE_DIRECTORY_ENTRY_IMPORT:
		return nfo.imports, nil
	case IMAGE_DIRECTORY_ENTRY_SECURITY:
		return nfo.extractAuthenticode(dde)
	case IMAGE_DIRECTORY_ENTRY_DEBUG:
		return nfo.extractDebugInfo(dde)
	default:
		return dde, nil
	}
}
