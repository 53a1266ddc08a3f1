// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

const sizeIMAGE_IMPORT_DESCRIPTOR = 20

// ImportDescriptor is IMAGE_IMPORT_DESCRIPTOR.
type ImportDescriptor struct {
	OriginalFirstThunk uint32 // RVA of the import lookup table
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32 // RVA of the DLL name
	FirstThunk         uint32 // RVA of the import address table
}

func (d *ImportDescriptor) isZero() bool {
	return *d == ImportDescriptor{}
}

// ImportEntry is one entry of an import name table. It is either an
// ImportByName or an ImportByOrdinal.
type ImportEntry interface {
	fmt.Stringer
	isImportEntry()
}

// ImportByName is a symbol imported by name, with a hint into the exporting
// DLL's name table.
type ImportByName struct {
	Hint uint16
	Name string
}

func (ImportByName) isImportEntry() {}

func (e ImportByName) String() string {
	return e.Name
}

// ImportByOrdinal is a symbol imported by ordinal.
type ImportByOrdinal struct {
	Ordinal uint16
}

func (ImportByOrdinal) isImportEntry() {}

func (e ImportByOrdinal) String() string {
	return fmt.Sprintf("#%d", e.Ordinal)
}

// Import describes everything imported from one DLL.
type Import struct {
	DLLName    string
	Descriptor ImportDescriptor
	Entries    []ImportEntry
}

// loadImports walks the import descriptor table described by dde. It stops at
// the all-zero terminator, or once dde.Size bytes have been consumed if the
// terminator is missing.
func loadImports(r io.ReaderAt, dde dpe.DataDirectory, ptrSize int) ([]Import, error) {
	capacity := dde.Size / sizeIMAGE_IMPORT_DESCRIPTOR

	var result []Import
	for i := uint32(0); i < capacity; i++ {
		rva := int64(dde.VirtualAddress) + int64(i)*sizeIMAGE_IMPORT_DESCRIPTOR
		desc, err := readStruct[ImportDescriptor](r, rva)
		if err != nil {
			return nil, fmt.Errorf("import descriptor %d: %w", i, err)
		}
		if desc.isZero() {
			break
		}

		name, err := readCString(r, desc.Name)
		if err != nil {
			return nil, fmt.Errorf("import descriptor %d name: %w", i, err)
		}

		// Some linkers omit the lookup table; the unbound IAT then carries the
		// same contents.
		thunks := desc.OriginalFirstThunk
		if thunks == 0 {
			thunks = desc.FirstThunk
		}

		entries, err := loadImportNameTable(r, thunks, ptrSize)
		if err != nil {
			return nil, fmt.Errorf("imports from %q: %w", name, err)
		}

		result = append(result, Import{DLLName: name, Descriptor: *desc, Entries: entries})
	}

	return result, nil
}

// loadImportNameTable reads pointer-sized thunks starting at rva until a zero
// thunk. A set top bit marks an ordinal import; otherwise the low 31 bits are
// the RVA of an IMAGE_IMPORT_BY_NAME.
func loadImportNameTable(r io.ReaderAt, rva uint32, ptrSize int) ([]ImportEntry, error) {
	if rva == 0 {
		return nil, nil
	}

	var result []ImportEntry
	buf := make([]byte, ptrSize)
	for off := int64(rva); ; off += int64(ptrSize) {
		if err := readFull(r, buf, off); err != nil {
			return nil, err
		}

		var thunk uint64
		var ordinalFlag uint64
		if ptrSize == 8 {
			thunk = binary.LittleEndian.Uint64(buf)
			ordinalFlag = 1 << 63
		} else {
			thunk = uint64(binary.LittleEndian.Uint32(buf))
			ordinalFlag = 1 << 31
		}
		if thunk == 0 {
			return result, nil
		}

		if thunk&ordinalFlag != 0 {
			result = append(result, ImportByOrdinal{Ordinal: uint16(thunk)})
			continue
		}

		hintNameRVA := int64(thunk & 0x7FFFFFFF)
		hint, err := readStruct[uint16](r, hintNameRVA)
		if err != nil {
			return nil, err
		}
		name, err := readCString(r, hintNameRVA+2)
		if err != nil {
			return nil, err
		}
		result = append(result, ImportByName{Hint: *hint, Name: name})
	}
}
