// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	dpe "debug/pe"
	"fmt"
	"io"

	"golang.org/x/exp/slices"
)

// Ordinals are 16 bits wide, so no export table can meaningfully hold more.
const maxExports = 0x10000

// ExportDirectory is IMAGE_EXPORT_DIRECTORY.
type ExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// Export is one entry of the export address table. Name is the first name
// the name table gives the function, and is empty for ordinal-only exports.
// Aliases holds any further names for the same function, in name table
// order. Forwarder is set, and RVA points at the forwarder string, when the
// export is forwarded to another DLL ("OTHER.Symbol").
type Export struct {
	Ordinal   uint32
	RVA       uint32
	Name      string
	Aliases   []string
	Forwarder string
}

// Exports is a decoded export directory.
type Exports struct {
	DLLName   string
	Directory ExportDirectory
	Entries   []Export
}

// Lookup returns the export named name, matching aliases too.
func (e *Exports) Lookup(name string) (Export, bool) {
	for _, exp := range e.Entries {
		if exp.Name == name || slices.Contains(exp.Aliases, name) {
			return exp, true
		}
	}
	return Export{}, false
}

func loadExports(r io.ReaderAt, dde dpe.DataDirectory) (*Exports, error) {
	dir, err := readStruct[ExportDirectory](r, dde.VirtualAddress)
	if err != nil {
		return nil, fmt.Errorf("export directory: %w", err)
	}
	// Several names may share one function, so the two counts are bounded
	// independently.
	if dir.NumberOfFunctions > maxExports || dir.NumberOfNames > maxExports {
		return nil, fmt.Errorf("%w: %d functions, %d names", ErrInvalidBinary, dir.NumberOfFunctions, dir.NumberOfNames)
	}

	result := &Exports{Directory: *dir}
	if dir.Name != 0 {
		if result.DLLName, err = readCString(r, dir.Name); err != nil {
			return nil, fmt.Errorf("export DLL name: %w", err)
		}
	}

	funcs, err := readStructArray[uint32](r, dir.AddressOfFunctions, int(dir.NumberOfFunctions))
	if err != nil {
		return nil, fmt.Errorf("export address table: %w", err)
	}
	namePtrs, err := readStructArray[uint32](r, dir.AddressOfNames, int(dir.NumberOfNames))
	if err != nil {
		return nil, fmt.Errorf("export name pointers: %w", err)
	}
	nameOrds, err := readStructArray[uint16](r, dir.AddressOfNameOrdinals, int(dir.NumberOfNames))
	if err != nil {
		return nil, fmt.Errorf("export name ordinals: %w", err)
	}

	names := make(map[uint16][]string, len(namePtrs))
	for i, ptr := range namePtrs {
		idx := nameOrds[i]
		if uint32(idx) >= dir.NumberOfFunctions {
			return nil, fmt.Errorf("%w: export name %d refers to function %d", ErrInvalidBinary, i, idx)
		}
		name, err := readCString(r, ptr)
		if err != nil {
			return nil, fmt.Errorf("export name %d: %w", i, err)
		}
		names[idx] = append(names[idx], name)
	}

	dirEnd := uint64(dde.VirtualAddress) + uint64(dde.Size)
	for i, fnRVA := range funcs {
		// Unused slots in a sparse ordinal range.
		if fnRVA == 0 {
			continue
		}

		exp := Export{
			Ordinal: dir.Base + uint32(i),
			RVA:     fnRVA,
		}
		if fnNames := names[uint16(i)]; len(fnNames) > 0 {
			exp.Name = fnNames[0]
			if len(fnNames) > 1 {
				exp.Aliases = fnNames[1:]
			}
		}
		if fnRVA >= dde.VirtualAddress && uint64(fnRVA) < dirEnd {
			if exp.Forwarder, err = readCString(r, fnRVA); err != nil {
				return nil, fmt.Errorf("forwarder for export %d: %w", exp.Ordinal, err)
			}
		}
		result.Entries = append(result.Entries, exp)
	}

	return result, nil
}
