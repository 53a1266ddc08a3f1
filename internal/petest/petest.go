// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package petest builds small, byte-exact PE32 and PE32+ images for tests.
package petest

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const (
	// OffsetNTHeaders is where every built image places "PE\0\0".
	OffsetNTHeaders = 0x40
	// OffsetFileHeader is the offset of the COFF file header.
	OffsetFileHeader = OffsetNTHeaders + 4
	// OffsetOptionalHeader is the offset of the optional header.
	OffsetOptionalHeader = OffsetFileHeader + 20

	// DataRVA is the virtual address of the first section, which holds the
	// import and export tables.
	DataRVA = 0x1000
	// DataFileOffset is the file offset of the first section's raw data.
	DataFileOffset = 0x200

	fileAlignment    = 0x200
	sectionAlignment = 0x1000

	sizeOptionalHeader32 = 224
	sizeOptionalHeader64 = 240
	sizeSectionHeader    = 40
	sizeImportDescriptor = 20
	sizeExportDirectory  = 40
)

// Import describes one DLL imported by an Image.
type Import struct {
	DLL      string
	Names    []string
	Ordinals []uint16
}

// Export describes one exported symbol. When Forwarder is set the export is
// forwarded and has no code. Aliases are further names for the same function,
// placed in the name table right after Name.
type Export struct {
	Name      string
	Aliases   []string
	Forwarder string
}

// Section is an additional section appended after the data section.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	Data           []byte
}

// Image describes a PE image to build.
type Image struct {
	PE32Plus bool
	// NumberOfRvaAndSizes defaults to 16 when nil.
	NumberOfRvaAndSizes *uint32
	Imports             []Import
	// ExportName is the DLL name recorded in the export directory. Exports
	// are only emitted when Exports is non-empty.
	ExportName string
	Exports    []Export
	// ExtraVirtualSize is added to the data section's VirtualSize beyond its
	// raw contents.
	ExtraVirtualSize uint32
	// OmitImportTerminator leaves out the all-zero import descriptor; the
	// import directory size then covers exactly the real descriptors.
	OmitImportTerminator bool
	Sections             []Section
	// Payload, if set, is placed in the data section and its RVA returned
	// by Layout.PayloadRVA.
	Payload []byte
}

// Layout reports where Build placed things.
type Layout struct {
	DataRawSize uint32
	PayloadRVA  uint32
}

func (img *Image) ptrSize() int {
	if img.PE32Plus {
		return 8
	}
	return 4
}

// buildData lays out the data section starting at DataRVA and returns its
// contents with the import and export directory entries.
func (img *Image) buildData() (data []byte, importDir, exportDir dpe.DataDirectory, payloadRVA uint32) {
	le := binary.LittleEndian
	rva := func(off int) uint32 { return DataRVA + uint32(off) }
	pad2 := func() {
		if len(data)%2 != 0 {
			data = append(data, 0)
		}
	}
	ptr := img.ptrSize()
	putPtr := func(off int, v uint64) {
		if ptr == 8 {
			le.PutUint64(data[off:], v)
		} else {
			le.PutUint32(data[off:], uint32(v))
		}
	}

	if len(img.Imports) > 0 {
		count := len(img.Imports)
		if !img.OmitImportTerminator {
			count++
		}
		data = make([]byte, count*sizeImportDescriptor)
		importDir = dpe.DataDirectory{VirtualAddress: DataRVA, Size: uint32(len(data))}

		for i, imp := range img.Imports {
			entries := len(imp.Names) + len(imp.Ordinals)
			iltOff := len(data)
			data = append(data, make([]byte, (entries+1)*ptr)...)
			iatOff := len(data)
			data = append(data, make([]byte, (entries+1)*ptr)...)

			nameOff := len(data)
			data = append(data, imp.DLL...)
			data = append(data, 0)
			pad2()

			for j, name := range imp.Names {
				hintOff := len(data)
				data = le.AppendUint16(data, uint16(j))
				data = append(data, name...)
				data = append(data, 0)
				pad2()
				putPtr(iltOff+j*ptr, uint64(rva(hintOff)))
				putPtr(iatOff+j*ptr, uint64(rva(hintOff)))
			}
			for j, ord := range imp.Ordinals {
				v := uint64(ord) | 1<<31
				if ptr == 8 {
					v = uint64(ord) | 1<<63
				}
				k := len(imp.Names) + j
				putPtr(iltOff+k*ptr, v)
				putPtr(iatOff+k*ptr, v)
			}

			desc := i * sizeImportDescriptor
			le.PutUint32(data[desc:], rva(iltOff))
			le.PutUint32(data[desc+12:], rva(nameOff))
			le.PutUint32(data[desc+16:], rva(iatOff))
		}
	}

	if len(img.Exports) > 0 {
		for len(data)%4 != 0 {
			data = append(data, 0)
		}
		dirOff := len(data)
		n := len(img.Exports)
		nNames := n
		for _, exp := range img.Exports {
			nNames += len(exp.Aliases)
		}
		data = append(data, make([]byte, sizeExportDirectory)...)
		funcsOff := len(data)
		data = append(data, make([]byte, 4*n)...)
		namesOff := len(data)
		data = append(data, make([]byte, 4*nNames)...)
		ordsOff := len(data)
		data = append(data, make([]byte, 2*nNames)...)

		dllNameOff := len(data)
		data = append(data, img.ExportName...)
		data = append(data, 0)

		nameIdx := 0
		addName := func(name string, fn int) {
			nameOff := len(data)
			data = append(data, name...)
			data = append(data, 0)
			le.PutUint32(data[namesOff+4*nameIdx:], rva(nameOff))
			le.PutUint16(data[ordsOff+2*nameIdx:], uint16(fn))
			nameIdx++
		}
		for i, exp := range img.Exports {
			addName(exp.Name, i)
			for _, alias := range exp.Aliases {
				addName(alias, i)
			}
			if exp.Forwarder != "" {
				fwdOff := len(data)
				data = append(data, exp.Forwarder...)
				data = append(data, 0)
				le.PutUint32(data[funcsOff+4*i:], rva(fwdOff))
			}
		}
		exportDir = dpe.DataDirectory{VirtualAddress: rva(dirOff), Size: uint32(len(data) - dirOff)}

		// Code addresses live outside the export directory range, past the
		// section's raw data.
		for i, exp := range img.Exports {
			if exp.Forwarder == "" {
				le.PutUint32(data[funcsOff+4*i:], 0x8000+uint32(i)*0x10)
			}
		}

		le.PutUint32(data[dirOff+12:], rva(dllNameOff)) // Name
		le.PutUint32(data[dirOff+16:], 1)               // Base
		le.PutUint32(data[dirOff+20:], uint32(n))       // NumberOfFunctions
		le.PutUint32(data[dirOff+24:], uint32(nNames))  // NumberOfNames
		le.PutUint32(data[dirOff+28:], rva(funcsOff))   // AddressOfFunctions
		le.PutUint32(data[dirOff+32:], rva(namesOff))   // AddressOfNames
		le.PutUint32(data[dirOff+36:], rva(ordsOff))    // AddressOfNameOrdinals
	}

	if len(img.Payload) > 0 {
		payloadRVA = rva(len(data))
		data = append(data, img.Payload...)
	}

	if len(data) == 0 {
		data = make([]byte, 1)
	}
	return data, importDir, exportDir, payloadRVA
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// Build returns the bytes of img.
func (img *Image) Build() ([]byte, Layout) {
	data, importDir, exportDir, payloadRVA := img.buildData()
	rawSize := alignUp(uint32(len(data)), fileAlignment)

	sections := []dpe.SectionHeader32{{
		VirtualSize:      uint32(len(data)) + img.ExtraVirtualSize,
		VirtualAddress:   DataRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: DataFileOffset,
		Characteristics:  dpe.IMAGE_SCN_CNT_INITIALIZED_DATA | dpe.IMAGE_SCN_MEM_READ,
	}}
	copy(sections[0].Name[:], ".rdata")

	nextRaw := DataFileOffset + rawSize
	nextVA := alignUp(DataRVA+sections[0].VirtualSize, sectionAlignment)
	var extraRaw [][]byte
	for _, s := range img.Sections {
		raw := alignUp(uint32(len(s.Data)), fileAlignment)
		va := s.VirtualAddress
		if va == 0 {
			va = nextVA
		}
		vs := s.VirtualSize
		if vs == 0 {
			vs = uint32(len(s.Data))
		}
		hdr := dpe.SectionHeader32{
			VirtualSize:      vs,
			VirtualAddress:   va,
			SizeOfRawData:    raw,
			PointerToRawData: nextRaw,
			Characteristics:  dpe.IMAGE_SCN_CNT_INITIALIZED_DATA | dpe.IMAGE_SCN_MEM_READ,
		}
		copy(hdr.Name[:], s.Name)
		sections = append(sections, hdr)
		padded := make([]byte, raw)
		copy(padded, s.Data)
		extraRaw = append(extraRaw, padded)
		nextRaw += raw
		if end := alignUp(va+vs, sectionAlignment); end > nextVA {
			nextVA = end
		}
	}

	numDirs := uint32(16)
	if img.NumberOfRvaAndSizes != nil {
		numDirs = *img.NumberOfRvaAndSizes
	}
	var dirs [16]dpe.DataDirectory
	dirs[dpe.IMAGE_DIRECTORY_ENTRY_IMPORT] = importDir
	dirs[dpe.IMAGE_DIRECTORY_ENTRY_EXPORT] = exportDir
	if numDirs < 16 {
		clear(dirs[numDirs:])
	}

	var buf bytes.Buffer
	must(binary.Write(&buf, binary.LittleEndian, uint16(0x5A4D)), "writing DOS magic")
	buf.Write(make([]byte, 58))
	must(binary.Write(&buf, binary.LittleEndian, int32(OffsetNTHeaders)), "writing e_lfanew")
	buf.WriteString("PE\x00\x00")

	fh := dpe.FileHeader{
		Machine:              dpe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: sizeOptionalHeader32,
		Characteristics:      dpe.IMAGE_FILE_EXECUTABLE_IMAGE | dpe.IMAGE_FILE_32BIT_MACHINE,
	}
	if img.PE32Plus {
		fh.Machine = dpe.IMAGE_FILE_MACHINE_AMD64
		fh.SizeOfOptionalHeader = sizeOptionalHeader64
		fh.Characteristics = dpe.IMAGE_FILE_EXECUTABLE_IMAGE | dpe.IMAGE_FILE_LARGE_ADDRESS_AWARE
	}
	must(binary.Write(&buf, binary.LittleEndian, fh), "writing file header")

	if img.PE32Plus {
		must(binary.Write(&buf, binary.LittleEndian, dpe.OptionalHeader64{
			Magic:               0x20B,
			ImageBase:           0x140000000,
			SectionAlignment:    sectionAlignment,
			FileAlignment:       fileAlignment,
			SizeOfImage:         nextVA,
			SizeOfHeaders:       DataFileOffset,
			Subsystem:           dpe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes: numDirs,
			DataDirectory:       dirs,
		}), "writing PE32+ optional header")
	} else {
		must(binary.Write(&buf, binary.LittleEndian, dpe.OptionalHeader32{
			Magic:               0x10B,
			ImageBase:           0x400000,
			SectionAlignment:    sectionAlignment,
			FileAlignment:       fileAlignment,
			SizeOfImage:         nextVA,
			SizeOfHeaders:       DataFileOffset,
			Subsystem:           dpe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes: numDirs,
			DataDirectory:       dirs,
		}), "writing PE32 optional header")
	}

	must(binary.Write(&buf, binary.LittleEndian, sections), "writing section table")
	if buf.Len() > DataFileOffset {
		panic(fmt.Sprintf("petest: headers are %d bytes, more than fit before 0x%X", buf.Len(), DataFileOffset))
	}
	buf.Write(make([]byte, DataFileOffset-buf.Len()))

	padded := make([]byte, rawSize)
	copy(padded, data)
	buf.Write(padded)
	for _, raw := range extraRaw {
		buf.Write(raw)
	}

	return buf.Bytes(), Layout{DataRawSize: rawSize, PayloadRVA: payloadRVA}
}

// Bytes is Build without the layout.
func (img *Image) Bytes() []byte {
	b, _ := img.Build()
	return b
}

// WriteFile builds img into dir/name and returns the full path.
func (img *Image) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, img.Bytes(), 0o644); err != nil {
		t.Fatalf("writing %q: %v", path, err)
	}
	return path
}

// Uint32 returns a pointer to v, for Image.NumberOfRvaAndSizes.
func Uint32(v uint32) *uint32 {
	return &v
}

func must(err error, what string) {
	if err != nil {
		panic(fmt.Sprintf("petest: %s: %v", what, err))
	}
}
