// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Command dumppe prints the headers and tables of a PE binary.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/dblohm7/pedeps/pe"
)

var dumpHeaders bool
var dumpSections bool
var dumpImports bool
var dumpExports bool
var dumpDebugInfo bool
var dumpAuthenticode bool
var zeroFill bool

func init() {
	flag.Usage = usage
	flag.BoolVar(&dumpHeaders, "headers", false, "dump essential headers")
	flag.BoolVar(&dumpSections, "sections", false, "dump section headers")
	flag.BoolVar(&dumpImports, "imports", false, "dump imported DLLs and symbols")
	flag.BoolVar(&dumpExports, "exports", false, "dump exported symbols")
	flag.BoolVar(&dumpDebugInfo, "debuginfo", false, "dump debug info")
	flag.BoolVar(&dumpAuthenticode, "certs", false, "dump authenticode certificates")
	flag.BoolVar(&zeroFill, "zerofill", false, "treat section addresses past the raw data as zero-filled")
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintln(flag.CommandLine.Output(), "  <filePath>\n\tpath to PE file")
}

func usageln(args ...any) {
	fmt.Fprintln(flag.CommandLine.Output(), args...)
	usage()
	os.Exit(2)
}

func main() {
	flag.Parse()
	filePath := flag.Arg(0)
	if filePath == "" {
		usageln("No file path provided")
	}

	policy := pe.RVAStrict
	if zeroFill {
		policy = pe.RVAZeroFill
	}

	pef, err := pe.NewPEFromFileName(filePath, pe.WithRVAPolicy(policy))
	if err != nil {
		log.Fatalf("error opening %q: %v\n", filePath, err)
	}
	defer pef.Close()

	w := os.Stdout
	if dumpHeaders {
		runDumpHeaders(w, pef)
	}
	if dumpSections {
		runDumpSections(w, pef)
	}
	if dumpImports {
		runDumpImports(w, pef)
	}
	if dumpExports {
		runDumpExports(w, pef)
	}
	if dumpDebugInfo {
		if err := runDumpDebugInfo(w, pef); err != nil {
			log.Fatalf("debug info: %v", err)
		}
	}
	if dumpAuthenticode {
		if err := runDumpAuthenticode(w, pef); err != nil {
			log.Fatalf("certificates: %v", err)
		}
	}
}

func runDumpHeaders(w io.Writer, pef *pe.PEInfo) {
	fh := pef.FileHeader()
	fmt.Fprintf(w, "FileHeader:\n\n")
	fmt.Fprintf(w, "  Machine:              0x%04X\n", fh.Machine)
	fmt.Fprintf(w, "  NumberOfSections:     %d\n", fh.NumberOfSections)
	fmt.Fprintf(w, "  TimeDateStamp:        0x%08X\n", fh.TimeDateStamp)
	fmt.Fprintf(w, "  SizeOfOptionalHeader: %d\n", fh.SizeOfOptionalHeader)
	fmt.Fprintf(w, "  Characteristics:      0x%04X\n\n", fh.Characteristics)

	oh := pef.OptionalHeader()
	fmt.Fprintf(w, "OptionalHeader:\n\n")
	fmt.Fprintf(w, "  Magic:               0x%03X (64-bit: %v)\n", oh.Magic, oh.Is64Bit())
	fmt.Fprintf(w, "  AddressOfEntryPoint: 0x%08X\n", oh.AddressOfEntryPoint())
	fmt.Fprintf(w, "  ImageBase:           0x%X\n", oh.ImageBase())
	fmt.Fprintf(w, "  SectionAlignment:    0x%X\n", oh.SectionAlignment())
	fmt.Fprintf(w, "  FileAlignment:       0x%X\n", oh.FileAlignment())
	fmt.Fprintf(w, "  SizeOfImage:         0x%X\n", oh.SizeOfImage())
	fmt.Fprintf(w, "  SizeOfHeaders:       0x%X\n", oh.SizeOfHeaders())
	fmt.Fprintf(w, "  Subsystem:           %d\n", oh.Subsystem())
	fmt.Fprintf(w, "  DllCharacteristics:  0x%04X\n", oh.DllCharacteristics())
	fmt.Fprintf(w, "  NumberOfRvaAndSizes: %d\n\n", oh.NumberOfRvaAndSizes())

	dd := pef.DataDirectory()
	fmt.Fprintf(w, "%d data directory entries:\n\n", len(dd))
	for i, dde := range dd {
		fmt.Fprintf(w, "  [%2d] RVA 0x%08X Size 0x%08X\n", i, dde.VirtualAddress, dde.Size)
	}
	fmt.Fprintln(w)
}

func runDumpSections(w io.Writer, pef *pe.PEInfo) {
	sections := pef.Sections()
	fmt.Fprintf(w, "%d sections:\n\n", len(sections))
	for i, sec := range sections {
		fmt.Fprintf(w, "Index %2d: %-8s VA 0x%08X VSize 0x%08X Raw 0x%08X RawSize 0x%08X Flags 0x%08X\n",
			i, sec.NameString(), sec.VirtualAddress, sec.VirtualSize, sec.PointerToRawData, sec.SizeOfRawData, sec.Characteristics)
	}
	fmt.Fprintln(w)
}

func runDumpImports(w io.Writer, pef *pe.PEInfo) {
	imports := pef.Imports()
	fmt.Fprintf(w, "%d imported DLLs:\n\n", len(imports))
	for _, imp := range imports {
		fmt.Fprintf(w, "%s\n", imp.DLLName)
		for _, e := range imp.Entries {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintln(w)
}

func runDumpExports(w io.Writer, pef *pe.PEInfo) {
	exports := pef.Exports()
	if exports == nil {
		fmt.Fprintf(w, "No exports\n\n")
		return
	}

	fmt.Fprintf(w, "%d exports from %s:\n\n", len(exports.Entries), exports.DLLName)
	for _, e := range exports.Entries {
		name := e.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(e.Aliases) > 0 {
			name += " (also " + strings.Join(e.Aliases, ", ") + ")"
		}
		if e.Forwarder != "" {
			fmt.Fprintf(w, "  %5d %s -> %s\n", e.Ordinal, name, e.Forwarder)
			continue
		}
		fmt.Fprintf(w, "  %5d %s @ 0x%08X\n", e.Ordinal, name, e.RVA)
	}
	fmt.Fprintln(w)
}

func runDumpDebugInfo(w io.Writer, pef *pe.PEInfo) error {
	dbgAny, err := pef.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_DEBUG)
	if errors.Is(err, pe.ErrNotPresent) {
		fmt.Fprintf(w, "No debug info\n\n")
		return nil
	}
	if err != nil {
		return err
	}

	dirs := dbgAny.([]pe.IMAGE_DEBUG_DIRECTORY)
	fmt.Fprintf(w, "%d debug directory entries:\n\n", len(dirs))
	for i, de := range dirs {
		fmt.Fprintf(w, "Index %2d: Type %d Size 0x%X\n", i, de.Type, de.SizeOfData)
		if de.Type != pe.IMAGE_DEBUG_TYPE_CODEVIEW {
			continue
		}
		cv, err := pef.ExtractCodeViewInfo(de)
		if err != nil {
			fmt.Fprintf(w, "  CodeView: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "  PDB:      %s\n  Symbols:  %s\n", cv.PDBPath, cv)
	}
	fmt.Fprintln(w)
	return nil
}

func runDumpAuthenticode(w io.Writer, pef *pe.PEInfo) error {
	certsAny, err := pef.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_SECURITY)
	if errors.Is(err, pe.ErrNotPresent) {
		fmt.Fprintf(w, "No certificates\n\n")
		return nil
	}
	if err != nil {
		return err
	}

	certs := certsAny.([]pe.AuthenticodeCert)
	fmt.Fprintf(w, "%d certificates:\n\n", len(certs))
	for i := range certs {
		c := &certs[i]
		fmt.Fprintf(w, "Index %2d: Revision 0x%04X Type 0x%04X Length %d\n", i, c.Revision(), c.Type(), len(c.Data()))
	}
	fmt.Fprintln(w)
	return nil
}
