// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"fmt"
	"io"
	"math"
)

// RVAPolicy controls how addresses between the end of a section's raw data
// and the end of its virtual size are treated.
type RVAPolicy int

const (
	// RVAStrict only maps addresses backed by raw data in the file. Anything
	// in a section's virtual padding fails with ErrInvalidRVA.
	RVAStrict RVAPolicy = iota
	// RVAZeroFill maps a section's virtual padding as zeros, the way the
	// loader would initialize it in memory.
	RVAZeroFill
)

func (p RVAPolicy) String() string {
	switch p {
	case RVAStrict:
		return "strict"
	case RVAZeroFill:
		return "zerofill"
	default:
		return fmt.Sprintf("RVAPolicy(%d)", int(p))
	}
}

// rvaReader is an io.ReaderAt whose offsets are RVAs. Reads are clipped to
// the containing section, so a read running off its end is short and
// returns io.EOF.
type rvaReader struct {
	r        io.ReaderAt
	sections []SectionHeader
	policy   RVAPolicy
}

// extent returns the number of addressable bytes in s under rr's policy.
func (rr *rvaReader) extent(s *SectionHeader) uint32 {
	if rr.policy == RVAZeroFill && s.VirtualSize > s.SizeOfRawData {
		return s.VirtualSize
	}
	return s.SizeOfRawData
}

// section returns the first section, in file order, containing rva.
func (rr *rvaReader) section(rva uint32) *SectionHeader {
	for i := range rr.sections {
		s := &rr.sections[i]
		if rva < s.VirtualAddress {
			continue
		}
		if uint64(rva) >= uint64(s.VirtualAddress)+uint64(rr.extent(s)) {
			continue
		}
		return s
	}

	return nil
}

// available returns how many bytes are addressable from rva to the end of its
// section, or zero when rva is not mapped.
func (rr *rvaReader) available(rva uint32) uint32 {
	s := rr.section(rva)
	if s == nil {
		return 0
	}
	return rr.extent(s) - (rva - s.VirtualAddress)
}

// offset translates rva to a file offset. The result is only meaningful for
// addresses backed by raw data.
func (rr *rvaReader) offset(rva uint32) (int64, error) {
	s := rr.section(rva)
	if s == nil || rva-s.VirtualAddress >= s.SizeOfRawData {
		return 0, fmt.Errorf("%w: 0x%08X", ErrInvalidRVA, rva)
	}
	return int64(s.PointerToRawData) + int64(rva-s.VirtualAddress), nil
}

func (rr *rvaReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxUint32 {
		return 0, fmt.Errorf("%w: 0x%X", ErrInvalidRVA, off)
	}

	rva := uint32(off)
	s := rr.section(rva)
	if s == nil {
		return 0, fmt.Errorf("%w: 0x%08X", ErrInvalidRVA, rva)
	}

	delta := rva - s.VirtualAddress
	want := p
	var eof error
	if avail := uint64(rr.extent(s) - delta); uint64(len(want)) > avail {
		want = want[:avail]
		eof = io.EOF
	}

	raw := want
	if delta >= s.SizeOfRawData {
		raw = nil
	} else if rawAvail := uint64(s.SizeOfRawData - delta); uint64(len(raw)) > rawAvail {
		raw = raw[:rawAvail]
	}

	if len(raw) > 0 {
		n, err := rr.r.ReadAt(raw, int64(s.PointerToRawData)+int64(delta))
		if n < len(raw) {
			if err == nil {
				err = io.EOF
			}
			return n, err
		}
	}

	clear(want[len(raw):])
	return len(want), eof
}
