// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// maxStringLen bounds NUL-terminated strings (DLL and symbol names).
const maxStringLen = 4096

// readChunkSize is the most readSized allocates ahead of the data it has
// actually read.
const readChunkSize = 64 << 10

// readFull reads exactly len(p) bytes from r at off. Running out of data is
// reported as ErrTruncated; other failures of r are wrapped and returned.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	if off < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidBinary, off)
	}

	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: want %d bytes at 0x%X, got %d", ErrTruncated, len(p), off, n)
	}
	return fmt.Errorf("reading %d bytes at 0x%X: %w", len(p), off, err)
}

// readStruct loads a fixed-size little-endian T from r at off. It never
// returns a partially populated value.
func readStruct[T any, O constraints.Integer](r io.ReaderAt, off O) (*T, error) {
	result := new(T)
	buf := make([]byte, binary.Size(result))
	if err := readFull(r, buf, int64(off)); err != nil {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, result); err != nil {
		return nil, err
	}
	return result, nil
}

// readStructArray loads count contiguous Ts from r at off.
func readStructArray[T any, O constraints.Integer](r io.ReaderAt, off O, count int) ([]T, error) {
	if count < 0 {
		return nil, ErrIndexOutOfRange
	}
	if count == 0 {
		return nil, nil
	}

	size := int64(binary.Size(new(T))) * int64(count)
	buf, err := readSized(r, int64(off), size)
	if err != nil {
		return nil, err
	}
	result := make([]T, count)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, result); err != nil {
		return nil, err
	}
	return result, nil
}

// readSized reads exactly n bytes from r at off. Counts and sizes taken from
// the binary are untrusted, so the buffer grows one chunk at a time and a
// short source fails with ErrTruncated before n bytes are ever allocated.
func readSized(r io.ReaderAt, off, n int64) ([]byte, error) {
	if n <= readChunkSize {
		buf := make([]byte, n)
		return buf, readFull(r, buf, off)
	}

	var buf []byte
	for int64(len(buf)) < n {
		start := len(buf)
		buf = append(buf, make([]byte, min(n-int64(start), readChunkSize))...)
		if err := readFull(r, buf[start:], off+int64(start)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// readCString reads a NUL-terminated string from r at off.
func readCString[O constraints.Integer](r io.ReaderAt, off O) (string, error) {
	start := int64(off)
	var result []byte
	var chunk [64]byte
	for len(result) < maxStringLen {
		n, err := r.ReadAt(chunk[:], start+int64(len(result)))
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			return string(append(result, chunk[:i]...)), nil
		}
		result = append(result, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: unterminated string at 0x%X", ErrTruncated, start)
			}
			return "", fmt.Errorf("reading string at 0x%X: %w", start, err)
		}
		if n == 0 {
			return "", fmt.Errorf("%w: unterminated string at 0x%X", ErrTruncated, start)
		}
	}

	return "", fmt.Errorf("%w: string at 0x%X exceeds %d bytes", ErrInvalidBinary, start, maxStringLen)
}

func alignUp[V constraints.Integer](v V, powerOfTwo V) V {
	if v < 0 || powerOfTwo < 0 || bits.OnesCount(uint(powerOfTwo)) != 1 {
		panic("invalid arguments to alignUp")
	}
	return v + ((-v) & (powerOfTwo - 1))
}
