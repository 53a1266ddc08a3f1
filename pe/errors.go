// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"errors"
)

var (
	ErrBadLength       = errors.New("effective length did not match expected length")
	ErrNotCodeView     = errors.New("debug info is not CodeView")
	ErrNotPresent      = errors.New("not present in this PE image")
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrInvalidBinary is returned when a magic value or signature does not
	// match, or when a structure's contents are nonsensical.
	ErrInvalidBinary = errors.New("invalid PE binary")
	// ErrTruncated is returned when the image ends before a structure that
	// it declares.
	ErrTruncated = errors.New("truncated read")
	// ErrInvalidRVA is returned for relative virtual addresses that are not
	// backed by any section.
	ErrInvalidRVA = errors.New("RVA not covered by any section")
)
