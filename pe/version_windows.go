// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var errFixedFileInfo = errors.New("malformed VS_FIXEDFILEINFO")

const fixedFileInfoSignature = 0xFEEF04BD

// translation is one entry of \VarFileInfo\Translation.
type translation struct {
	language uint16
	codePage uint16
}

func (t translation) stringTable() string {
	return fmt.Sprintf(`\StringFileInfo\%04x%04x\`, t.language, t.codePage)
}

// Tried before anything the resource lists itself, with code page 0.
var preferredTranslations = []translation{
	{language: 0x0409}, // en-US
	{language: 0},      // neutral
}

// VersionInfo is the version resource of a binary on disk, as read by the
// Windows version API.
type VersionInfo struct {
	block        []byte
	fixed        windows.VS_FIXEDFILEINFO
	translations []translation
}

// NewVersionInfo reads the version resource of the file at path. It returns
// ErrNotPresent when the file has none.
func NewVersionInfo(path string) (*VersionInfo, error) {
	size, err := windows.GetFileVersionInfoSize(path, nil)
	if err != nil {
		if isResourceMissing(err) {
			err = ErrNotPresent
		}
		return nil, fmt.Errorf("version info size of %q: %w", path, err)
	}

	vi := &VersionInfo{block: make([]byte, size)}
	if err := windows.GetFileVersionInfo(path, 0, size, unsafe.Pointer(&vi.block[0])); err != nil {
		return nil, fmt.Errorf("version info of %q: %w", path, err)
	}

	fixed, n, err := vi.query(`\`)
	if err != nil {
		return nil, err
	}
	if n < uint32(unsafe.Sizeof(vi.fixed)) {
		return nil, fmt.Errorf("%w: %d bytes", errFixedFileInfo, n)
	}
	vi.fixed = *(*windows.VS_FIXEDFILEINFO)(fixed)
	if vi.fixed.Signature != fixedFileInfoSignature {
		return nil, fmt.Errorf("%w: signature 0x%08X", errFixedFileInfo, vi.fixed.Signature)
	}

	vi.translations = append(vi.translations, preferredTranslations...)
	if ids, n, err := vi.query(`\VarFileInfo\Translation`); err == nil {
		listed := unsafe.Slice((*translation)(ids), n/uint32(unsafe.Sizeof(translation{})))
		vi.translations = append(vi.translations, listed...)
	}
	return vi, nil
}

func isResourceMissing(err error) bool {
	return errors.Is(err, windows.ERROR_RESOURCE_TYPE_NOT_FOUND) ||
		errors.Is(err, windows.ERROR_RESOURCE_DATA_NOT_FOUND)
}

// query looks up subBlock in vi's resource data, returning a pointer into it
// and the length of the value.
func (vi *VersionInfo) query(subBlock string) (unsafe.Pointer, uint32, error) {
	var value unsafe.Pointer
	var n uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&vi.block[0]), subBlock, unsafe.Pointer(&value), &n); err != nil {
		return nil, 0, err
	}
	return value, n, nil
}

func versionFromParts(ms, ls uint32) VersionNumber {
	return VersionNumber{
		Major: uint16(ms >> 16),
		Minor: uint16(ms),
		Patch: uint16(ls >> 16),
		Build: uint16(ls),
	}
}

// VersionNumber returns the file version from vi's fixed file info.
func (vi *VersionInfo) VersionNumber() VersionNumber {
	return versionFromParts(vi.fixed.FileVersionMS, vi.fixed.FileVersionLS)
}

// ProductVersion returns the product version from vi's fixed file info.
func (vi *VersionInfo) ProductVersion() VersionNumber {
	return versionFromParts(vi.fixed.ProductVersionMS, vi.fixed.ProductVersionLS)
}

// Field returns the string value named key, from the first string table
// that has it. A missing table and a missing key look the same to
// VerQueryValue, so any failure moves on to the next table.
func (vi *VersionInfo) Field(key string) (string, error) {
	for _, t := range vi.translations {
		if value, n, err := vi.query(t.stringTable() + key); err == nil {
			return windows.UTF16ToString(unsafe.Slice((*uint16)(value), n)), nil
		}
	}
	return "", fmt.Errorf("%w: version field %q", ErrNotPresent, key)
}
