// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !windows

package pe

import "errors"

// VersionInfo is the version resource of a binary on disk. It can only be
// read on Windows.
type VersionInfo struct{}

// NewVersionInfo always fails with errors.ErrUnsupported on this platform.
func NewVersionInfo(path string) (*VersionInfo, error) {
	return nil, errors.ErrUnsupported
}

func (vi *VersionInfo) VersionNumber() VersionNumber {
	return VersionNumber{}
}

func (vi *VersionInfo) ProductVersion() VersionNumber {
	return VersionNumber{}
}

// Field always fails with errors.ErrUnsupported on this platform.
func (vi *VersionInfo) Field(key string) (string, error) {
	return "", errors.ErrUnsupported
}
