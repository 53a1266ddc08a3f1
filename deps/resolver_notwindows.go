// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !windows

package deps

// KnownDLLs requires the Windows registry.
func KnownDLLs() (PathResolver, error) {
	return nil, ErrUnsupportedPlatform
}

// SystemDirectories requires Windows.
func SystemDirectories() (PathResolver, error) {
	return nil, ErrUnsupportedPlatform
}
