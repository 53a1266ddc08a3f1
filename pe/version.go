// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import "fmt"

// VersionNumber is a four-part Windows file version.
type VersionNumber struct {
	Major uint16
	Minor uint16
	Patch uint16
	Build uint16
}

func (vn VersionNumber) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", vn.Major, vn.Minor, vn.Patch, vn.Build)
}

// CompanyName returns the CompanyName string from vi.
func (vi *VersionInfo) CompanyName() (string, error) {
	return vi.Field("CompanyName")
}

// FileDescription returns the FileDescription string from vi.
func (vi *VersionInfo) FileDescription() (string, error) {
	return vi.Field("FileDescription")
}
