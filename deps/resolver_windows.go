// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build windows

package deps

import (
	"strings"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const knownDLLsKey = `SYSTEM\CurrentControlSet\Control\Session Manager\KnownDLLs`

// KnownDLLs returns an AllowList of the DLLs that the Session Manager maps at
// boot. The OS loader always uses those copies, so they are never searched for.
func KnownDLLs() (PathResolver, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, knownDLLsKey, registry.QUERY_VALUE)
	if err != nil {
		return nil, err
	}
	defer k.Close()

	valueNames, err := k.ReadValueNames(0)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, vn := range valueNames {
		// DllDirectory and DllDirectory32 hold paths, not DLL names.
		if strings.HasPrefix(strings.ToLower(vn), "dlldirectory") {
			continue
		}
		v, _, err := k.GetStringValue(vn)
		if err != nil {
			continue
		}
		names = append(names, v)
	}

	return AllowList(names...), nil
}

// SystemDirectories returns a SearchPath over the system directory followed
// by the Windows directory.
func SystemDirectories() (PathResolver, error) {
	sysDir, err := windows.GetSystemDirectory()
	if err != nil {
		return nil, err
	}
	winDir, err := windows.GetWindowsDirectory()
	if err != nil {
		return nil, err
	}
	return SearchPath(sysDir, winDir), nil
}
