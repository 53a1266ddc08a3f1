// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package deps

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
)

// ErrUnsupportedPlatform is returned by resolver constructors that depend on
// facilities of another operating system.
var ErrUnsupportedPlatform = errors.New("not supported on this platform")

// ResultKind is the verdict of a PathResolver.
type ResultKind int

const (
	// NotFound means the resolver has no opinion; the next resolver in the
	// chain is consulted.
	NotFound ResultKind = iota
	// TrimGraph means the dependency is known to be present and must not be
	// recursed into.
	TrimGraph
	// ResolvedPath means the dependency was located at Result.Path.
	ResolvedPath
)

func (k ResultKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case TrimGraph:
		return "trim"
	case ResolvedPath:
		return "resolved"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is returned by a PathResolver. The zero Result means NotFound.
type Result struct {
	Kind ResultKind
	Path string // only set for ResolvedPath
}

// Found returns a ResolvedPath Result for path.
func Found(path string) Result {
	return Result{Kind: ResolvedPath, Path: path}
}

// Trim returns a TrimGraph Result.
func Trim() Result {
	return Result{Kind: TrimGraph}
}

// A PathResolver maps a normalized DLL name to a verdict. Loaders consult
// their resolvers in order until one returns something other than NotFound.
type PathResolver func(name string) Result

// Normalize returns the graph key for a DLL name. DLL names are compared
// case-insensitively.
func Normalize(name string) string {
	return strings.ToLower(name)
}

// AllowList returns a PathResolver that trims the graph at every name in
// names.
func AllowList(names ...string) PathResolver {
	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[Normalize(n)] = struct{}{}
	}

	return func(name string) Result {
		if _, ok := known[Normalize(name)]; ok {
			return Trim()
		}
		return Result{}
	}
}

var apiSetPrefixes = []string{"api-ms-win-", "ext-ms-"}

// APISets returns a PathResolver that trims the graph at API set contract
// names such as api-ms-win-core-file-l1-1-0.dll. These never exist as files;
// the OS loader redirects them to a host DLL.
func APISets() PathResolver {
	return func(name string) Result {
		name = Normalize(name)
		for _, p := range apiSetPrefixes {
			if strings.HasPrefix(name, p) {
				return Trim()
			}
		}
		return Result{}
	}
}

// SearchPath returns a PathResolver that looks for the DLL in each of dirs,
// in order. Matching is case-insensitive even on case-sensitive file systems.
func SearchPath(dirs ...string) PathResolver {
	dirs = slices.Clone(dirs)
	return func(name string) Result {
		// Only bare file names are searched for.
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\:`) {
			return Result{}
		}
		for _, dir := range dirs {
			if path, ok := findFile(dir, name); ok {
				return Found(path)
			}
		}
		return Result{}
	}
}

func findFile(dir, name string) (string, bool) {
	path := filepath.Join(dir, name)
	if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
		return path, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), name) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}
