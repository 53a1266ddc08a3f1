// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dblohm7/pedeps/deps"
	"github.com/dblohm7/pedeps/internal/petest"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

func importing(dlls ...string) *petest.Image {
	img := &petest.Image{}
	for _, dll := range dlls {
		img.Imports = append(img.Imports, petest.Import{DLL: dll, Names: []string{"Entry"}})
	}
	return img
}

func TestPrintTree(t *testing.T) {
	dir := t.TempDir()
	root := importing("a.dll", "b.dll", "KERNEL32.dll", "missing.dll").WriteFile(t, dir, "app.exe")
	aPath := importing("shared.dll").WriteFile(t, dir, "a.dll")
	importing("shared.dll", "missing.dll").WriteFile(t, dir, "b.dll")
	sharedPath := importing().WriteFile(t, dir, "shared.dll")

	l := deps.NewLoader(deps.WithResolvers(deps.AllowList("kernel32.dll"), deps.SearchPath(dir)))
	defer l.Close()
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var buf bytes.Buffer
	p := &printer{w: &buf, styles: newStyles(&buf, false)}
	p.printTree(l)
	p.printNotFound(l)

	want := strings.Join([]string{
		"app.exe " + root,
		"  a.dll " + aPath,
		"    shared.dll " + sharedPath,
		"  b.dll " + filepath.Join(dir, "b.dll"),
		"    shared.dll (see above)",
		"    missing.dll [not found]",
		"  kernel32.dll [known]",
		"  missing.dll (see above)",
		"",
		"1 unresolved:",
		"  missing.dll imported by app.exe, b.dll",
		"",
	}, "\n")
	if got := buf.String(); got != want {
		t.Errorf("output got:\n%s\nwant:\n%s", got, want)
	}
}

func TestPrintNothingUnresolved(t *testing.T) {
	dir := t.TempDir()
	root := importing().WriteFile(t, dir, "app.exe")

	l := deps.NewLoader()
	defer l.Close()
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var buf bytes.Buffer
	p := &printer{w: &buf, styles: newStyles(&buf, false)}
	p.printNotFound(l)
	if buf.Len() != 0 {
		t.Errorf("got output %q, want none", buf.String())
	}
}

type wantColorTestCase struct {
	mode       string
	isTerminal bool
	want       bool
	wantErr    bool
}

var wantColorTestCases = []wantColorTestCase{
	{"auto", true, true, false},
	{"auto", false, false, false},
	{"always", false, true, false},
	{"never", true, false, false},
	{"sometimes", true, false, true},
}

func TestWantColor(t *testing.T) {
	for _, c := range wantColorTestCases {
		got, err := wantColor(c.mode, c.isTerminal)
		if (err != nil) != c.wantErr {
			t.Errorf("wantColor(%q, %v) error got %v, want error %v", c.mode, c.isTerminal, err, c.wantErr)
			continue
		}
		if got != c.want {
			t.Errorf("wantColor(%q, %v) got %v, want %v", c.mode, c.isTerminal, got, c.want)
		}
	}
}

func TestColorizedOutputHasEscapes(t *testing.T) {
	var buf bytes.Buffer
	s := newStyles(&buf, true)
	if got := s.notFound.Render("x.dll"); !strings.Contains(got, "\x1b[") {
		t.Errorf("colorized render got %q, want ANSI escapes", got)
	}
}

func TestResolversSearchEveryRootDirectory(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	roots := []string{
		importing("first-helper.dll").WriteFile(t, first, "one.exe"),
		importing("second-helper.dll").WriteFile(t, second, "two.exe"),
	}
	importing().WriteFile(t, first, "first-helper.dll")
	importing().WriteFile(t, second, "second-helper.dll")

	if got, want := rootDirs(append(roots, filepath.Join(first, "three.exe"))), []string{first, second}; !slices.Equal(got, want) {
		t.Errorf("rootDirs got %v, want %v", got, want)
	}

	l := deps.NewLoader(deps.WithResolvers(resolvers(zap.NewNop(), roots)...))
	defer l.Close()
	for _, root := range roots {
		if err := l.Resolve(root); err != nil {
			t.Fatalf("Resolve(%q): %v", root, err)
		}
	}
	if got := l.UnresolvedCount(); got != 0 {
		l.ForEachNotFound(func(name string, _ []*deps.Record) {
			t.Logf("unresolved: %s", name)
		})
		t.Errorf("UnresolvedCount got %d, want 0", got)
	}
}
