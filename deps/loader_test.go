// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package deps

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dblohm7/pedeps/internal/petest"
	"github.com/dblohm7/pedeps/pe"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/exp/slices"
)

// importing returns an image that imports one function from each of dlls.
func importing(dlls ...string) *petest.Image {
	img := &petest.Image{PE32Plus: true}
	for _, dll := range dlls {
		img.Imports = append(img.Imports, petest.Import{DLL: dll, Names: []string{"Entry"}})
	}
	return img
}

func newTestLoader(t *testing.T, opts ...Option) *Loader {
	t.Helper()
	l := NewLoader(opts...)
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return l
}

func recordNames(recs []*Record) []string {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Name())
	}
	return names
}

func TestResolveTrimmed(t *testing.T) {
	dir := t.TempDir()
	root := importing("A.DLL").WriteFile(t, dir, "root.exe")

	l := newTestLoader(t, WithResolvers(AllowList("a.dll")))
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := l.UnresolvedCount(); got != 0 {
		t.Errorf("UnresolvedCount got %d, want 0", got)
	}
	rec, ok := l.Record("a.dll")
	if !ok {
		t.Fatal("no record for a.dll")
	}
	if rec.State() != StateKnown {
		t.Errorf("state got %v, want %v", rec.State(), StateKnown)
	}
	if rec.PE() != nil {
		t.Error("trimmed record has a decoded binary")
	}
	if got := len(l.Records()); got != 2 {
		t.Errorf("got %d records, want 2", got)
	}
}

func TestResolveNoResolvers(t *testing.T) {
	dir := t.TempDir()
	root := importing("A.DLL").WriteFile(t, dir, "root.exe")

	l := newTestLoader(t)
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := l.UnresolvedCount(); got != 1 {
		t.Errorf("UnresolvedCount got %d, want 1", got)
	}

	var calls int
	l.ForEachNotFound(func(name string, importers []*Record) {
		calls++
		if name != "a.dll" {
			t.Errorf("name got %q, want %q", name, "a.dll")
		}
		if len(importers) != 1 || importers[0] != l.Roots()[0] {
			t.Errorf("importers got %v, want the root", recordNames(importers))
		}
	})
	if calls != 1 {
		t.Errorf("ForEachNotFound called %d times, want 1", calls)
	}
}

func TestResolveSharedDependency(t *testing.T) {
	dir := t.TempDir()
	root := importing("A.DLL", "B.DLL").WriteFile(t, dir, "root.exe")
	importing("K.DLL").WriteFile(t, dir, "a.dll")
	importing("k.dll").WriteFile(t, dir, "b.dll")
	importing().WriteFile(t, dir, "K.dll")

	l := newTestLoader(t, WithResolvers(SearchPath(dir)))
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := []string{"root.exe", "a.dll", "b.dll", "k.dll"}
	if got := recordNames(l.Records()); !slices.Equal(got, want) {
		t.Errorf("records got %v, want %v", got, want)
	}

	k, _ := l.Record("K.DLL")
	if got := len(k.Importers()); got != 2 {
		t.Fatalf("k.dll has %d importers, want 2", got)
	}
	a, _ := l.Record("a.dll")
	b, _ := l.Record("b.dll")
	if a.References()[0].Target() != k || b.References()[0].Target() != k {
		t.Error("a.dll and b.dll do not share the k.dll record")
	}
	if k.State() != StateResolved || k.PE() == nil {
		t.Errorf("k.dll state got %v, want %v", k.State(), StateResolved)
	}
	if filepath.Base(k.Path()) != "K.dll" {
		t.Errorf("k.dll path got %q, want the on-disk spelling", k.Path())
	}
}

func TestResolveBreadthFirst(t *testing.T) {
	dir := t.TempDir()
	root := importing("a.dll", "b.dll").WriteFile(t, dir, "root.exe")
	importing("c.dll").WriteFile(t, dir, "a.dll")
	importing("d.dll").WriteFile(t, dir, "b.dll")
	importing().WriteFile(t, dir, "c.dll")
	importing().WriteFile(t, dir, "d.dll")

	l := newTestLoader(t, WithResolvers(SearchPath(dir)))
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := []string{"root.exe", "a.dll", "b.dll", "c.dll", "d.dll"}
	if got := recordNames(l.Records()); !slices.Equal(got, want) {
		t.Errorf("records got %v, want %v", got, want)
	}
}

func TestResolveCycle(t *testing.T) {
	dir := t.TempDir()
	root := importing("B.DLL").WriteFile(t, dir, "root.exe")
	importing("ROOT.EXE").WriteFile(t, dir, "b.dll")

	l := newTestLoader(t, WithResolvers(SearchPath(dir)))
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := len(l.Records()); got != 2 {
		t.Fatalf("got %d records, want 2", got)
	}
	r := l.Roots()[0]
	b, _ := l.Record("b.dll")
	if b.References()[0].Target() != r {
		t.Error("b.dll's import of root.exe does not point at the root record")
	}
	if got := len(r.Importers()); got != 1 {
		t.Errorf("root has %d importers, want 1", got)
	}
}

func TestResolveSelfImport(t *testing.T) {
	dir := t.TempDir()
	root := importing("Self.dll").WriteFile(t, dir, "self.dll")

	l := newTestLoader(t)
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := len(l.Records()); got != 1 {
		t.Fatalf("got %d records, want 1", got)
	}
	r := l.Roots()[0]
	if r.References()[0].Target() != r {
		t.Error("self import does not point back at its source")
	}
	if got := l.UnresolvedCount(); got != 0 {
		t.Errorf("UnresolvedCount got %d, want 0", got)
	}
}

func TestResolveDuplicateImports(t *testing.T) {
	dir := t.TempDir()
	root := importing("A.DLL", "a.dll").WriteFile(t, dir, "root.exe")

	l := newTestLoader(t, WithResolvers(APISets(), AllowList("a.dll")))
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	refs := l.Roots()[0].References()
	if len(refs) != 1 {
		t.Fatalf("got %d references, want 1", len(refs))
	}
	if refs[0].TargetName() != "a.dll" {
		t.Errorf("target name got %q, want %q", refs[0].TargetName(), "a.dll")
	}
	if got := len(refs[0].Target().Importers()); got != 1 {
		t.Errorf("a.dll has %d importers, want 1", got)
	}
}

func TestResolveUndecodableDependency(t *testing.T) {
	dir := t.TempDir()
	root := importing("bad.dll", "good.dll").WriteFile(t, dir, "root.exe")
	importing().WriteFile(t, dir, "good.dll")
	if err := os.WriteFile(filepath.Join(dir, "bad.dll"), []byte("not a PE"), 0o644); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	l := newTestLoader(t, WithResolvers(SearchPath(dir)), WithLogger(zap.New(core)))
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := l.UnresolvedCount(); got != 1 {
		t.Errorf("UnresolvedCount got %d, want 1", got)
	}
	bad, _ := l.Record("bad.dll")
	if bad.State() != StateNotFound {
		t.Errorf("bad.dll state got %v, want %v", bad.State(), StateNotFound)
	}
	if !errors.Is(bad.Err(), pe.ErrTruncated) {
		t.Errorf("bad.dll error got %v, want %v", bad.Err(), pe.ErrTruncated)
	}
	if bad.Path() == "" {
		t.Error("bad.dll has no path")
	}
	if good, _ := l.Record("good.dll"); good.State() != StateResolved {
		t.Errorf("good.dll state got %v, want %v", good.State(), StateResolved)
	}
	if got := logs.FilterField(zap.String("name", "bad.dll")).Len(); got != 1 {
		t.Errorf("got %d warnings about bad.dll, want 1", got)
	}
}

func TestResolveUndecodableRoot(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root.exe")
	if err := os.WriteFile(root, []byte("MZ"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := newTestLoader(t)
	err := l.Resolve(root)
	if !errors.Is(err, pe.ErrTruncated) {
		t.Errorf("Resolve got %v, want %v", err, pe.ErrTruncated)
	}
	if got := len(l.Records()); got != 0 {
		t.Errorf("got %d records after failed Resolve, want 0", got)
	}
}

func TestResolveMissingRootFile(t *testing.T) {
	l := newTestLoader(t)
	err := l.Resolve(filepath.Join(t.TempDir(), "missing.exe"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Resolve got %v, want %v", err, os.ErrNotExist)
	}
}

func TestResolveMultipleRoots(t *testing.T) {
	dir := t.TempDir()
	first := importing("second.exe").WriteFile(t, dir, "first.exe")
	second := importing().WriteFile(t, dir, "second.exe")

	l := newTestLoader(t)
	if err := l.Resolve(first); err != nil {
		t.Fatalf("Resolve(first): %v", err)
	}
	if got := l.UnresolvedCount(); got != 1 {
		t.Fatalf("UnresolvedCount got %d, want 1", got)
	}
	placeholder, _ := l.Record("second.exe")

	if err := l.Resolve(second); err != nil {
		t.Fatalf("Resolve(second): %v", err)
	}
	if got := l.UnresolvedCount(); got != 0 {
		t.Errorf("UnresolvedCount got %d, want 0", got)
	}
	rec, _ := l.Record("second.exe")
	if rec != placeholder {
		t.Error("second root replaced its record instead of upgrading it")
	}
	if rec.State() != StateResolved {
		t.Errorf("second.exe state got %v, want %v", rec.State(), StateResolved)
	}

	// Resolving an existing root again changes nothing.
	if err := l.Resolve(first); err != nil {
		t.Fatalf("Resolve(first) again: %v", err)
	}
	want := []string{"first.exe", "second.exe"}
	if got := recordNames(l.Roots()); !slices.Equal(got, want) {
		t.Errorf("roots got %v, want %v", got, want)
	}
}

func TestResolveRootSharingName(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	root := importing().WriteFile(t, dir, "app.exe")

	l := newTestLoader(t)
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	rec := l.Roots()[0]

	garbage := filepath.Join(other, "APP.EXE")
	if err := os.WriteFile(garbage, []byte("this is a text file, not an executable\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Resolve(garbage); !errors.Is(err, pe.ErrTruncated) {
		t.Errorf("undecodable root with a known name got %v, want %v", err, pe.ErrTruncated)
	}

	conflicting := importing("extra.dll").WriteFile(t, other, "App.exe")
	if err := l.Resolve(conflicting); !errors.Is(err, ErrRootConflict) {
		t.Errorf("different root with a known name got %v, want %v", err, ErrRootConflict)
	}

	// The same file under another spelling of its path is the same root.
	if err := l.Resolve(filepath.Join(dir, ".", "app.exe")); err != nil {
		t.Errorf("Resolve of the same file again: %v", err)
	}

	if got := len(l.Records()); got != 1 {
		t.Errorf("got %d records, want 1", got)
	}
	if got := l.Roots(); len(got) != 1 || got[0] != rec {
		t.Errorf("roots got %v, want only the first root", recordNames(got))
	}
	if rec.Path() != root {
		t.Errorf("root path got %q, want %q", rec.Path(), root)
	}
}

func TestResolverChainOrder(t *testing.T) {
	dir := t.TempDir()
	root := importing("a.dll").WriteFile(t, dir, "root.exe")
	importing().WriteFile(t, dir, "a.dll")

	var consulted []string
	spy := func(name string) Result {
		consulted = append(consulted, name)
		return Result{}
	}

	// The allow list wins even though the search path would find the file.
	l := newTestLoader(t, WithResolvers(spy, AllowList("A.dll"), SearchPath(dir), spy))
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if rec, _ := l.Record("a.dll"); rec.State() != StateKnown {
		t.Errorf("a.dll state got %v, want %v", rec.State(), StateKnown)
	}
	if want := []string{"a.dll"}; !slices.Equal(consulted, want) {
		t.Errorf("spy consulted for %v, want %v", consulted, want)
	}
}

func TestDecodeOptions(t *testing.T) {
	dir := t.TempDir()
	root := importing().WriteFile(t, dir, "root.exe")

	l := newTestLoader(t, WithDecodeOptions(pe.WithRVAPolicy(pe.RVAZeroFill)))
	if err := l.Resolve(root); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if l.Roots()[0].PE() == nil {
		t.Error("root has no decoded binary")
	}
}

type stateStringTestCase struct {
	state State
	want  string
}

var stateStringTestCases = []stateStringTestCase{
	{StateResolved, "resolved"},
	{StateNotFound, "not found"},
	{StateKnown, "known"},
	{State(7), "State(7)"},
}

func TestStateString(t *testing.T) {
	for _, c := range stateStringTestCases {
		if got := c.state.String(); got != c.want {
			t.Errorf("State(%d).String() got %q, want %q", int(c.state), got, c.want)
		}
	}
}
