// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package deps builds the graph of DLLs that a PE binary depends on.
//
// A Loader decodes a root binary, then repeatedly asks its chain of
// PathResolvers where each imported DLL lives, decoding and recursing into
// every DLL that is found. Every DLL name appears in the graph exactly once,
// however many binaries import it, and import cycles are harmless.
//
// A root binary that cannot be decoded is an error. A dependency that is
// located but cannot be decoded is recorded as not found, with the decoding
// error available from Record.Err.
package deps

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dblohm7/pedeps/pe"
	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// State describes how a Record was resolved.
type State int

const (
	// StateResolved records have been decoded and their imports followed.
	StateResolved State = iota
	// StateNotFound records could not be located or decoded.
	StateNotFound
	// StateKnown records were trimmed from the graph by a resolver.
	StateKnown
)

func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StateNotFound:
		return "not found"
	case StateKnown:
		return "known"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Record is one node of the dependency graph.
type Record struct {
	name      string
	path      string
	state     State
	pe        *pe.PEInfo
	err       error
	refs      []*Reference
	refIndex  map[string]*Reference
	importers []*Reference
}

// Name returns r's normalized name, its key within the graph.
func (r *Record) Name() string {
	return r.name
}

// Path returns the file r was decoded from, or was located at but failed to
// decode from. It is empty for trimmed and missing DLLs.
func (r *Record) Path() string {
	return r.path
}

func (r *Record) State() State {
	return r.state
}

// PE returns r's decoded binary. It is nil unless r is StateResolved.
func (r *Record) PE() *pe.PEInfo {
	return r.pe
}

// Err returns the error that prevented a located DLL from being decoded.
func (r *Record) Err() error {
	return r.err
}

// References returns r's outbound edges, one per distinct imported DLL, in
// import table order.
func (r *Record) References() []*Reference {
	return r.refs
}

// Importers returns r's inbound edges.
func (r *Record) Importers() []*Reference {
	return r.importers
}

// Reference is an edge from an importing Record to the DLL it imports.
type Reference struct {
	source     *Record
	targetName string
	target     *Record
}

func (ref *Reference) Source() *Record {
	return ref.source
}

// TargetName returns the normalized name of the imported DLL.
func (ref *Reference) TargetName() string {
	return ref.targetName
}

// Target returns the Record ref resolved to, or nil while it is pending.
func (ref *Reference) Target() *Record {
	return ref.target
}

// bind sets ref's target. Only the first call has any effect.
func (ref *Reference) bind(target *Record) {
	if ref.target != nil {
		return
	}
	ref.target = target
	target.importers = append(target.importers, ref)
}

// Loader owns a dependency graph. It is not safe for concurrent use.
type Loader struct {
	logger     *zap.Logger
	resolvers  []PathResolver
	decodeOpts []pe.Option

	records    *orderedmap.OrderedMap[string, *Record]
	roots      []*Record
	queue      []*Reference
	unresolved int
}

// Option configures a Loader.
type Option func(*Loader)

// WithResolvers appends resolvers to the Loader's resolver chain. A Loader
// without resolvers reports every dependency as not found.
func WithResolvers(resolvers ...PathResolver) Option {
	return func(l *Loader) {
		l.resolvers = append(l.resolvers, resolvers...)
	}
}

// WithLogger sets the Loader's logger, overriding the package default.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithDecodeOptions sets the options used to decode every binary.
func WithDecodeOptions(opts ...pe.Option) Option {
	return func(l *Loader) {
		l.decodeOpts = append(l.decodeOpts, opts...)
	}
}

// NewLoader returns an empty Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{records: orderedmap.NewOrderedMap[string, *Record]()}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = Logger()
	}
	return l
}

// ErrRootConflict is returned by Resolve when a root shares its name with a
// different binary already in the graph.
var ErrRootConflict = errors.New("another binary with the same name is already loaded")

// Resolve decodes the binary at rootPath and adds it, and everything it
// transitively imports, to l's graph. Resolve may be called repeatedly to
// add further roots; the graph is shared between them. A root that cannot be
// decoded is always an error, even when its name is already in the graph.
func (l *Loader) Resolve(rootPath string) error {
	nfo, err := pe.NewPEFromFileName(rootPath, l.decodeOpts...)
	if err != nil {
		return fmt.Errorf("decoding %q: %w", rootPath, err)
	}

	name := Normalize(filepath.Base(rootPath))
	rec, ok := l.records.Get(name)
	switch {
	case !ok:
		rec = l.insert(name)
	case rec.state == StateResolved:
		nfo.Close()
		if !sameFile(rec.path, rootPath) {
			return fmt.Errorf("%w: %q is %q", ErrRootConflict, name, rec.path)
		}
		if !slices.Contains(l.roots, rec) {
			l.roots = append(l.roots, rec)
		}
		return nil
	case rec.state == StateNotFound:
		// An earlier root imported this one without finding it.
		l.unresolved--
	}
	l.attach(rec, rootPath, nfo)
	l.roots = append(l.roots, rec)

	l.drain()
	return nil
}

// sameFile reports whether paths a and b name the same file.
func sameFile(a, b string) bool {
	fa, errA := os.Stat(a)
	fb, errB := os.Stat(b)
	if errA == nil && errB == nil {
		return os.SameFile(fa, fb)
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// insert adds a new record for name. The caller must have checked that no
// record exists yet.
func (l *Loader) insert(name string) *Record {
	rec := &Record{name: name, refIndex: make(map[string]*Reference)}
	l.records.Set(name, rec)
	l.logger.Debug("new record", zap.String("name", name))
	return rec
}

// attach makes rec a resolved record backed by nfo and queues its imports.
func (l *Loader) attach(rec *Record, path string, nfo *pe.PEInfo) {
	rec.state = StateResolved
	rec.path = path
	rec.pe = nfo
	rec.err = nil

	for _, imp := range nfo.Imports() {
		target := Normalize(imp.DLLName)
		if _, ok := rec.refIndex[target]; ok {
			continue
		}
		ref := &Reference{source: rec, targetName: target}
		rec.refIndex[target] = ref
		rec.refs = append(rec.refs, ref)
		l.queue = append(l.queue, ref)
	}
}

func (l *Loader) drain() {
	for len(l.queue) > 0 {
		ref := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.resolveReference(ref)
	}
}

func (l *Loader) lookup(name string) Result {
	for _, resolve := range l.resolvers {
		if res := resolve(name); res.Kind != NotFound {
			return res
		}
	}
	return Result{}
}

func (l *Loader) resolveReference(ref *Reference) {
	name := ref.targetName
	// A name is only ever resolved once.
	if rec, ok := l.records.Get(name); ok {
		ref.bind(rec)
		return
	}

	res := l.lookup(name)
	l.logger.Debug("resolved",
		zap.String("name", name),
		zap.String("importer", ref.source.name),
		zap.Stringer("verdict", res.Kind),
		zap.String("path", res.Path))

	rec := l.insert(name)
	switch res.Kind {
	case TrimGraph:
		rec.state = StateKnown
	case ResolvedPath:
		nfo, err := pe.NewPEFromFileName(res.Path, l.decodeOpts...)
		if err != nil {
			l.logger.Warn("dependency could not be decoded",
				zap.String("name", name),
				zap.String("path", res.Path),
				zap.Error(err))
			rec.state = StateNotFound
			rec.path = res.Path
			rec.err = err
			l.unresolved++
			break
		}
		l.attach(rec, res.Path, nfo)
	default:
		l.logger.Info("dependency not found",
			zap.String("name", name),
			zap.String("importer", ref.source.name))
		rec.state = StateNotFound
		l.unresolved++
	}

	ref.bind(rec)
}

// UnresolvedCount returns the number of distinct DLLs that could not be
// located or decoded.
func (l *Loader) UnresolvedCount() int {
	return l.unresolved
}

// ForEachNotFound calls fn for each DLL that could not be located or decoded,
// in the order they were first encountered, with the records that import it.
func (l *Loader) ForEachNotFound(fn func(name string, importers []*Record)) {
	for el := l.records.Front(); el != nil; el = el.Next() {
		rec := el.Value
		if rec.state != StateNotFound {
			continue
		}
		importers := make([]*Record, 0, len(rec.importers))
		for _, ref := range rec.importers {
			importers = append(importers, ref.source)
		}
		fn(rec.name, importers)
	}
}

// Record returns the record for the DLL called name.
func (l *Loader) Record(name string) (*Record, bool) {
	return l.records.Get(Normalize(name))
}

// Records returns every record in the graph in the order they were created.
func (l *Loader) Records() []*Record {
	result := make([]*Record, 0, l.records.Len())
	for el := l.records.Front(); el != nil; el = el.Next() {
		result = append(result, el.Value)
	}
	return result
}

// Roots returns the records passed to Resolve, in order.
func (l *Loader) Roots() []*Record {
	return l.roots
}

// Close closes every binary decoded by l. The graph remains readable but
// Record.PE values must no longer be used.
func (l *Loader) Close() error {
	var errs []error
	for el := l.records.Front(); el != nil; el = el.Next() {
		if nfo := el.Value.pe; nfo != nil {
			if err := nfo.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
