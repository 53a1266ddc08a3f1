// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Command depwalk prints the tree of DLLs that a PE binary depends on and
// reports any that cannot be found. It exits with status 1 when a dependency
// is unresolved.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dblohm7/pedeps/deps"
	"github.com/dblohm7/pedeps/pe"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/term"
)

type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, string(filepath.ListSeparator))
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

var searchDirs stringList
var knownDLLs stringList
var trimAPISets bool
var useSystem bool
var showVersions bool
var verbose bool
var colorMode string
var zeroFill bool

func init() {
	flag.Usage = usage
	flag.Var(&searchDirs, "path", "additional `dir` to search for DLLs (repeatable)")
	flag.Var(&knownDLLs, "known", "DLL `name` to treat as present without loading it (repeatable)")
	flag.BoolVar(&trimAPISets, "apisets", true, "treat API set contract DLLs as present")
	flag.BoolVar(&useSystem, "system", false, "use the KnownDLLs registry list and system directories (Windows only)")
	flag.BoolVar(&showVersions, "versions", false, "show file versions of resolved DLLs (Windows only)")
	flag.BoolVar(&verbose, "v", false, "log every resolution step")
	flag.StringVar(&colorMode, "color", "auto", "colorize output: auto, always or never")
	flag.BoolVar(&zeroFill, "zerofill", false, "treat section addresses past the raw data as zero-filled")
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintln(flag.CommandLine.Output(), "  <filePath>...\n\tpaths to PE files")
}

func usagef(format string, args ...any) {
	fmt.Fprintf(flag.CommandLine.Output(), format, args...)
	usage()
	os.Exit(2)
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// rootDirs returns the directories holding roots, in order and without
// repeats.
func rootDirs(roots []string) []string {
	var dirs []string
	for _, root := range roots {
		if dir := filepath.Dir(root); !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func resolvers(logger *zap.Logger, roots []string) []deps.PathResolver {
	var result []deps.PathResolver
	if len(knownDLLs) > 0 {
		result = append(result, deps.AllowList(knownDLLs...))
	}
	if trimAPISets {
		result = append(result, deps.APISets())
	}

	var sysDirs deps.PathResolver
	if useSystem {
		known, err := deps.KnownDLLs()
		switch {
		case errors.Is(err, deps.ErrUnsupportedPlatform):
			logger.Warn("-system ignored", zap.Error(err))
		case err != nil:
			logger.Warn("reading KnownDLLs", zap.Error(err))
		default:
			result = append(result, known)
		}

		if sysDirs, err = deps.SystemDirectories(); err != nil {
			logger.Warn("locating system directories", zap.Error(err))
		}
	}

	// The applications' own directories are searched first.
	result = append(result, deps.SearchPath(rootDirs(roots)...))
	if sysDirs != nil {
		result = append(result, sysDirs)
	}
	if len(searchDirs) > 0 {
		result = append(result, deps.SearchPath(searchDirs...))
	}
	return result
}

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		usagef("No file path provided\n")
	}

	colorize, err := wantColor(colorMode, term.IsTerminal(int(os.Stdout.Fd())))
	if err != nil {
		usagef("%v\n", err)
	}

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()
	deps.SetLogger(logger)

	policy := pe.RVAStrict
	if zeroFill {
		policy = pe.RVAZeroFill
	}

	l := deps.NewLoader(
		deps.WithResolvers(resolvers(logger, flag.Args())...),
		deps.WithDecodeOptions(pe.WithRVAPolicy(policy)),
	)
	defer l.Close()

	for _, root := range flag.Args() {
		if err := l.Resolve(root); err != nil {
			logger.Fatal("cannot load root binary", zap.String("path", root), zap.Error(err))
		}
	}

	p := &printer{
		w:        os.Stdout,
		styles:   newStyles(os.Stdout, colorize),
		versions: showVersions,
	}
	p.printTree(l)
	p.printNotFound(l)

	if l.UnresolvedCount() > 0 {
		l.Close()
		logger.Sync()
		os.Exit(1)
	}
}
