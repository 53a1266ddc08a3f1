// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dblohm7/pedeps/deps"
	"github.com/dblohm7/pedeps/pe"
	"github.com/muesli/termenv"
)

type styles struct {
	root     lipgloss.Style
	resolved lipgloss.Style
	known    lipgloss.Style
	notFound lipgloss.Style
	detail   lipgloss.Style
	title    lipgloss.Style
}

// wantColor interprets the -color flag.
func wantColor(mode string, isTerminal bool) (bool, error) {
	switch mode {
	case "auto":
		return isTerminal, nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	default:
		return false, fmt.Errorf("invalid -color value %q", mode)
	}
}

func newStyles(w io.Writer, colorize bool) styles {
	r := lipgloss.NewRenderer(w)
	if colorize {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	return styles{
		root: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		resolved: r.NewStyle().
			Foreground(lipgloss.Color("#98FB98")),
		known: r.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")),
		notFound: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")),
		detail: r.NewStyle().
			Foreground(lipgloss.Color("#666666")),
		title: r.NewStyle().
			Bold(true).
			Underline(true),
	}
}

type printer struct {
	w        io.Writer
	styles   styles
	versions bool
}

func (p *printer) nameStyle(rec *deps.Record) lipgloss.Style {
	switch rec.State() {
	case deps.StateKnown:
		return p.styles.known
	case deps.StateNotFound:
		return p.styles.notFound
	default:
		return p.styles.resolved
	}
}

// describe returns the annotation printed after a record's name.
func (p *printer) describe(rec *deps.Record) string {
	switch rec.State() {
	case deps.StateKnown:
		return "[known]"
	case deps.StateNotFound:
		if rec.Err() != nil {
			return fmt.Sprintf("[not found: %v]", rec.Err())
		}
		return "[not found]"
	}

	desc := rec.Path()
	if p.versions {
		if vi, err := pe.NewVersionInfo(rec.Path()); err == nil {
			desc += " (" + vi.VersionNumber().String()
			if what, err := vi.FileDescription(); err == nil && what != "" {
				desc += ", " + what
			}
			desc += ")"
		}
	}
	return desc
}

// printTree prints every root and its dependencies depth first. Each record
// is expanded the first time it appears; later appearances are marked.
func (p *printer) printTree(l *deps.Loader) {
	expanded := make(map[*deps.Record]bool)
	for _, root := range l.Roots() {
		p.printRecord(root, 0, expanded, true)
	}
}

func (p *printer) printRecord(rec *deps.Record, depth int, expanded map[*deps.Record]bool, isRoot bool) {
	indent := strings.Repeat("  ", depth)
	style := p.nameStyle(rec)
	if isRoot {
		style = p.styles.root
	}

	if expanded[rec] {
		fmt.Fprintf(p.w, "%s%s %s\n", indent, style.Render(rec.Name()), p.styles.detail.Render("(see above)"))
		return
	}
	expanded[rec] = true

	fmt.Fprintf(p.w, "%s%s %s\n", indent, style.Render(rec.Name()), p.styles.detail.Render(p.describe(rec)))
	for _, ref := range rec.References() {
		if target := ref.Target(); target != nil {
			p.printRecord(target, depth+1, expanded, false)
		}
	}
}

func (p *printer) printNotFound(l *deps.Loader) {
	if l.UnresolvedCount() == 0 {
		return
	}

	fmt.Fprintf(p.w, "\n%s\n", p.styles.title.Render(fmt.Sprintf("%d unresolved:", l.UnresolvedCount())))
	l.ForEachNotFound(func(name string, importers []*deps.Record) {
		names := make([]string, 0, len(importers))
		for _, imp := range importers {
			names = append(names, imp.Name())
		}
		fmt.Fprintf(p.w, "  %s %s\n", p.styles.notFound.Render(name), p.styles.detail.Render("imported by "+strings.Join(names, ", ")))
	})
}
