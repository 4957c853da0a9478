package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
)

// Progress draws a single updating progress line for campaign phases.
type Progress struct {
	w       io.Writer
	bar     progress.Model
	phase   string
	percent float64
	live    bool // redraw in place
}

// NewProgress creates a progress line. When live is false only phase
// completions are printed.
func NewProgress(w io.Writer, live bool) *Progress {
	return &Progress{
		w: w,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		live: live,
	}
}

// Update reports done of total units of work in phase. It matches the
// campaign progress callback signature.
func (p *Progress) Update(phase string, done, total int) {
	if total <= 0 {
		return
	}
	if phase != p.phase && p.phase != "" && p.live {
		fmt.Fprintln(p.w)
	}
	p.phase = phase
	p.percent = float64(done) / float64(total)

	if p.live {
		fmt.Fprintf(p.w, "\r%s", p.Render(done, total))
	}
	if done == total {
		if p.live {
			fmt.Fprintln(p.w)
		} else {
			fmt.Fprintln(p.w, p.Render(done, total))
		}
		p.phase = ""
	}
}

// Render returns the progress line for the current phase.
func (p *Progress) Render(done, total int) string {
	label := fmt.Sprintf("%-7s", p.phase)
	line := fmt.Sprintf("%s %s %3.0f%%  [%d/%d]",
		label, p.bar.ViewAs(p.percent), p.percent*100, done, total)
	return LabelStyle.Render(strings.TrimRight(line, " "))
}
