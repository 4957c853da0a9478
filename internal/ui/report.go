package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/fisim/internal/campaign"
	"github.com/zboralski/fisim/internal/config"
	"github.com/zboralski/fisim/internal/emulator"
	"github.com/zboralski/fisim/internal/fault"
	"github.com/zboralski/fisim/internal/firmware"
	"github.com/zboralski/fisim/internal/ui/colorize"
)

func keyValue(key, value string) string {
	return KeyStyle.Render(key+":") + " " + ValueStyle.Render(value)
}

// location formats addr as symbol+offset when a symbol precedes it.
func location(img *firmware.Image, addr uint64) string {
	name, off := img.Symbolize(addr)
	switch {
	case name == "":
		return ""
	case off == 0:
		return colorize.FuncName(name)
	}
	return colorize.FuncName(name) + colorize.Detail(fmt.Sprintf("+0x%x", off))
}

// RenderSummary renders the campaign report as a bordered box.
func RenderSummary(rep *campaign.Report, img *firmware.Image, width int) string {
	var lines []string

	border := lipgloss.TerminalColor(MutedColor)
	if n := len(rep.Successes); n > 0 {
		border = SuccessColor
		lines = append(lines, SuccessTitleStyle.Render(fmt.Sprintf("%d FAULT INJECTION(S) BYPASS THE CHECK", n)))
	} else {
		lines = append(lines, TitleStyle.Render("NO BYPASS FOUND"))
	}
	lines = append(lines, "",
		keyValue("Campaign", rep.ID),
		keyValue("Image", rep.Image),
		keyValue("Faults", strings.Join(rep.Faults, ", ")),
		keyValue("Depth", fmt.Sprint(rep.Depth)),
		keyValue("Candidates", fmt.Sprint(rep.Candidates)),
		keyValue("Trials", fmt.Sprint(rep.Trials)),
		keyValue("Duration", rep.Duration.Round(1e6).String()),
	)

	for _, s := range rep.Successes {
		lines = append(lines, "", colorize.Header(fmt.Sprintf("trial %d", s.Trial)))
		for _, rec := range s.Records {
			lines = append(lines, "  "+renderRecord(img, rec))
		}
	}
	return BoxStyle(width, border).Render(strings.Join(lines, "\n"))
}

func renderRecord(img *firmware.Image, rec fault.Record) string {
	line := fmt.Sprintf("%s  %-7s %s %s %s",
		colorize.Address(rec.Address()),
		colorize.Fault(rec.Fault.Kind.String()),
		colorize.HexBytes(fmt.Sprintf("%x", rec.Original)),
		colorize.Border("->"),
		colorize.HexBytes(fmt.Sprintf("%x", rec.Mutated)),
	)
	if loc := location(img, rec.Address()); loc != "" {
		line += "  " + loc
	}
	return line
}

// RenderTrace renders trace candidates as an address/size/count table.
func RenderTrace(img *firmware.Image, cands []fault.Candidate) string {
	var b strings.Builder
	b.WriteString(colorize.Header(fmt.Sprintf("%-8s  %4s  %5s  %s", "ADDRESS", "SIZE", "COUNT", "LOCATION")))
	b.WriteString("\n")
	total := 0
	for _, c := range cands {
		total += c.Count
		fmt.Fprintf(&b, "%s  %4d  %5d  %s\n", colorize.Address(c.Address), c.Size, c.Count, location(img, c.Address))
	}
	b.WriteString(colorize.Detail(fmt.Sprintf("%d instructions, %d executed", len(cands), total)))
	b.WriteString("\n")
	return b.String()
}

// RenderInfo renders image details, the session memory map and the symbol table.
func RenderInfo(img *firmware.Image, cfg *config.Config, regions []emulator.Region) string {
	var b strings.Builder
	line := func(key, value string) {
		fmt.Fprintf(&b, "%s %s\n", colorize.Header(fmt.Sprintf("%-12s", key)), value)
	}
	t := cfg.Target

	line("Image:", img.Path)
	line("Entry:", colorize.Address(img.Entry))
	line("Load:", fmt.Sprintf("%s (file 0x%x, mem 0x%x)", colorize.Address(img.LoadAddr), img.FileSize, img.MemSize))
	line("Flash load:", fmt.Sprintf("%s %s", colorize.Address(img.FlashLoad), colorize.FuncName(t.FlashLoadSymbol)))
	line("Serial out:", fmt.Sprintf("%s %s", colorize.Address(img.SerialOut), colorize.FuncName(t.SerialSymbol)))
	for _, seg := range img.Segments {
		line("Segment:", fmt.Sprintf("%s paddr %s size 0x%x flags %v",
			colorize.Address(seg.VAddr), colorize.Address(seg.PAddr), seg.MemSz, seg.Flags))
	}

	b.WriteString("\n")
	for _, r := range regions {
		detail := fmt.Sprintf("%s size 0x%x %s", colorize.Address(r.Base), r.Size, r.Perm)
		if r.MMIO {
			detail += colorize.Detail(" mmio")
		}
		line(r.Name+":", detail)
	}
	line("Verdicts:", fmt.Sprintf("pass=0x%x fail=0x%x", t.SuccessValue, t.FailedValue))

	b.WriteString("\n")
	line("Symbols:", fmt.Sprint(len(img.Symbols)))
	for _, name := range img.SymbolNames() {
		fmt.Fprintf(&b, "  %s %s\n", colorize.Address(img.FindSymbol(name)&^1), colorize.FuncName(name))
	}
	return b.String()
}

// RenderError renders a harness failure.
func RenderError(title string, err error, width int) string {
	content := ErrorTitleStyle.Render(title) + "\n\n" + colorize.Error(err.Error())
	return BoxStyle(width, ErrorColor).Render(content)
}
