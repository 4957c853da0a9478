package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// getReportStyle returns the report style with fallbacks
func getReportStyle() *chroma.Style {
	candidates := []string{"fisim-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("FISIM_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// YAML highlights a YAML document using Chroma
func YAML(doc string) string {
	if IsDisabled() {
		return doc
	}

	lexer := lexers.Get("yaml")
	if lexer == nil {
		return doc
	}

	iterator, err := lexer.Tokenise(nil, doc)
	if err != nil {
		return doc
	}

	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getReportStyle(), iterator); err != nil {
		return doc
	}
	return buf.String()
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats an address in yellow
func Address(addr uint64) string {
	return rgb(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// FuncName formats a symbol name in yellow
func FuncName(name string) string {
	return rgb(255, 200, 0, name)
}

// Fault formats a fault kind in light blue
func Fault(s string) string {
	return rgb(135, 206, 235, s)
}

// HexBytes formats instruction bytes in light gray
func HexBytes(s string) string {
	return rgb(180, 180, 180, s)
}

// Detail formats detail text in light gray
func Detail(detail string) string {
	return rgb(180, 180, 180, detail)
}

// Border formats border characters in dark gray
func Border(s string) string {
	return rgb(80, 80, 80, s)
}

// Header formats header text in blue
func Header(s string) string {
	return rgb(86, 156, 214, s)
}

// Error formats error messages in pink
func Error(s string) string {
	return rgb(255, 128, 192, s)
}

// Verdict colors a run state: success green, failed gray, error pink.
func Verdict(state string) string {
	switch state {
	case "success":
		return rgb(67, 191, 109, state)
	case "error":
		return Error(state)
	}
	return Detail(state)
}
