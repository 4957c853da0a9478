// Package colorize provides terminal colors for fisim output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

func init() {
	_ = ReportDark
}

// Theme colors
const (
	AddressColor = "#FFC800" // Yellow for addresses
	KeyColor     = "#87CEEB" // Light blue for YAML keys
	NumberColor  = "#FF80C0" // Light pink for numbers
	StringColor  = "#00FF00" // Green for strings
	CommentColor = "#FF8000" // Orange for comments
	MutedColor   = "#646464" // Dark gray for punctuation
)

// ReportDark is the style used for YAML reports.
var ReportDark = styles.Register(chroma.MustNewStyle("fisim-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#000000",
	chroma.Comment:    CommentColor,

	chroma.NameTag:       KeyColor, // mapping keys
	chroma.NameAttribute: KeyColor,
	chroma.Keyword:       NumberColor, // true/false/null

	chroma.LiteralNumber:        NumberColor,
	chroma.LiteralNumberHex:     NumberColor,
	chroma.LiteralNumberInteger: NumberColor,
	chroma.LiteralNumberFloat:   NumberColor,

	chroma.LiteralString: StringColor,
	chroma.Literal:       StringColor,

	chroma.Punctuation: MutedColor,
	chroma.Operator:    MutedColor,
}))
