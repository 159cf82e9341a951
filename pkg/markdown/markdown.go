package markdown

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Text renders markdown for the current terminal, returning content unchanged
// when rendering fails.
func Text(content string) string {
	return Styled(content, "auto")
}

// Styled renders with a named glamour style ("auto", "dark", "light", "notty").
func Styled(content, style string) string {
	md, err := glamour.Render(content, style)
	if err != nil {
		return content
	}
	return strings.TrimRight(md, "\n")
}

func Render(w io.Writer, content string) {
	fmt.Fprintln(w, Text(content))
}
