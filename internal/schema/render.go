package schema

import (
	"strings"

	"github.com/vektah/gqlparser/v2/formatter"
)

// Render prints the schema as SDL. Only schemas built from SDL carry the AST
// it prints from; schemas assembled with the builders render empty.
func Render(s *Schema) string {
	if s == nil || s.AST == nil {
		return ""
	}
	var b strings.Builder
	formatter.NewFormatter(&b).FormatSchema(s.AST)
	return b.String()
}
