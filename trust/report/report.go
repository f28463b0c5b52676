package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
)

// Rule is the row of dashes that opens and closes a block.
var Rule = strings.Repeat("-", 119)

// Message templates. Placeholders are {label}, {file},
// {algorithm}, {digest} and {error}.
const (
	Verified = "Successfully verified the hash value of the {label}!\n" +
		"{algorithm}({file}): {digest}"

	Mismatch = "Verification of hash value failed.\n" +
		"{file} is not an appropriate {label}."

	ReadFailure = "Verification of hash value failed.\n" +
		"{file} could not be read: {error}"

	OpenFailure = "Verification of hash value failed.\n" +
		"{file} could not be opened: {error}"
)

// Fields holds placeholder values for a template.
type Fields map[string]string

// Render expands tpl with fields. Unknown placeholders are
// kept verbatim.
func Render(tpl string, fields Fields) string {
	values := make(map[string]interface{}, len(fields))
	for key, val := range fields {
		values[key] = val
	}

	return fasttemplate.ExecuteStringStd(
		tpl, "{", "}", values,
	)
}

// Generate frames lines between two rules.
func Generate(lines []string) string {
	var sb strings.Builder

	sb.WriteString(Rule)
	sb.WriteByte('\n')

	for _, ln := range lines {
		sb.WriteString(ln)
		sb.WriteByte('\n')
	}

	sb.WriteString(Rule)
	sb.WriteByte('\n')

	return sb.String()
}

// Write renders tpl and writes it to w as one block.
func Write(w io.Writer, tpl string, fields Fields) error {
	const errCtx = "writing report"

	block := Generate(strings.Split(Render(tpl, fields), "\n"))

	if _, err := io.WriteString(w, block); err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	return nil
}

// Extract returns the lines of every complete block in out,
// one slice per block. An unterminated trailing block is
// dropped.
func Extract(out string) [][]string {
	var (
		blocks  [][]string
		current []string
		inside  bool
	)

	for _, line := range strings.Split(out, "\n") {
		if line != Rule {
			if inside {
				current = append(current, line)
			}

			continue
		}

		if inside {
			blocks = append(blocks, current)
			current = nil
		}

		inside = !inside
	}

	return blocks
}
