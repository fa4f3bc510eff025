package genjob

import (
	"regexp"
	"strings"

	"github.com/vibehq/agent-orchestrator/internal/domain"
)

// Generated documents enumerate work items as "### N. Title" (or
// "### N. [Title]") sections under an "## Items" heading.
var (
	stepHeaderRe = regexp.MustCompile(`###\s+(\d+)\.\s+(?:\[([^\]]+)\]|([^\n]+))`)
	sectionEndRe = regexp.MustCompile(`##\s`)
)

// ParseSteps extracts the numbered step list from a generated document.
// A step's description runs until the next numbered step or the next
// second-level heading. Malformed documents yield an empty list, never
// an error.
func ParseSteps(content string) []domain.Step {
	headers := stepHeaderRe.FindAllStringSubmatchIndex(content, -1)
	steps := make([]domain.Step, 0, len(headers))

	for i, h := range headers {
		id := content[h[2]:h[3]]
		var title string
		if h[4] >= 0 {
			title = content[h[4]:h[5]]
		} else {
			title = content[h[6]:h[7]]
		}

		descStart := h[1]
		descEnd := len(content)
		if i+1 < len(headers) {
			descEnd = headers[i+1][0]
		}
		desc := content[descStart:descEnd]
		if loc := sectionEndRe.FindStringIndex(desc); loc != nil {
			desc = desc[:loc[0]]
		}

		steps = append(steps, domain.Step{
			ID:          id,
			Title:       strings.TrimSpace(title),
			Description: strings.TrimSpace(desc),
			Status:      "pending",
		})
	}
	return steps
}
