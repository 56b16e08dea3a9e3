package prompt

import (
	"sort"
	"strings"

	"github.com/openform/assist/internal/tokens"
)

// Section priorities. The current applicant draft is the most
// decision-relevant content; numeric constraints come next; illustrative
// examples are dropped first.
const (
	priorityExamples    = 1
	priorityConstraints = 2
	priorityCurrent     = 3
)

// OptimizePromptLength fits prompt into maxTokens. Token counts use the
// ceil(chars/4) heuristic. If the prompt is already under budget it is
// returned unchanged; otherwise it is split into blank-line sections,
// sections are kept highest-priority first, and the last kept section is
// truncated at a sentence or word boundary with an ellipsis marker. This
// guarantees the most decision-relevant content survives truncation rather
// than an arbitrary prefix cut.
func OptimizePromptLength(prompt string, maxTokens int) string {
	if maxTokens <= 0 || tokens.Approximate(prompt) <= maxTokens {
		return prompt
	}

	sections := strings.Split(prompt, "\n\n")

	type ranked struct {
		index    int
		priority int
	}
	order := make([]ranked, len(sections))
	for i, s := range sections {
		order[i] = ranked{index: i, priority: sectionPriority(s)}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return order[a].priority > order[b].priority
	})

	// Each joined section costs its own tokens plus the separator.
	separatorTokens := tokens.Approximate("\n\n")

	kept := make(map[int]string)
	remaining := maxTokens
	for _, r := range order {
		if remaining <= 0 {
			break
		}
		section := sections[r.index]
		cost := tokens.Approximate(section)
		if len(kept) > 0 {
			cost += separatorTokens
		}
		if cost <= remaining {
			kept[r.index] = section
			remaining -= cost
			continue
		}

		// Partial fit: truncate this section to the leftover budget and
		// stop. Lower-priority sections cannot fit either.
		budget := remaining
		if len(kept) > 0 {
			budget -= separatorTokens
		}
		if truncated := truncateSection(section, budget); truncated != "" {
			kept[r.index] = truncated
		}
		break
	}

	var out []string
	for i := range sections {
		if kept[i] != "" {
			out = append(out, kept[i])
		}
	}
	return strings.Join(out, "\n\n")
}

func sectionPriority(section string) int {
	lower := strings.ToLower(section)
	switch {
	case strings.Contains(lower, "current draft"), strings.Contains(lower, "current value"):
		return priorityCurrent
	case strings.Contains(lower, "example"):
		return priorityExamples
	case strings.Contains(lower, "characters"), strings.Contains(lower, "must be"):
		return priorityConstraints
	default:
		return priorityConstraints
	}
}

// truncateSection cuts section down to roughly maxTokens, preferring a
// sentence boundary, then a word boundary, and appends an ellipsis marker.
// Returns "" when the budget is too small to keep anything meaningful.
func truncateSection(section string, maxTokens int) string {
	if maxTokens <= 1 {
		return ""
	}
	maxChars := maxTokens * 4
	if maxChars >= len(section) {
		return section
	}
	cut := section[:maxChars]

	if i := strings.LastIndex(cut, ". "); i > 0 {
		return cut[:i+1] + " …"
	}
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		return strings.TrimRight(cut[:i], ",;:") + " …"
	}
	return ""
}
