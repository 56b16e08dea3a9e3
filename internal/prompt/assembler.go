// Package prompt builds field-specific system and user prompts from a
// fixed template table plus contextual form data, keeping the most
// decision-relevant content within the token budget.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openform/assist/internal/domain"
)

// Assembler builds prompts for known and unknown form fields.
type Assembler struct{}

// NewAssembler creates an assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// BuildSystemPrompt returns the role and tone instructions for fieldName.
func (a *Assembler) BuildSystemPrompt(fieldName, language string) string {
	t := templateFor(fieldName)

	var sb strings.Builder
	sb.WriteString(t.Role)
	fmt.Fprintf(&sb, " Write %d to %d sentences and at most %d words.",
		t.MinSentences, t.MaxSentences, t.MaxWords)
	if language != "" && language != "en" {
		fmt.Fprintf(&sb, " Respond in %s.", languageName(language))
	}
	return sb.String()
}

// BuildUserPrompt returns the user message for fieldName, assembled from
// the prompt context. Sections are separated by blank lines so the length
// optimizer can split and prioritize them.
func (a *Assembler) BuildUserPrompt(fieldName string, ctx domain.PromptContext) string {
	t := templateFor(fieldName)

	var sections []string

	sections = append(sections,
		fmt.Sprintf("Write a draft answer about %s.", t.Topic))

	if prior := priorAnswersSection(ctx); prior != "" {
		sections = append(sections, prior)
	}

	if strings.TrimSpace(ctx.CurrentValue) != "" {
		sections = append(sections,
			"Current draft by the applicant, to improve and build on:\n"+ctx.CurrentValue)
	}

	if c := constraintsSection(ctx.Constraints); c != "" {
		sections = append(sections, c)
	}

	if len(t.Examples) > 0 {
		var sb strings.Builder
		sb.WriteString("Example answers for tone and length:")
		for _, ex := range t.Examples {
			sb.WriteString("\n- ")
			sb.WriteString(ex)
		}
		sections = append(sections, sb.String())
	}

	return strings.Join(sections, "\n\n")
}

// Examples returns the static example bank for fieldName.
func (a *Assembler) Examples(fieldName string) []string {
	t := templateFor(fieldName)
	out := make([]string, len(t.Examples))
	copy(out, t.Examples)
	return out
}

// RedirectMessage synthesizes the suggestion-shaped message shown when the
// applicant's seed text is off-topic for the field. It surfaces exactly
// like a normal suggestion so the UI needs no separate path.
func (a *Assembler) RedirectMessage(fieldName, reason string) string {
	t := templateFor(fieldName)

	var sb strings.Builder
	sb.WriteString("Your text does not seem to be about ")
	sb.WriteString(t.Topic)
	sb.WriteString(".")
	if reason != "" {
		sb.WriteString(" (")
		sb.WriteString(reason)
		sb.WriteString(")")
	}
	sb.WriteString(" Please describe ")
	sb.WriteString(t.Topic)
	sb.WriteString(", and I will help you phrase it.")
	return sb.String()
}

// BuildExamplesPrompt asks the model for three fresh short example answers
// as a JSON array, used for the dynamic examples panel.
func (a *Assembler) BuildExamplesPrompt(fieldName, language string) (system, user string) {
	t := templateFor(fieldName)

	system = "You generate short example answers for an application form field. " +
		`Respond with ONLY a JSON array of exactly 3 strings. No prose, no markdown.`
	if language != "" && language != "en" {
		system += " Write the examples in " + languageName(language) + "."
	}
	user = fmt.Sprintf("Field topic: %s. Each example: %d to %d sentences, first person, at most %d words.",
		t.Topic, t.MinSentences, t.MaxSentences, t.MaxWords)
	return system, user
}

// ParseExamples decodes the JSON array produced for BuildExamplesPrompt.
func ParseExamples(text string) ([]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in examples output")
	}
	var examples []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &examples); err != nil {
		return nil, fmt.Errorf("failed to decode examples: %w", err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("examples array was empty")
	}
	return examples, nil
}

func priorAnswersSection(ctx domain.PromptContext) string {
	var parts []string
	if s := strings.TrimSpace(ctx.Step1); s != "" {
		parts = append(parts, "Earlier in the form, about their situation: "+s)
	}
	if s := strings.TrimSpace(ctx.Step2); s != "" {
		parts = append(parts, "Earlier in the form, about their circumstances: "+s)
	}
	if s := strings.TrimSpace(ctx.Step3); s != "" {
		parts = append(parts, "Earlier in the form, additional details: "+s)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n")
}

func constraintsSection(c domain.FieldConstraints) string {
	var parts []string
	if c.MinLength > 0 {
		parts = append(parts, fmt.Sprintf("at least %d characters", c.MinLength))
	}
	if c.MaxLength > 0 {
		parts = append(parts, fmt.Sprintf("at most %d characters", c.MaxLength))
	}
	if len(parts) == 0 {
		return ""
	}
	return "The answer must be " + strings.Join(parts, " and ") + "."
}

func languageName(code string) string {
	switch strings.ToLower(code) {
	case "de":
		return "German"
	case "fr":
		return "French"
	case "nl":
		return "Dutch"
	case "ar":
		return "Arabic"
	case "tr":
		return "Turkish"
	case "uk":
		return "Ukrainian"
	default:
		return code
	}
}
