// Package relevancy screens user-supplied seed text for topical fit before
// a full generation call is spent on it. The gate is an affordance, not a
// security boundary: when the classifier response cannot be parsed it fails
// open so a malformed verdict never blocks assistance.
package relevancy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openform/assist/internal/completion"
	"github.com/openform/assist/internal/domain"
)

const (
	// MinInputLength is the shortest seed text worth classifying. Below
	// this the caller skips the gate and proceeds straight to generation.
	MinInputLength = 10

	// DefaultThreshold is the score below which content is treated as
	// irrelevant. A product-tuning value, configurable, not an invariant.
	DefaultThreshold = 60

	classifierMaxTokens   = 150
	classifierTemperature = 0.1
)

// Classifier is the narrow slice of the completion client the gate needs.
type Classifier interface {
	Generate(ctx context.Context, req *completion.GenerateRequest, requestID string) (*domain.GenerateResult, error)
}

// Gate issues low-token classification calls and parses their verdicts.
type Gate struct {
	client Classifier
	logger *slog.Logger
}

// NewGate creates a relevancy gate backed by client.
func NewGate(client Classifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{client: client, logger: logger}
}

// ShouldCheck reports whether input is long enough to classify
// meaningfully.
func ShouldCheck(input string) bool {
	return len(strings.TrimSpace(input)) >= MinInputLength
}

// Check classifies userInput against the target field's topic. The verdict
// defaults to relevant when the classifier response does not parse; that
// degradation is logged, never surfaced.
func (g *Gate) Check(ctx context.Context, fieldName, fieldLabel, userInput, language, requestID string) (*domain.RelevancyVerdict, error) {
	req := &completion.GenerateRequest{
		SystemPrompt: classifierSystemPrompt,
		UserPrompt:   buildClassifierPrompt(fieldName, fieldLabel, userInput, language),
		MaxTokens:    classifierMaxTokens,
		Temperature:  classifierTemperature,
	}

	result, err := g.client.Generate(ctx, req, requestID)
	if err != nil {
		return nil, err
	}

	verdict, err := ParseVerdict(result.Text)
	if err != nil {
		g.logger.Warn("relevancy classifier returned unparseable verdict, defaulting to relevant",
			slog.String("field", fieldName),
			slog.String("error", err.Error()),
		)
		return &domain.RelevancyVerdict{IsRelevant: true, RelevancyScore: 100, Reason: "classifier degraded"}, nil
	}
	return verdict, nil
}

// Irrelevant applies the threshold to a verdict.
func Irrelevant(v *domain.RelevancyVerdict, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return !v.IsRelevant || v.RelevancyScore < threshold
}

// ParseVerdict decodes a strict JSON verdict from classifier output,
// tolerating surrounding prose and markdown code fences.
func ParseVerdict(text string) (*domain.RelevancyVerdict, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in classifier output")
	}

	var verdict domain.RelevancyVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("failed to decode verdict: %w", err)
	}
	if verdict.RelevancyScore < 0 || verdict.RelevancyScore > 100 {
		return nil, fmt.Errorf("relevancy score %d out of range", verdict.RelevancyScore)
	}
	return &verdict, nil
}

// extractJSONObject returns the first balanced {...} span in text.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

const classifierSystemPrompt = `You are a strict relevancy classifier for an application form. ` +
	`Given a form field and the applicant's draft text, decide whether the text is topically relevant to the field. ` +
	`Respond with ONLY a JSON object: {"isRelevant": boolean, "relevancyScore": number 0-100, "reason": "short explanation"}. ` +
	`No prose, no markdown.`

func buildClassifierPrompt(fieldName, fieldLabel, userInput, language string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Field: %s", fieldName)
	if fieldLabel != "" {
		fmt.Fprintf(&sb, " (%s)", fieldLabel)
	}
	sb.WriteString("\n")
	if language != "" {
		fmt.Fprintf(&sb, "The applicant writes in: %s\n", language)
	}
	fmt.Fprintf(&sb, "Applicant text:\n%s\n", userInput)
	return sb.String()
}
