package domain

import "time"

// Suggestion is one generated (or example-derived, or redirect) answer draft.
// Identity is immutable once created; IsEdited flips true only via an
// explicit save-edit action on the owning session.
type Suggestion struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	IsEdited   bool      `json:"isEdited"`
	IsRedirect bool      `json:"isRedirect"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FieldConstraints bounds the acceptable answer for a form field. Supplied
// by the form layer; zero values mean unconstrained.
type FieldConstraints struct {
	MinLength int  `json:"minLength,omitempty"`
	MaxLength int  `json:"maxLength,omitempty"`
	Required  bool `json:"required,omitempty"`
}

// PromptContext is a read-only snapshot of the applicant's prior form-step
// answers plus the target field's current value. The pipeline never mutates
// it.
type PromptContext struct {
	Step1        string           `json:"step1,omitempty"`
	Step2        string           `json:"step2,omitempty"`
	Step3        string           `json:"step3,omitempty"`
	CurrentValue string           `json:"currentValue,omitempty"`
	Language     string           `json:"language,omitempty"`
	Constraints  FieldConstraints `json:"constraints"`
}

// RelevancyVerdict is the transient result of one classification call.
type RelevancyVerdict struct {
	IsRelevant     bool   `json:"isRelevant"`
	RelevancyScore int    `json:"relevancyScore"`
	Reason         string `json:"reason"`
}

// GenerateResult is the outcome of one completion call: accumulated text
// plus a token-usage estimate. The estimate is ceil(len/4) when the API
// does not report exact usage. That fallback is not billed-accurate.
type GenerateResult struct {
	Text           string `json:"text"`
	TokensUsed     int    `json:"tokensUsed"`
	UsageEstimated bool   `json:"usageEstimated"`
	FinishReason   string `json:"finishReason,omitempty"`
}
