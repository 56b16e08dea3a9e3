package assist

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/openform/assist/internal/domain"
)

// Session is one open assist interaction for a single form field. It is
// created when the user opens the assist UI and discarded when the modal
// closes. The owning controller serializes all access through the session
// mutex.
type Session struct {
	ID         string
	Key        string // rate-limit partition (opaque user/session identity)
	FieldName  string
	FieldLabel string
	Context    domain.PromptContext
	CreatedAt  time.Time

	mu              sync.Mutex
	suggestions     []domain.Suggestion // insertion-ordered, newest first
	activeID        string
	editedText      string
	isEditing       bool
	examples        []string
	dynamicExamples []string
	errMsg          string
	examplesErr     string
	isLoading       bool
	loadingExamples bool
	retryAfter      time.Duration

	// gen counts generate calls; a finished call whose gen no longer
	// matches has been superseded and must not mutate state.
	gen            int
	cancelGenerate context.CancelFunc
	requestID      string
	pendingSeed    string
	closed         bool
}

// View is an immutable snapshot of session state, shaped for the form
// layer.
type View struct {
	SessionID          string              `json:"sessionId"`
	FieldName          string              `json:"fieldName"`
	FieldLabel         string              `json:"fieldLabel"`
	Suggestions        []domain.Suggestion `json:"suggestions"`
	ActiveSuggestionID string              `json:"activeSuggestionId,omitempty"`
	EditedText         string              `json:"editedText"`
	IsEditing          bool                `json:"isEditing"`
	Examples           []string            `json:"examples,omitempty"`
	DynamicExamples    []string            `json:"dynamicExamples,omitempty"`
	Error              string              `json:"error,omitempty"`
	ExamplesError      string              `json:"examplesError,omitempty"`
	IsLoading          bool                `json:"isLoading"`
	LoadingExamples    bool                `json:"loadingExamples"`
	RetryAfterMs       int64               `json:"retryAfterMs,omitempty"`
}

// viewLocked snapshots the session. Caller must hold s.mu.
func (s *Session) viewLocked() *View {
	suggestions := make([]domain.Suggestion, len(s.suggestions))
	copy(suggestions, s.suggestions)
	examples := make([]string, len(s.examples))
	copy(examples, s.examples)
	dynamic := make([]string, len(s.dynamicExamples))
	copy(dynamic, s.dynamicExamples)

	return &View{
		SessionID:          s.ID,
		FieldName:          s.FieldName,
		FieldLabel:         s.FieldLabel,
		Suggestions:        suggestions,
		ActiveSuggestionID: s.activeID,
		EditedText:         s.editedText,
		IsEditing:          s.isEditing,
		Examples:           examples,
		DynamicExamples:    dynamic,
		Error:              s.errMsg,
		ExamplesError:      s.examplesErr,
		IsLoading:          s.isLoading,
		LoadingExamples:    s.loadingExamples,
		RetryAfterMs:       s.retryAfter.Milliseconds(),
	}
}

// View snapshots the session.
func (s *Session) View() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// activeSuggestionLocked returns a pointer to the active suggestion, or
// nil. Caller must hold s.mu.
func (s *Session) activeSuggestionLocked() *domain.Suggestion {
	if s.activeID == "" {
		return nil
	}
	for i := range s.suggestions {
		if s.suggestions[i].ID == s.activeID {
			return &s.suggestions[i]
		}
	}
	return nil
}

// prependSuggestionLocked inserts sg as the newest suggestion, makes it
// active, and copies its text into the edit buffer. Caller must hold s.mu.
func (s *Session) prependSuggestionLocked(sg domain.Suggestion) {
	s.suggestions = append([]domain.Suggestion{sg}, s.suggestions...)
	s.activeID = sg.ID
	s.editedText = sg.Text
	s.isEditing = false
}

// acceptableText validates the edit buffer against the field constraints.
// An empty (after trimming) or out-of-bounds text is not acceptable.
func acceptableText(text string, c domain.FieldConstraints) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	if c.MinLength > 0 && len(trimmed) < c.MinLength {
		return "", false
	}
	if c.MaxLength > 0 && len(trimmed) > c.MaxLength {
		return "", false
	}
	return trimmed, true
}
