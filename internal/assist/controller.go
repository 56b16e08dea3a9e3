// Package assist orchestrates assist sessions: admission control, relevancy
// gating, deduplicated and retried completion calls, and the suggestion
// edit/accept lifecycle.
package assist

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openform/assist/internal/completion"
	"github.com/openform/assist/internal/dedup"
	"github.com/openform/assist/internal/domain"
	"github.com/openform/assist/internal/prompt"
	"github.com/openform/assist/internal/ratelimit"
	"github.com/openform/assist/internal/relevancy"
	"github.com/openform/assist/internal/retry"
	"github.com/openform/assist/internal/storage"
)

// Generator is the slice of the completion client the controller needs.
type Generator interface {
	Generate(ctx context.Context, req *completion.GenerateRequest, requestID string) (*domain.GenerateResult, error)
	Cancel(requestID string)
	Model() string
}

// RelevancyChecker screens seed text before a full generation call.
type RelevancyChecker interface {
	Check(ctx context.Context, fieldName, fieldLabel, userInput, language, requestID string) (*domain.RelevancyVerdict, error)
}

// Config carries the product-tuning knobs. All are defaults, not
// invariants.
type Config struct {
	RelevancyThreshold int
	MaxTokens          int
	ExamplesMaxTokens  int
	Temperature        float64
	PromptBudget       int
	Stream             bool
	Retry              retry.Options
}

func (c Config) withDefaults() Config {
	if c.RelevancyThreshold <= 0 {
		c.RelevancyThreshold = relevancy.DefaultThreshold
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 400
	}
	if c.ExamplesMaxTokens <= 0 {
		c.ExamplesMaxTokens = 500
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.PromptBudget <= 0 {
		c.PromptBudget = 2000
	}
	if c.Retry.JitterFactor == 0 {
		c.Retry.JitterFactor = retry.DefaultJitterFactor
	}
	return c
}

// Controller owns all open assist sessions and drives the generation
// pipeline. Safe for concurrent use.
type Controller struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	dedup     *dedup.Deduplicator[*domain.GenerateResult]
	generator Generator
	gate      RelevancyChecker
	prompts   *prompt.Assembler
	recorder  storage.Recorder
	logger    *slog.Logger
	onAccept  func(fieldName, text string)

	mu       sync.Mutex
	sessions map[string]*Session
}

// ControllerOption configures the controller.
type ControllerOption func(*Controller)

// WithConfig overrides the tuning defaults.
func WithConfig(cfg Config) ControllerOption {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithLimiter overrides the admission limiter.
func WithLimiter(l *ratelimit.Limiter) ControllerOption {
	return func(c *Controller) {
		c.limiter = l
	}
}

// WithRecorder enables assist-event recording.
func WithRecorder(r storage.Recorder) ControllerOption {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithOnAccept registers the form-layer callback invoked with the accepted
// text.
func WithOnAccept(fn func(fieldName, text string)) ControllerOption {
	return func(c *Controller) {
		c.onAccept = fn
	}
}

// NewController creates a session controller.
func NewController(generator Generator, gate RelevancyChecker, opts ...ControllerOption) *Controller {
	c := &Controller{
		generator: generator,
		gate:      gate,
		prompts:   prompt.NewAssembler(),
		dedup:     dedup.New[*domain.GenerateResult](),
		limiter:   ratelimit.New(),
		logger:    slog.Default(),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	return c
}

// Open creates a session for fieldName. The edit buffer is seeded with the
// field's current value; with no seed text the session starts in editing
// mode so the user can type immediately.
func (c *Controller) Open(key, fieldName, fieldLabel string, pctx domain.PromptContext) *View {
	s := &Session{
		ID:         uuid.NewString(),
		Key:        key,
		FieldName:  fieldName,
		FieldLabel: fieldLabel,
		Context:    pctx,
		CreatedAt:  time.Now(),
		editedText: pctx.CurrentValue,
		isEditing:  strings.TrimSpace(pctx.CurrentValue) == "",
		examples:   c.prompts.Examples(fieldName),
	}

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()

	return s.View()
}

func (c *Controller) session(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return s, nil
}

// Generate runs the full pipeline for the session's current seed text:
// admission, relevancy gate, prompt assembly, deduplicated and retried
// completion call. A denied admission surfaces a wait hint and changes no
// other state. A new call supersedes any in-flight call for the same
// session.
func (c *Controller) Generate(ctx context.Context, sessionID string) (*View, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %q is closed", sessionID)
	}

	if !c.limiter.Allow(s.Key) {
		retryAfter := c.limiter.RetryAfter(s.Key)
		s.retryAfter = retryAfter
		s.errMsg = fmt.Sprintf("Too many requests. Please wait %d seconds and try again.",
			int(math.Ceil(retryAfter.Seconds())))
		view := s.viewLocked()
		s.mu.Unlock()
		return view, nil
	}
	s.retryAfter = 0

	// Supersede any prior in-flight call for this field.
	c.cancelInflightLocked(s)
	s.gen++
	gen := s.gen

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelGenerate = cancel
	requestID := uuid.NewString()
	s.requestID = requestID
	s.isLoading = true
	s.errMsg = ""

	seed := strings.TrimSpace(s.editedText)
	s.pendingSeed = seed
	fieldName, fieldLabel := s.FieldName, s.FieldLabel
	pctx := s.Context
	pctx.CurrentValue = seed
	s.mu.Unlock()

	start := time.Now()
	result, redirectReason, err := c.runPipeline(genCtx, fieldName, fieldLabel, seed, pctx, requestID)
	elapsed := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.gen != gen {
		// Superseded or closed while in flight: a late result must not
		// overwrite newer user-visible state.
		return s.viewLocked(), nil
	}
	s.isLoading = false
	s.cancelGenerate = nil

	switch {
	case err != nil && domain.IsCancelled(err):
		// User-initiated; not an error state.
	case err != nil:
		s.errMsg = userMessage(err)
		c.record(s, storage.EventErrored, 0, elapsed, err.Error())
	case redirectReason != "":
		s.prependSuggestionLocked(domain.Suggestion{
			ID:         uuid.NewString(),
			Text:       c.prompts.RedirectMessage(fieldName, redirectReason),
			IsRedirect: true,
			CreatedAt:  time.Now(),
		})
		c.record(s, storage.EventRedirected, 0, elapsed, "")
	default:
		s.prependSuggestionLocked(domain.Suggestion{
			ID:        uuid.NewString(),
			Text:      strings.TrimSpace(result.Text),
			CreatedAt: time.Now(),
		})
		c.record(s, storage.EventGenerated, result.TokensUsed, elapsed, "")
	}
	return s.viewLocked(), nil
}

// cancelInflightLocked aborts any generate still in flight for s and bumps
// the generation counter so the late result is discarded. The dedup entry
// is removed synchronously so a follow-up call cannot join it. Caller must
// hold s.mu.
func (c *Controller) cancelInflightLocked(s *Session) {
	if s.cancelGenerate == nil {
		return
	}
	s.cancelGenerate()
	c.generator.Cancel(s.requestID)
	c.dedup.Cancel(s.FieldName, s.pendingSeed, c.dedupOptions())
	s.cancelGenerate = nil
	s.isLoading = false
	s.gen++
}

// runPipeline executes gate + prompt assembly + deduplicated, retried
// completion. It returns a non-empty redirectReason instead of a result
// when the seed text is off-topic.
func (c *Controller) runPipeline(ctx context.Context, fieldName, fieldLabel, seed string, pctx domain.PromptContext, requestID string) (*domain.GenerateResult, string, error) {
	if relevancy.ShouldCheck(seed) {
		verdict, err := c.gate.Check(ctx, fieldName, fieldLabel, seed, pctx.Language, requestID)
		switch {
		case err != nil && domain.IsCancelled(err):
			return nil, "", err
		case err != nil:
			// The gate is advisory: an unavailable classifier must not
			// block assistance.
			c.logger.Warn("relevancy gate unavailable, proceeding to generation",
				slog.String("field", fieldName),
				slog.String("error", err.Error()),
			)
		case relevancy.Irrelevant(verdict, c.cfg.RelevancyThreshold):
			return nil, verdict.Reason, nil
		}
	}

	system := c.prompts.BuildSystemPrompt(fieldName, pctx.Language)
	user := prompt.OptimizePromptLength(c.prompts.BuildUserPrompt(fieldName, pctx), c.cfg.PromptBudget)

	req := &completion.GenerateRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		MaxTokens:    c.cfg.MaxTokens,
		Temperature:  c.cfg.Temperature,
		Stream:       c.cfg.Stream,
	}
	result, _, err := c.dedup.Do(ctx, fieldName, seed, c.dedupOptions(), func(ctx context.Context) (*domain.GenerateResult, error) {
		res, _, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (*domain.GenerateResult, error) {
			return c.generator.Generate(ctx, req, requestID)
		})
		return res, err
	})
	return result, "", err
}

// dedupOptions is the option set folded into the dedup hash: two calls are
// identical only if they target the same model with the same sampling
// parameters.
func (c *Controller) dedupOptions() map[string]any {
	return map[string]any{
		"model":       c.generator.Model(),
		"maxTokens":   c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
	}
}

// GenerateExamples fetches three fresh example answers for the session's
// field. Failures set examplesError; the static bank remains available.
func (c *Controller) GenerateExamples(ctx context.Context, sessionID string) (*View, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %q is closed", sessionID)
	}
	if !c.limiter.Allow(s.Key) {
		s.retryAfter = c.limiter.RetryAfter(s.Key)
		s.examplesErr = "Too many requests. Please try again shortly."
		view := s.viewLocked()
		s.mu.Unlock()
		return view, nil
	}
	s.loadingExamples = true
	s.examplesErr = ""
	fieldName := s.FieldName
	language := s.Context.Language
	s.mu.Unlock()

	system, user := c.prompts.BuildExamplesPrompt(fieldName, language)
	requestID := uuid.NewString()
	start := time.Now()

	result, _, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (*domain.GenerateResult, error) {
		return c.generator.Generate(ctx, &completion.GenerateRequest{
			SystemPrompt: system,
			UserPrompt:   user,
			MaxTokens:    c.cfg.ExamplesMaxTokens,
			Temperature:  0.9,
		}, requestID)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingExamples = false

	if err != nil {
		if !domain.IsCancelled(err) {
			s.examplesErr = "Could not load fresh examples."
			c.record(s, storage.EventErrored, 0, time.Since(start), err.Error())
		}
		return s.viewLocked(), nil
	}

	examples, perr := prompt.ParseExamples(result.Text)
	if perr != nil {
		c.logger.Warn("discarding unparseable dynamic examples",
			slog.String("field", fieldName),
			slog.String("error", perr.Error()),
		)
		s.examplesErr = "Could not load fresh examples."
		return s.viewLocked(), nil
	}
	s.dynamicExamples = examples
	c.record(s, storage.EventExamples, result.TokensUsed, time.Since(start), "")
	return s.viewLocked(), nil
}

// Select makes the given suggestion active and copies its text into the
// edit buffer, leaving editing mode. Selecting mid-generation cancels the
// in-flight request; its late result must not displace the user's choice.
func (c *Controller) Select(sessionID, suggestionID string) (*View, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.suggestions {
		if s.suggestions[i].ID == suggestionID {
			c.cancelInflightLocked(s)
			s.activeID = suggestionID
			s.editedText = s.suggestions[i].Text
			s.isEditing = false
			return s.viewLocked(), nil
		}
	}
	return nil, fmt.Errorf("unknown suggestion %q", suggestionID)
}

// StartEdit enters editing mode on the active suggestion.
func (c *Controller) StartEdit(sessionID string) (*View, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.isEditing = true
	return s.viewLocked(), nil
}

// SaveEdit stores text as the edit buffer and, if a suggestion is active,
// mutates its text in place and marks it edited.
func (c *Controller) SaveEdit(sessionID, text string) (*View, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.editedText = text
	if active := s.activeSuggestionLocked(); active != nil {
		active.Text = text
		active.IsEdited = true
	}
	s.isEditing = false
	return s.viewLocked(), nil
}

// CancelEdit leaves editing mode and restores the edit buffer from the
// active suggestion's stored text.
func (c *Controller) CancelEdit(sessionID string) (*View, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if active := s.activeSuggestionLocked(); active != nil {
		s.editedText = active.Text
	}
	s.isEditing = false
	return s.viewLocked(), nil
}

// UseExample synthesizes a suggestion from example text and makes it
// active. Like Select, it cancels any generate still in flight.
func (c *Controller) UseExample(sessionID, text string) (*View, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c.cancelInflightLocked(s)
	s.prependSuggestionLocked(domain.Suggestion{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: time.Now(),
	})
	return s.viewLocked(), nil
}

// Accept validates the edit buffer against the field constraints, hands
// the text to the form layer, and discards the session. An empty or
// out-of-bounds text leaves the session unchanged.
func (c *Controller) Accept(sessionID string) (string, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	text, ok := acceptableText(s.editedText, s.Context.Constraints)
	if !ok {
		s.mu.Unlock()
		return "", domain.ErrClientRejected("text is empty or outside the allowed length")
	}
	fieldName := s.FieldName
	c.record(s, storage.EventAccepted, 0, 0, "")
	s.mu.Unlock()

	if c.onAccept != nil {
		c.onAccept(fieldName, text)
	}
	c.Close(sessionID)
	return text, nil
}

// Close discards the session and aborts any in-flight request for it.
// Always permitted, in any state, idempotently.
func (c *Controller) Close(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	cancel := s.cancelGenerate
	requestID := s.requestID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if requestID != "" {
		c.generator.Cancel(requestID)
	}
}

// View snapshots a session without mutating it.
func (c *Controller) View(sessionID string) (*View, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.View(), nil
}

// RateLimitRemaining reports whole admission tokens left for the session's
// rate-limit key. Unknown sessions report zero.
func (c *Controller) RateLimitRemaining(sessionID string) int {
	s, err := c.session(sessionID)
	if err != nil {
		return 0
	}
	return c.limiter.Tokens(s.Key)
}

// SessionCount returns the number of open sessions.
func (c *Controller) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// record persists an assist event best-effort. Caller must hold s.mu.
func (c *Controller) record(s *Session, kind string, tokensUsed int, elapsed time.Duration, errMsg string) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev := &storage.Event{
		ID:         uuid.NewString(),
		SessionID:  s.ID,
		FieldName:  s.FieldName,
		Kind:       kind,
		Model:      c.generator.Model(),
		TokensUsed: tokensUsed,
		Duration:   elapsed,
		Error:      errMsg,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.recorder.Record(ctx, ev); err != nil {
		c.logger.Warn("failed to record assist event",
			slog.String("session_id", s.ID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

// userMessage maps a pipeline error to the inline text shown to the user.
func userMessage(err error) string {
	switch domain.KindOf(err) {
	case domain.KindClientRejected:
		return "AI assistance is not available for this request."
	case domain.KindTransient:
		return "The writing assistant is temporarily unavailable. Please try again."
	default:
		return "Something went wrong while generating a suggestion."
	}
}
