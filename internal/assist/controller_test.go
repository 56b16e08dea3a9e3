package assist

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openform/assist/internal/completion"
	"github.com/openform/assist/internal/domain"
	"github.com/openform/assist/internal/ratelimit"
	"github.com/openform/assist/internal/retry"
)

// fakeGenerator scripts the completion client.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	results []string // consumed in order; last one repeats
	err     error
	block   chan struct{} // when set, Generate waits for close or ctx cancel
}

func (f *fakeGenerator) Generate(ctx context.Context, req *completion.GenerateRequest, requestID string) (*domain.GenerateResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	block := f.block
	err := f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, domain.ErrCancelled("fake cancelled").WithCause(ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := n - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return &domain.GenerateResult{Text: f.results[idx], TokensUsed: 10}, nil
}

func (f *fakeGenerator) Cancel(requestID string) {}

func (f *fakeGenerator) Model() string { return "test-model" }

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGenerator) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

// fakeGate scripts the relevancy classifier.
type fakeGate struct {
	mu      sync.Mutex
	calls   int
	verdict *domain.RelevancyVerdict
	err     error
	lastCtx context.Context
}

func (f *fakeGate) Check(ctx context.Context, fieldName, fieldLabel, userInput, language, requestID string) (*domain.RelevancyVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCtx = ctx
	if f.err != nil {
		return nil, f.err
	}
	if f.verdict != nil {
		return f.verdict, nil
	}
	return &domain.RelevancyVerdict{IsRelevant: true, RelevancyScore: 90, Reason: "on topic"}, nil
}

func (f *fakeGate) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastConfig() Config {
	return Config{Retry: retry.Options{
		MaxAttempts: 1,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}}
}

func newTestController(gen *fakeGenerator, gate *fakeGate, opts ...ControllerOption) *Controller {
	base := []ControllerOption{WithConfig(fastConfig())}
	return NewController(gen, gate, append(base, opts...)...)
}

func TestGenerateProducesSuggestion(t *testing.T) {
	gen := &fakeGenerator{results: []string{"A generated draft answer."}}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("user-1", "financialSituation", "Financial situation", domain.PromptContext{})
	got, err := c.Generate(context.Background(), view.SessionID)
	if err != nil {
		t.Fatal(err)
	}

	if len(got.Suggestions) != 1 {
		t.Fatalf("suggestions = %d, want 1", len(got.Suggestions))
	}
	sg := got.Suggestions[0]
	if sg.Text != "A generated draft answer." || sg.IsRedirect || sg.IsEdited {
		t.Fatalf("suggestion = %+v", sg)
	}
	if got.ActiveSuggestionID != sg.ID {
		t.Fatal("new suggestion must become active")
	}
	if got.EditedText != sg.Text {
		t.Fatal("edit buffer must follow the active suggestion")
	}
	if got.IsLoading || got.Error != "" {
		t.Fatalf("view = loading %v, error %q", got.IsLoading, got.Error)
	}
}

func TestOpenSeedsEditBuffer(t *testing.T) {
	c := newTestController(&fakeGenerator{results: []string{"x"}}, &fakeGate{})

	empty := c.Open("u", "financialSituation", "", domain.PromptContext{})
	if !empty.IsEditing {
		t.Fatal("no seed text: session should start in editing mode")
	}

	seeded := c.Open("u", "financialSituation", "", domain.PromptContext{CurrentValue: "my draft"})
	if seeded.IsEditing {
		t.Fatal("existing draft: session should await an explicit generate")
	}
	if seeded.EditedText != "my draft" {
		t.Fatalf("EditedText = %q, want seed", seeded.EditedText)
	}
}

func TestRateLimitDenialMakesNoCallAndNoStateChange(t *testing.T) {
	gen := &fakeGenerator{results: []string{"first"}}
	limiter := ratelimit.New(ratelimit.WithCapacity(1), ratelimit.WithRefillRate(0.001))
	c := newTestController(gen, &fakeGate{}, WithLimiter(limiter))

	view := c.Open("user-1", "financialSituation", "", domain.PromptContext{})
	if _, err := c.Generate(context.Background(), view.SessionID); err != nil {
		t.Fatal(err)
	}

	got, err := c.Generate(context.Background(), view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if gen.callCount() != 1 {
		t.Fatalf("generator called %d times, want 1 (denial must not call out)", gen.callCount())
	}
	if got.Error == "" || got.RetryAfterMs <= 0 {
		t.Fatalf("denied view must carry a wait hint, got error %q retryAfter %d", got.Error, got.RetryAfterMs)
	}
	if len(got.Suggestions) != 1 {
		t.Fatal("denial must not change the suggestion list")
	}
	if got.IsLoading {
		t.Fatal("denied attempt must never enter the loading state")
	}
}

func TestIrrelevantSeedRedirects(t *testing.T) {
	gen := &fakeGenerator{results: []string{"should never be used"}}
	gate := &fakeGate{verdict: &domain.RelevancyVerdict{IsRelevant: false, RelevancyScore: 12, Reason: "asks about the time"}}
	c := newTestController(gen, gate)

	view := c.Open("u", "financialSituation", "", domain.PromptContext{CurrentValue: "what time is it"})
	got, err := c.Generate(context.Background(), view.SessionID)
	if err != nil {
		t.Fatal(err)
	}

	if gen.callCount() != 0 {
		t.Fatal("irrelevant seed must short-circuit before the full generator")
	}
	if len(got.Suggestions) != 1 || !got.Suggestions[0].IsRedirect {
		t.Fatalf("want one redirect suggestion, got %+v", got.Suggestions)
	}
	if !strings.Contains(got.Suggestions[0].Text, "income") {
		t.Fatalf("redirect must name the expected topic: %q", got.Suggestions[0].Text)
	}
	if got.ActiveSuggestionID != got.Suggestions[0].ID {
		t.Fatal("redirect message is selectable like any suggestion")
	}
}

func TestShortSeedSkipsGate(t *testing.T) {
	gen := &fakeGenerator{results: []string{"generated"}}
	gate := &fakeGate{verdict: &domain.RelevancyVerdict{IsRelevant: false, RelevancyScore: 0}}
	c := newTestController(gen, gate)

	view := c.Open("u", "financialSituation", "", domain.PromptContext{CurrentValue: "hi there"})
	if _, err := c.Generate(context.Background(), view.SessionID); err != nil {
		t.Fatal(err)
	}

	if gate.callCount() != 0 {
		t.Fatal("seed under 10 chars must skip the relevancy gate")
	}
	if gen.callCount() != 1 {
		t.Fatal("generation should proceed directly")
	}
}

func TestGateFailureFailsOpen(t *testing.T) {
	gen := &fakeGenerator{results: []string{"generated anyway"}}
	gate := &fakeGate{err: domain.ErrTransient("classifier down", nil)}
	c := newTestController(gen, gate)

	view := c.Open("u", "financialSituation", "", domain.PromptContext{CurrentValue: "a long enough seed text"})
	got, err := c.Generate(context.Background(), view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Suggestions) != 1 || got.Suggestions[0].Text != "generated anyway" {
		t.Fatalf("gate failure must not block generation, got %+v", got.Suggestions)
	}
	if got.Error != "" {
		t.Fatalf("gate degradation must not surface to the user, got %q", got.Error)
	}
}

func TestErrorKeepsPriorSuggestions(t *testing.T) {
	gen := &fakeGenerator{results: []string{"first suggestion"}}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})
	if _, err := c.Generate(context.Background(), view.SessionID); err != nil {
		t.Fatal(err)
	}

	gen.mu.Lock()
	gen.err = domain.ErrTransient("upstream 503", nil)
	gen.mu.Unlock()

	got, err := c.Generate(context.Background(), view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Error == "" {
		t.Fatal("transport failure must surface inline")
	}
	if len(got.Suggestions) != 1 || got.Suggestions[0].Text != "first suggestion" {
		t.Fatalf("failure must not discard prior suggestions, got %+v", got.Suggestions)
	}
}

func TestSupersession(t *testing.T) {
	block := make(chan struct{})
	gen := &fakeGenerator{results: []string{"stale result", "fresh result"}, block: block}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})

	firstDone := make(chan *View, 1)
	go func() {
		v, _ := c.Generate(context.Background(), view.SessionID)
		firstDone <- v
	}()

	waitFor(t, func() bool { return gen.callCount() == 1 })

	// The user edits the draft and regenerates; the first call must be
	// cancelled and its eventual result discarded.
	if _, err := c.SaveEdit(view.SessionID, "edited"); err != nil {
		t.Fatal(err)
	}

	secondDone := make(chan *View, 1)
	go func() {
		v, _ := c.Generate(context.Background(), view.SessionID)
		secondDone <- v
	}()

	waitFor(t, func() bool { return gen.callCount() == 2 })
	close(block)

	<-firstDone
	second := <-secondDone

	if len(second.Suggestions) != 1 || second.Suggestions[0].Text != "fresh result" {
		t.Fatalf("want only the fresh result, got %+v", second.Suggestions)
	}

	final, err := c.StartEdit(view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	for _, sg := range final.Suggestions {
		if sg.Text == "stale result" {
			t.Fatal("stale superseded result leaked into session state")
		}
	}
	if final.Error != "" {
		t.Fatalf("supersession is not an error, got %q", final.Error)
	}
}

func TestSelectCancelsInFlightGenerate(t *testing.T) {
	gen := &fakeGenerator{results: []string{"result-1", "result-2"}}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})
	first, err := c.Generate(context.Background(), view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	selectedID := first.Suggestions[0].ID

	block := make(chan struct{})
	gen.setBlock(block)

	done := make(chan *View, 1)
	go func() {
		v, _ := c.Generate(context.Background(), view.SessionID)
		done <- v
	}()
	waitFor(t, func() bool { return gen.callCount() == 2 })

	// The user picks the existing suggestion while the second generate is
	// still running.
	selected, err := c.Select(view.SessionID, selectedID)
	if err != nil {
		t.Fatal(err)
	}
	if selected.IsLoading {
		t.Fatal("selection must clear the loading state")
	}

	close(block)
	<-done

	final, err := c.View(view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if final.ActiveSuggestionID != selectedID {
		t.Fatalf("late generate overwrote the user's selection: active=%s want=%s",
			final.ActiveSuggestionID, selectedID)
	}
	if final.EditedText != "result-1" {
		t.Fatalf("edit buffer = %q, want the selected suggestion's text", final.EditedText)
	}
	for _, sg := range final.Suggestions {
		if sg.Text == "result-2" {
			t.Fatal("cancelled generate's result leaked into the suggestion list")
		}
	}
}

func TestUseExampleCancelsInFlightGenerate(t *testing.T) {
	block := make(chan struct{})
	gen := &fakeGenerator{results: []string{"generated late"}, block: block}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})

	done := make(chan struct{})
	go func() {
		c.Generate(context.Background(), view.SessionID)
		close(done)
	}()
	waitFor(t, func() bool { return gen.callCount() == 1 })

	used, err := c.UseExample(view.SessionID, "an example the user picked")
	if err != nil {
		t.Fatal(err)
	}

	close(block)
	<-done

	final, err := c.View(view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if final.ActiveSuggestionID != used.Suggestions[0].ID {
		t.Fatal("late generate overwrote the example selection")
	}
	if len(final.Suggestions) != 1 || final.Suggestions[0].Text != "an example the user picked" {
		t.Fatalf("suggestions = %+v, want only the example", final.Suggestions)
	}
}

func TestGenerateReleasesRequestContext(t *testing.T) {
	gen := &fakeGenerator{results: []string{"done"}}
	gate := &fakeGate{}
	c := newTestController(gen, gate)

	// The gate sees the per-generate context directly, so a seed long
	// enough to be classified lets us observe its lifetime.
	view := c.Open("u", "financialSituation", "", domain.PromptContext{CurrentValue: "a seed long enough to classify"})
	if _, err := c.Generate(context.Background(), view.SessionID); err != nil {
		t.Fatal(err)
	}

	gate.mu.Lock()
	ctx := gate.lastCtx
	gate.mu.Unlock()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("per-generate context must be released once the call finishes")
	}
}

func TestAcceptGating(t *testing.T) {
	var accepted []string
	c := newTestController(&fakeGenerator{results: []string{"x"}}, &fakeGate{},
		WithOnAccept(func(field, text string) { accepted = append(accepted, text) }))

	pctx := domain.PromptContext{Constraints: domain.FieldConstraints{MinLength: 10, MaxLength: 50}}
	view := c.Open("u", "financialSituation", "", pctx)

	// Empty after trimming: no-op.
	c.SaveEdit(view.SessionID, "   ")
	if _, err := c.Accept(view.SessionID); err == nil {
		t.Fatal("empty text must not be acceptable")
	}
	if c.SessionCount() != 1 || len(accepted) != 0 {
		t.Fatal("failed accept must leave the session untouched")
	}

	// Too short.
	c.SaveEdit(view.SessionID, "short")
	if _, err := c.Accept(view.SessionID); err == nil {
		t.Fatal("text below minLength must not be acceptable")
	}

	// Too long.
	c.SaveEdit(view.SessionID, strings.Repeat("a", 51))
	if _, err := c.Accept(view.SessionID); err == nil {
		t.Fatal("text above maxLength must not be acceptable")
	}
	if len(accepted) != 0 {
		t.Fatal("onAccept must not fire for rejected text")
	}

	// Within bounds.
	c.SaveEdit(view.SessionID, "a perfectly fine answer")
	text, err := c.Accept(view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if text != "a perfectly fine answer" {
		t.Fatalf("accepted text = %q", text)
	}
	if len(accepted) != 1 || accepted[0] != text {
		t.Fatalf("onAccept calls = %v, want exactly one", accepted)
	}
	if c.SessionCount() != 0 {
		t.Fatal("accept must discard the session")
	}
}

func TestSelectEditSaveCancel(t *testing.T) {
	gen := &fakeGenerator{results: []string{"first", "second"}}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})
	c.Generate(context.Background(), view.SessionID)
	got, _ := c.Generate(context.Background(), view.SessionID)

	// Newest first: suggestions[0] is "second", suggestions[1] is "first".
	older := got.Suggestions[1]
	got, err := c.Select(view.SessionID, older.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveSuggestionID != older.ID || got.EditedText != "first" || got.IsEditing {
		t.Fatalf("select: %+v", got)
	}

	got, _ = c.StartEdit(view.SessionID)
	if !got.IsEditing {
		t.Fatal("StartEdit must enter editing mode")
	}

	got, _ = c.SaveEdit(view.SessionID, "first, but improved")
	if got.IsEditing {
		t.Fatal("SaveEdit must leave editing mode")
	}
	var saved *domain.Suggestion
	for i := range got.Suggestions {
		if got.Suggestions[i].ID == older.ID {
			saved = &got.Suggestions[i]
		}
	}
	if saved == nil || saved.Text != "first, but improved" || !saved.IsEdited {
		t.Fatalf("SaveEdit must mutate the active suggestion in place: %+v", saved)
	}

	c.StartEdit(view.SessionID)
	got, _ = c.CancelEdit(view.SessionID)
	if got.EditedText != "first, but improved" || got.IsEditing {
		t.Fatalf("CancelEdit must restore from the stored suggestion text: %+v", got)
	}
}

func TestUseExample(t *testing.T) {
	c := newTestController(&fakeGenerator{results: []string{"x"}}, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})
	if len(view.Examples) != 3 {
		t.Fatalf("static example bank missing: %d", len(view.Examples))
	}

	got, err := c.UseExample(view.SessionID, view.Examples[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Suggestions) != 1 || got.Suggestions[0].Text != view.Examples[0] {
		t.Fatalf("UseExample must synthesize a suggestion: %+v", got.Suggestions)
	}
	if got.ActiveSuggestionID != got.Suggestions[0].ID {
		t.Fatal("example suggestion must become active")
	}
}

func TestGenerateExamples(t *testing.T) {
	gen := &fakeGenerator{results: []string{`["ex one", "ex two", "ex three"]`}}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})
	got, err := c.GenerateExamples(context.Background(), view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DynamicExamples) != 3 || got.DynamicExamples[1] != "ex two" {
		t.Fatalf("DynamicExamples = %v", got.DynamicExamples)
	}
	if got.ExamplesError != "" || got.LoadingExamples {
		t.Fatalf("view = %+v", got)
	}
}

func TestGenerateExamplesFailureKeepsStaticBank(t *testing.T) {
	gen := &fakeGenerator{err: domain.ErrTransient("down", nil)}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})
	got, err := c.GenerateExamples(context.Background(), view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExamplesError == "" {
		t.Fatal("failure must set examplesError")
	}
	if len(got.Examples) != 3 {
		t.Fatal("static examples must remain available")
	}
}

func TestCloseAbortsInFlight(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	gen := &fakeGenerator{results: []string{"never delivered"}, block: block}
	c := newTestController(gen, &fakeGate{})

	view := c.Open("u", "financialSituation", "", domain.PromptContext{})

	done := make(chan struct{})
	go func() {
		c.Generate(context.Background(), view.SessionID)
		close(done)
	}()

	waitFor(t, func() bool { return gen.callCount() == 1 })
	c.Close(view.SessionID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close must cancel the in-flight generate")
	}
	if c.SessionCount() != 0 {
		t.Fatal("Close must discard the session")
	}
	// Closing again is harmless.
	c.Close(view.SessionID)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
