// Package tokens estimates token counts for prompt budgeting and usage
// reporting. It uses tiktoken when the model's encoding is known and falls
// back to the ceil(chars/4) heuristic otherwise.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens for a fixed model. The zero value is not usable;
// construct with NewEstimator.
type Estimator struct {
	model string

	once  sync.Once
	codec tokenizer.Codec
}

// NewEstimator creates an estimator for model. The tokenizer codec is
// resolved lazily on first use.
func NewEstimator(model string) *Estimator {
	return &Estimator{model: model}
}

func (e *Estimator) getCodec() tokenizer.Codec {
	e.once.Do(func() {
		if codec, err := tokenizer.ForModel(tokenizer.Model(e.model)); err == nil {
			e.codec = codec
			return
		}
		if codec, err := tokenizer.Get(modelToEncoding(e.model)); err == nil {
			e.codec = codec
		}
	})
	return e.codec
}

// Estimate returns the token count of text. Exact via tiktoken when the
// encoding resolves, otherwise ceil(len/4). The fallback is an
// approximation, not billed-accurate.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if codec := e.getCodec(); codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return Approximate(text)
}

// Approximate is the chars/4 heuristic used when no tokenizer is available.
func Approximate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// modelToEncoding maps model name prefixes to tokenizer encodings for
// fallback when the model itself is unknown to tiktoken.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
