// Package tiktoken provides an exact aimeter.Tokenizer backed by OpenAI's BPE encodings.
package tiktoken

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// DefaultModel is the model whose encoding is used when none is configured.
const DefaultModel = "gpt-4o-mini"

// Tokenizer counts tokens with the encoding of one model.
type Tokenizer struct {
	model string
	enc   *tiktoken.Tiktoken
}

var _ aimeter.Tokenizer = (*Tokenizer)(nil)

// New loads the encoding for model. Loading may download the BPE ranks on first
// use; an error means the caller should fall back to the approximate counter.
func New(model string) (*Tokenizer, error) {
	if model == "" {
		model = DefaultModel
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("load encoding for %s: %w", model, err)
	}
	return &Tokenizer{model: model, enc: enc}, nil
}

// NewWithEncoding loads a named encoding such as "o200k_base" or "cl100k_base".
func NewWithEncoding(encoding string) (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tokenizer{model: encoding, enc: enc}, nil
}

// Model returns the model or encoding name the tokenizer was built for.
func (t *Tokenizer) Model() string {
	return t.model
}

// CountTokens returns the number of tokens in text. Special-token markup in
// user input is counted as ordinary text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// NewOrNil returns the tokenizer for model, or nil with the load error so the
// estimator degrades to the approximation instead of failing startup.
func NewOrNil(model string) (aimeter.Tokenizer, error) {
	t, err := New(model)
	if err != nil {
		return nil, err
	}
	return t, nil
}
