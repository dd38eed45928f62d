package aimeter

import (
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	// DefaultBufferFraction is the safety margin applied to every estimate
	DefaultBufferFraction = 0.25

	// DefaultCharsPerToken is the character-to-token ratio of the approximate counter
	DefaultCharsPerToken = 4.0

	// ceilEpsilon absorbs float error so that e.g. 1000*1.1 rounds up to 1100, not 1101
	ceilEpsilon = 1e-9
)

// Tokenizer counts tokens exactly the way the generation backend does.
type Tokenizer interface {
	CountTokens(text string) int
}

// TokenCount is the result of counting the tokens of one text.
type TokenCount struct {
	Tokens int64

	// Exact is false when the approximation was used
	Exact bool
}

// EstimatorConfig configures a TokenEstimator.
type EstimatorConfig struct {
	// Profiles holds expected output size and system prompt for every operation kind
	Profiles map[Operation]OperationProfile

	// BufferFraction is the safety margin applied uniformly (e.g. 0.25 = +25%)
	BufferFraction float64

	// CharsPerToken is used by the approximation (default: 4)
	CharsPerToken float64

	// Tokenizer is the exact tokenizer; nil means every count is approximate
	Tokenizer Tokenizer
}

// DefaultEstimatorConfig returns the built-in profiles and a 25% buffer with no exact tokenizer.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Profiles:       DefaultOperationProfiles(),
		BufferFraction: DefaultBufferFraction,
		CharsPerToken:  DefaultCharsPerToken,
	}
}

// Validate checks that the profile table covers exactly the known operation kinds.
func (c EstimatorConfig) Validate() error {
	for op, p := range c.Profiles {
		if !op.Valid() {
			return fmt.Errorf("%w: profile for %q", ErrInvalidOperation, op)
		}
		if p.ExpectedOutputTokens < 0 {
			return fmt.Errorf("%w: negative expected output for %q", ErrInvalidConfig, op)
		}
	}
	for _, op := range AllOperations {
		if _, ok := c.Profiles[op]; !ok {
			return fmt.Errorf("%w: missing profile for operation %q", ErrInvalidConfig, op)
		}
	}
	if c.BufferFraction < 0 || math.IsNaN(c.BufferFraction) || math.IsInf(c.BufferFraction, 0) {
		return fmt.Errorf("%w: buffer fraction %v", ErrInvalidConfig, c.BufferFraction)
	}
	return nil
}

// TokenEstimator predicts the token cost of an operation before it runs.
// It is pure and safe for concurrent use.
type TokenEstimator struct {
	profiles       map[Operation]OperationProfile
	systemTokens   map[Operation]int64
	bufferFraction float64
	charsPerToken  float64
	tokenizer      Tokenizer
}

// NewTokenEstimator validates config and precomputes the system prompt cost of every operation.
func NewTokenEstimator(config EstimatorConfig) (*TokenEstimator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.CharsPerToken <= 0 {
		config.CharsPerToken = DefaultCharsPerToken
	}

	e := &TokenEstimator{
		profiles:       make(map[Operation]OperationProfile, len(config.Profiles)),
		systemTokens:   make(map[Operation]int64, len(config.Profiles)),
		bufferFraction: config.BufferFraction,
		charsPerToken:  config.CharsPerToken,
		tokenizer:      config.Tokenizer,
	}
	for op, p := range config.Profiles {
		e.profiles[op] = p
		e.systemTokens[op] = e.CountTokens(p.SystemPrompt).Tokens
	}
	return e, nil
}

// Exact reports whether counts come from the exact tokenizer.
func (e *TokenEstimator) Exact() bool {
	return e.tokenizer != nil
}

// CountTokens counts the tokens of text, exactly when a tokenizer is configured.
func (e *TokenEstimator) CountTokens(text string) TokenCount {
	if text == "" {
		return TokenCount{Tokens: 0, Exact: e.tokenizer != nil}
	}
	if e.tokenizer != nil {
		return TokenCount{Tokens: int64(e.tokenizer.CountTokens(text)), Exact: true}
	}
	return TokenCount{Tokens: ApproximateTokens(text, e.charsPerToken), Exact: false}
}

// ApproximateTokens returns ceil(runeCount / charsPerToken). It is monotonic in input length.
func ApproximateTokens(text string, charsPerToken float64) int64 {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	runes := utf8.RuneCountInString(text)
	return int64(math.Ceil(float64(runes) / charsPerToken))
}

// ExpectedOutputTokens returns the configured output size for op.
func (e *TokenEstimator) ExpectedOutputTokens(op Operation) (int64, error) {
	p, ok := e.profiles[op]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	return p.ExpectedOutputTokens, nil
}

// SystemCostTokens returns the token count of op's fixed instruction text.
func (e *TokenEstimator) SystemCostTokens(op Operation) (int64, error) {
	n, ok := e.systemTokens[op]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	return n, nil
}

// EstimateUserCost returns ceil((inputTokens + expectedOutput) * (1 + buffer)).
func (e *TokenEstimator) EstimateUserCost(op Operation, formattedInput string) (CostEstimate, error) {
	return e.estimate(op, formattedInput, false)
}

// EstimateFullCost is EstimateUserCost plus the cost of op's system prompt.
func (e *TokenEstimator) EstimateFullCost(op Operation, formattedInput string) (CostEstimate, error) {
	return e.estimate(op, formattedInput, true)
}

func (e *TokenEstimator) estimate(op Operation, input string, full bool) (CostEstimate, error) {
	output, err := e.ExpectedOutputTokens(op)
	if err != nil {
		return CostEstimate{}, err
	}

	count := e.CountTokens(input)
	est := CostEstimate{
		Operation:            op,
		InputTokens:          count.Tokens,
		ExpectedOutputTokens: output,
		Degraded:             !count.Exact,
	}
	if full {
		est.SystemTokens = e.systemTokens[op]
	}

	base := float64(est.InputTokens + est.ExpectedOutputTokens + est.SystemTokens)
	est.EstimatedTokens = int64(math.Ceil(base*(1+e.bufferFraction) - ceilEpsilon))
	if est.EstimatedTokens < 0 {
		est.EstimatedTokens = 0
	}
	return est, nil
}
