// Package envconfig loads aimeter configuration from environment variables
// and, optionally, a config file.
//
// Priority (highest to lowest):
//  1. Environment variables (e.g. FREE_HOURLY_LIMIT), optionally prefixed
//  2. The config file, if one is given
//  3. Built-in defaults
package envconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Recognized keys.
const (
	KeyFreeHourlyLimit       = "FREE_HOURLY_LIMIT"
	KeyPlusHourlyLimit       = "PLUS_HOURLY_LIMIT"
	KeyProHourlyLimit        = "PRO_HOURLY_LIMIT"
	KeyFreeHourlyTokens      = "FREE_HOURLY_TOKENS"
	KeyPlusHourlyTokens      = "PLUS_HOURLY_TOKENS"
	KeyProHourlyTokens       = "PRO_HOURLY_TOKENS"
	KeyResetIntervalMS       = "RESET_INTERVAL_MS"
	KeyAdjustmentTTLMS       = "ADJUSTMENT_TTL_MS"
	KeyTokenBufferFraction   = "TOKEN_BUFFER_FRACTION"
	KeyTokenizerModel        = "TOKENIZER_MODEL"
	KeyCharsPerToken         = "CHARS_PER_TOKEN"
	KeyStoreTimeoutMS        = "STORE_TIMEOUT_MS"
	KeyFailurePolicy         = "FAILURE_POLICY"
	KeyRefundUnreportedUsage = "REFUND_UNREPORTED_USAGE"
	KeyLogLevel              = "LOG_LEVEL"

	// KeyExpectedOutputPrefix is followed by the upper-cased operation, e.g. EXPECTED_OUTPUT_TOKENS_DRAFT
	KeyExpectedOutputPrefix = "EXPECTED_OUTPUT_TOKENS_"
)

// Settings is the loaded configuration, split by the component that consumes it.
type Settings struct {
	// Window goes to the Store
	Window aimeter.WindowConfig

	// Estimator goes to aimeter.NewTokenEstimator; Tokenizer is left nil
	Estimator aimeter.EstimatorConfig

	// TokenizerModel selects the exact tokenizer's encoding
	TokenizerModel string

	// Controller goes to aimeter.NewController; Logger and Metrics are left nil
	Controller aimeter.Config

	LogLevel string
}

// Options configures Load.
type Options struct {
	// EnvPrefix is prepended to every variable name (e.g. "AIMETER" reads AIMETER_FREE_HOURLY_LIMIT)
	EnvPrefix string

	// ConfigFile is an optional file (yaml, toml, json, env) read before the environment
	ConfigFile string
}

// Load reads the environment (and the optional config file) and validates the result.
func Load(opts Options) (*Settings, error) {
	v := viper.New()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return FromViper(v)
}

// SetDefaults registers the built-in default of every recognized key on v.
func SetDefaults(v *viper.Viper) {
	budgets := aimeter.DefaultTierBudgets()
	v.SetDefault(KeyFreeHourlyLimit, budgets[aimeter.TierFree].Requests)
	v.SetDefault(KeyPlusHourlyLimit, budgets[aimeter.TierPlus].Requests)
	v.SetDefault(KeyProHourlyLimit, budgets[aimeter.TierPro].Requests)
	v.SetDefault(KeyFreeHourlyTokens, budgets[aimeter.TierFree].Tokens)
	v.SetDefault(KeyPlusHourlyTokens, budgets[aimeter.TierPlus].Tokens)
	v.SetDefault(KeyProHourlyTokens, budgets[aimeter.TierPro].Tokens)
	v.SetDefault(KeyResetIntervalMS, aimeter.DefaultResetInterval.Milliseconds())
	v.SetDefault(KeyAdjustmentTTLMS, aimeter.DefaultAdjustmentTTL.Milliseconds())
	v.SetDefault(KeyTokenBufferFraction, aimeter.DefaultBufferFraction)
	v.SetDefault(KeyTokenizerModel, "gpt-4o-mini")
	v.SetDefault(KeyCharsPerToken, aimeter.DefaultCharsPerToken)
	v.SetDefault(KeyStoreTimeoutMS, aimeter.DefaultStoreTimeout.Milliseconds())
	v.SetDefault(KeyFailurePolicy, string(aimeter.FailClosed))
	v.SetDefault(KeyRefundUnreportedUsage, false)
	v.SetDefault(KeyLogLevel, "info")

	for op, p := range aimeter.DefaultOperationProfiles() {
		v.SetDefault(expectedOutputKey(op), p.ExpectedOutputTokens)
	}
}

// FromViper builds Settings from an already-populated viper instance.
// Values are parsed strictly: anything malformed is an aimeter.ErrInvalidConfig.
func FromViper(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)
	p := &parser{v: v}

	s := &Settings{
		Window: aimeter.WindowConfig{
			Budgets: aimeter.TierBudgets{
				aimeter.TierFree: {Requests: p.int(KeyFreeHourlyLimit), Tokens: p.int(KeyFreeHourlyTokens)},
				aimeter.TierPlus: {Requests: p.int(KeyPlusHourlyLimit), Tokens: p.int(KeyPlusHourlyTokens)},
				aimeter.TierPro:  {Requests: p.int(KeyProHourlyLimit), Tokens: p.int(KeyProHourlyTokens)},
			},
			ResetInterval: p.millis(KeyResetIntervalMS),
			AdjustmentTTL: p.millis(KeyAdjustmentTTLMS),
		},
		Estimator: aimeter.EstimatorConfig{
			Profiles:       aimeter.DefaultOperationProfiles(),
			BufferFraction: p.float(KeyTokenBufferFraction),
			CharsPerToken:  p.float(KeyCharsPerToken),
		},
		TokenizerModel: strings.TrimSpace(v.GetString(KeyTokenizerModel)),
		Controller: aimeter.Config{
			StoreTimeout:          p.millis(KeyStoreTimeoutMS),
			FailurePolicy:         aimeter.FailurePolicy(strings.ToLower(strings.TrimSpace(v.GetString(KeyFailurePolicy)))),
			RefundUnreportedUsage: p.bool(KeyRefundUnreportedUsage),
		},
		LogLevel: strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
	}

	for op, profile := range s.Estimator.Profiles {
		profile.ExpectedOutputTokens = p.int(expectedOutputKey(op))
		s.Estimator.Profiles[op] = profile
	}
	s.Controller.ResetInterval = s.Window.ResetInterval

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every section.
func (s *Settings) Validate() error {
	if err := s.Window.Validate(); err != nil {
		return err
	}
	if err := s.Estimator.Validate(); err != nil {
		return err
	}
	if s.Estimator.CharsPerToken <= 0 {
		return fmt.Errorf("%w: %s must be positive", aimeter.ErrInvalidConfig, KeyCharsPerToken)
	}
	if s.Controller.StoreTimeout <= 0 {
		return fmt.Errorf("%w: %s must be positive", aimeter.ErrInvalidConfig, KeyStoreTimeoutMS)
	}
	return s.Controller.Validate()
}

func expectedOutputKey(op aimeter.Operation) string {
	return KeyExpectedOutputPrefix + strings.ToUpper(string(op))
}

// parser collects every malformed value instead of stopping at the first.
type parser struct {
	v    *viper.Viper
	errs []error
}

func (p *parser) raw(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) int(key string) int64 {
	n, err := strconv.ParseInt(p.raw(key), 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not an integer", aimeter.ErrInvalidConfig, key, p.raw(key)))
		return 0
	}
	if n < 0 {
		p.errs = append(p.errs, fmt.Errorf("%w: %s must not be negative", aimeter.ErrInvalidConfig, key))
		return 0
	}
	return n
}

func (p *parser) float(key string) float64 {
	f, err := strconv.ParseFloat(p.raw(key), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not a number", aimeter.ErrInvalidConfig, key, p.raw(key)))
		return 0
	}
	return f
}

func (p *parser) bool(key string) bool {
	b, err := strconv.ParseBool(p.raw(key))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not a boolean", aimeter.ErrInvalidConfig, key, p.raw(key)))
		return false
	}
	return b
}

func (p *parser) millis(key string) time.Duration {
	return time.Duration(p.int(key)) * time.Millisecond
}
