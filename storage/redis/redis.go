// Package redis provides a Redis implementation of the aimeter.Store interface.
// Each user's window is one hash; every mutation is a Lua script over that
// user's keys, so operations for one user are linearizable and users never
// contend. A user's keys share a hash tag and land in one Cluster slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Storage implements aimeter.Store using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var _ aimeter.Store = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "aimeter:")
	KeyPrefix string

	// Window is the tier budget table and reset interval
	Window aimeter.WindowConfig

	// WindowTTL expires idle windows (0 = no expiration). Must exceed Window.ResetInterval.
	WindowTTL time.Duration

	// Clock defaults to aimeter.SystemClock. Time is taken from the caller, not the Redis server.
	Clock aimeter.Clock
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "aimeter:",
		Window: aimeter.WindowConfig{
			Budgets:       aimeter.DefaultTierBudgets(),
			ResetInterval: aimeter.DefaultResetInterval,
		},
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "aimeter:"
	}
	if config.Clock == nil {
		config.Clock = aimeter.SystemClock{}
	}
	config.Window = config.Window.WithDefaults()
	if err := config.Window.Validate(); err != nil {
		return nil, err
	}
	if config.WindowTTL != 0 && config.WindowTTL <= config.Window.ResetInterval {
		return nil, fmt.Errorf("%w: window TTL must exceed the reset interval", aimeter.ErrInvalidConfig)
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// Window hash fields. Times are unix milliseconds.
const (
	fieldTier         = "tier"
	fieldReqRemaining = "req_rem"
	fieldReqTotal     = "req_tot"
	fieldTokRemaining = "tok_rem"
	fieldTokTotal     = "tok_tot"
	fieldWindowStart  = "start"
	fieldUpdatedAt    = "updated"
)

// luaPrelude is shared by the scripts that may create or reset a window.
// ARGV: now, interval, ttl, tier, requestBudget, tokenBudget
const luaPrelude = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local tier = ARGV[4]
local reqBudget = tonumber(ARGV[5])
local tokBudget = tonumber(ARGV[6])

local function fresh()
	redis.call('HSET', key,
		'tier', tier,
		'req_rem', reqBudget, 'req_tot', reqBudget,
		'tok_rem', tokBudget, 'tok_tot', tokBudget,
		'start', now, 'updated', now)
end

local function touch()
	if ttl > 0 then
		redis.call('PEXPIRE', key, ttl)
	end
end

local function read()
	local v = redis.call('HMGET', key, 'tier', 'req_rem', 'req_tot', 'tok_rem', 'tok_tot', 'start', 'updated')
	return {v[1], tonumber(v[2]), tonumber(v[3]), tonumber(v[4]), tonumber(v[5]), tonumber(v[6]), tonumber(v[7])}
end

-- returns 1 when an existing expired window was replenished
local function prepare()
	if redis.call('EXISTS', key) == 0 then
		fresh()
		return 0
	end
	local start = tonumber(redis.call('HGET', key, 'start'))
	if now - start >= interval then
		fresh()
		return 1
	end
	return 0
end

local function reply(status, reset)
	local w = read()
	return {status, w[1], w[2], w[3], w[4], w[5], w[6], w[7], reset}
end
`

// luaDecrement applies clamped deltas to an existing window.
// ARGV: now, requestDelta, tokenDelta
const luaDecrement = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local reqDelta = tonumber(ARGV[2])
local tokDelta = tonumber(ARGV[3])

local function clamp(v, lo, hi)
	if v < lo then return lo end
	if v > hi then return hi end
	return v
end

local function decrement(status)
	local v = redis.call('HMGET', key, 'req_rem', 'req_tot', 'tok_rem', 'tok_tot')
	local reqRem = clamp(tonumber(v[1]) - reqDelta, 0, tonumber(v[2]))
	local tokRem = clamp(tonumber(v[3]) - tokDelta, 0, tonumber(v[4]))
	redis.call('HSET', key, 'req_rem', reqRem, 'tok_rem', tokRem, 'updated', now)

	local w = redis.call('HMGET', key, 'tier', 'req_rem', 'req_tot', 'tok_rem', 'tok_tot', 'start', 'updated')
	return {status, w[1], tonumber(w[2]), tonumber(w[3]), tonumber(w[4]), tonumber(w[5]), tonumber(w[6]), tonumber(w[7]), 0}
end
`

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	s.scripts["get_or_create"] = redis.NewScript(luaPrelude + `
		if redis.call('EXISTS', key) == 0 then
			fresh()
		end
		touch()
		return reply('ok', 0)
	`)

	s.scripts["reset_if_expired"] = redis.NewScript(luaPrelude + `
		local reset = prepare()
		touch()
		return reply('ok', reset)
	`)

	// ARGV: now, requestDelta, tokenDelta
	s.scripts["try_decrement"] = redis.NewScript(luaDecrement + `
		if redis.call('EXISTS', key) == 0 then
			return {'missing'}
		end
		return decrement('ok')
	`)

	// KEYS: window, adjustment record. ARGV: now, 0, tokenDelta, adjustmentTTL
	s.scripts["adjust"] = redis.NewScript(luaDecrement + `
		if redis.call('EXISTS', key) == 0 then
			return {'missing'}
		end
		if not redis.call('SET', KEYS[2], now, 'NX', 'PX', tonumber(ARGV[4])) then
			local w = redis.call('HMGET', key, 'tier', 'req_rem', 'req_tot', 'tok_rem', 'tok_tot', 'start', 'updated')
			return {'duplicate', w[1], tonumber(w[2]), tonumber(w[3]), tonumber(w[4]), tonumber(w[5]), tonumber(w[6]), tonumber(w[7]), 0}
		end
		return decrement('ok')
	`)

	// ARGV: prelude args, then requestDelta, tokenDelta
	s.scripts["reserve"] = redis.NewScript(luaPrelude + `
		local reqDelta = tonumber(ARGV[7])
		local tokDelta = tonumber(ARGV[8])

		local reset = prepare()
		touch()

		local v = redis.call('HMGET', key, 'req_rem', 'tok_rem')
		local reqRem = tonumber(v[1])
		local tokRem = tonumber(v[2])

		if reqRem < 1 or reqRem < reqDelta then
			return reply('requests_exhausted', reset)
		end
		if tokRem < tokDelta then
			return reply('tokens_exhausted', reset)
		end

		redis.call('HSET', key, 'req_rem', reqRem - reqDelta, 'tok_rem', tokRem - tokDelta, 'updated', now)
		return reply('ok', reset)
	`)
}

func (s *Storage) windowKey(userID string) string {
	return fmt.Sprintf("%swindow:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) adjustmentKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("%sadjust:{%s}:%s", s.config.KeyPrefix, userID, idempotencyKey)
}

// preludeArgs builds ARGV for luaPrelude.
func (s *Storage) preludeArgs(tier aimeter.Tier) ([]interface{}, error) {
	budget, err := s.config.Window.Budgets.For(tier)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		s.config.Clock.Now().UnixMilli(),
		s.config.Window.ResetInterval.Milliseconds(),
		s.config.WindowTTL.Milliseconds(),
		string(tier),
		budget.Requests,
		budget.Tokens,
	}, nil
}

// GetOrCreate implements aimeter.Store
func (s *Storage) GetOrCreate(ctx context.Context, userID string, tier aimeter.Tier) (*aimeter.UsageWindow, error) {
	args, err := s.preludeArgs(tier)
	if err != nil {
		return nil, err
	}
	raw, err := s.scripts["get_or_create"].Run(ctx, s.client, []string{s.windowKey(userID)}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get window: %w", err)
	}
	_, w, _, err := parseScriptResult(userID, raw)
	return w, err
}

// ResetIfExpired implements aimeter.Store
func (s *Storage) ResetIfExpired(ctx context.Context, userID string,
	tier aimeter.Tier) (*aimeter.UsageWindow, bool, error) {
	args, err := s.preludeArgs(tier)
	if err != nil {
		return nil, false, err
	}
	raw, err := s.scripts["reset_if_expired"].Run(ctx, s.client, []string{s.windowKey(userID)}, args...).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reset window: %w", err)
	}
	_, w, reset, err := parseScriptResult(userID, raw)
	return w, reset, err
}

// TryDecrement implements aimeter.Store
func (s *Storage) TryDecrement(ctx context.Context, userID string,
	requestDelta, tokenDelta int64) (bool, *aimeter.UsageWindow, error) {
	raw, err := s.scripts["try_decrement"].Run(ctx, s.client, []string{s.windowKey(userID)},
		s.config.Clock.Now().UnixMilli(), requestDelta, tokenDelta).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to decrement window: %w", err)
	}
	status, w, _, err := parseScriptResult(userID, raw)
	if err != nil {
		return false, nil, err
	}
	if status == "missing" {
		return false, nil, nil
	}
	return true, w, nil
}

// Adjust implements aimeter.Store. Applied keys expire after Window.AdjustmentTTL.
func (s *Storage) Adjust(ctx context.Context, req *aimeter.AdjustRequest) (*aimeter.AdjustResult, error) {
	if req.IdempotencyKey == "" {
		ok, w, err := s.TryDecrement(ctx, req.UserID, 0, req.TokensDelta)
		if err != nil {
			return nil, err
		}
		return &aimeter.AdjustResult{Found: ok, Window: w}, nil
	}

	keys := []string{s.windowKey(req.UserID), s.adjustmentKey(req.UserID, req.IdempotencyKey)}
	raw, err := s.scripts["adjust"].Run(ctx, s.client, keys,
		s.config.Clock.Now().UnixMilli(), 0, req.TokensDelta, s.config.Window.AdjustmentTTL.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to adjust window: %w", err)
	}
	status, w, _, err := parseScriptResult(req.UserID, raw)
	if err != nil {
		return nil, err
	}
	switch status {
	case "missing":
		return &aimeter.AdjustResult{}, nil
	case "duplicate":
		return &aimeter.AdjustResult{Found: true, Duplicate: true, Window: w}, nil
	case "ok":
		return &aimeter.AdjustResult{Found: true, Window: w}, nil
	}
	return nil, fmt.Errorf("unexpected adjust status %q", status)
}

// CheckSufficiency implements aimeter.Store
func (s *Storage) CheckSufficiency(ctx context.Context, userID string, tier aimeter.Tier,
	estimatedTokens int64) (aimeter.Sufficiency, error) {
	if !tier.Valid() {
		return aimeter.Sufficiency{}, fmt.Errorf("%w: %q", aimeter.ErrInvalidTier, tier)
	}

	vals, err := s.client.HMGet(ctx, s.windowKey(userID),
		fieldTier, fieldReqRemaining, fieldReqTotal, fieldTokRemaining, fieldTokTotal,
		fieldWindowStart, fieldUpdatedAt).Result()
	if err != nil {
		return aimeter.Sufficiency{}, fmt.Errorf("failed to read window: %w", err)
	}

	var current *aimeter.UsageWindow
	if vals[0] != nil {
		current, err = windowFromHash(userID, vals)
		if err != nil {
			return aimeter.Sufficiency{}, err
		}
	}

	w, err := aimeter.PreviewWindow(current, userID, tier, s.config.Window, s.config.Clock.Now())
	if err != nil {
		return aimeter.Sufficiency{}, err
	}
	return aimeter.Check(w, estimatedTokens), nil
}

// Reserve implements aimeter.Store
func (s *Storage) Reserve(ctx context.Context, req *aimeter.ReserveRequest) (*aimeter.ReserveResult, error) {
	if req.RequestsDelta < 0 || req.TokensDelta < 0 {
		return nil, fmt.Errorf("%w: negative reservation", aimeter.ErrInvalidConfig)
	}
	args, err := s.preludeArgs(req.Tier)
	if err != nil {
		return nil, err
	}
	args = append(args, req.RequestsDelta, req.TokensDelta)

	raw, err := s.scripts["reserve"].Run(ctx, s.client, []string{s.windowKey(req.UserID)}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve: %w", err)
	}
	status, w, reset, err := parseScriptResult(req.UserID, raw)
	if err != nil {
		return nil, err
	}

	res := &aimeter.ReserveResult{Window: w, Reset: reset}
	switch status {
	case "ok":
		res.Admitted = true
	case string(aimeter.RejectRequestsExhausted), string(aimeter.RejectTokensExhausted):
		res.Reason = aimeter.RejectReason(status)
	default:
		return nil, fmt.Errorf("unexpected reserve status %q", status)
	}
	return res, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// WindowConfig implements aimeter.Store
func (s *Storage) WindowConfig() aimeter.WindowConfig {
	return s.config.Window
}

// parseScriptResult parses {status, tier, req_rem, req_tot, tok_rem, tok_tot, start, updated, reset}.
func parseScriptResult(userID string, result interface{}) (status string, w *aimeter.UsageWindow,
	reset bool, err error) {
	values, ok := result.([]interface{})
	if !ok || len(values) == 0 {
		return "", nil, false, fmt.Errorf("unexpected script result format")
	}
	status, ok = values[0].(string)
	if !ok {
		return "", nil, false, fmt.Errorf("failed to parse status")
	}
	if status == "missing" {
		return status, nil, false, nil
	}
	if len(values) != 9 {
		return "", nil, false, fmt.Errorf("unexpected script result length %d", len(values))
	}

	tier, ok := values[1].(string)
	if !ok {
		return "", nil, false, fmt.Errorf("failed to parse tier")
	}
	ints := make([]int64, 0, 7)
	for _, v := range values[2:] {
		n, ok := v.(int64)
		if !ok {
			return "", nil, false, fmt.Errorf("failed to parse window field %v", v)
		}
		ints = append(ints, n)
	}

	w = &aimeter.UsageWindow{
		UserID:            userID,
		Tier:              aimeter.Tier(tier),
		RequestsRemaining: ints[0],
		RequestsTotal:     ints[1],
		TokensRemaining:   ints[2],
		TokensTotal:       ints[3],
		WindowStart:       time.UnixMilli(ints[4]).UTC(),
		UpdatedAt:         time.UnixMilli(ints[5]).UTC(),
	}
	return status, w, ints[6] == 1, nil
}

// windowFromHash converts an HMGET reply (all fields as strings) into a window.
func windowFromHash(userID string, vals []interface{}) (*aimeter.UsageWindow, error) {
	nums := make([]int64, 0, len(vals)-1)
	for _, v := range vals[1:] {
		str, ok := v.(string)
		if !ok {
			return nil, errors.New("corrupt window hash")
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt window hash: %w", err)
		}
		nums = append(nums, n)
	}
	tier, _ := vals[0].(string)
	return &aimeter.UsageWindow{
		UserID:            userID,
		Tier:              aimeter.Tier(tier),
		RequestsRemaining: nums[0],
		RequestsTotal:     nums[1],
		TokensRemaining:   nums[2],
		TokensTotal:       nums[3],
		WindowStart:       time.UnixMilli(nums[4]).UTC(),
		UpdatedAt:         time.UnixMilli(nums[5]).UTC(),
	}, nil
}
