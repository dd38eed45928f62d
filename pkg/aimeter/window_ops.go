package aimeter

import (
	"fmt"
	"time"
)

// The functions below are the window state transitions shared by every Store
// that performs them under its own per-user lock or transaction. w == nil
// means the user has no window yet.

// ResetWindow returns the window after a create-if-absent and reset-if-expired
// step, and whether a reset happened. Creating a window is not a reset.
func ResetWindow(w *UsageWindow, userID string, tier Tier, cfg WindowConfig, now time.Time) (*UsageWindow, bool, error) {
	budget, err := cfg.Budgets.For(tier)
	if err != nil {
		return nil, false, err
	}
	if w == nil {
		return NewWindow(userID, tier, budget, now), false, nil
	}
	if !w.Expired(now, cfg.ResetInterval) {
		return w, false, nil
	}
	w.Reset(tier, budget, now)
	return w, true, nil
}

// ReserveWindow performs Store.Reserve on w. The returned window is always
// non-nil; when Admitted is false it holds no decrement.
func ReserveWindow(w *UsageWindow, req *ReserveRequest, cfg WindowConfig, now time.Time) (*ReserveResult, error) {
	if req.RequestsDelta < 0 || req.TokensDelta < 0 {
		return nil, fmt.Errorf("%w: negative reservation", ErrInvalidConfig)
	}
	w, reset, err := ResetWindow(w, req.UserID, req.Tier, cfg, now)
	if err != nil {
		return nil, err
	}

	res := &ReserveResult{Window: w, Reset: reset}
	switch {
	case w.RequestsRemaining < req.RequestsDelta || w.RequestsRemaining < 1:
		res.Reason = RejectRequestsExhausted
	case w.TokensRemaining < req.TokensDelta:
		res.Reason = RejectTokensExhausted
	default:
		w.ApplyDelta(req.RequestsDelta, req.TokensDelta, now)
		res.Admitted = true
	}
	return res, nil
}

// PreviewWindow returns the window CheckSufficiency should judge: a fresh one
// when w is absent or expired, otherwise a copy of w. It never mutates w.
func PreviewWindow(w *UsageWindow, userID string, tier Tier, cfg WindowConfig, now time.Time) (*UsageWindow, error) {
	budget, err := cfg.Budgets.For(tier)
	if err != nil {
		return nil, err
	}
	if w == nil || w.Expired(now, cfg.ResetInterval) {
		return NewWindow(userID, tier, budget, now), nil
	}
	return w.Clone(), nil
}
