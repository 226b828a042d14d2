package points

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var percentDivisor = decimal.NewFromInt(100)

// ruleSnapshot is an immutable view of the rule configuration. Lookups read
// whichever snapshot pointer is current; Rebuild swaps the whole thing.
type ruleSnapshot struct {
	forumRates  map[ForumID]decimal.Decimal
	groupParams map[GroupID]GroupParams
}

// RuleStore caches forum rates and group income parameters. Reads are
// lock-free; Rebuild replaces the snapshot atomically so readers observe
// either the old or the new complete rule set.
type RuleStore struct {
	source   RuleSource
	snapshot atomic.Pointer[ruleSnapshot]
}

// NewRuleStore wires a RuleStore over a persisted rule source.
func NewRuleStore(source RuleSource) (*RuleStore, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: rule source dependency is nil", ErrInvalidServiceConfig)
	}
	return &RuleStore{source: source}, nil
}

// Rebuild loads the full rule set and swaps it in. Triggered by
// administrative action only, never implicitly on reads.
func (store *RuleStore) Rebuild(ctx context.Context) error {
	forumRates, err := store.source.ListForumRules(ctx)
	if err != nil {
		return WrapError("rules", "forum", "list", err)
	}
	groupParams, err := store.source.ListGroupRules(ctx)
	if err != nil {
		return WrapError("rules", "group", "list", err)
	}
	store.snapshot.Store(&ruleSnapshot{forumRates: forumRates, groupParams: groupParams})
	return nil
}

// Stale reports whether Rebuild has never completed. Lookups still work,
// falling back to neutral defaults per ErrRuleStoreStale semantics.
func (store *RuleStore) Stale() bool {
	return store.snapshot.Load() == nil
}

// ForumRate returns the forum's rate multiplier, defaulting to 1 when the
// forum has no rule (or the store is stale). A rate of zero suppresses every
// income kind in that forum.
func (store *RuleStore) ForumRate(forumID ForumID) decimal.Decimal {
	snapshot := store.snapshot.Load()
	if snapshot == nil {
		return decimal.NewFromInt(1)
	}
	rate, ok := snapshot.forumRates[forumID]
	if !ok {
		return decimal.NewFromInt(1)
	}
	return rate
}

// GroupParams returns the group's income configuration. Unknown groups (and
// a stale store) yield zero income values with a neutral rate, so resolution
// degrades to "multiplier 1, nothing configured" instead of failing.
func (store *RuleStore) GroupParams(groupID GroupID) GroupParams {
	snapshot := store.snapshot.Load()
	if snapshot == nil {
		return defaultGroupParams()
	}
	params, ok := snapshot.groupParams[groupID]
	if !ok {
		return defaultGroupParams()
	}
	return params
}

func defaultGroupParams() GroupParams {
	return GroupParams{CanEarn: true}
}

// GroupRate composes the group's rate modifiers into a single multiplier:
//
//	groupRate = 1 + rateAddition - rateSubtraction/100
//
// The addition and subtraction are combined in one sum before anything is
// multiplied; the same formula backs real-time crediting and recount. The
// boolean is false when the group earns nothing at all, either because it
// lacks the permission or because the composed rate is not positive.
func GroupRate(params GroupParams) (decimal.Decimal, bool) {
	if !params.CanEarn {
		return decimal.Zero, false
	}
	rate := decimal.NewFromInt(1).
		Add(params.RateAddition).
		Sub(params.RateSubtraction.Div(percentDivisor))
	if rate.Sign() <= 0 {
		return decimal.Zero, false
	}
	return rate, true
}

// ResolveRate produces the effective multiplier for a user's group in a
// forum: forumRate x groupRate. False means all income is discarded for the
// user; a true result may still be mathematically zero when the forum rate
// is zero.
func ResolveRate(params GroupParams, forumRate decimal.Decimal) (decimal.Decimal, bool) {
	groupRate, ok := GroupRate(params)
	if !ok {
		return decimal.Zero, false
	}
	if forumRate.Sign() <= 0 {
		return decimal.Zero, true
	}
	return forumRate.Mul(groupRate), true
}
