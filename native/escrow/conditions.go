package escrow

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// ConditionKeyReleaseAfter holds a unix timestamp before which release is
// refused by TimeLockChecker.
const ConditionKeyReleaseAfter = "release_after"

// ConditionChecker decides whether an escrow's release conditions hold.
type ConditionChecker interface {
	Met(ctx context.Context, esc *Escrow, now time.Time) (bool, error)
}

// ConditionFunc adapts a function to ConditionChecker.
type ConditionFunc func(ctx context.Context, esc *Escrow, now time.Time) (bool, error)

// Met implements ConditionChecker.
func (f ConditionFunc) Met(ctx context.Context, esc *Escrow, now time.Time) (bool, error) {
	return f(ctx, esc, now)
}

// AlwaysMet accepts every release.
var AlwaysMet ConditionChecker = ConditionFunc(func(context.Context, *Escrow, time.Time) (bool, error) {
	return true, nil
})

// TimeLockChecker refuses release until the release_after condition has
// passed. Escrows without the condition are always releasable.
type TimeLockChecker struct{}

func (TimeLockChecker) Met(_ context.Context, esc *Escrow, now time.Time) (bool, error) {
	if esc == nil {
		return false, nil
	}
	raw, ok := esc.Conditions[ConditionKeyReleaseAfter]
	if !ok || strings.TrimSpace(raw) == "" {
		return true, nil
	}
	unlock, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return false, err
	}
	return !now.Before(time.Unix(unlock, 0)), nil
}
