package cache

import "errors"

var (
	// ErrTierUnavailable indicates a tier backend could not be reached. The
	// manager absorbs it and degrades to the remaining tiers.
	ErrTierUnavailable = errors.New("cache tier unavailable")

	// ErrBudgetExceeded indicates a local insertion was rejected because
	// eviction could not free enough space.
	ErrBudgetExceeded = errors.New("local cache byte budget exceeded")

	// ErrInvalidPattern indicates an invalidation pattern outside the
	// supported subset. Patterns may contain at most one '*' wildcard.
	ErrInvalidPattern = errors.New("invalid invalidation pattern: at most one '*' supported")
)
