package domain

import "errors"

// Expected control-flow outcomes are sentinel errors so callers dispatch with
// errors.Is instead of matching message text. UpstreamNotApproved and
// InvalidState occur in normal operation; ProviderUnavailable is transient and
// retryable by the caller.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUpstreamNotApproved = errors.New("upstream stage not approved")
	ErrInvalidState        = errors.New("invalid state for operation")
	ErrProviderUnavailable = errors.New("ai provider unavailable")
)
