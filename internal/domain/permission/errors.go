package permission

import "errors"

// Non-decision conditions. Callers must be able to distinguish these from an
// explicit rejection: an entry-point layer may apply a different default to
// "no decision" than to "operator said no".
var (
	// ErrLockTimeout means another negotiation held the operator lock for
	// the whole remaining deadline.
	ErrLockTimeout = errors.New("operator lock not acquired before deadline")

	// ErrExpired means the operator never answered the decision prompt
	// before the request deadline.
	ErrExpired = errors.New("decision prompt expired")
)

// IsNonDecision reports whether err is a sealed "no decision" condition
// rather than an operator decision or an internal failure.
func IsNonDecision(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrExpired)
}
