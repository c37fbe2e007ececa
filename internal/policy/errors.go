package policy

import "errors"

// ErrInvalidDescriptor marks a work descriptor that fails validation. It is
// the only error SelectAndLoad surfaces to callers; everything else is
// absorbed into the degraded flag on the returned bundle.
var ErrInvalidDescriptor = errors.New("invalid work descriptor")
