package share

import "errors"

// ErrNotVault is returned for vault-only operations on item shares.
var ErrNotVault = errors.New("share is not a vault")
