package plugin

import (
	"time"

	"github.com/joncooperworks/authplugin/wire"
)

// Rules limit what a plugin will sign. The zero value permits everything.
type Rules struct {
	// DisableArbitraryData answers sign-arbitrary-data with "unsupported".
	DisableArbitraryData bool
	// DisableDelegation answers sign-delegation with "unsupported".
	DisableDelegation bool
	// RequireCanisterScoping refuses unscoped delegations.
	RequireCanisterScoping bool
	// AllowedCanisters, when non-nil, is the only set of delegation targets
	// accepted. Unscoped delegations are then refused as well.
	AllowedCanisters []wire.Principal
	// MaxTTL caps the lifetime of a delegation. Zero means no cap.
	MaxTTL time.Duration
}

// needsScoping reports whether an unscoped delegation must be refused.
func (r *Rules) needsScoping() bool {
	return r.RequireCanisterScoping || r.AllowedCanisters != nil
}

// disallowed returns the targets outside the allow-list.
func (r *Rules) disallowed(targets []wire.Principal) []wire.Principal {
	if r.AllowedCanisters == nil {
		return nil
	}
	var out []wire.Principal
	for _, t := range targets {
		allowed := false
		for _, a := range r.AllowedCanisters {
			if t.Equal(a) {
				allowed = true
				break
			}
		}
		if !allowed {
			out = append(out, t)
		}
	}
	return out
}

// clamp limits a desired expiry to now+MaxTTL.
func (r *Rules) clamp(desired wire.Uint128, now time.Time) wire.Uint128 {
	if r.MaxTTL <= 0 {
		return desired
	}
	limit := wire.ExpiryFromTime(now.Add(r.MaxTTL))
	if desired.Cmp(limit) > 0 {
		return limit
	}
	return desired
}
