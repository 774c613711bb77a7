package guard

import (
	"strings"
	"time"
)

// BypassMode controls which checks internal operators may skip.
type BypassMode string

const (
	BypassNone    BypassMode = "none"
	BypassCredits BypassMode = "credits"
	BypassAll     BypassMode = "all"
)

// ParseBypassMode normalizes a configured mode, defaulting to none.
func ParseBypassMode(raw string) BypassMode {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case string(BypassCredits):
		return BypassCredits
	case string(BypassAll):
		return BypassAll
	default:
		return BypassNone
	}
}

// AuthContext is the caller identity resolved once per request upstream of
// the guard. The guard never reconstructs it from ambient state.
type AuthContext struct {
	UserID string
	Email  string
	Roles  []string
}

// HasInternalRole reports whether the caller carries an operator role.
func (auth AuthContext) HasInternalRole() bool {
	for _, role := range auth.Roles {
		if role == "internal" || role == "admin" {
			return true
		}
	}
	return false
}

// PolicyConfig is the explicit bypass and waiver policy, constructed once at
// boot and passed into the guard so behavior is deterministic under test.
type PolicyConfig struct {
	BypassMode          BypassMode
	InternalOrgIDs      map[string]struct{}
	InternalEmailDomain string
	KillSwitch          bool
	WaiverWindow        time.Duration
	Offers              []Offer
}

// DefaultOffers is the fixed top-up catalogue attached to declines.
func DefaultOffers() []Offer {
	return []Offer{
		{ID: "pack_50", Label: "+50 credits", Amount: 50, PriceCents: 499},
		{ID: "pack_200", Label: "+200 credits", Amount: 200, PriceCents: 1499},
		{ID: "grace_25", Label: "Use Grace +25", Amount: 25, PriceCents: 0},
	}
}

// NewPolicyConfig builds a policy from raw configuration values. orgIDsCSV is
// the comma-separated allow-list of internal org ids.
func NewPolicyConfig(mode string, orgIDsCSV string, emailDomain string, killSwitch bool) PolicyConfig {
	allowList := make(map[string]struct{})
	for _, part := range strings.Split(orgIDsCSV, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			allowList[trimmed] = struct{}{}
		}
	}
	return PolicyConfig{
		BypassMode:          ParseBypassMode(mode),
		InternalOrgIDs:      allowList,
		InternalEmailDomain: strings.TrimSpace(emailDomain),
		KillSwitch:          killSwitch,
		WaiverWindow:        DefaultWaiverWindow,
		Offers:              DefaultOffers(),
	}
}

func (policy PolicyConfig) normalized() PolicyConfig {
	if policy.WaiverWindow <= 0 {
		policy.WaiverWindow = DefaultWaiverWindow
	}
	if len(policy.Offers) == 0 {
		policy.Offers = DefaultOffers()
	}
	if policy.InternalOrgIDs == nil {
		policy.InternalOrgIDs = map[string]struct{}{}
	}
	return policy
}

// allowsBypass reports whether the caller may skip the charge entirely.
// The kill-switch always wins, even for allow-listed callers.
func (policy PolicyConfig) allowsBypass(orgID OrgID, auth AuthContext) bool {
	if policy.KillSwitch {
		return false
	}
	if policy.BypassMode != BypassAll && policy.BypassMode != BypassCredits {
		return false
	}
	if _, listed := policy.InternalOrgIDs[orgID.String()]; !listed {
		return false
	}
	if auth.HasInternalRole() {
		return true
	}
	if policy.InternalEmailDomain == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(auth.Email), "@"+strings.ToLower(policy.InternalEmailDomain))
}
